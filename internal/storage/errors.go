package storage

import (
	"errors"
	"fmt"
	"time"

	"statesync/src/model"
)

var (
	ErrInvalidKey       = errors.New("invalid state key")
	ErrMissingStatePath = errors.New("state key has no state path")
	ErrUnknownState     = errors.New("unknown state")
	ErrManagerClosed    = errors.New("state manager is closed")
)

// LockExpiredError means an exclusive section outlived its lock and its
// changes were not committed.
type LockExpiredError struct {
	Token  string
	LockID string
	Held   time.Duration
}

func (e *LockExpiredError) Error() string {
	return fmt.Sprintf("lock for token %s expired after %s, changes discarded; move long-running work to a background task", e.Token, e.Held)
}

// LockTimeoutError means the lock could not be acquired before the wait
// deadline. The operation may be retried.
type LockTimeoutError struct {
	Token  string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for the lock of token %s; another worker holds it, move long-running work to a background task", e.Waited, e.Token)
}

// Temporary reports that the operation can be retried.
func (e *LockTimeoutError) Temporary() bool { return true }

// InvalidStateManagerModeError reports an unknown backend mode.
type InvalidStateManagerModeError = model.InvalidStateManagerModeError

// InvalidLockWarningThresholdError reports a warning threshold that is not
// strictly below the lock expiration.
type InvalidLockWarningThresholdError struct {
	Threshold  time.Duration
	Expiration time.Duration
}

func (e *InvalidLockWarningThresholdError) Error() string {
	return fmt.Sprintf("lock warning threshold %s must be less than lock expiration %s", e.Threshold, e.Expiration)
}
