package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"statesync/internal/state"
	"statesync/src/model"
)

// StateManager persists per-token state trees and serialises their mutation.
//
// Keys are composite: "{token}_{state.full.name}". The state path selects the
// class the caller is interested in; backends that fetch partially use it to
// decide which nodes to load.
type StateManager interface {
	// GetState returns the root of a detached copy of the token's tree.
	// Changes to it are kept only when handed back to SetState. Classes
	// never persisted come back with their declared defaults.
	GetState(ctx context.Context, key string) (*state.Node, error)
	// SetState persists the nodes of root's tree that were modified.
	SetState(ctx context.Context, key string, root *state.Node) error
	// ModifyState runs fn with exclusive access to the token's tree and
	// persists what fn changed. Access is released on every exit path.
	ModifyState(ctx context.Context, key string, fn func(root *state.Node) error) error
	// DeleteState drops every stored node of token.
	DeleteState(ctx context.Context, token string) error
	// Stats returns counters of remote and local coordination work.
	Stats() Stats
	// Close releases held locks, flushes pending writes and stops background work.
	Close(ctx context.Context) error
}

// Stats counts coordination work done by a manager since construction.
type Stats struct {
	RemoteAcquires int64 `json:"remote_acquires"`
	RemoteReleases int64 `json:"remote_releases"`
	LeaseReuses    int64 `json:"lease_reuses"`
	Flushes        int64 `json:"flushes"`
}

// Options tunes a manager. Zero durations take the defaults below.
type Options struct {
	TokenExpiration      time.Duration
	LockExpiration       time.Duration
	LockWarningThreshold time.Duration
	LockWaitTimeout      time.Duration
	LockRetryInterval    time.Duration
	// LeaseDuration keeps a remote lock after a modify scope for at most this
	// long while idle. Zero releases after every scope.
	LeaseDuration time.Duration
	// WriteDebounce delays disk writes to coalesce bursts. Zero writes inline.
	WriteDebounce time.Duration
	Dir           string
	Logger        zerolog.Logger
}

const (
	DefaultTokenExpiration      = time.Hour
	DefaultLockExpiration       = 10 * time.Second
	DefaultLockWarningThreshold = time.Second
	DefaultLockRetryInterval    = 250 * time.Millisecond
	DefaultDir                  = ".states"
)

func (o Options) withDefaults() Options {
	if o.TokenExpiration <= 0 {
		o.TokenExpiration = DefaultTokenExpiration
	}
	if o.LockExpiration <= 0 {
		o.LockExpiration = DefaultLockExpiration
	}
	if o.LockWarningThreshold <= 0 {
		o.LockWarningThreshold = DefaultLockWarningThreshold
	}
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = 2 * o.LockExpiration
	}
	if o.LockRetryInterval <= 0 {
		o.LockRetryInterval = DefaultLockRetryInterval
	}
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	return o
}

func (o Options) validate() error {
	if o.LockWarningThreshold >= o.LockExpiration {
		return &InvalidLockWarningThresholdError{Threshold: o.LockWarningThreshold, Expiration: o.LockExpiration}
	}
	return nil
}

// OptionsFromConfig converts the configuration surface into manager options.
func OptionsFromConfig(cfg model.StateManagerConfig, log zerolog.Logger) Options {
	return Options{
		TokenExpiration:      time.Duration(cfg.TokenExpiration) * time.Second,
		LockExpiration:       time.Duration(cfg.LockExpiration) * time.Millisecond,
		LockWarningThreshold: time.Duration(cfg.LockWarningThreshold) * time.Millisecond,
		LockWaitTimeout:      time.Duration(cfg.LockWaitTimeout) * time.Millisecond,
		LockRetryInterval:    time.Duration(cfg.LockRetryInterval) * time.Millisecond,
		LeaseDuration:        time.Duration(cfg.LeaseDuration) * time.Millisecond,
		WriteDebounce:        time.Duration(cfg.DiskWriteDebounce * float64(time.Second)),
		Dir:                  cfg.DiskDir,
		Logger:               log,
	}
}

// New builds the manager selected by cfg.Mode. Misconfiguration fails here,
// never at first use.
func New(ctx context.Context, schema *state.Schema, cfg model.StateManagerConfig, log zerolog.Logger) (StateManager, error) {
	opts := OptionsFromConfig(cfg, log)
	switch strings.ToLower(cfg.Mode) {
	case model.ModeMemory:
		return NewMemoryManager(schema, opts)
	case model.ModeDisk:
		return NewDiskManager(schema, opts)
	case model.ModeRedis:
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		m, err := NewRedisManager(ctx, client, schema, opts)
		if err != nil {
			client.Close()
			return nil, err
		}
		m.ownsClient = true
		return m, nil
	default:
		return nil, &InvalidStateManagerModeError{Mode: cfg.Mode}
	}
}

// Key builds the composite key of a state of token.
func Key(token, fullName string) string {
	return token + "_" + fullName
}

// ParseKey splits a composite key at its first underscore.
func ParseKey(key string) (token, path string, err error) {
	token, path, found := strings.Cut(key, "_")
	if token == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if !found || path == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMissingStatePath, key)
	}
	return token, path, nil
}

// resolve parses key and checks the state path against the schema.
func resolve(schema *state.Schema, key string) (string, *state.Class, error) {
	token, path, err := ParseKey(key)
	if err != nil {
		return "", nil, err
	}
	class := schema.Class(path)
	if class == nil {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownState, path)
	}
	return token, class, nil
}

func componentLogger(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
