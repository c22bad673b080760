package model

import (
	"fmt"
	"strings"
)

// Backend modes of the state manager
const (
	ModeMemory = "memory"
	ModeDisk   = "disk"
	ModeRedis  = "redis"
)

// ----------------------------------------------------
// ================ Config ================
// StateManagerConfig selects and tunes the state backend.
// Durations keep the units operators configure them in.
type StateManagerConfig struct {
	Mode                 string  `yaml:"mode" envconfig:"MODE"`
	TokenExpiration      int     `yaml:"token_expiration" envconfig:"TOKEN_EXPIRATION"`             // seconds
	LockExpiration       int     `yaml:"lock_expiration" envconfig:"LOCK_EXPIRATION"`               // ms
	LockWarningThreshold int     `yaml:"lock_warning_threshold" envconfig:"LOCK_WARNING_THRESHOLD"` // ms
	LockWaitTimeout      int     `yaml:"lock_wait_timeout" envconfig:"LOCK_WAIT_TIMEOUT"`           // ms, 0 = 2*lock_expiration
	LockRetryInterval    int     `yaml:"lock_retry_interval" envconfig:"LOCK_RETRY_INTERVAL"`       // ms
	LeaseDuration        int     `yaml:"lease_duration" envconfig:"LEASE_DURATION"`                 // ms, 0 disables leases
	DiskDir              string  `yaml:"disk_dir" envconfig:"DISK_DIR"`
	DiskWriteDebounce    float64 `yaml:"disk_write_debounce" envconfig:"DISK_WRITE_DEBOUNCE"` // seconds, 0 writes inline
	RedisURL             string  `yaml:"redis_url" envconfig:"REDIS_URL"`
}

// InvalidStateManagerModeError reports an unknown backend mode.
type InvalidStateManagerModeError struct {
	Mode string
}

func (e *InvalidStateManagerModeError) Error() string {
	return fmt.Sprintf("invalid state manager mode %q: expected %s, %s or %s", e.Mode, ModeMemory, ModeDisk, ModeRedis)
}

// DefaultStateManagerConfig returns the in-memory backend with default timings
func DefaultStateManagerConfig() StateManagerConfig {
	return StateManagerConfig{
		Mode:                 ModeMemory,
		TokenExpiration:      3600,
		LockExpiration:       10000,
		LockWarningThreshold: 1000,
		LockRetryInterval:    250,
		DiskDir:              ".states",
		DiskWriteDebounce:    2,
	}
}

// Validate fails on settings no backend can run with
func (c StateManagerConfig) Validate() error {
	switch strings.ToLower(c.Mode) {
	case ModeMemory, ModeDisk:
	case ModeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required in %s mode", ModeRedis)
		}
	default:
		return &InvalidStateManagerModeError{Mode: c.Mode}
	}
	if c.TokenExpiration <= 0 {
		return fmt.Errorf("token_expiration must be positive, got %d", c.TokenExpiration)
	}
	if c.LockExpiration <= 0 {
		return fmt.Errorf("lock_expiration must be positive, got %d", c.LockExpiration)
	}
	if c.LockWarningThreshold >= c.LockExpiration {
		return fmt.Errorf("lock_warning_threshold (%dms) must be less than lock_expiration (%dms)", c.LockWarningThreshold, c.LockExpiration)
	}
	if c.LockWaitTimeout < 0 || c.LockRetryInterval < 0 || c.LeaseDuration < 0 || c.DiskWriteDebounce < 0 {
		return fmt.Errorf("lock and debounce intervals cannot be negative")
	}
	return nil
}
