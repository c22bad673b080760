package src

import (
	"fmt"

	"statesync/src/model"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. STATESYNC_STATE_MODE
const EnvPrefix = "STATESYNC"

type Config struct {
	LogConfig          model.LogConfig          `yaml:"log" envconfig:"LOG"`
	StateManagerConfig model.StateManagerConfig `yaml:"state_manager" envconfig:"STATE"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		LogConfig:          model.DefaultLogConfig(),
		StateManagerConfig: model.DefaultStateManagerConfig(),
	}
}

// LoadConfig builds the configuration from defaults and environment only
func LoadConfig() (*Config, error) {
	config := DefaultConfig()
	if err := ApplyEnv(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyEnv overrides fields of config that have an environment variable set.
// Unset variables leave the current value in place.
func ApplyEnv(config *Config) error {
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("error processing environment configuration: %v", err)
	}
	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.StateManagerConfig.Validate(); err != nil {
		return fmt.Errorf("state_manager: %w", err)
	}
	return nil
}
