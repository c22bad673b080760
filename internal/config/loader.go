package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"statesync/src"
)

// LoadConfig loads configuration from a YAML file, then applies STATESYNC_*
// environment overrides and validates the result. A missing file is not an
// error: defaults and environment still apply. An empty path skips the file.
func LoadConfig(filepath string) (*src.Config, error) {
	if filepath == "" {
		return src.LoadConfig()
	}
	config := src.DefaultConfig()

	data, err := os.ReadFile(filepath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("error reading config file: %v", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("error parsing YAML: %v", err)
		}
	}

	if err := src.ApplyEnv(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}
