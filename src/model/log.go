package model

// ----------------------------------------------------
// ================ Config ================
// LogConfig holds configuration for the zerolog logger
type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`             // trace, debug, info, warn, error
	TimeFormat string `yaml:"time_format" envconfig:"TIME_FORMAT"` // rfc3339, unix, iso8601
	Output     string `yaml:"output" envconfig:"OUTPUT"`           // stdout, stderr, file
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	Format     string `yaml:"format" envconfig:"FORMAT"` // json, console
}

// DefaultLogConfig returns console logging at info level on stdout
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		TimeFormat: "rfc3339",
		Output:     "stdout",
		FilePath:   "logs/statesync.log",
		Format:     "console",
	}
}
