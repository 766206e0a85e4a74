package config

import (
	"log/slog"
	"os"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Config file (explicit path, or ORCHESTRATOR_CONFIG)
// 3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ORCHESTRATOR_CONFIG")
	}

	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
		l.logger.Debug("Loaded config file", slog.String("path", path))
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
