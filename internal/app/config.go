package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string // stage catalog, hcl file or directory
	ConfigPath   string // run configuration, hcl file

	OutDir  string // overrides the run configuration
	Workers int    // overrides the run configuration

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}

	return &cfg, nil
}
