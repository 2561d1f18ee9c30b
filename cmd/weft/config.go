package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the weft configuration file (~/.config/weft/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model     string `yaml:"model"`
	MaxBatch  *int64 `yaml:"max_batch"`
	Seed      *int64 `yaml:"seed"`
	DeviceMem *int64 `yaml:"device_mem"`
	Steps     *int64 `yaml:"steps"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "weft", "config.yaml")
}

// loadConfig reads the config file, returning a zero Config when absent.
func loadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyCommonConfig fills common command variables from the config file for
// every flag the user did not set explicitly.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.MaxBatch != nil && !c.IsSet("max-batch") {
		maxBatch = *cfg.MaxBatch
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.DeviceMem != nil && !c.IsSet("device-mem") {
		deviceMem = *cfg.DeviceMem
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
