package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the tessera configuration file (~/.config/tessera/config.yaml).
// Pointer fields distinguish "not set" from zero values. Flags given on the
// command line always win.
type Config struct {
	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Conversion
	Concurrency   *int   `yaml:"concurrency"`
	BlockCapacity *int   `yaml:"block_capacity"`
	Compression   string `yaml:"compression"`

	// Remote sources
	Retries        *int           `yaml:"retries"`
	AttemptTimeout *time.Duration `yaml:"attempt_timeout"`
	CacheEntries   *int           `yaml:"cache_entries"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	ReadTimeout   *time.Duration `yaml:"read_timeout"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tessera", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config and an error matching os.ErrNotExist.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config, level, format *string) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*format = cfg.LogFormat
	}
}

// applyConvertConfig applies config file defaults to convert command
// variables when the corresponding flag was not explicitly set.
func applyConvertConfig(c *cli.Command, cfg Config, concurrency, blockCapacity *int, compression *string) {
	if cfg.Concurrency != nil && !c.IsSet("concurrency") {
		*concurrency = *cfg.Concurrency
	}
	if cfg.BlockCapacity != nil && !c.IsSet("block-capacity") {
		*blockCapacity = *cfg.BlockCapacity
	}
	if cfg.Compression != "" && !c.IsSet("compression") {
		*compression = cfg.Compression
	}
}

func applyRemoteConfig(c *cli.Command, cfg Config, retries *int, attemptTimeout *time.Duration, cacheEntries *int) {
	if cfg.Retries != nil && !c.IsSet("retries") {
		*retries = *cfg.Retries
	}
	if cfg.AttemptTimeout != nil && !c.IsSet("attempt-timeout") {
		*attemptTimeout = *cfg.AttemptTimeout
	}
	if cfg.CacheEntries != nil && !c.IsSet("cache-entries") {
		*cacheEntries = *cfg.CacheEntries
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, readTimeout *time.Duration) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") && !c.IsSet("port") {
		*addr = cfg.ServerAddress
	}
	if cfg.ReadTimeout != nil && !c.IsSet("read-timeout") {
		*readTimeout = *cfg.ReadTimeout
	}
}

// isMissing reports a config error that only means there is no file.
func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
