package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/rangeread"
	"github.com/samcharles93/tessera/pkg/tile"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string

	retries        int
	attemptTimeout time.Duration
	cacheEntries   int

	// cfg is loaded once by setup and read by the subcommands.
	cfg Config
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       logger.FormatPretty,
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default ~/.config/tessera/config.yaml)",
			Destination: &configFile,
		},
	}
}

// remoteFlags tune reads from http(s) sources.
func remoteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "retries",
			Usage:       "attempts per remote range read, the first included",
			Value:       rangeread.DefaultRetryPolicy().MaxAttempts,
			Destination: &retries,
		},
		&cli.DurationFlag{
			Name:        "attempt-timeout",
			Usage:       "timeout for one remote range read",
			Value:       rangeread.DefaultRetryPolicy().AttemptTimeout,
			Destination: &attemptTimeout,
		},
		&cli.IntFlag{
			Name:        "cache-entries",
			Usage:       "index blocks kept in memory (0 = default)",
			Destination: &cacheEntries,
		},
	}
}

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	loaded, err := LoadConfig(path)
	found := err == nil
	if err != nil {
		// A config named on the command line must exist.
		if configFile != "" || !isMissing(err) {
			return ctx, err
		}
	}
	cfg = loaded
	applyLoggingConfig(cmd, cfg, &logLevel, &logFormat)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	if found {
		log.Debug("loaded config", "path", path)
	}
	return logger.WithContext(ctx, log), nil
}

func rangeOptions(cmd *cli.Command) rangeread.Options {
	applyRemoteConfig(cmd, cfg, &retries, &attemptTimeout, &cacheEntries)
	policy := rangeread.DefaultRetryPolicy()
	if retries > 0 {
		policy.MaxAttempts = retries
	}
	if attemptTimeout > 0 {
		policy.AttemptTimeout = attemptTimeout
	}
	return rangeread.Options{
		HTTP:         rangeread.HTTPOptions{Retry: policy},
		CacheEntries: cacheEntries,
	}
}

// exitCode separates bad input from failures while working.
func exitCode(err error) int {
	switch {
	case errors.Is(err, tile.ErrUnsupportedConversion), errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}
