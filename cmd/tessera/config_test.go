package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log_level: debug
concurrency: 3
compression: brotli
attempt_timeout: 4s
server_address: 0.0.0.0:9000
read_timeout: 1m
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.NotNil(t, cfg.Concurrency)
	require.Equal(t, 3, *cfg.Concurrency)
	require.Nil(t, cfg.BlockCapacity)
	require.Equal(t, "brotli", cfg.Compression)
	require.Equal(t, 4*time.Second, *cfg.AttemptTimeout)
	require.Equal(t, "0.0.0.0:9000", cfg.ServerAddress)
	require.Equal(t, time.Minute, *cfg.ReadTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.True(t, isMissing(err))

	_, err = LoadConfig("")
	require.True(t, isMissing(err))

	_, err = LoadConfig(writeConfig(t, "concurrency: [1, 2"))
	require.Error(t, err)
	require.False(t, isMissing(err))
}

// runWithFlags parses args against flags and hands the command to fn.
func runWithFlags(t *testing.T, flags []cli.Flag, args []string, fn func(c *cli.Command)) {
	t.Helper()
	cmd := &cli.Command{
		Name:  "test",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			fn(c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
}

func TestApplyServeConfigFlagsWin(t *testing.T) {
	t.Parallel()

	timeout := 2 * time.Minute
	cfg := Config{ServerAddress: "0.0.0.0:9000", ReadTimeout: &timeout}
	flags := func(addr *string, rt *time.Duration) []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Destination: addr},
			&cli.IntFlag{Name: "port"},
			&cli.DurationFlag{Name: "read-timeout", Value: time.Second, Destination: rt},
		}
	}

	var (
		addr string
		rt   time.Duration
	)
	runWithFlags(t, flags(&addr, &rt), nil, func(c *cli.Command) {
		applyServeConfig(c, cfg, &addr, &rt)
	})
	require.Equal(t, "0.0.0.0:9000", addr)
	require.Equal(t, 2*time.Minute, rt)

	runWithFlags(t, flags(&addr, &rt), []string{"--addr", "localhost:1", "--read-timeout", "5s"}, func(c *cli.Command) {
		applyServeConfig(c, cfg, &addr, &rt)
	})
	require.Equal(t, "localhost:1", addr)
	require.Equal(t, 5*time.Second, rt)

	// --port alone keeps the config address out of the way.
	runWithFlags(t, flags(&addr, &rt), []string{"--port", "7000"}, func(c *cli.Command) {
		applyServeConfig(c, cfg, &addr, &rt)
	})
	require.Equal(t, "127.0.0.1:8080", addr)
}

func TestApplyConvertConfig(t *testing.T) {
	t.Parallel()

	three, big := 3, 1024
	cfg := Config{Concurrency: &three, BlockCapacity: &big, Compression: "gzip"}

	var (
		concurrency, capacity int
		compression           string
	)
	flags := []cli.Flag{
		&cli.IntFlag{Name: "concurrency", Destination: &concurrency},
		&cli.IntFlag{Name: "block-capacity", Destination: &capacity},
		&cli.StringFlag{Name: "compression", Destination: &compression},
	}
	runWithFlags(t, flags, []string{"--concurrency", "8"}, func(c *cli.Command) {
		applyConvertConfig(c, cfg, &concurrency, &capacity, &compression)
	})
	require.Equal(t, 8, concurrency)
	require.Equal(t, 1024, capacity)
	require.Equal(t, "gzip", compression)
}
