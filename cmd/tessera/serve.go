package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/server"
	"github.com/samcharles93/tessera/pkg/container"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		port        int
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve a container over HTTP as /{z}/{x}/{y}.{ext}",
		ArgsUsage: "<container>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       server.DefaultAddr,
				Destination: &addr,
			},
			&cli.IntFlag{
				Name:        "port",
				Aliases:     []string{"p"},
				Usage:       "listen port, replacing the port of --addr",
				Destination: &port,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       server.DefaultReadTimeout,
				Destination: &readTimeout,
			},
		}, remoteFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cmd.Args().Len() != 1 {
				return usageError("serve needs exactly one <container>")
			}
			location := cmd.Args().First()

			applyServeConfig(cmd, cfg, &addr, &readTimeout)
			listen, err := listenAddr(addr, port)
			if err != nil {
				return err
			}

			r, err := container.Open(ctx, location, container.OpenOptions{Range: rangeOptions(cmd)})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer r.Close()

			srv := server.New(r, server.Config{
				Addr:        listen,
				ReadTimeout: readTimeout,
				Logger:      log,
			})
			return srv.Run(ctx)
		},
	}
}

// listenAddr applies --port to the host of --addr.
func listenAddr(addr string, port int) (string, error) {
	if port == 0 {
		return addr, nil
	}
	if port < 0 || port > 65535 {
		return "", usageError("--port %d out of range", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
