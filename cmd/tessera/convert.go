package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/convert"
	"github.com/samcharles93/tessera/pkg/tile"
)

func convertCmd() *cli.Command {
	var (
		format        string
		compression   string
		minZoom       int
		maxZoom       int
		bbox          string
		concurrency   int
		force         bool
		recompress    bool
		blockCapacity int
		name          string
	)

	return &cli.Command{
		Name:      "convert",
		Usage:     "Copy tiles from one container into a new one",
		ArgsUsage: "<source> <destination>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "tile-format",
				Aliases:     []string{"format"},
				Usage:       fmt.Sprintf("output container format (%s); detected from the destination extension by default", formatList()),
				Destination: &format,
			},
			&cli.StringFlag{
				Name:        "compression",
				Aliases:     []string{"c"},
				Usage:       "output tile compression (none, gzip, brotli, zstd); keeps the source compression by default",
				Destination: &compression,
			},
			&cli.IntFlag{
				Name:        "min-zoom",
				Usage:       "lowest zoom level to copy",
				Value:       -1,
				Destination: &minZoom,
			},
			&cli.IntFlag{
				Name:        "max-zoom",
				Usage:       "highest zoom level to copy",
				Value:       -1,
				Destination: &maxZoom,
			},
			&cli.StringFlag{
				Name:        "bbox",
				Usage:       "only copy tiles intersecting west,south,east,north (degrees)",
				Destination: &bbox,
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Aliases:     []string{"j"},
				Usage:       "transcoding workers (0 = one per CPU)",
				Destination: &concurrency,
			},
			&cli.BoolFlag{
				Name:        "force",
				Aliases:     []string{"f"},
				Usage:       "overwrite an existing destination",
				Destination: &force,
			},
			&cli.BoolFlag{
				Name:        "recompress",
				Usage:       "decode and re-encode every tile even when the compression is unchanged",
				Destination: &recompress,
			},
			&cli.IntFlag{
				Name:        "block-capacity",
				Usage:       "index entries per block for tbc output (0 = default)",
				Destination: &blockCapacity,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "name attribute of the output",
				Destination: &name,
			},
		}, remoteFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cmd.Args().Len() != 2 {
				return usageError("convert needs <source> and <destination>")
			}
			source, destination := cmd.Args().Get(0), cmd.Args().Get(1)

			applyConvertConfig(cmd, cfg, &concurrency, &blockCapacity, &compression)

			opts := convert.Options{
				Concurrency:   concurrency,
				Force:         force,
				Recompress:    recompress,
				BlockCapacity: blockCapacity,
				Open:          container.OpenOptions{Range: rangeOptions(cmd)},
			}
			if format != "" {
				f, err := container.ParseFormat(format)
				if err != nil {
					return usageError("%v", err)
				}
				opts.Format = f
			}
			if compression != "" {
				c, err := tile.ParseCompression(compression)
				if err != nil {
					return usageError("%v", err)
				}
				opts.Compression = &c
			}
			filter, err := buildFilter(minZoom, maxZoom, bbox)
			if err != nil {
				return err
			}
			opts.Filter = filter
			if name != "" {
				opts.Attributes = map[string]string{tile.AttrName: name}
			}

			log.Info("converting", "source", source, "destination", destination)
			report, err := convert.Run(ctx, source, destination, opts)
			if err != nil {
				return fmt.Errorf("convert: %w", err)
			}
			log.Info("conversion finished", report.Attrs()...)
			if report.TilesSkipped > 0 {
				log.Warn("some tiles could not be read and were skipped", "skipped", report.TilesSkipped)
			}
			return nil
		},
	}
}

// buildFilter turns the zoom and bbox flags into a filter. Negative zooms
// mean unset.
func buildFilter(minZoom, maxZoom int, bbox string) (convert.Filter, error) {
	var f convert.Filter
	zoom := func(flag string, v int) (*uint8, error) {
		if v < 0 {
			return nil, nil
		}
		if v > tile.MaxZoom {
			return nil, usageError("--%s %d above %d", flag, v, tile.MaxZoom)
		}
		z := uint8(v)
		return &z, nil
	}
	var err error
	if f.MinZoom, err = zoom("min-zoom", minZoom); err != nil {
		return f, err
	}
	if f.MaxZoom, err = zoom("max-zoom", maxZoom); err != nil {
		return f, err
	}
	if bbox != "" {
		b, err := parseBBox(bbox)
		if err != nil {
			return f, err
		}
		f.Bounds = &b
	}
	if err := f.Validate(); err != nil {
		return f, usageError("%v", err)
	}
	return f, nil
}

func parseBBox(s string) (convert.GeoBounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return convert.GeoBounds{}, usageError("--bbox wants west,south,east,north, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return convert.GeoBounds{}, usageError("--bbox value %q: %v", p, err)
		}
		v[i] = f
	}
	return convert.GeoBounds{West: v[0], South: v[1], East: v[2], North: v[3]}, nil
}

func formatList() string {
	formats := container.Formats()
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
