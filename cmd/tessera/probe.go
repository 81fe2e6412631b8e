package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// probeReport is what probe prints.
type probeReport struct {
	Location    string            `json:"location"`
	Version     string            `json:"version"`
	Format      tile.Format       `json:"tile_format"`
	Compression tile.Compression  `json:"tile_compression"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Levels      []probeLevel      `json:"levels"`
	// TileCount is known without a scan for some backends, and after a
	// deep probe for all of them.
	TileCount *uint64 `json:"tile_count,omitempty"`
	Scanned   bool    `json:"scanned"`
}

type probeLevel struct {
	tile.BBox
	// Coverage is the number of grid cells inside the level's box.
	Coverage uint64 `json:"coverage"`
	// Tiles is the number of stored tiles, filled by a deep probe.
	Tiles *uint64 `json:"tiles,omitempty"`
}

func probeCmd() *cli.Command {
	var (
		asJSON bool
		deep   bool
	)

	return &cli.Command{
		Name:      "probe",
		Usage:     "Print a container's metadata and coverage",
		ArgsUsage: "<container>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of text",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "deep",
				Usage:       "scan every stored coordinate to count tiles per zoom",
				Destination: &deep,
			},
		}, remoteFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return usageError("probe needs exactly one <container>")
			}
			location := cmd.Args().First()

			r, err := container.Open(ctx, location, container.OpenOptions{Range: rangeOptions(cmd)})
			if err != nil {
				return fmt.Errorf("probe: %w", err)
			}
			defer r.Close()

			report, err := probe(ctx, r, deep)
			if err != nil {
				return fmt.Errorf("probe: %w", err)
			}
			if asJSON {
				return writeProbeJSON(os.Stdout, report)
			}
			return writeProbeText(os.Stdout, report)
		},
	}
}

func probe(ctx context.Context, r container.Reader, deep bool) (probeReport, error) {
	meta := r.Metadata()
	report := probeReport{
		Location:    r.Name(),
		Version:     meta.Version,
		Format:      meta.Format,
		Compression: meta.Compression,
		Attributes:  meta.Attributes,
	}
	for _, b := range meta.Pyramid.Levels() {
		report.Levels = append(report.Levels, probeLevel{BBox: b, Coverage: b.Count()})
	}
	if tc, ok := r.(container.TileCounter); ok {
		n := tc.TileCount()
		report.TileCount = &n
	}
	if !deep {
		return report, nil
	}

	log := logger.FromContext(ctx)
	start := time.Now()
	perZoom := make(map[uint8]uint64)
	var total uint64
	for c, err := range r.Coords(ctx) {
		if err != nil {
			return probeReport{}, err
		}
		perZoom[c.Z]++
		total++
	}
	log.Debug("scan finished", "tiles", total, "elapsed", time.Since(start))

	for i := range report.Levels {
		n := perZoom[report.Levels[i].Z]
		report.Levels[i].Tiles = &n
	}
	report.TileCount = &total
	report.Scanned = true
	return report, nil
}

func writeProbeJSON(w io.Writer, report probeReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func writeProbeText(w io.Writer, report probeReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "location:\t%s\n", report.Location)
	fmt.Fprintf(tw, "version:\t%s\n", report.Version)
	fmt.Fprintf(tw, "tile format:\t%s\n", report.Format)
	fmt.Fprintf(tw, "compression:\t%s\n", report.Compression)
	if report.TileCount != nil {
		fmt.Fprintf(tw, "tiles:\t%d\n", *report.TileCount)
	}

	if len(report.Attributes) > 0 {
		fmt.Fprintln(tw, "\nattributes:")
		keys := make([]string, 0, len(report.Attributes))
		for k := range report.Attributes {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%s\n", k, truncate(report.Attributes[k], 80))
		}
	}

	fmt.Fprintln(tw, "\nzoom\tcolumns\trows\tcoverage\tstored")
	for _, l := range report.Levels {
		stored := "-"
		if l.Tiles != nil {
			stored = fmt.Sprint(*l.Tiles)
		}
		fmt.Fprintf(tw, "%d\t%d..%d\t%d..%d\t%d\t%s\n", l.Z, l.XMin, l.XMax, l.YMin, l.YMax, l.Coverage, stored)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
