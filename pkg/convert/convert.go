// Package convert copies tiles between containers.
//
// One goroutine walks the source coordinates, a bounded pool of workers
// fetches and transcodes, and a single goroutine owns the destination
// writer. Finalize runs once, after every worker has finished cleanly.
package convert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

const (
	DefaultTileTimeout   = 30 * time.Second
	DefaultProgressEvery = 10000
)

// Options configures a conversion.
type Options struct {
	Filter Filter
	// Concurrency is the number of transcoding workers. Defaults to
	// runtime.NumCPU().
	Concurrency int
	// Compression is the target compression. Nil keeps the source
	// compression when the destination can store it.
	Compression *tile.Compression
	// Force replaces an existing destination file. Used by Run.
	Force bool
	// Format selects the destination container; empty detects it from
	// the destination path. Used by Run.
	Format container.Format
	// BlockCapacity is passed to block-indexed destinations. Used by Run.
	BlockCapacity int
	// Attributes override the source attributes in the output.
	Attributes map[string]string
	// TileTimeout bounds each transcode. Defaults to DefaultTileTimeout.
	TileTimeout time.Duration
	// ProgressEvery logs progress after this many written tiles. Defaults
	// to DefaultProgressEvery; negative disables progress logging.
	ProgressEvery int
	// Recompress decodes and re-encodes every tile, even when the source
	// already uses the target compression.
	Recompress bool
	// Open configures how the source is opened. Used by Run.
	Open container.OpenOptions
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.NumCPU()
	}
	if o.TileTimeout <= 0 {
		o.TileTimeout = DefaultTileTimeout
	}
	if o.ProgressEvery == 0 {
		o.ProgressEvery = DefaultProgressEvery
	}
	return o
}

// Report summarises a conversion.
type Report struct {
	Source      string
	Destination string

	TilesRead    uint64
	TilesWritten uint64
	// TilesSkipped counts tiles listed by the source that could not be
	// read back or decoded.
	TilesSkipped uint64
	BytesIn      uint64
	BytesOut     uint64
	Elapsed      time.Duration
	// PerZoom counts written tiles by zoom level.
	PerZoom map[uint8]uint64
}

// Attrs flattens the report for structured logging.
func (r Report) Attrs() []any {
	return []any{
		"source", r.Source,
		"destination", r.Destination,
		"read", r.TilesRead,
		"written", r.TilesWritten,
		"skipped", r.TilesSkipped,
		"bytes_in", r.BytesIn,
		"bytes_out", r.BytesOut,
		"elapsed", r.Elapsed,
	}
}

// derivedAttributes are recomputed by writers and never copied.
var derivedAttributes = []string{tile.AttrMinZoom, tile.AttrMaxZoom, tile.AttrBounds}

type item struct {
	coord tile.Coord
	blob  tile.Blob
}

// Convert copies the tiles of r kept by the filter into w and finalizes
// w. Convert owns w: on any error w is aborted and its partial output is
// not a valid container. r stays open.
func Convert(ctx context.Context, r container.Reader, w container.Writer, opts Options) (Report, error) {
	opts = opts.withDefaults()
	report := Report{Source: r.Name(), PerZoom: make(map[uint8]uint64)}
	start := time.Now()

	target, err := preflight(r.Metadata(), w.Metadata(), opts)
	if err != nil {
		_ = w.Abort()
		return report, err
	}

	srcMeta := r.Metadata()
	keep := opts.Filter.Apply(srcMeta.Pyramid)
	log := logger.FromContext(ctx).With("source", r.Name())
	log.Info("converting",
		"format", srcMeta.Format,
		"from", srcMeta.Compression,
		"to", target,
		"workers", opts.Concurrency,
		"recompress", opts.Recompress,
		"max_tiles", keep.CountTiles(),
	)

	var (
		read, skipped, bytesIn atomic.Uint64
		written, bytesOut      uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	coords := make(chan tile.Coord, opts.Concurrency*4)
	results := make(chan item, opts.Concurrency*4)

	g.Go(func() error {
		defer close(coords)
		for c, err := range r.Coords(gctx) {
			if err != nil {
				return fmt.Errorf("listing %s: %w", r.Name(), err)
			}
			if !keep.Contains(c) {
				continue
			}
			select {
			case coords <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for range opts.Concurrency {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for c := range coords {
				b, ok, err := r.GetTile(gctx, c)
				if err != nil {
					if gctx.Err() == nil && errors.Is(err, tile.ErrCompression) {
						log.Warn("skipping unreadable tile", "tile", c, "error", err)
						skipped.Add(1)
						continue
					}
					return err
				}
				if !ok {
					log.Warn("listed tile is missing", "tile", c)
					skipped.Add(1)
					continue
				}
				read.Add(1)
				bytesIn.Add(uint64(len(b.Data)))

				out, err := transcode(gctx, b, target, opts.TileTimeout, opts.Recompress)
				if err != nil {
					var skip skipError
					if errors.As(err, &skip) {
						log.Warn("skipping undecodable tile", "tile", c, "error", skip.err)
						skipped.Add(1)
						continue
					}
					return tile.AtCoord(c, err)
				}

				select {
				case results <- item{coord: c, blob: out}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		lastLog := time.Now()
		for it := range results {
			if err := w.PutTile(gctx, it.coord, it.blob); err != nil {
				return err
			}
			written++
			bytesOut += uint64(len(it.blob.Data))
			report.PerZoom[it.coord.Z]++
			if opts.ProgressEvery > 0 && written%uint64(opts.ProgressEvery) == 0 {
				now := time.Now()
				log.Info("progress",
					"written", written,
					"zoom", it.coord.Z,
					"rate", formatRate(uint64(opts.ProgressEvery), now.Sub(lastLog)),
				)
				lastLog = now
			}
		}
		return nil
	})

	err = g.Wait()
	report.TilesRead = read.Load()
	report.TilesSkipped = skipped.Load()
	report.BytesIn = bytesIn.Load()
	report.TilesWritten = written
	report.BytesOut = bytesOut
	if err != nil {
		report.Elapsed = time.Since(start)
		_ = w.Abort()
		log.Error("conversion aborted", "error", err, "written", written)
		return report, err
	}

	out, err := w.Finalize(ctx, overrides(srcMeta, keep, opts.Attributes))
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, fmt.Errorf("finalize: %w", err)
	}
	report.Destination = out.Name()
	if err := out.Close(); err != nil {
		return report, err
	}

	log.Info("conversion finished", report.Attrs()...)
	return report, nil
}

// preflight resolves the target compression and rejects conversions the
// destination cannot represent before any tile moves.
func preflight(src, dst tile.Metadata, opts Options) (tile.Compression, error) {
	if err := opts.Filter.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", tile.ErrUnsupportedConversion, err)
	}
	target := dst.Compression
	if opts.Compression != nil && *opts.Compression != target {
		return 0, fmt.Errorf("%w: requested %s but the destination stores %s",
			tile.ErrUnsupportedConversion, *opts.Compression, target)
	}
	if src.Format != dst.Format {
		return 0, fmt.Errorf("%w: cannot convert %s tiles into a %s container",
			tile.ErrUnsupportedConversion, src.Format, dst.Format)
	}
	if _, err := compress.GetCodec(src.Compression); err != nil {
		return 0, err
	}
	if _, err := compress.GetCodec(target); err != nil {
		return 0, err
	}
	return target, nil
}

// skipError marks a tile whose source bytes cannot be decoded.
type skipError struct{ err error }

func (e skipError) Error() string { return e.err.Error() }
func (e skipError) Unwrap() error { return e.err }

// formatRate renders n tiles over elapsed as a per-second rate. Intervals
// below the clock resolution have no meaningful rate.
func formatRate(n uint64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f/s", float64(n)/elapsed.Seconds())
}

// transcode decodes with the blob's own tag, then encodes to target. A
// decode failure is the source's fault and is skippable; an encode
// failure is not. Without recompress a blob already in the target
// compression passes through untouched.
func transcode(ctx context.Context, b tile.Blob, target tile.Compression, timeout time.Duration, recompress bool) (tile.Blob, error) {
	if b.Compression == target && !recompress {
		return b, nil
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	plain, err := compress.TranscodeContext(tctx, b.Data, b.Compression, tile.CompressionNone)
	if err != nil {
		if ctx.Err() != nil {
			return tile.Blob{}, ctx.Err()
		}
		if errors.Is(err, tile.ErrCompression) {
			return tile.Blob{}, skipError{err: err}
		}
		return tile.Blob{}, err
	}
	out, err := compress.TranscodeContext(tctx, plain, tile.CompressionNone, target)
	if err != nil {
		if ctx.Err() != nil {
			return tile.Blob{}, ctx.Err()
		}
		return tile.Blob{}, err
	}
	return tile.Blob{Data: out, Compression: target, Format: b.Format}, nil
}

// overrides carries the source description into the output.
func overrides(src tile.Metadata, keep tile.Pyramid, extra map[string]string) tile.Metadata {
	attrs := maps.Clone(src.Attributes)
	if attrs == nil {
		attrs = make(map[string]string)
	}
	for _, k := range derivedAttributes {
		delete(attrs, k)
	}
	maps.Copy(attrs, extra)
	return tile.Metadata{Pyramid: keep, Attributes: attrs}
}
