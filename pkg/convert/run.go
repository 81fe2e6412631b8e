package convert

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Run opens source, creates destination and converts between them. The
// destination format comes from opts.Format or the destination
// extension; the compression from opts.Compression or the source.
func Run(ctx context.Context, source, destination string, opts Options) (Report, error) {
	if sameFile(source, destination) {
		return Report{}, fmt.Errorf("%w: source and destination are the same file", tile.ErrUnsupportedConversion)
	}

	format := opts.Format
	if format == "" {
		var err error
		if format, err = container.FormatFromPath(destination); err != nil {
			return Report{}, err
		}
	}

	r, err := container.Open(ctx, source, opts.Open)
	if err != nil {
		return Report{}, fmt.Errorf("open %s: %w", source, err)
	}
	defer r.Close()

	meta := r.Metadata()
	target := meta.Compression
	if opts.Compression != nil {
		target = *opts.Compression
	}
	if !container.Supports(format, target) {
		caps, _ := container.Capabilities(format)
		return Report{}, fmt.Errorf("%w: %s containers cannot store %s tiles (supported: %v)",
			tile.ErrUnsupportedConversion, format, target, caps)
	}
	if err := opts.Filter.Validate(); err != nil {
		return Report{}, fmt.Errorf("%w: %v", tile.ErrUnsupportedConversion, err)
	}

	w, err := container.Create(destination, container.WriterOptions{
		Format:        format,
		TileFormat:    meta.Format,
		Compression:   target,
		BlockCapacity: opts.BlockCapacity,
		Force:         opts.Force,
	})
	if err != nil {
		return Report{}, fmt.Errorf("create %s: %w", destination, err)
	}
	opts.Compression = &target
	return Convert(ctx, r, w, opts)
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
