// Package tararchive stores one tile per tar entry under z/x/y.ext, with
// an optional .gz or .br suffix naming the compression.
//
// Tar has no index. The reader scans the entry headers once at open and
// keeps the directory in memory; lookups are then a single range read,
// which also works for archives served over HTTP.
package tararchive

import (
	"context"

	"github.com/samcharles93/tessera/internal/tilefs"
	"github.com/samcharles93/tessera/pkg/container"
)

// Compressions lists the suffixes the archive layout defines.
var Compressions = tilefs.Compressions

func init() {
	container.Register(container.Driver{
		Format:       container.FormatTar,
		Extensions:   []string{".tar"},
		Compressions: Compressions,
		Remote:       true,
		Open: func(ctx context.Context, location string, opts container.OpenOptions) (container.Reader, error) {
			r, err := openLocation(ctx, location, opts.Range)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		Create: func(path string, opts container.WriterOptions) (container.Writer, error) {
			w, err := Create(path, Options{
				Format:      opts.TileFormat,
				Compression: opts.Compression,
				Attributes:  opts.Attributes,
			})
			if err != nil {
				return nil, err
			}
			return w, nil
		},
	})
}
