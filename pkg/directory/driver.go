// Package directory stores one tile per file under z/x/y.ext, with an
// optional .gz or .br suffix naming the compression, and the metadata in
// tiles.json at the root. It is the layout static file hosts serve
// directly.
package directory

import (
	"context"

	"github.com/samcharles93/tessera/internal/tilefs"
	"github.com/samcharles93/tessera/pkg/container"
)

// Compressions lists the suffixes the layout defines.
var Compressions = tilefs.Compressions

func init() {
	container.Register(container.Driver{
		Format:       container.FormatDirectory,
		Compressions: Compressions,
		Directory:    true,
		Open: func(ctx context.Context, location string, _ container.OpenOptions) (container.Reader, error) {
			r, err := Open(ctx, location)
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
