// Package mbtiles stores tiles in a SQLite database with the classic
// metadata/tiles schema.
//
// Rows are TMS addressed (row 0 is the southern edge). The flip to and
// from the XYZ coordinates used everywhere else happens here and nowhere
// else.
package mbtiles

import (
	"context"

	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Compressions lists what the tiles table can carry. zstd has no
// established tag in the wider ecosystem, so it is refused up front.
var Compressions = []tile.Compression{
	tile.CompressionNone,
	tile.CompressionGzip,
	tile.CompressionBrotli,
}

func init() {
	container.Register(container.Driver{
		Format:       container.FormatMBTiles,
		Extensions:   []string{".mbtiles"},
		Compressions: Compressions,
		Remote:       false,
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
