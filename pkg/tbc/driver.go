// Package tbc implements the tile block container, a single-file format
// built for random access over range reads.
//
// Layout (little endian):
//
//	header     600 bytes: magic, version, enums, region offsets, zoom table
//	data       tile payloads in write order, identical payloads stored once
//	index      per-zoom chains of blocks, each a sorted run of entries
//	root       one 32-byte record per index block, grouped by zoom
//	metadata   CBOR encoded attributes and pyramid
//
// The header records every region, so readers never depend on the order.
package tbc

import (
	"context"

	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

func init() {
	container.Register(container.Driver{
		Format:     container.FormatTBC,
		Extensions: []string{".tbc"},
		Compressions: []tile.Compression{
			tile.CompressionNone,
			tile.CompressionGzip,
			tile.CompressionBrotli,
			tile.CompressionZstd,
		},
		Remote: true,
		Open: func(ctx context.Context, location string, opts container.OpenOptions) (container.Reader, error) {
			r, err := openLocation(ctx, location, opts.Range)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		Create: func(path string, opts container.WriterOptions) (container.Writer, error) {
			w, err := Create(path, Options{
				Format:        opts.TileFormat,
				Compression:   opts.Compression,
				BlockCapacity: opts.BlockCapacity,
				Attributes:    opts.Attributes,
			})
			if err != nil {
				return nil, err
			}
			return w, nil
		},
	})
}
