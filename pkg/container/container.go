// Package container defines the capability interfaces every tile container
// backend implements, and dispatches to backends by format.
//
// Backends register themselves from their package init, the way
// database/sql drivers do. Import a backend for its side effect to make
// its format available to Open and Create:
//
//	import _ "github.com/samcharles93/tessera/pkg/tbc"
package container

import (
	"context"
	"iter"

	"github.com/samcharles93/tessera/pkg/tile"
)

// Reader is a finalized, read-only container.
//
// Readers are safe for concurrent use. Blob data returned by GetTile is
// read-only and may become invalid after Close.
type Reader interface {
	Metadata() tile.Metadata
	// GetTile returns ok=false, and no error, for coordinates outside the
	// pyramid or never written.
	GetTile(ctx context.Context, c tile.Coord) (tile.Blob, bool, error)
	// Coords yields every stored coordinate in ascending zoom, then row,
	// then column order. Each call starts a fresh scan. Iteration stops at
	// the first error.
	Coords(ctx context.Context) iter.Seq2[tile.Coord, error]
	// Name is the location the container was opened from.
	Name() string
	Close() error
}

// Writer builds a container. A Writer has a single owner and is not safe
// for concurrent use.
type Writer interface {
	// PutTile stores b at c. Putting a coordinate twice fails with
	// tile.ErrDuplicateTile and leaves the writer usable. After Finalize or
	// Abort it fails with tile.ErrClosedWriter.
	PutTile(ctx context.Context, c tile.Coord, b tile.Blob) error
	// Finalize writes the index and metadata, closes the writer and
	// reopens the output as a Reader. Attributes in overrides replace
	// declared ones; an empty value removes the attribute. A non-empty
	// override pyramid is merged into the pyramid of the written tiles.
	Finalize(ctx context.Context, overrides tile.Metadata) (Reader, error)
	// Metadata returns the declared target parameters and the pyramid of
	// the tiles written so far.
	Metadata() tile.Metadata
	// Abort releases resources without finalizing. Partial output is left
	// on disk and is not a valid container.
	Abort() error
}

// Fingerprinter is implemented by readers that can identify their exact
// content cheaply. The server uses it for ETags.
type Fingerprinter interface {
	Fingerprint() string
}

// TileCounter is implemented by readers that know their tile count without
// a scan.
type TileCounter interface {
	TileCount() uint64
}
