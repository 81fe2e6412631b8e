// Package rangeread fetches byte ranges from local files and remote
// HTTP endpoints.
//
// Every Source is safe for concurrent use. Failures wrap tile.ErrIO.
package rangeread

import (
	"context"
	"fmt"

	"github.com/samcharles93/tessera/pkg/tile"
)

// Range is the half-open byte span [Offset, Offset+Length).
type Range struct {
	Offset uint64
	Length uint64
}

// End returns the first byte past the range.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// Kind describes what a read is for. Caching layers use it to decide what
// is worth keeping.
type Kind uint8

const (
	KindTile Kind = iota
	KindHeader
	KindMetadata
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindMetadata:
		return "metadata"
	case KindIndex:
		return "index"
	default:
		return "tile"
	}
}

// Cacheable reports whether reads of this kind are kept by Cached.
// Tile payloads are consumed once per request and never cached.
func (k Kind) Cacheable() bool {
	return k != KindTile
}

// Source is a random-access byte source.
//
// ReadRange returns exactly r.Length bytes or an error. The returned slice
// must be treated as read-only; it may alias a mapping or a cache entry.
type Source interface {
	ReadRange(ctx context.Context, r Range, kind Kind) ([]byte, error)
	Size() uint64
	// Name is a human readable location, used in logs and errors.
	Name() string
	// ID uniquely identifies this open handle. Cache keys are scoped by it.
	ID() string
	Close() error
}

// checkBounds rejects ranges that fall outside a source of the given size.
func checkBounds(name string, r Range, size uint64) error {
	end := r.End()
	if end < r.Offset || end > size {
		return fmt.Errorf("%w: %s: range %s beyond size %d", tile.ErrIO, name, r, size)
	}
	return nil
}
