// Package tilefs holds the z/x/y.ext[.gz|.br] layout and the tiles.json
// document shared by the tar and directory containers.
package tilefs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/tessera/pkg/tile"
)

// MetaNames are the accepted metadata file names, before any compression
// suffix. Writers use the first.
var MetaNames = []string{"tiles.json", "meta.json", "metadata.json"}

// Compressions lists the compressions the layout can name.
var Compressions = []tile.Compression{
	tile.CompressionNone,
	tile.CompressionGzip,
	tile.CompressionBrotli,
}

// TilePath is the slash-separated relative path for c.
func TilePath(c tile.Coord, f tile.Format, comp tile.Compression) string {
	return strconv.Itoa(int(c.Z)) + "/" +
		strconv.FormatUint(uint64(c.X), 10) + "/" +
		strconv.FormatUint(uint64(c.Y), 10) + f.Extension() + comp.Extension()
}

// MetaPath is the metadata file name a writer emits.
func MetaPath(comp tile.Compression) string {
	return MetaNames[0] + comp.Extension()
}

// SplitCompression strips a .gz or .br suffix.
func SplitCompression(name string) (string, tile.Compression) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return strings.TrimSuffix(name, ".gz"), tile.CompressionGzip
	case strings.HasSuffix(name, ".br"):
		return strings.TrimSuffix(name, ".br"), tile.CompressionBrotli
	default:
		return name, tile.CompressionNone
	}
}

// Kind classifies a regular file.
type Kind uint8

const (
	KindOther Kind = iota
	KindTile
	KindMeta
)

// Name is a parsed relative path.
type Name struct {
	Kind        Kind
	Coord       tile.Coord
	Format      tile.Format
	Compression tile.Compression
}

// ParseName recognises "z/x/y.ext[.gz|.br]" and the metadata names. A
// leading "./" or a single top-level directory is ignored, as archives
// built with `tar -C dir .` or `tar dir` carry one.
func ParseName(name string) (Name, error) {
	name = strings.TrimPrefix(name, "./")
	parts := strings.Split(name, "/")
	if len(parts) == 4 || len(parts) == 2 {
		parts = parts[1:]
	}

	switch len(parts) {
	case 1:
		base, comp := SplitCompression(parts[0])
		for _, m := range MetaNames {
			if base == m {
				return Name{Kind: KindMeta, Compression: comp}, nil
			}
		}
		return Name{}, nil
	case 3:
	default:
		return Name{}, nil
	}

	z, errZ := strconv.ParseUint(parts[0], 10, 8)
	x, errX := strconv.ParseUint(parts[1], 10, 32)
	if errZ != nil || errX != nil {
		return Name{}, nil
	}

	file, comp := SplitCompression(parts[2])
	stem, ext, hasExt := strings.Cut(file, ".")
	y, err := strconv.ParseUint(stem, 10, 32)
	if err != nil {
		return Name{}, nil
	}

	format := tile.FormatBin
	if hasExt {
		if format, err = tile.ParseFormat(ext); err != nil {
			return Name{}, fmt.Errorf("%w: %s: %v", tile.ErrFormat, name, err)
		}
	}

	c := tile.NewCoord(uint8(z), uint32(x), uint32(y))
	if !c.Valid() {
		return Name{}, fmt.Errorf("%w: %s is outside the tile grid", tile.ErrFormat, name)
	}
	return Name{Kind: KindTile, Coord: c, Format: format, Compression: comp}, nil
}
