package mbtiles

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"zombiezen.com/go/sqlite"

	"github.com/samcharles93/tessera/pkg/tile"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS metadata (
	name  TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS tiles (
	zoom_level       INTEGER NOT NULL,
	tile_column      INTEGER NOT NULL,
	tile_row         INTEGER NOT NULL,
	tile_data        BLOB,
	tile_compression TEXT,
	PRIMARY KEY (zoom_level, tile_column, tile_row)
);
`

// Metadata rows with structural meaning. Every other row is an attribute.
const (
	keyFormat      = "format"
	keyCompression = "compression"
	keyPyramid     = "pyramid"
)

// batchSize bounds how many inserts share one transaction.
const batchSize = 4096

// flipRow converts between XYZ and TMS rows; the mapping is its own
// inverse.
func flipRow(z uint8, row uint32) uint32 {
	return uint32((uint64(1)<<z)-1) - row
}

// fromTMS validates a stored row key and returns the XYZ coordinate.
func fromTMS(z, col, row int64) (tile.Coord, error) {
	if z < 0 || z > tile.MaxZoom {
		return tile.Coord{}, fmt.Errorf("%w: mbtiles: zoom_level %d out of range", tile.ErrFormat, z)
	}
	last := int64(1)<<z - 1
	if col < 0 || col > last || row < 0 || row > last {
		return tile.Coord{}, fmt.Errorf("%w: mbtiles: tile %d/%d/%d outside the grid", tile.ErrFormat, z, col, row)
	}
	return tile.NewCoord(uint8(z), uint32(col), flipRow(uint8(z), uint32(row))), nil
}

func encodePyramid(p tile.Pyramid) (string, error) {
	b, err := json.Marshal(p.Levels())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePyramid(s string) (tile.Pyramid, error) {
	var levels []tile.BBox
	if err := json.Unmarshal([]byte(s), &levels); err != nil {
		return tile.Pyramid{}, fmt.Errorf("%w: mbtiles: pyramid row: %v", tile.ErrFormat, err)
	}
	for _, b := range levels {
		if b.Z > tile.MaxZoom || b.IsEmpty() || b.XMax > uint32((uint64(1)<<b.Z)-1) || b.YMax > uint32((uint64(1)<<b.Z)-1) {
			return tile.Pyramid{}, fmt.Errorf("%w: mbtiles: pyramid level %s invalid", tile.ErrFormat, b)
		}
	}
	return tile.PyramidFromLevels(levels), nil
}

// declaredCompression picks the compression for a file that does not tag
// it: vector tiles in the wild are gzip, everything else raw.
func declaredCompression(rows map[string]string, format tile.Format) (tile.Compression, error) {
	if s, ok := rows[keyCompression]; ok {
		c, err := tile.ParseCompression(s)
		if err != nil {
			return tile.CompressionNone, fmt.Errorf("%w: mbtiles: %v", tile.ErrFormat, err)
		}
		return c, nil
	}
	if format == tile.FormatPBF {
		return tile.CompressionGzip, nil
	}
	return tile.CompressionNone, nil
}

func parseZoom(s string) (uint8, bool) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n > tile.MaxZoom {
		return 0, false
	}
	return uint8(n), true
}

// isConstraint reports a UNIQUE or PRIMARY KEY violation.
func isConstraint(err error) bool {
	return sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint
}

// ioError tags database failures as I/O failures unless they already carry
// a sentinel.
func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tile.ErrFormat) || errors.Is(err, tile.ErrIO) {
		return err
	}
	return fmt.Errorf("%w: mbtiles: %s: %v", tile.ErrIO, op, err)
}
