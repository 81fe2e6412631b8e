// Package tile defines the value types shared by every container backend:
// tile coordinates, per-zoom bounding boxes, compression and format tags,
// container metadata and the error taxonomy.
//
// Everything in this package is a plain value. Nothing here performs I/O.
package tile

import (
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level any container may address.
const MaxZoom = 31

// Coord addresses one tile. X is the column and Y the row, counted
// top-down from the north-west corner of the grid.
type Coord struct {
	Z uint8  `json:"z"`
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// NewCoord returns the coordinate (z, x, y). It does not validate.
func NewCoord(z uint8, x, y uint32) Coord {
	return Coord{Z: z, X: x, Y: y}
}

// FromTile converts an orb maptile into a Coord.
func FromTile(t maptile.Tile) Coord {
	return Coord{Z: uint8(t.Z), X: t.X, Y: t.Y}
}

// Tile returns the orb representation of c.
func (c Coord) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Valid reports whether 0 <= X,Y < 2^Z and Z <= MaxZoom.
func (c Coord) Valid() bool {
	if c.Z > MaxZoom {
		return false
	}
	n := uint64(1) << c.Z
	return uint64(c.X) < n && uint64(c.Y) < n
}

// Parent returns the tile one zoom level up that covers c.
// The second result is false at zoom 0.
func (c Coord) Parent() (Coord, bool) {
	if c.Z == 0 {
		return c, false
	}
	return FromTile(c.Tile().Parent()), true
}

// Children returns the four tiles one level down covered by c,
// or nil when c is already at MaxZoom.
func (c Coord) Children() []Coord {
	if c.Z >= MaxZoom {
		return nil
	}
	kids := c.Tile().Children()
	out := make([]Coord, 0, len(kids))
	for _, k := range kids {
		out = append(out, FromTile(k))
	}
	return out
}

// FlipY returns the row in south-up (TMS) numbering.
// The transform is its own inverse.
func (c Coord) FlipY() uint32 {
	return uint32((uint64(1) << c.Z) - 1 - uint64(c.Y))
}

// Less orders coordinates by zoom, then row, then column.
func (c Coord) Less(o Coord) bool {
	if c.Z != o.Z {
		return c.Z < o.Z
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// Compare is the three-way form of Less, usable with slices.SortFunc.
func (c Coord) Compare(o Coord) int {
	switch {
	case c == o:
		return 0
	case c.Less(o):
		return -1
	default:
		return 1
	}
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}
