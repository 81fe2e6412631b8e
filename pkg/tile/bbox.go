package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// BBox is an inclusive rectangle of tiles at a single zoom level.
// A box with XMin > XMax or YMin > YMax is empty.
type BBox struct {
	Z    uint8  `json:"z"`
	XMin uint32 `json:"x_min"`
	YMin uint32 `json:"y_min"`
	XMax uint32 `json:"x_max"`
	YMax uint32 `json:"y_max"`
}

// EmptyBBox returns an empty box at zoom z.
func EmptyBBox(z uint8) BBox {
	return BBox{Z: z, XMin: 1, YMin: 1, XMax: 0, YMax: 0}
}

// FullBBox returns the box covering the whole grid at zoom z.
func FullBBox(z uint8) BBox {
	last := gridMax(z)
	return BBox{Z: z, XMin: 0, YMin: 0, XMax: last, YMax: last}
}

// GeoBBox returns the tiles at zoom z that intersect the lon/lat
// rectangle. Coordinates outside the web mercator range are clamped.
func GeoBBox(z uint8, west, south, east, north float64) BBox {
	if west > east || south > north {
		return EmptyBBox(z)
	}
	nw := maptile.At(orb.Point{clampLon(west), clampLat(north)}, maptile.Zoom(z))
	se := maptile.At(orb.Point{clampLon(east), clampLat(south)}, maptile.Zoom(z))
	last := gridMax(z)
	return BBox{
		Z:    z,
		XMin: min(nw.X, last),
		YMin: min(nw.Y, last),
		XMax: min(se.X, last),
		YMax: min(se.Y, last),
	}
}

func gridMax(z uint8) uint32 {
	return uint32((uint64(1) << z) - 1)
}

func clampLon(v float64) float64 {
	return max(-180, min(v, 180))
}

func clampLat(v float64) float64 {
	const limit = 85.05112878
	return max(-limit, min(v, limit))
}

// IsEmpty reports whether the box covers no tiles.
func (b BBox) IsEmpty() bool {
	return b.XMin > b.XMax || b.YMin > b.YMax
}

// Contains reports whether (x, y) lies inside the box.
func (b BBox) Contains(x, y uint32) bool {
	return !b.IsEmpty() && x >= b.XMin && x <= b.XMax && y >= b.YMin && y <= b.YMax
}

// Include grows the box to cover (x, y).
func (b *BBox) Include(x, y uint32) {
	if b.IsEmpty() {
		b.XMin, b.XMax = x, x
		b.YMin, b.YMax = y, y
		return
	}
	b.XMin = min(b.XMin, x)
	b.XMax = max(b.XMax, x)
	b.YMin = min(b.YMin, y)
	b.YMax = max(b.YMax, y)
}

// Intersect shrinks the box to its overlap with o.
func (b *BBox) Intersect(o BBox) {
	if b.IsEmpty() || o.IsEmpty() {
		*b = EmptyBBox(b.Z)
		return
	}
	b.XMin = max(b.XMin, o.XMin)
	b.YMin = max(b.YMin, o.YMin)
	b.XMax = min(b.XMax, o.XMax)
	b.YMax = min(b.YMax, o.YMax)
	if b.IsEmpty() {
		*b = EmptyBBox(b.Z)
	}
}

// Width is the number of columns covered.
func (b BBox) Width() uint64 {
	if b.IsEmpty() {
		return 0
	}
	return uint64(b.XMax-b.XMin) + 1
}

// Height is the number of rows covered.
func (b BBox) Height() uint64 {
	if b.IsEmpty() {
		return 0
	}
	return uint64(b.YMax-b.YMin) + 1
}

// Count is the number of tiles covered.
func (b BBox) Count() uint64 {
	return b.Width() * b.Height()
}

// Bound returns the lon/lat extent of the box.
func (b BBox) Bound() orb.Bound {
	if b.IsEmpty() {
		return orb.Bound{}
	}
	nw := maptile.New(b.XMin, b.YMin, maptile.Zoom(b.Z)).Bound()
	se := maptile.New(b.XMax, b.YMax, maptile.Zoom(b.Z)).Bound()
	return nw.Union(se)
}

func (b BBox) String() string {
	if b.IsEmpty() {
		return fmt.Sprintf("z%d:empty", b.Z)
	}
	return fmt.Sprintf("z%d:[%d,%d]-[%d,%d]", b.Z, b.XMin, b.YMin, b.XMax, b.YMax)
}
