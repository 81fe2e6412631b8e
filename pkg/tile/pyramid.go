package tile

import (
	"iter"
)

// Pyramid records, per zoom level, the rectangle of addressable tiles.
// Levels are independent: a populated level says nothing about its
// neighbours. The zero value is an empty pyramid.
type Pyramid struct {
	levels [MaxZoom + 1]BBox
	// set has bit z on when levels[z] holds a non-empty box.
	set uint32
}

// NewEmptyPyramid returns a pyramid with every level empty.
func NewEmptyPyramid() Pyramid {
	return Pyramid{}
}

// NewFullPyramid returns a pyramid covering every tile of every level.
func NewFullPyramid() Pyramid {
	var p Pyramid
	for z := range p.levels {
		p.SetLevel(FullBBox(uint8(z)))
	}
	return p
}

// PyramidFromLevels builds a pyramid from a list of per-level boxes.
// Levels not listed are empty.
func PyramidFromLevels(levels []BBox) Pyramid {
	var p Pyramid
	for _, b := range levels {
		p.SetLevel(b)
	}
	return p
}

// Level returns the box at zoom z. Out-of-range zooms yield an empty box.
func (p Pyramid) Level(z uint8) BBox {
	if z > MaxZoom || p.set&(1<<z) == 0 {
		return EmptyBBox(z)
	}
	return p.levels[z]
}

// SetLevel replaces the box at b.Z.
func (p *Pyramid) SetLevel(b BBox) {
	if b.Z > MaxZoom {
		return
	}
	if b.IsEmpty() {
		p.levels[b.Z] = EmptyBBox(b.Z)
		p.set &^= 1 << b.Z
		return
	}
	p.levels[b.Z] = b
	p.set |= 1 << b.Z
}

// Levels returns the non-empty boxes in ascending zoom order.
func (p Pyramid) Levels() []BBox {
	var out []BBox
	for z := uint8(0); z <= MaxZoom; z++ {
		b := p.Level(z)
		if !b.IsEmpty() {
			out = append(out, b)
		}
	}
	return out
}

// Contains reports whether c is addressable in the pyramid.
func (p Pyramid) Contains(c Coord) bool {
	if !c.Valid() {
		return false
	}
	return p.Level(c.Z).Contains(c.X, c.Y)
}

// Include grows the level box of c to cover it. Invalid coordinates are
// ignored.
func (p *Pyramid) Include(c Coord) {
	if !c.Valid() {
		return
	}
	b := p.Level(c.Z)
	b.Include(c.X, c.Y)
	p.SetLevel(b)
}

// Merge returns a copy of p grown to cover c.
func (p Pyramid) Merge(c Coord) Pyramid {
	p.Include(c)
	return p
}

// Intersect shrinks every level to its overlap with o.
func (p *Pyramid) Intersect(o Pyramid) {
	for z := uint8(0); z <= MaxZoom; z++ {
		b := p.Level(z)
		b.Intersect(o.Level(z))
		p.SetLevel(b)
	}
}

// Union grows every level to cover the matching level of o.
func (p *Pyramid) Union(o Pyramid) {
	for _, ob := range o.Levels() {
		b := p.Level(ob.Z)
		b.Include(ob.XMin, ob.YMin)
		b.Include(ob.XMax, ob.YMax)
		p.SetLevel(b)
	}
}

// SetZoomMin empties every level below z.
func (p *Pyramid) SetZoomMin(z uint8) {
	for level := uint8(0); level < z && level <= MaxZoom; level++ {
		p.SetLevel(EmptyBBox(level))
	}
}

// SetZoomMax empties every level above z.
func (p *Pyramid) SetZoomMax(z uint8) {
	for level := uint8(MaxZoom); level > z; level-- {
		p.SetLevel(EmptyBBox(level))
	}
}

// LimitByGeoBBox intersects every level with the tiles covering the
// lon/lat rectangle.
func (p *Pyramid) LimitByGeoBBox(west, south, east, north float64) {
	for z := uint8(0); z <= MaxZoom; z++ {
		b := p.Level(z)
		b.Intersect(GeoBBox(z, west, south, east, north))
		p.SetLevel(b)
	}
}

// ZoomRange returns the lowest and highest non-empty levels. ok is false
// when the pyramid is empty.
func (p Pyramid) ZoomRange() (lo, hi uint8, ok bool) {
	for z := uint8(0); z <= MaxZoom; z++ {
		if p.set&(1<<z) == 0 {
			continue
		}
		if !ok {
			lo = z
			ok = true
		}
		hi = z
	}
	return lo, hi, ok
}

// IsEmpty reports whether no level addresses any tile.
func (p Pyramid) IsEmpty() bool {
	return p.set == 0
}

// CountTiles returns the number of addressable tiles over all levels.
func (p Pyramid) CountTiles() uint64 {
	var n uint64
	for _, b := range p.Levels() {
		n += b.Count()
	}
	return n
}

// Equal reports whether both pyramids address the same tiles.
func (p Pyramid) Equal(o Pyramid) bool {
	if p.set != o.set {
		return false
	}
	for z := uint8(0); z <= MaxZoom; z++ {
		if p.Level(z) != o.Level(z) {
			return false
		}
	}
	return true
}

// Coords yields every addressable coordinate, ascending zoom, then
// row-major within a level.
func (p Pyramid) Coords() iter.Seq[Coord] {
	return func(yield func(Coord) bool) {
		for _, b := range p.Levels() {
			for y := uint64(b.YMin); y <= uint64(b.YMax); y++ {
				for x := uint64(b.XMin); x <= uint64(b.XMax); x++ {
					if !yield(Coord{Z: b.Z, X: uint32(x), Y: uint32(y)}) {
						return
					}
				}
			}
		}
	}
}

// TileCountForZooms returns the number of tiles in full grids from
// zoom lo to hi inclusive.
func TileCountForZooms(lo, hi uint8) uint64 {
	hi = min(hi, MaxZoom)
	var n uint64
	for z := uint64(lo); z <= uint64(hi); z++ {
		n += uint64(1) << (2 * z)
	}
	return n
}
