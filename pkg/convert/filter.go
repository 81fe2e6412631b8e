package convert

import (
	"fmt"

	"github.com/samcharles93/tessera/pkg/tile"
)

// GeoBounds is a lon/lat rectangle in degrees.
type GeoBounds struct {
	West, South, East, North float64
}

func (b GeoBounds) validate() error {
	if b.West > b.East || b.South > b.North {
		return fmt.Errorf("bbox %g,%g,%g,%g: min exceeds max", b.West, b.South, b.East, b.North)
	}
	if b.West < -180 || b.East > 180 || b.South < -90 || b.North > 90 {
		return fmt.Errorf("bbox %g,%g,%g,%g: outside lon/lat range", b.West, b.South, b.East, b.North)
	}
	return nil
}

// Filter restricts which tiles are copied. The zero value keeps
// everything.
type Filter struct {
	MinZoom *uint8
	MaxZoom *uint8
	Bounds  *GeoBounds
	// Pyramid, when not empty, is intersected with the source pyramid.
	Pyramid tile.Pyramid
}

// Validate reports inconsistent settings.
func (f Filter) Validate() error {
	if f.MinZoom != nil && *f.MinZoom > tile.MaxZoom {
		return fmt.Errorf("min zoom %d above %d", *f.MinZoom, tile.MaxZoom)
	}
	if f.MaxZoom != nil && *f.MaxZoom > tile.MaxZoom {
		return fmt.Errorf("max zoom %d above %d", *f.MaxZoom, tile.MaxZoom)
	}
	if f.MinZoom != nil && f.MaxZoom != nil && *f.MinZoom > *f.MaxZoom {
		return fmt.Errorf("min zoom %d above max zoom %d", *f.MinZoom, *f.MaxZoom)
	}
	if f.Bounds != nil {
		return f.Bounds.validate()
	}
	return nil
}

// Apply narrows p to the tiles the filter keeps.
func (f Filter) Apply(p tile.Pyramid) tile.Pyramid {
	if f.MinZoom != nil {
		p.SetZoomMin(*f.MinZoom)
	}
	if f.MaxZoom != nil {
		p.SetZoomMax(*f.MaxZoom)
	}
	if f.Bounds != nil {
		p.LimitByGeoBBox(f.Bounds.West, f.Bounds.South, f.Bounds.East, f.Bounds.North)
	}
	if !f.Pyramid.IsEmpty() {
		p.Intersect(f.Pyramid)
	}
	return p
}

// IsZero reports whether the filter keeps every tile.
func (f Filter) IsZero() bool {
	return f.MinZoom == nil && f.MaxZoom == nil && f.Bounds == nil && f.Pyramid.IsEmpty()
}
