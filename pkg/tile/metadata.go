package tile

import (
	"maps"
	"strconv"
)

// Well-known attribute keys. Containers may carry any others.
const (
	AttrName        = "name"
	AttrDescription = "description"
	AttrAttribution = "attribution"
	AttrMinZoom     = "minzoom"
	AttrMaxZoom     = "maxzoom"
	AttrBounds      = "bounds"
	AttrCenter      = "center"
	AttrJSON        = "json"
)

// Blob is one tile payload together with its tags.
type Blob struct {
	Data        []byte
	Compression Compression
	Format      Format
}

// Len is the payload size in bytes.
func (b Blob) Len() int {
	return len(b.Data)
}

// Metadata describes a container. It is fixed once the container is
// finalized.
type Metadata struct {
	// Version names the container layout, e.g. "tbc/1.0".
	Version     string
	Format      Format
	Compression Compression
	Pyramid     Pyramid
	Attributes  map[string]string
}

// Attribute returns the named attribute or "".
func (m Metadata) Attribute(key string) string {
	return m.Attributes[key]
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

// MergeAttributes copies every attribute of overrides into m, replacing
// existing keys. Empty values delete the key.
func (m *Metadata) MergeAttributes(overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	if m.Attributes == nil {
		m.Attributes = make(map[string]string, len(overrides))
	}
	for k, v := range overrides {
		if v == "" {
			delete(m.Attributes, k)
			continue
		}
		m.Attributes[k] = v
	}
}

// SummaryAttributes derives minzoom, maxzoom and bounds from the pyramid.
func (m Metadata) SummaryAttributes() map[string]string {
	out := make(map[string]string, 3)
	lo, hi, ok := m.Pyramid.ZoomRange()
	if !ok {
		return out
	}
	out[AttrMinZoom] = strconv.Itoa(int(lo))
	out[AttrMaxZoom] = strconv.Itoa(int(hi))

	// Bounds come from the deepest level, the most precise one.
	b := m.Pyramid.Level(hi).Bound()
	out[AttrBounds] = strconv.FormatFloat(b.Min[0], 'f', 6, 64) + "," +
		strconv.FormatFloat(b.Min[1], 'f', 6, 64) + "," +
		strconv.FormatFloat(b.Max[0], 'f', 6, 64) + "," +
		strconv.FormatFloat(b.Max[1], 'f', 6, 64)
	return out
}
