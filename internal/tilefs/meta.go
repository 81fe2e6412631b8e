package tilefs

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/tessera/pkg/tile"
)

// Structural keys in tiles.json. Every other key is an attribute.
const (
	jsonFormat      = "format"
	jsonCompression = "compression"
	jsonPyramid     = "pyramid"
)

// EncodeMeta renders tiles.json: attributes as strings plus the
// structural keys.
func EncodeMeta(m tile.Metadata) ([]byte, error) {
	doc := make(map[string]any, len(m.Attributes)+3)
	for k, v := range m.Attributes {
		doc[k] = v
	}
	doc[jsonFormat] = m.Format.String()
	doc[jsonCompression] = m.Compression.String()
	doc[jsonPyramid] = m.Pyramid.Levels()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode tiles.json: %w", err)
	}
	return buf.Bytes(), nil
}

// Declared is what tiles.json contributes to a reader's metadata. Nil
// fields were absent.
type Declared struct {
	Format      *tile.Format
	Compression *tile.Compression
	Pyramid     *tile.Pyramid
	Attributes  map[string]string
}

// DecodeMeta accepts any JSON object. Non-string attribute values, as
// found in third-party TileJSON, are kept as their JSON text.
func DecodeMeta(data []byte) (Declared, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Declared{}, fmt.Errorf("%w: tiles.json: %v", tile.ErrFormat, err)
	}

	out := Declared{Attributes: make(map[string]string, len(doc))}
	for _, k := range slices.Sorted(maps.Keys(doc)) {
		raw := doc[k]
		switch k {
		case jsonFormat:
			var f tile.Format
			if err := json.Unmarshal(raw, &f); err != nil {
				return Declared{}, fmt.Errorf("%w: tiles.json format: %v", tile.ErrFormat, err)
			}
			out.Format = &f
		case jsonCompression:
			var c tile.Compression
			if err := json.Unmarshal(raw, &c); err != nil {
				return Declared{}, fmt.Errorf("%w: tiles.json compression: %v", tile.ErrFormat, err)
			}
			out.Compression = &c
		case jsonPyramid:
			var levels []tile.BBox
			if err := json.Unmarshal(raw, &levels); err != nil {
				return Declared{}, fmt.Errorf("%w: tiles.json pyramid: %v", tile.ErrFormat, err)
			}
			p := tile.PyramidFromLevels(levels)
			out.Pyramid = &p
		default:
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				out.Attributes[k] = s
			} else {
				out.Attributes[k] = string(bytes.TrimSpace(raw))
			}
		}
	}
	return out, nil
}

// Resolve checks the declared format and compression against what the
// tile names showed and fills in what the names could not.
func (d Declared) Resolve(seenTile bool, format tile.Format, comp tile.Compression) (tile.Format, tile.Compression, error) {
	if d.Format != nil {
		if seenTile && *d.Format != format {
			return 0, 0, fmt.Errorf("%w: tiles.json declares %s, tiles are %s", tile.ErrFormat, *d.Format, format)
		}
		format = *d.Format
	}
	if d.Compression != nil {
		if seenTile && *d.Compression != comp {
			return 0, 0, fmt.Errorf("%w: tiles.json declares %s, tiles are %s", tile.ErrFormat, *d.Compression, comp)
		}
		comp = *d.Compression
	}
	return format, comp, nil
}
