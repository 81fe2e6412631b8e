package tile

import (
	"fmt"
	"strings"
)

// Compression identifies how a tile payload is encoded on disk.
// The numeric values are stored in container headers and must never change.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionGzip   Compression = 1
	CompressionBrotli Compression = 2
	CompressionZstd   Compression = 3
)

// Compressions lists every known compression, smallest expected output first.
var Compressions = []Compression{CompressionBrotli, CompressionZstd, CompressionGzip, CompressionNone}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionBrotli:
		return "brotli"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Known reports whether c is one of the defined compressions.
func (c Compression) Known() bool {
	return c <= CompressionZstd
}

// Extension is the file suffix used by path-keyed containers, or "" for none.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionBrotli:
		return ".br"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// ContentEncoding is the HTTP Content-Encoding token, or "" for none.
func (c Compression) ContentEncoding() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionBrotli:
		return "br"
	case CompressionZstd:
		return "zstd"
	default:
		return ""
	}
}

// ParseCompression accepts the names produced by String, the HTTP
// content-coding tokens and the file suffixes.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "none", "raw", "identity", "uncompressed", "":
		return CompressionNone, nil
	case "gzip", "gz", "x-gzip":
		return CompressionGzip, nil
	case "brotli", "br":
		return CompressionBrotli, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) MarshalText() ([]byte, error) {
	if !c.Known() {
		return nil, fmt.Errorf("unknown compression %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Compression) UnmarshalText(b []byte) error {
	v, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Format is the content type of tile payloads. Containers never look
// inside payloads; the tag only drives file extensions and MIME types.
type Format uint8

const (
	FormatBin Format = iota
	FormatPNG
	FormatJPG
	FormatWEBP
	FormatAVIF
	FormatSVG
	FormatPBF
	FormatGeoJSON
	FormatTopoJSON
	FormatJSON
)

var formatInfo = [...]struct {
	name string
	ext  string
	mime string
}{
	FormatBin:      {"bin", "", "application/octet-stream"},
	FormatPNG:      {"png", ".png", "image/png"},
	FormatJPG:      {"jpg", ".jpg", "image/jpeg"},
	FormatWEBP:     {"webp", ".webp", "image/webp"},
	FormatAVIF:     {"avif", ".avif", "image/avif"},
	FormatSVG:      {"svg", ".svg", "image/svg+xml"},
	FormatPBF:      {"pbf", ".pbf", "application/x-protobuf"},
	FormatGeoJSON:  {"geojson", ".geojson", "application/geo+json"},
	FormatTopoJSON: {"topojson", ".topojson", "application/topo+json"},
	FormatJSON:     {"json", ".json", "application/json"},
}

// Known reports whether f is one of the defined formats.
func (f Format) Known() bool {
	return int(f) < len(formatInfo)
}

func (f Format) String() string {
	if !f.Known() {
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
	return formatInfo[f].name
}

// Extension is the file suffix for the format, "" for opaque binary.
func (f Format) Extension() string {
	if !f.Known() {
		return ""
	}
	return formatInfo[f].ext
}

// MIMEType is the HTTP content type served for the format.
func (f Format) MIMEType() string {
	if !f.Known() {
		return formatInfo[FormatBin].mime
	}
	return formatInfo[f].mime
}

// ParseFormat accepts format names and file extensions, with or without
// the leading dot.
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	switch name {
	case "jpeg":
		return FormatJPG, nil
	case "mvt":
		return FormatPBF, nil
	}
	for i, info := range formatInfo {
		if info.name == name {
			return Format(i), nil
		}
	}
	return FormatBin, fmt.Errorf("unknown tile format %q", s)
}

func (f Format) MarshalText() ([]byte, error) {
	if !f.Known() {
		return nil, fmt.Errorf("unknown tile format %d", uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
