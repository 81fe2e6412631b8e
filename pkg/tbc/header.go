package tbc

import (
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/tessera/pkg/tile"
)

const (
	Magic = "TBC\x00"

	// Current Major Version: 1 (breaking layout changes only)
	CurrentMajor uint16 = 1

	// Current Minor Version
	CurrentMinor uint16 = 0

	// HeaderSize is the fixed, reserved header length. The encoded fields
	// use 596 bytes; the tail is zero.
	HeaderSize = 600

	// DefaultBlockCapacity is the number of index entries per block.
	DefaultBlockCapacity = 4096

	// MaxBlockCapacity bounds a single index fetch to 24 MiB.
	MaxBlockCapacity = 1 << 20

	zoomSlots       = tile.MaxZoom + 1
	zoomEntrySize   = 16
	zoomTableOffset = 84

	blockHeaderSize = 24
	indexEntrySize  = 24
	rootRecordSize  = 32
)

// ZoomEntry locates the index block chain of one zoom level.
type ZoomEntry struct {
	// FirstBlockOffset is the file offset of the first index block.
	FirstBlockOffset uint64
	// FirstBlockIndex is the position of that block in the root.
	FirstBlockIndex uint32
	BlockCount      uint32
}

// Header is the fixed-size record at offset 0.
type Header struct {
	Magic         [4]byte
	Major         uint16
	Minor         uint16
	HeaderSize    uint32
	TileFormat    tile.Format
	Compression   tile.Compression
	BlockCapacity uint32

	MetadataOffset uint64
	MetadataLength uint64
	RootOffset     uint64
	RootLength     uint64
	DataOffset     uint64
	DataLength     uint64
	TileCount      uint64
	FileSize       uint64

	Zooms [zoomSlots]ZoomEntry
}

func (h Header) Valid() bool {
	return string(h.Magic[:]) == Magic
}

func (h Header) Compatible() bool {
	return h.Major == CurrentMajor
}

// Version renders the format version as "major.minor".
func (h Header) Version() string {
	return fmt.Sprintf("%d.%d", h.Major, h.Minor)
}

// BlockCount is the total number of index blocks.
func (h Header) BlockCount() uint64 {
	var n uint64
	for _, z := range h.Zooms {
		n += uint64(z.BlockCount)
	}
	return n
}

func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < HeaderSize {
		return false
	}
	clear(dst[:HeaderSize])
	le := binary.LittleEndian
	copy(dst[0:4], h.Magic[:])
	le.PutUint16(dst[4:], h.Major)
	le.PutUint16(dst[6:], h.Minor)
	le.PutUint32(dst[8:], h.HeaderSize)
	dst[12] = byte(h.TileFormat)
	dst[13] = byte(h.Compression)
	// 14:16 reserved
	le.PutUint32(dst[16:], h.BlockCapacity)
	le.PutUint64(dst[20:], h.MetadataOffset)
	le.PutUint64(dst[28:], h.MetadataLength)
	le.PutUint64(dst[36:], h.RootOffset)
	le.PutUint64(dst[44:], h.RootLength)
	le.PutUint64(dst[52:], h.DataOffset)
	le.PutUint64(dst[60:], h.DataLength)
	le.PutUint64(dst[68:], h.TileCount)
	le.PutUint64(dst[76:], h.FileSize)
	for i, z := range h.Zooms {
		off := zoomTableOffset + i*zoomEntrySize
		le.PutUint64(dst[off:], z.FirstBlockOffset)
		le.PutUint32(dst[off+8:], z.FirstBlockIndex)
		le.PutUint32(dst[off+12:], z.BlockCount)
	}
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	var h Header
	if len(src) < HeaderSize {
		return h, false
	}
	le := binary.LittleEndian
	copy(h.Magic[:], src[0:4])
	h.Major = le.Uint16(src[4:])
	h.Minor = le.Uint16(src[6:])
	h.HeaderSize = le.Uint32(src[8:])
	h.TileFormat = tile.Format(src[12])
	h.Compression = tile.Compression(src[13])
	h.BlockCapacity = le.Uint32(src[16:])
	h.MetadataOffset = le.Uint64(src[20:])
	h.MetadataLength = le.Uint64(src[28:])
	h.RootOffset = le.Uint64(src[36:])
	h.RootLength = le.Uint64(src[44:])
	h.DataOffset = le.Uint64(src[52:])
	h.DataLength = le.Uint64(src[60:])
	h.TileCount = le.Uint64(src[68:])
	h.FileSize = le.Uint64(src[76:])
	for i := range h.Zooms {
		off := zoomTableOffset + i*zoomEntrySize
		h.Zooms[i] = ZoomEntry{
			FirstBlockOffset: le.Uint64(src[off:]),
			FirstBlockIndex:  le.Uint32(src[off+8:]),
			BlockCount:       le.Uint32(src[off+12:]),
		}
	}
	return h, true
}

// validate checks the header against the size of the container it was
// read from. Root records are checked separately once loaded.
func (h Header) validate(size uint64) error {
	if !h.Valid() {
		return corrupt("invalid magic")
	}
	if !h.Compatible() {
		return corrupt("unsupported major version %d", h.Major)
	}
	if h.HeaderSize < HeaderSize || uint64(h.HeaderSize) > size {
		return corrupt("header size %d out of range", h.HeaderSize)
	}
	if h.FileSize != size {
		return corrupt("recorded file size %d, actual %d", h.FileSize, size)
	}
	if !h.TileFormat.Known() {
		return corrupt("unknown tile format %d", h.TileFormat)
	}
	if !h.Compression.Known() {
		return corrupt("unknown compression %d", h.Compression)
	}
	if h.BlockCapacity == 0 || h.BlockCapacity > MaxBlockCapacity {
		return corrupt("block capacity %d out of range", h.BlockCapacity)
	}

	regions := []struct {
		name     string
		off, len uint64
	}{
		{"data", h.DataOffset, h.DataLength},
		{"root", h.RootOffset, h.RootLength},
		{"metadata", h.MetadataOffset, h.MetadataLength},
	}
	for _, r := range regions {
		end := r.off + r.len
		if end < r.off || end > size {
			return corrupt("%s region out of bounds", r.name)
		}
		if r.len > 0 && r.off < uint64(h.HeaderSize) {
			return corrupt("%s region overlaps header", r.name)
		}
	}
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if rangesOverlap(a.off, a.off+a.len, b.off, b.off+b.len) {
				return corrupt("%s and %s regions overlap", a.name, b.name)
			}
		}
	}

	if h.RootLength%rootRecordSize != 0 {
		return corrupt("root length %d not a multiple of %d", h.RootLength, rootRecordSize)
	}
	if h.BlockCount() != h.RootLength/rootRecordSize {
		return corrupt("zoom table lists %d blocks, root has %d", h.BlockCount(), h.RootLength/rootRecordSize)
	}
	if h.TileCount > h.BlockCount()*uint64(h.BlockCapacity) {
		return corrupt("tile count %d exceeds index capacity", h.TileCount)
	}
	return nil
}

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	// half-open ranges [a0,a1) and [b0,b1); empty ranges never overlap
	return a0 < a1 && b0 < b1 && a0 < b1 && b0 < a1
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: tbc: %s", tile.ErrFormat, fmt.Sprintf(format, args...))
}
