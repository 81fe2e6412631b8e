package tbc

import (
	"encoding/binary"
	"slices"
	"sort"

	"github.com/samcharles93/tessera/pkg/tile"
)

// IndexEntry maps a coordinate to its payload in the data region.
// Offsets are absolute file offsets.
type IndexEntry struct {
	Coord  tile.Coord
	Offset uint64
	Length uint64
}

// rootRecord summarises one index block: its first key and location.
type rootRecord struct {
	Zoom     uint8
	Count    uint32
	FirstRow uint32
	FirstCol uint32
	Offset   uint64
	Length   uint64
}

// blockHeader prefixes every index block. Next points at the following
// block of the same zoom; zero ends the chain.
type blockHeader struct {
	Zoom       uint32
	Count      uint32
	NextOffset uint64
	NextLength uint64
}

func blockLength(count int) uint64 {
	return blockHeaderSize + uint64(count)*indexEntrySize
}

// keyLess orders (row, col) pairs within one zoom.
func keyLess(rowA, colA, rowB, colB uint32) bool {
	if rowA != rowB {
		return rowA < rowB
	}
	return colA < colB
}

func encodeRootRecord(dst []byte, r rootRecord) {
	le := binary.LittleEndian
	dst[0] = r.Zoom
	dst[1], dst[2], dst[3] = 0, 0, 0
	le.PutUint32(dst[4:], r.Count)
	le.PutUint32(dst[8:], r.FirstRow)
	le.PutUint32(dst[12:], r.FirstCol)
	le.PutUint64(dst[16:], r.Offset)
	le.PutUint64(dst[24:], r.Length)
}

func decodeRootRecord(src []byte) rootRecord {
	le := binary.LittleEndian
	return rootRecord{
		Zoom:     src[0],
		Count:    le.Uint32(src[4:]),
		FirstRow: le.Uint32(src[8:]),
		FirstCol: le.Uint32(src[12:]),
		Offset:   le.Uint64(src[16:]),
		Length:   le.Uint64(src[24:]),
	}
}

func encodeBlockHeader(dst []byte, h blockHeader) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:], h.Zoom)
	le.PutUint32(dst[4:], h.Count)
	le.PutUint64(dst[8:], h.NextOffset)
	le.PutUint64(dst[16:], h.NextLength)
}

func decodeBlockHeader(src []byte) blockHeader {
	le := binary.LittleEndian
	return blockHeader{
		Zoom:       le.Uint32(src[0:]),
		Count:      le.Uint32(src[4:]),
		NextOffset: le.Uint64(src[8:]),
		NextLength: le.Uint64(src[16:]),
	}
}

func encodeIndexEntry(dst []byte, e IndexEntry) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:], e.Coord.Y)
	le.PutUint32(dst[4:], e.Coord.X)
	le.PutUint64(dst[8:], e.Offset)
	le.PutUint64(dst[16:], e.Length)
}

func decodeIndexEntry(z uint8, src []byte) IndexEntry {
	le := binary.LittleEndian
	return IndexEntry{
		Coord:  tile.Coord{Z: z, Y: le.Uint32(src[0:]), X: le.Uint32(src[4:])},
		Offset: le.Uint64(src[8:]),
		Length: le.Uint64(src[16:]),
	}
}

// indexLayout is the packed form of a sorted entry list.
type indexLayout struct {
	blocks [][]byte
	root   []rootRecord
	zooms  [zoomSlots]ZoomEntry
	size   uint64
}

// packIndex splits entries into blocks of at most capacity entries, with
// block boundaries never spanning two zooms. base is the file offset the
// first block will be written at. entries must be sorted by Coord.Compare.
func packIndex(entries []IndexEntry, capacity int, base uint64) indexLayout {
	var layout indexLayout

	// First pass: block boundaries and offsets.
	type span struct{ start, end int }
	var spans []span
	for start := 0; start < len(entries); {
		z := entries[start].Coord.Z
		end := start
		for end < len(entries) && entries[end].Coord.Z == z && end-start < capacity {
			end++
		}
		spans = append(spans, span{start, end})
		start = end
	}

	off := base
	for i, s := range spans {
		first := entries[s.start].Coord
		rec := rootRecord{
			Zoom:     first.Z,
			Count:    uint32(s.end - s.start),
			FirstRow: first.Y,
			FirstCol: first.X,
			Offset:   off,
			Length:   blockLength(s.end - s.start),
		}
		ze := &layout.zooms[first.Z]
		if ze.BlockCount == 0 {
			ze.FirstBlockOffset = off
			ze.FirstBlockIndex = uint32(i)
		}
		ze.BlockCount++
		layout.root = append(layout.root, rec)
		off += rec.Length
	}
	layout.size = off - base

	// Second pass: encode, linking each block to its successor in the zoom.
	for i, s := range spans {
		rec := layout.root[i]
		hdr := blockHeader{Zoom: uint32(rec.Zoom), Count: rec.Count}
		if i+1 < len(spans) && layout.root[i+1].Zoom == rec.Zoom {
			hdr.NextOffset = layout.root[i+1].Offset
			hdr.NextLength = layout.root[i+1].Length
		}
		buf := make([]byte, rec.Length)
		encodeBlockHeader(buf, hdr)
		for j, e := range entries[s.start:s.end] {
			encodeIndexEntry(buf[blockHeaderSize+j*indexEntrySize:], e)
		}
		layout.blocks = append(layout.blocks, buf)
	}
	return layout
}

func sortEntries(entries []IndexEntry) {
	slices.SortFunc(entries, func(a, b IndexEntry) int {
		return a.Coord.Compare(b.Coord)
	})
}

// findBlock returns the root record that may hold (row, col), or false
// when the key sorts before every block of the zoom.
func findBlock(recs []rootRecord, row, col uint32) (rootRecord, bool) {
	i := sort.Search(len(recs), func(i int) bool {
		return keyLess(row, col, recs[i].FirstRow, recs[i].FirstCol)
	})
	if i == 0 {
		return rootRecord{}, false
	}
	return recs[i-1], true
}

// searchBlock binary searches the encoded entries of one block without
// decoding them.
func searchBlock(block []byte, z uint8, row, col uint32) (IndexEntry, bool) {
	le := binary.LittleEndian
	count := int(le.Uint32(block[4:]))
	entries := block[blockHeaderSize:]
	i := sort.Search(count, func(i int) bool {
		e := entries[i*indexEntrySize:]
		r, c := le.Uint32(e[0:]), le.Uint32(e[4:])
		return !keyLess(r, c, row, col)
	})
	if i == count {
		return IndexEntry{}, false
	}
	e := decodeIndexEntry(z, entries[i*indexEntrySize:])
	if e.Coord.Y != row || e.Coord.X != col {
		return IndexEntry{}, false
	}
	return e, true
}
