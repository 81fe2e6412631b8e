package tbc

import (
	"context"
	"fmt"
	"iter"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/rangeread"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Reader serves lookups from a finalized container.
//
// Open reads the header, root and metadata once. A lookup then costs one
// index block fetch, usually served by the source's cache, and one payload
// fetch. Readers are safe for concurrent use.
type Reader struct {
	src         rangeread.Source
	header      Header
	root        []rootRecord
	meta        tile.Metadata
	fingerprint string
}

var (
	_ container.Reader        = (*Reader)(nil)
	_ container.Fingerprinter = (*Reader)(nil)
	_ container.TileCounter   = (*Reader)(nil)
)

// OpenPath opens a local path or http(s) URL with a default block cache.
func OpenPath(ctx context.Context, location string) (*Reader, error) {
	return openLocation(ctx, location, rangeread.Options{})
}

func openLocation(ctx context.Context, location string, opts rangeread.Options) (*Reader, error) {
	src, err := rangeread.Open(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	r, err := Open(ctx, src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return r, nil
}

// Open validates the container behind src. The Reader takes ownership of
// src and closes it on Close.
func Open(ctx context.Context, src rangeread.Source) (*Reader, error) {
	size := src.Size()
	if size < HeaderSize {
		return nil, corrupt("%s: %d bytes is smaller than the header", src.Name(), size)
	}

	hdrBytes, err := src.ReadRange(ctx, rangeread.Range{Offset: 0, Length: HeaderSize}, rangeread.KindHeader)
	if err != nil {
		return nil, err
	}
	hdr, ok := decodeHeader(hdrBytes)
	if !ok {
		return nil, corrupt("%s: short header", src.Name())
	}
	if err := hdr.validate(size); err != nil {
		return nil, err
	}

	rootBytes, err := src.ReadRange(ctx, rangeread.Range{Offset: hdr.RootOffset, Length: hdr.RootLength}, rangeread.KindIndex)
	if err != nil {
		return nil, err
	}
	root, err := decodeRoot(rootBytes, &hdr)
	if err != nil {
		return nil, err
	}

	metaBytes, err := src.ReadRange(ctx, rangeread.Range{Offset: hdr.MetadataOffset, Length: hdr.MetadataLength}, rangeread.KindMetadata)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetadata(metaBytes, &hdr)
	if err != nil {
		return nil, err
	}

	d := xxhash.New()
	_, _ = d.Write(hdrBytes)
	_, _ = d.Write(rootBytes)

	return &Reader{
		src:         src,
		header:      hdr,
		root:        root,
		meta:        meta,
		fingerprint: strconv.FormatUint(d.Sum64(), 16),
	}, nil
}

// decodeRoot parses and validates the root block against the zoom table.
func decodeRoot(data []byte, h *Header) ([]rootRecord, error) {
	n := len(data) / rootRecordSize
	root := make([]rootRecord, n)
	for i := range root {
		root[i] = decodeRootRecord(data[i*rootRecordSize:])
	}

	indexStart := h.DataOffset + h.DataLength
	for z := range h.Zooms {
		ze := h.Zooms[z]
		if ze.BlockCount == 0 {
			continue
		}
		first := uint64(ze.FirstBlockIndex)
		last := first + uint64(ze.BlockCount)
		if last > uint64(n) {
			return nil, corrupt("zoom %d blocks [%d,%d) beyond root of %d", z, first, last, n)
		}
		if root[first].Offset != ze.FirstBlockOffset {
			return nil, corrupt("zoom %d chain head mismatch", z)
		}
		for i := first; i < last; i++ {
			rec := root[i]
			if int(rec.Zoom) != z {
				return nil, corrupt("root record %d has zoom %d, expected %d", i, rec.Zoom, z)
			}
			if rec.Count == 0 || rec.Count > h.BlockCapacity {
				return nil, corrupt("root record %d holds %d entries", i, rec.Count)
			}
			if rec.Length != blockLength(int(rec.Count)) {
				return nil, corrupt("root record %d length %d", i, rec.Length)
			}
			end := rec.Offset + rec.Length
			if rec.Offset < indexStart || end < rec.Offset || end > h.FileSize {
				return nil, corrupt("root record %d out of bounds", i)
			}
			if i > first {
				prev := root[i-1]
				if !keyLess(prev.FirstRow, prev.FirstCol, rec.FirstRow, rec.FirstCol) {
					return nil, corrupt("root records for zoom %d out of order", z)
				}
			}
		}
	}
	return root, nil
}

// Metadata returns a copy of the container metadata.
func (r *Reader) Metadata() tile.Metadata {
	return r.meta.Clone()
}

// Header returns the decoded header.
func (r *Reader) Header() Header {
	return r.header
}

func (r *Reader) Name() string { return r.src.Name() }

// Fingerprint identifies the exact content: a hash of the header and root.
func (r *Reader) Fingerprint() string { return r.fingerprint }

func (r *Reader) TileCount() uint64 { return r.header.TileCount }

// Close closes the underlying source. Blobs returned earlier may alias a
// memory mapping and must not be used afterwards.
func (r *Reader) Close() error {
	return r.src.Close()
}

func (r *Reader) zoomRoot(z uint8) []rootRecord {
	ze := r.header.Zooms[z]
	if ze.BlockCount == 0 {
		return nil
	}
	return r.root[ze.FirstBlockIndex : ze.FirstBlockIndex+ze.BlockCount]
}

// readBlock fetches one index block and checks it matches its root record.
func (r *Reader) readBlock(ctx context.Context, off, length uint64, z uint8) ([]byte, blockHeader, error) {
	data, err := r.src.ReadRange(ctx, rangeread.Range{Offset: off, Length: length}, rangeread.KindIndex)
	if err != nil {
		return nil, blockHeader{}, err
	}
	if len(data) < blockHeaderSize {
		return nil, blockHeader{}, corrupt("index block at %d truncated", off)
	}
	bh := decodeBlockHeader(data)
	if bh.Zoom != uint32(z) || blockLength(int(bh.Count)) != length {
		return nil, blockHeader{}, corrupt("index block at %d does not match root", off)
	}
	return data, bh, nil
}

// Lookup returns the index entry for c.
func (r *Reader) Lookup(ctx context.Context, c tile.Coord) (IndexEntry, bool, error) {
	if !c.Valid() || !r.meta.Pyramid.Contains(c) {
		return IndexEntry{}, false, nil
	}
	rec, ok := findBlock(r.zoomRoot(c.Z), c.Y, c.X)
	if !ok {
		return IndexEntry{}, false, nil
	}
	block, _, err := r.readBlock(ctx, rec.Offset, rec.Length, c.Z)
	if err != nil {
		return IndexEntry{}, false, err
	}
	e, ok := searchBlock(block, c.Z, c.Y, c.X)
	if !ok {
		return IndexEntry{}, false, nil
	}
	if err := r.checkEntry(e); err != nil {
		return IndexEntry{}, false, err
	}
	return e, true, nil
}

func (r *Reader) checkEntry(e IndexEntry) error {
	dataEnd := r.header.DataOffset + r.header.DataLength
	end := e.Offset + e.Length
	if e.Offset < r.header.DataOffset || end < e.Offset || end > dataEnd {
		return corrupt("entry %s points outside the data region", e.Coord)
	}
	return nil
}

// GetTile resolves c. Coordinates outside the pyramid are absent.
func (r *Reader) GetTile(ctx context.Context, c tile.Coord) (tile.Blob, bool, error) {
	e, ok, err := r.Lookup(ctx, c)
	if err != nil || !ok {
		return tile.Blob{}, false, err
	}
	data, err := r.src.ReadRange(ctx, rangeread.Range{Offset: e.Offset, Length: e.Length}, rangeread.KindTile)
	if err != nil {
		return tile.Blob{}, false, tile.AtCoord(c, err)
	}
	return tile.Blob{Data: data, Compression: r.header.Compression, Format: r.header.TileFormat}, true, nil
}

// Entries walks every zoom's block chain in key order.
func (r *Reader) Entries(ctx context.Context) iter.Seq2[IndexEntry, error] {
	return func(yield func(IndexEntry, error) bool) {
		for z := range uint8(zoomSlots) {
			ze := r.header.Zooms[z]
			off := ze.FirstBlockOffset
			length := uint64(0)
			if ze.BlockCount > 0 {
				length = r.root[ze.FirstBlockIndex].Length
			}
			for hops := uint32(0); hops < ze.BlockCount; hops++ {
				if err := ctx.Err(); err != nil {
					yield(IndexEntry{}, err)
					return
				}
				block, bh, err := r.readBlock(ctx, off, length, z)
				if err != nil {
					yield(IndexEntry{}, err)
					return
				}
				for i := range int(bh.Count) {
					e := decodeIndexEntry(z, block[blockHeaderSize+i*indexEntrySize:])
					if err := r.checkEntry(e); err != nil {
						yield(IndexEntry{}, err)
						return
					}
					if !yield(e, nil) {
						return
					}
				}
				if bh.NextOffset == 0 {
					if hops+1 != ze.BlockCount {
						yield(IndexEntry{}, corrupt("zoom %d chain ends after %d of %d blocks", z, hops+1, ze.BlockCount))
						return
					}
					break
				}
				off, length = bh.NextOffset, bh.NextLength
			}
		}
	}
}

// Coords yields every stored coordinate in index order.
func (r *Reader) Coords(ctx context.Context) iter.Seq2[tile.Coord, error] {
	return func(yield func(tile.Coord, error) bool) {
		for e, err := range r.Entries(ctx) {
			if !yield(e.Coord, err) || err != nil {
				return
			}
		}
	}
}

// CacheStats reports block cache effectiveness when the source is cached.
func (r *Reader) CacheStats() (rangeread.CacheStats, bool) {
	if c, ok := r.src.(*rangeread.CachedSource); ok {
		return c.Stats(), true
	}
	return rangeread.CacheStats{}, false
}

func (r *Reader) String() string {
	return fmt.Sprintf("tbc %s (%s, %s, %d tiles)", r.Name(), r.header.TileFormat, r.header.Compression, r.header.TileCount)
}
