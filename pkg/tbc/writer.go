package tbc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Options configures a new container.
type Options struct {
	Format      tile.Format
	Compression tile.Compression
	// BlockCapacity defaults to DefaultBlockCapacity.
	BlockCapacity int
	Attributes    map[string]string
	// DisableDedup stores every payload even when identical bytes were
	// already written.
	DisableDedup bool
}

// WriterStats counts what a writer stored.
type WriterStats struct {
	Tiles        uint64
	Payloads     uint64
	DataBytes    uint64
	DedupedBytes uint64
}

// Writer builds a container in one pass.
//
// Payloads are appended to the data region as they arrive; only index
// entries are kept in memory. The header is reserved up front and patched
// in Finalize.
type Writer struct {
	path string
	f    *os.File
	opts Options

	offset  uint64
	entries []IndexEntry
	seen    map[tile.Coord]struct{}
	pyramid tile.Pyramid
	dedup   *payloadDeduper
	stats   WriterStats
	closed  bool

	mu sync.Mutex
}

var _ container.Writer = (*Writer)(nil)

// Create truncates or creates path and reserves the header.
func Create(path string, opts Options) (*Writer, error) {
	if !opts.Format.Known() {
		return nil, fmt.Errorf("%w: tbc: unknown tile format %s", tile.ErrUnsupportedConversion, opts.Format)
	}
	if !opts.Compression.Known() {
		return nil, fmt.Errorf("%w: tbc: unknown compression %s", tile.ErrUnsupportedConversion, opts.Compression)
	}
	if opts.BlockCapacity == 0 {
		opts.BlockCapacity = DefaultBlockCapacity
	}
	if opts.BlockCapacity < 1 || opts.BlockCapacity > MaxBlockCapacity {
		return nil, fmt.Errorf("tbc: block capacity %d out of range [1, %d]", opts.BlockCapacity, MaxBlockCapacity)
	}
	opts.Attributes = maps.Clone(opts.Attributes)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}

	w := &Writer{
		path: path,
		f:    f,
		opts: opts,
		seen: make(map[tile.Coord]struct{}),
	}
	if !opts.DisableDedup {
		w.dedup = newPayloadDeduper(f)
	}

	// Reserve fixed header bytes (actual bytes, not a seek hole).
	if err := w.writeAt(make([]byte, HeaderSize), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	w.offset = HeaderSize
	return w, nil
}

// PutTile appends the payload and records its index entry.
func (w *Writer) PutTile(ctx context.Context, c tile.Coord, b tile.Blob) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return tile.ErrClosedWriter
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Valid() {
		return tile.AtCoord(c, fmt.Errorf("%w: invalid coordinate", tile.ErrUnsupportedConversion))
	}
	if b.Compression != w.opts.Compression {
		return tile.AtCoord(c, fmt.Errorf("%w: tile is %s, container stores %s",
			tile.ErrUnsupportedConversion, b.Compression, w.opts.Compression))
	}
	if b.Format != w.opts.Format {
		return tile.AtCoord(c, fmt.Errorf("%w: tile format %s, container stores %s",
			tile.ErrUnsupportedConversion, b.Format, w.opts.Format))
	}
	if _, dup := w.seen[c]; dup {
		return tile.AtCoord(c, tile.ErrDuplicateTile)
	}

	off, err := w.appendPayload(b.Data)
	if err != nil {
		return tile.AtCoord(c, err)
	}

	w.seen[c] = struct{}{}
	w.entries = append(w.entries, IndexEntry{Coord: c, Offset: off, Length: uint64(len(b.Data))})
	w.pyramid.Include(c)
	w.stats.Tiles++
	return nil
}

func (w *Writer) appendPayload(data []byte) (uint64, error) {
	if len(data) == 0 {
		return w.offset, nil
	}
	var key dedupKey
	if w.dedup != nil {
		key = w.dedup.key(data)
		off, ok, err := w.dedup.FindMatch(key, data)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
		if ok {
			w.stats.DedupedBytes += uint64(len(data))
			return off, nil
		}
	}

	off := w.offset
	if err := w.writeAt(data, off); err != nil {
		return 0, err
	}
	w.offset += uint64(len(data))
	w.stats.Payloads++
	w.stats.DataBytes += uint64(len(data))
	if w.dedup != nil {
		w.dedup.Add(key, off)
	}
	return off, nil
}

// Metadata returns the declared parameters and the pyramid so far.
func (w *Writer) Metadata() tile.Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metadataLocked(tile.Metadata{})
}

func (w *Writer) metadataLocked(overrides tile.Metadata) tile.Metadata {
	m := tile.Metadata{
		Version:     fmt.Sprintf("tbc/%d.%d", CurrentMajor, CurrentMinor),
		Format:      w.opts.Format,
		Compression: w.opts.Compression,
		Pyramid:     w.pyramid,
		Attributes:  maps.Clone(w.opts.Attributes),
	}
	m.MergeAttributes(overrides.Attributes)
	if !overrides.Pyramid.IsEmpty() {
		m.Pyramid.Union(overrides.Pyramid)
	}
	return m
}

// Stats reports what has been stored so far.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Finalize writes the index, root and metadata, patches the header and
// reopens the file as a Reader.
func (w *Writer) Finalize(ctx context.Context, overrides tile.Metadata) (container.Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, tile.ErrClosedWriter
	}
	w.closed = true

	if err := w.finalizeLocked(overrides); err != nil {
		_ = w.f.Close()
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	r, err := OpenPath(ctx, w.path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (w *Writer) finalizeLocked(overrides tile.Metadata) error {
	sortEntries(w.entries)

	dataLen := w.offset - HeaderSize
	indexOff := w.offset
	layout := packIndex(w.entries, w.opts.BlockCapacity, indexOff)
	pos := indexOff
	for _, block := range layout.blocks {
		if err := w.writeAt(block, pos); err != nil {
			return err
		}
		pos += uint64(len(block))
	}

	rootOff := pos
	root := make([]byte, len(layout.root)*rootRecordSize)
	for i, rec := range layout.root {
		encodeRootRecord(root[i*rootRecordSize:], rec)
	}
	if err := w.writeAt(root, rootOff); err != nil {
		return err
	}
	pos += uint64(len(root))

	meta, err := encodeMetadata(w.metadataLocked(overrides))
	if err != nil {
		return fmt.Errorf("tbc: encode metadata: %w", err)
	}
	metaOff := pos
	if err := w.writeAt(meta, metaOff); err != nil {
		return err
	}
	fileSize := metaOff + uint64(len(meta))

	// Truncate in case the target file was reused.
	if err := w.f.Truncate(int64(fileSize)); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}

	var header Header
	copy(header.Magic[:], Magic)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = HeaderSize
	header.TileFormat = w.opts.Format
	header.Compression = w.opts.Compression
	header.BlockCapacity = uint32(w.opts.BlockCapacity)
	header.DataOffset = HeaderSize
	header.DataLength = dataLen
	header.RootOffset = rootOff
	header.RootLength = uint64(len(root))
	header.MetadataOffset = metaOff
	header.MetadataLength = uint64(len(meta))
	header.TileCount = uint64(len(w.entries))
	header.FileSize = fileSize
	header.Zooms = layout.zooms

	var hdrBuf [HeaderSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("tbc: encode header failed")
	}
	if err := w.writeAt(hdrBuf[:], 0); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	return nil
}

// Abort closes the file without finalizing. The partial file stays on
// disk and is not a valid container.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

func (w *Writer) writeAt(p []byte, off uint64) error {
	for len(p) > 0 {
		n, err := w.f.WriteAt(p, int64(off))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", tile.ErrIO, w.path, err)
		}
		p = p[n:]
		off += uint64(n)
	}
	return nil
}
