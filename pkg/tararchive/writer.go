package tararchive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/tessera/internal/tilefs"
	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Options configures a new archive.
type Options struct {
	Format      tile.Format
	Compression tile.Compression
	Attributes  map[string]string
	// ModTime stamps every entry. Zero uses the time Create was called.
	ModTime time.Time
}

// Writer appends entries in the order tiles arrive.
type Writer struct {
	path string
	opts Options
	f    *os.File
	bw   *bufio.Writer
	tw   *tar.Writer

	seen    map[tile.Coord]struct{}
	pyramid tile.Pyramid
	closed  bool

	mu sync.Mutex
}

var _ container.Writer = (*Writer)(nil)

// Create truncates or creates path.
func Create(path string, opts Options) (*Writer, error) {
	if !opts.Format.Known() {
		return nil, fmt.Errorf("%w: tar: unknown tile format %s", tile.ErrUnsupportedConversion, opts.Format)
	}
	if !slices.Contains(Compressions, opts.Compression) {
		return nil, fmt.Errorf("%w: tar archives cannot store %s tiles", tile.ErrUnsupportedConversion, opts.Compression)
	}
	opts.Attributes = maps.Clone(opts.Attributes)
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Now().Truncate(time.Second)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	return &Writer{
		path: path,
		opts: opts,
		f:    f,
		bw:   bw,
		tw:   tar.NewWriter(bw),
		seen: make(map[tile.Coord]struct{}),
	}, nil
}

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
		return tile.AtCoord(c, fmt.Errorf("%w: tile is %s, archive stores %s",
			tile.ErrUnsupportedConversion, b.Compression, w.opts.Compression))
	}
	if b.Format != w.opts.Format {
		return tile.AtCoord(c, fmt.Errorf("%w: tile format %s, archive stores %s",
			tile.ErrUnsupportedConversion, b.Format, w.opts.Format))
	}
	if _, dup := w.seen[c]; dup {
		return tile.AtCoord(c, tile.ErrDuplicateTile)
	}

	if err := w.writeEntry(tilefs.TilePath(c, w.opts.Format, w.opts.Compression), b.Data); err != nil {
		return tile.AtCoord(c, err)
	}
	w.seen[c] = struct{}{}
	w.pyramid.Include(c)
	return nil
}

func (w *Writer) writeEntry(name string, data []byte) error {
	err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  w.opts.ModTime,
	})
	if err != nil {
		return fmt.Errorf("%w: tar: %s: %v", tile.ErrIO, name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("%w: tar: %s: %v", tile.ErrIO, name, err)
	}
	return nil
}

func (w *Writer) Metadata() tile.Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metadataLocked(tile.Metadata{})
}

func (w *Writer) metadataLocked(overrides tile.Metadata) tile.Metadata {
	m := tile.Metadata{
		Version:     "tar",
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

// Finalize appends tiles.json, compressed like the tiles, and closes the
// archive.
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
	doc, err := tilefs.EncodeMeta(w.metadataLocked(overrides))
	if err != nil {
		return fmt.Errorf("tar: %w", err)
	}
	packed, err := compress.Compress(doc, w.opts.Compression)
	if err != nil {
		return err
	}
	if err := w.writeEntry(tilefs.MetaPath(w.opts.Compression), packed); err != nil {
		return err
	}
	if err := w.tw.Close(); err != nil {
		return fmt.Errorf("%w: tar: %v", tile.ErrIO, err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	return nil
}

// Abort closes the file without the metadata entry or trailer.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.bw.Flush()
	return w.f.Close()
}
