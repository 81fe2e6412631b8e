package directory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samcharles93/tessera/internal/tilefs"
	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Options configures a new directory container.
type Options struct {
	Format      tile.Format
	Compression tile.Compression
	Attributes  map[string]string
}

// Writer writes one file per tile as tiles arrive.
type Writer struct {
	root string
	opts Options

	// dirs caches the z/x directories already created.
	dirs    map[string]struct{}
	seen    map[tile.Coord]struct{}
	pyramid tile.Pyramid
	closed  bool

	mu sync.Mutex
}

var _ container.Writer = (*Writer)(nil)

// Create makes root, which must not exist or be an empty directory.
func Create(root string, opts Options) (*Writer, error) {
	if !opts.Format.Known() {
		return nil, fmt.Errorf("%w: directory: unknown tile format %s", tile.ErrUnsupportedConversion, opts.Format)
	}
	if !slices.Contains(Compressions, opts.Compression) {
		return nil, fmt.Errorf("%w: directories cannot store %s tiles", tile.ErrUnsupportedConversion, opts.Compression)
	}
	opts.Attributes = maps.Clone(opts.Attributes)

	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	if len(entries) > 0 {
		return nil, fmt.Errorf("%w: directory: %s is not empty", tile.ErrIO, root)
	}
	return &Writer{
		root: root,
		opts: opts,
		dirs: make(map[string]struct{}),
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
		return tile.AtCoord(c, fmt.Errorf("%w: tile is %s, directory stores %s",
			tile.ErrUnsupportedConversion, b.Compression, w.opts.Compression))
	}
	if b.Format != w.opts.Format {
		return tile.AtCoord(c, fmt.Errorf("%w: tile format %s, directory stores %s",
			tile.ErrUnsupportedConversion, b.Format, w.opts.Format))
	}
	if _, dup := w.seen[c]; dup {
		return tile.AtCoord(c, tile.ErrDuplicateTile)
	}

	if err := w.writeFile(tilefs.TilePath(c, w.opts.Format, w.opts.Compression), b.Data); err != nil {
		return tile.AtCoord(c, err)
	}
	w.seen[c] = struct{}{}
	w.pyramid.Include(c)
	return nil
}

func (w *Writer) writeFile(rel string, data []byte) error {
	p := filepath.Join(w.root, filepath.FromSlash(rel))
	dir := filepath.Dir(p)
	if _, ok := w.dirs[dir]; !ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
		w.dirs[dir] = struct{}{}
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
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
		Version:     "directory",
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

// Finalize writes tiles.json, compressed like the tiles, and reopens the
// directory.
func (w *Writer) Finalize(ctx context.Context, overrides tile.Metadata) (container.Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, tile.ErrClosedWriter
	}
	w.closed = true

	doc, err := tilefs.EncodeMeta(w.metadataLocked(overrides))
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	packed, err := compress.Compress(doc, w.opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := w.writeFile(tilefs.MetaPath(w.opts.Compression), packed); err != nil {
		return nil, err
	}
	r, err := Open(ctx, w.root)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Abort removes everything written. Create only accepts an empty or new
// root, so the whole tree belongs to the writer.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	return nil
}
