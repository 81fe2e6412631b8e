package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/tilefs"
	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// maxMetaSize bounds the metadata file read into memory.
const maxMetaSize = 16 << 20

// Reader serves tiles from a scanned directory tree. Files added after
// Open are not seen. It is safe for concurrent use.
type Reader struct {
	root        string
	files       map[tile.Coord]string
	order       []tile.Coord
	meta        tile.Metadata
	fingerprint string
}

var (
	_ container.Reader        = (*Reader)(nil)
	_ container.Fingerprinter = (*Reader)(nil)
	_ container.TileCounter   = (*Reader)(nil)
)

// Open walks root once and indexes every z/x/y file.
func Open(ctx context.Context, root string) (*Reader, error) {
	log := logger.FromContext(ctx)
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: directory: %s is not a directory", tile.ErrFormat, root)
	}

	r := &Reader{root: root, files: make(map[tile.Coord]string)}
	d := xxhash.New()

	var (
		format      tile.Format
		compression tile.Compression
		seenTile    bool
		declared    tilefs.Declared
		pyramid     tile.Pyramid
	)
	err = filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
		rel = filepath.ToSlash(rel)
		// Only top-level metadata and z/x/y files belong to the layout.
		if n := strings.Count(rel, "/"); n != 0 && n != 2 {
			log.Debug("skipping file", "dir", root, "file", rel)
			return nil
		}

		name, err := tilefs.ParseName(rel)
		if err != nil {
			return fmt.Errorf("directory: %w", err)
		}
		switch name.Kind {
		case tilefs.KindMeta:
			plain, err := readMeta(p, name.Compression)
			if err != nil {
				return err
			}
			if declared, err = tilefs.DecodeMeta(plain); err != nil {
				return fmt.Errorf("directory: %s: %w", rel, err)
			}
		case tilefs.KindTile:
			if !seenTile {
				format, compression, seenTile = name.Format, name.Compression, true
			} else if name.Format != format || name.Compression != compression {
				return fmt.Errorf("%w: directory: %s does not match %s%s tiles before it",
					tile.ErrFormat, rel, format.Extension(), compression.Extension())
			}
			if prev, dup := r.files[name.Coord]; dup {
				return fmt.Errorf("%w: directory: %s and %s are the same tile", tile.ErrFormat, prev, rel)
			}
			r.files[name.Coord] = rel
			r.order = append(r.order, name.Coord)
			pyramid.Include(name.Coord)

			fi, err := e.Info()
			if err != nil {
				return fmt.Errorf("%w: %v", tile.ErrIO, err)
			}
			_, _ = d.WriteString(rel)
			_, _ = d.WriteString(strconv.FormatInt(fi.Size(), 36))
			_, _ = d.WriteString(strconv.FormatInt(fi.ModTime().UnixNano(), 36))
		default:
			log.Debug("skipping file", "dir", root, "file", rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	format, compression, err = declared.Resolve(seenTile, format, compression)
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", root, err)
	}
	if declared.Pyramid != nil {
		pyramid.Union(*declared.Pyramid)
	}

	slices.SortFunc(r.order, tile.Coord.Compare)
	r.meta = tile.Metadata{
		Version:     "directory",
		Format:      format,
		Compression: compression,
		Pyramid:     pyramid,
		Attributes:  declared.Attributes,
	}
	if r.meta.Attributes == nil {
		r.meta.Attributes = make(map[string]string)
	}
	r.fingerprint = strconv.FormatUint(d.Sum64(), 16)

	log.Debug("directory scanned", "dir", root, "tiles", len(r.order))
	return r, nil
}

func readMeta(p string, comp tile.Compression) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxMetaSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: directory: reading %s: %v", tile.ErrIO, p, err)
	}
	if len(raw) > maxMetaSize {
		return nil, fmt.Errorf("%w: directory: %s exceeds %d bytes", tile.ErrFormat, p, maxMetaSize)
	}
	plain, err := compress.Decompress(raw, comp)
	if err != nil {
		return nil, fmt.Errorf("%w: directory: %s", err, p)
	}
	return plain, nil
}

func (r *Reader) Metadata() tile.Metadata { return r.meta.Clone() }

func (r *Reader) Name() string { return r.root }

// Fingerprint hashes the file names, sizes and modification times.
func (r *Reader) Fingerprint() string { return r.fingerprint }

func (r *Reader) TileCount() uint64 { return uint64(len(r.order)) }

func (r *Reader) Close() error { return nil }

// GetTile reads one file. A file removed since Open is reported missing.
func (r *Reader) GetTile(ctx context.Context, c tile.Coord) (tile.Blob, bool, error) {
	rel, ok := r.files[c]
	if !ok {
		return tile.Blob{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return tile.Blob{}, false, err
	}
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return tile.Blob{}, false, nil
	}
	if err != nil {
		return tile.Blob{}, false, tile.AtCoord(c, fmt.Errorf("%w: %v", tile.ErrIO, err))
	}
	return tile.Blob{Data: data, Compression: r.meta.Compression, Format: r.meta.Format}, true, nil
}

// Coords yields the indexed files in zoom, row, column order.
func (r *Reader) Coords(ctx context.Context) iter.Seq2[tile.Coord, error] {
	return func(yield func(tile.Coord, error) bool) {
		for _, c := range r.order {
			if err := ctx.Err(); err != nil {
				yield(tile.Coord{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (r *Reader) String() string {
	return fmt.Sprintf("directory %s (%s, %s, %d tiles)", r.root, r.meta.Format, r.meta.Compression, len(r.order))
}
