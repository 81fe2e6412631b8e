package tararchive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/tilefs"
	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/rangeread"
	"github.com/samcharles93/tessera/pkg/tile"
)

// scanWindow is how much of the archive one directory-scan fetch pulls.
const scanWindow = 256 << 10

// maxMetaSize bounds the metadata entry read into memory.
const maxMetaSize = 16 << 20

type entry struct {
	offset uint64
	length uint64
}

// Reader serves tiles from a scanned archive. It is safe for concurrent
// use.
type Reader struct {
	src         rangeread.Source
	dir         map[tile.Coord]entry
	order       []tile.Coord
	meta        tile.Metadata
	fingerprint string
}

var (
	_ container.Reader        = (*Reader)(nil)
	_ container.Fingerprinter = (*Reader)(nil)
	_ container.TileCounter   = (*Reader)(nil)
)

// OpenPath opens a local path or http(s) URL.
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

// Open scans every entry header in src. The Reader takes ownership of src.
func Open(ctx context.Context, src rangeread.Source) (*Reader, error) {
	log := logger.FromContext(ctx)
	sr := io.NewSectionReader(&windowReader{ctx: ctx, src: src}, 0, int64(src.Size()))
	tr := tar.NewReader(sr)

	r := &Reader{src: src, dir: make(map[tile.Coord]entry)}
	d := xxhash.New()

	var (
		format      tile.Format
		compression tile.Compression
		seenTile    bool
		declared    tilefs.Declared
		pyramid     tile.Pyramid
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, tile.ErrIO) || ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: tar: %s: %v", tile.ErrFormat, src.Name(), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, err := tilefs.ParseName(hdr.Name)
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		switch name.Kind {
		case tilefs.KindMeta:
			raw, err := io.ReadAll(io.LimitReader(tr, maxMetaSize+1))
			if err != nil {
				return nil, fmt.Errorf("%w: tar: reading %s: %v", tile.ErrIO, hdr.Name, err)
			}
			if len(raw) > maxMetaSize {
				return nil, fmt.Errorf("%w: tar: %s exceeds %d bytes", tile.ErrFormat, hdr.Name, maxMetaSize)
			}
			plain, err := compress.Decompress(raw, name.Compression)
			if err != nil {
				return nil, fmt.Errorf("%w: tar: %s", err, hdr.Name)
			}
			if declared, err = tilefs.DecodeMeta(plain); err != nil {
				return nil, fmt.Errorf("tar: %w", err)
			}
		case tilefs.KindTile:
			if !seenTile {
				format, compression, seenTile = name.Format, name.Compression, true
			} else if name.Format != format || name.Compression != compression {
				return nil, fmt.Errorf("%w: tar: %s does not match %s%s tiles before it",
					tile.ErrFormat, hdr.Name, format.Extension(), compression.Extension())
			}
			pos, err := sr.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, fmt.Errorf("%w: tar: %v", tile.ErrIO, err)
			}
			if _, dup := r.dir[name.Coord]; dup {
				log.Warn("tar entry repeats a tile, keeping the last", "archive", src.Name(), "entry", hdr.Name)
			} else {
				r.order = append(r.order, name.Coord)
			}
			r.dir[name.Coord] = entry{offset: uint64(pos), length: uint64(hdr.Size)}
			pyramid.Include(name.Coord)
			_, _ = d.WriteString(hdr.Name)
			_, _ = d.WriteString(strconv.FormatInt(pos, 36))
		default:
			log.Debug("skipping tar entry", "archive", src.Name(), "entry", hdr.Name)
		}
	}

	format, compression, err := declared.Resolve(seenTile, format, compression)
	if err != nil {
		return nil, fmt.Errorf("tar: %s: %w", src.Name(), err)
	}
	if declared.Pyramid != nil {
		pyramid.Union(*declared.Pyramid)
	}

	slices.SortFunc(r.order, tile.Coord.Compare)
	r.meta = tile.Metadata{
		Version:     "tar",
		Format:      format,
		Compression: compression,
		Pyramid:     pyramid,
		Attributes:  declared.Attributes,
	}
	if r.meta.Attributes == nil {
		r.meta.Attributes = make(map[string]string)
	}
	r.fingerprint = strconv.FormatUint(d.Sum64(), 16)

	log.Debug("tar directory scanned", "archive", src.Name(), "tiles", len(r.order))
	return r, nil
}

func (r *Reader) Metadata() tile.Metadata { return r.meta.Clone() }

func (r *Reader) Name() string { return r.src.Name() }

// Fingerprint hashes the entry directory.
func (r *Reader) Fingerprint() string { return r.fingerprint }

func (r *Reader) TileCount() uint64 { return uint64(len(r.order)) }

func (r *Reader) Close() error { return r.src.Close() }

// GetTile is one range read into the archive.
func (r *Reader) GetTile(ctx context.Context, c tile.Coord) (tile.Blob, bool, error) {
	e, ok := r.dir[c]
	if !ok {
		return tile.Blob{}, false, nil
	}
	data, err := r.src.ReadRange(ctx, rangeread.Range{Offset: e.offset, Length: e.length}, rangeread.KindTile)
	if err != nil {
		return tile.Blob{}, false, tile.AtCoord(c, err)
	}
	return tile.Blob{Data: data, Compression: r.meta.Compression, Format: r.meta.Format}, true, nil
}

// Coords yields the directory in zoom, row, column order.
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
	return fmt.Sprintf("tar %s (%s, %s, %d tiles)", r.Name(), r.meta.Format, r.meta.Compression, len(r.order))
}

// windowReader adapts a Source to io.ReaderAt for the directory scan,
// fetching one window at a time so a remote scan is not one request per
// 512-byte header.
type windowReader struct {
	ctx    context.Context
	src    rangeread.Source
	off    uint64
	window []byte
}

func (w *windowReader) ReadAt(p []byte, off int64) (int, error) {
	size := w.src.Size()
	if off < 0 {
		return 0, fmt.Errorf("%w: tar: negative offset", tile.ErrIO)
	}
	n := 0
	pos := uint64(off)
	for n < len(p) {
		if pos >= size {
			return n, io.EOF
		}
		if pos < w.off || pos >= w.off+uint64(len(w.window)) {
			length := min(uint64(scanWindow), size-pos)
			// Scans would flush the shared block cache, so they bypass it.
			data, err := w.src.ReadRange(w.ctx, rangeread.Range{Offset: pos, Length: length}, rangeread.KindTile)
			if err != nil {
				return n, err
			}
			w.off, w.window = pos, data
		}
		c := copy(p[n:], w.window[pos-w.off:])
		n += c
		pos += uint64(c)
	}
	return n, nil
}
