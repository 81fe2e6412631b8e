package mbtiles

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/samcharles93/tessera/internal/sqlitepool"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Options configures a new mbtiles file.
type Options struct {
	Format      tile.Format
	Compression tile.Compression
	Attributes  map[string]string
}

// Writer inserts tiles in batched transactions over a single connection.
type Writer struct {
	path string
	opts Options
	pool *sqlitepool.Pool
	conn *sqlite.Conn

	inTx    bool
	pending int
	tiles   uint64
	pyramid tile.Pyramid
	closed  bool

	mu sync.Mutex
}

var _ container.Writer = (*Writer)(nil)

// Create replaces any file at path with an empty database.
func Create(path string, opts Options) (*Writer, error) {
	if !opts.Format.Known() {
		return nil, fmt.Errorf("%w: mbtiles: unknown tile format %s", tile.ErrUnsupportedConversion, opts.Format)
	}
	if !slices.Contains(Compressions, opts.Compression) {
		return nil, fmt.Errorf("%w: mbtiles cannot store %s tiles", tile.ErrUnsupportedConversion, opts.Compression)
	}
	opts.Attributes = maps.Clone(opts.Attributes)

	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schemaSQL, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}

	return &Writer{
		path: path,
		opts: opts,
		pool: pool,
		conn: conn,
	}, nil
}

// PutTile inserts one row. A key already present fails with
// ErrDuplicateTile and rolls back only that statement.
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

	if !w.inTx {
		if err := sqlitex.ExecuteTransient(w.conn, "BEGIN IMMEDIATE", nil); err != nil {
			return tile.AtCoord(c, ioError("begin", err))
		}
		w.inTx = true
	}

	err := sqlitex.Execute(w.conn,
		`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data, tile_compression)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{int64(c.Z), int64(c.X), int64(flipRow(c.Z, c.Y)), b.Data, b.Compression.String()},
		})
	if err != nil {
		if isConstraint(err) {
			return tile.AtCoord(c, tile.ErrDuplicateTile)
		}
		return tile.AtCoord(c, ioError("insert", err))
	}

	w.pyramid.Include(c)
	w.tiles++
	w.pending++
	if w.pending >= batchSize {
		return w.commitLocked()
	}
	return nil
}

func (w *Writer) commitLocked() error {
	if !w.inTx {
		return nil
	}
	w.inTx = false
	w.pending = 0
	if err := sqlitex.ExecuteTransient(w.conn, "COMMIT", nil); err != nil {
		return ioError("commit", err)
	}
	return nil
}

// Metadata returns the declared parameters and the pyramid so far.
func (w *Writer) Metadata() tile.Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metadataLocked(tile.Metadata{})
}

func (w *Writer) metadataLocked(overrides tile.Metadata) tile.Metadata {
	m := tile.Metadata{
		Version:     "mbtiles/1.3",
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

// TileCount is the number of rows inserted.
func (w *Writer) TileCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tiles
}

// Finalize writes the metadata table, checkpoints the journal into the
// main file and reopens it read-only.
func (w *Writer) Finalize(ctx context.Context, overrides tile.Metadata) (container.Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, tile.ErrClosedWriter
	}
	w.closed = true

	if err := w.finalizeLocked(overrides); err != nil {
		_ = w.release()
		return nil, err
	}
	if err := w.release(); err != nil {
		return nil, err
	}
	r, err := Open(ctx, w.path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (w *Writer) finalizeLocked(overrides tile.Metadata) error {
	if err := w.commitLocked(); err != nil {
		return err
	}

	rows, err := metadataRows(w.metadataLocked(overrides), w.path)
	if err != nil {
		return err
	}

	if err := w.writeMetadata(rows); err != nil {
		return err
	}

	// A single self-contained file is easier to ship than one with a -wal
	// sidecar.
	if err := sqlitex.ExecuteTransient(w.conn, "PRAGMA journal_mode=DELETE", nil); err != nil {
		return ioError("journal mode", err)
	}
	return nil
}

func (w *Writer) writeMetadata(rows map[string]string) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(w.conn)
	if err != nil {
		return ioError("begin", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(w.conn, `DELETE FROM metadata`, nil); err != nil {
		return ioError("clear metadata", err)
	}
	keys := slices.Sorted(maps.Keys(rows))
	for _, k := range keys {
		err = sqlitex.Execute(w.conn, `INSERT INTO metadata (name, value) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{k, rows[k]}})
		if err != nil {
			return ioError("write metadata", err)
		}
	}
	return nil
}

// metadataRows flattens m into the metadata table, adding the summary rows
// other mbtiles tools expect.
func metadataRows(m tile.Metadata, path string) (map[string]string, error) {
	rows := maps.Clone(m.Attributes)
	if rows == nil {
		rows = make(map[string]string)
	}
	maps.Copy(rows, m.SummaryAttributes())
	if rows[tile.AttrName] == "" {
		rows[tile.AttrName] = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	rows[keyFormat] = m.Format.String()
	rows[keyCompression] = m.Compression.String()
	if !m.Pyramid.IsEmpty() {
		levels, err := encodePyramid(m.Pyramid)
		if err != nil {
			return nil, fmt.Errorf("mbtiles: encode pyramid: %w", err)
		}
		rows[keyPyramid] = levels
	}
	return rows, nil
}

// Abort rolls back the open batch and closes the database. Rows from
// earlier batches stay on disk; the file has no metadata and is not a
// finished container.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.inTx {
		w.inTx = false
		_ = sqlitex.ExecuteTransient(w.conn, "ROLLBACK", nil)
	}
	return w.release()
}

func (w *Writer) release() error {
	if w.conn != nil {
		w.pool.Put(w.conn)
		w.conn = nil
	}
	if err := w.pool.Close(); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	return nil
}
