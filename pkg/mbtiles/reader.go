package mbtiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/sqlitepool"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Reader serves tiles from an mbtiles file. Each call takes its own
// connection from a read-only pool, so a Reader is safe for concurrent
// use.
type Reader struct {
	pool        *sqlitepool.Pool
	path        string
	meta        tile.Metadata
	tagged      bool
	fingerprint string
}

var (
	_ container.Reader        = (*Reader)(nil)
	_ container.Fingerprinter = (*Reader)(nil)
)

var errStopScan = errors.New("mbtiles: scan stopped")

// Open opens an existing file read-only and loads its metadata. Files
// without a pyramid row get one computed from the tiles table.
func Open(ctx context.Context, path string) (*Reader, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", tile.ErrIO, path)
	}

	if err := checkMagic(path); err != nil {
		return nil, err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		ReadOnly: true,
		Logger:   logger.FromContext(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}

	r := &Reader{pool: pool, path: path}
	if err := r.load(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatInt(fi.Size(), 10))
	_, _ = d.WriteString(fi.ModTime().UTC().String())
	if levels, err := encodePyramid(r.meta.Pyramid); err == nil {
		_, _ = d.WriteString(levels)
	}
	r.fingerprint = strconv.FormatUint(d.Sum64(), 16)
	return r, nil
}

// sqliteMagic opens every SQLite 3 database file.
const sqliteMagic = "SQLite format 3\x00"

func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	defer f.Close()
	buf := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, buf); err != nil || string(buf) != sqliteMagic {
		return fmt.Errorf("%w: mbtiles: %s is not a SQLite database", tile.ErrFormat, path)
	}
	return nil
}

func (r *Reader) load(ctx context.Context) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return ioError("take", err)
	}
	defer r.pool.Put(conn)

	tables := make(map[string]bool, 2)
	err = sqlitex.Execute(conn,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name IN ('metadata', 'tiles')`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tables[stmt.ColumnText(0)] = true
				return nil
			},
		})
	if err != nil {
		// Not a database at all.
		return fmt.Errorf("%w: mbtiles: %s: %v", tile.ErrFormat, r.path, err)
	}
	if !tables["tiles"] {
		return fmt.Errorf("%w: mbtiles: %s has no tiles table", tile.ErrFormat, r.path)
	}

	rows := make(map[string]string)
	if tables["metadata"] {
		err = sqlitex.Execute(conn, `SELECT name, value FROM metadata`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows[stmt.ColumnText(0)] = stmt.ColumnText(1)
				return nil
			},
		})
		if err != nil {
			return ioError("read metadata", err)
		}
	}

	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM pragma_table_info('tiles') WHERE name = 'tile_compression'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r.tagged = stmt.ColumnInt(0) > 0
				return nil
			},
		})
	if err != nil {
		return ioError("inspect tiles", err)
	}

	format := tile.FormatBin
	if s, ok := rows[keyFormat]; ok {
		if format, err = tile.ParseFormat(s); err != nil {
			logger.FromContext(ctx).Warn("unknown mbtiles tile format, serving as binary", "path", r.path, "format", s)
			format = tile.FormatBin
		}
	}
	compression, err := declaredCompression(rows, format)
	if err != nil {
		return err
	}

	var pyramid tile.Pyramid
	if s, ok := rows[keyPyramid]; ok {
		if pyramid, err = decodePyramid(s); err != nil {
			return err
		}
	} else if pyramid, err = scanPyramid(conn); err != nil {
		return err
	}

	attrs := make(map[string]string, len(rows))
	for k, v := range rows {
		switch k {
		case keyFormat, keyCompression, keyPyramid:
		default:
			attrs[k] = v
		}
	}

	r.meta = tile.Metadata{
		Version:     "mbtiles/1.3",
		Format:      format,
		Compression: compression,
		Pyramid:     pyramid,
		Attributes:  attrs,
	}
	return nil
}

// scanPyramid derives per-zoom extents from the stored keys.
func scanPyramid(conn *sqlite.Conn) (tile.Pyramid, error) {
	var p tile.Pyramid
	err := sqlitex.Execute(conn,
		`SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
		   FROM tiles GROUP BY zoom_level`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				z := stmt.ColumnInt64(0)
				lo, err := fromTMS(z, stmt.ColumnInt64(1), stmt.ColumnInt64(4))
				if err != nil {
					return err
				}
				hi, err := fromTMS(z, stmt.ColumnInt64(2), stmt.ColumnInt64(3))
				if err != nil {
					return err
				}
				p.SetLevel(tile.BBox{Z: lo.Z, XMin: lo.X, YMin: lo.Y, XMax: hi.X, YMax: hi.Y})
				return nil
			},
		})
	if err != nil {
		return tile.Pyramid{}, ioError("scan pyramid", err)
	}
	return p, nil
}

func (r *Reader) Metadata() tile.Metadata { return r.meta.Clone() }

func (r *Reader) Name() string { return r.path }

// Fingerprint changes whenever the file is rewritten.
func (r *Reader) Fingerprint() string { return r.fingerprint }

func (r *Reader) Close() error {
	if err := r.pool.Close(); err != nil {
		return fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	return nil
}

// GetTile is a single keyed query. Untagged rows take the declared
// compression.
func (r *Reader) GetTile(ctx context.Context, c tile.Coord) (tile.Blob, bool, error) {
	if !c.Valid() || !r.meta.Pyramid.Contains(c) {
		return tile.Blob{}, false, nil
	}
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return tile.Blob{}, false, ioError("take", err)
	}
	defer r.pool.Put(conn)

	query := `SELECT tile_data, NULL FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`
	if r.tagged {
		query = `SELECT tile_data, tile_compression FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`
	}

	var (
		blob  tile.Blob
		found bool
	)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{int64(c.Z), int64(c.X), int64(flipRow(c.Z, c.Y))},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			comp := r.meta.Compression
			if tag := stmt.ColumnText(1); tag != "" {
				parsed, err := tile.ParseCompression(tag)
				if err != nil {
					return fmt.Errorf("%w: mbtiles: tile %s: %v", tile.ErrFormat, c, err)
				}
				comp = parsed
			}
			blob = tile.Blob{Data: data, Compression: comp, Format: r.meta.Format}
			found = true
			return nil
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tile.Blob{}, false, ctxErr
		}
		return tile.Blob{}, false, tile.AtCoord(c, ioError("get tile", err))
	}
	return blob, found, nil
}

// Coords scans the tiles table in zoom, row, column order. Ascending XYZ
// rows are descending TMS rows.
func (r *Reader) Coords(ctx context.Context) iter.Seq2[tile.Coord, error] {
	return func(yield func(tile.Coord, error) bool) {
		conn, err := r.pool.Take(ctx)
		if err != nil {
			yield(tile.Coord{}, ioError("take", err))
			return
		}
		defer r.pool.Put(conn)

		stopped := false
		err = sqlitex.Execute(conn,
			`SELECT zoom_level, tile_column, tile_row FROM tiles
			  ORDER BY zoom_level ASC, tile_row DESC, tile_column ASC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					c, err := fromTMS(stmt.ColumnInt64(0), stmt.ColumnInt64(1), stmt.ColumnInt64(2))
					if err != nil {
						return err
					}
					if !yield(c, nil) {
						stopped = true
						return errStopScan
					}
					return nil
				},
			})
		if stopped || err == nil {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield(tile.Coord{}, ctxErr)
			return
		}
		yield(tile.Coord{}, ioError("scan", err))
	}
}

func (r *Reader) String() string {
	return fmt.Sprintf("mbtiles %s (%s, %s)", r.path, r.meta.Format, r.meta.Compression)
}
