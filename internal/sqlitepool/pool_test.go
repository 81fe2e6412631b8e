package sqlitepool_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/samcharles93/tessera/internal/sqlitepool"
)

func openTestPool(t *testing.T, path string, readOnly bool, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      path,
		PoolSize:  4,
		ReadOnly:  readOnly,
		OnConnect: onConnect,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestOpenAppliesPragmas(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, filepath.Join(t.TempDir(), "p.db"), false, nil)
	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "wal", journalMode)
}

func TestOnConnectAndConcurrentReads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "c.db")
	pool := openTestPool(t, path, false, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS numbers (value INTEGER NOT NULL);`, nil)
	})

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteScript(conn, `INSERT INTO numbers (value) VALUES (1), (2), (3);`, nil))
	pool.Put(conn)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Take(context.Background())
			require.NoError(t, err)
			defer pool.Put(conn)
			var sum int
			err = sqlitex.Execute(conn, "SELECT SUM(value) FROM numbers", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sum = stmt.ColumnInt(0)
					return nil
				},
			})
			require.NoError(t, err)
			require.Equal(t, 6, sum)
		}()
	}
	wg.Wait()
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ro.db")
	rw, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	require.NoError(t, err)
	conn, err := rw.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteScript(conn, `CREATE TABLE t (v INTEGER); PRAGMA journal_mode=DELETE;`, nil))
	rw.Put(conn)
	require.NoError(t, rw.Close())

	ro := openTestPool(t, path, true, nil)
	conn, err = ro.Take(context.Background())
	require.NoError(t, err)
	defer ro.Put(conn)
	require.Error(t, sqlitex.ExecuteTransient(conn, "INSERT INTO t (v) VALUES (1)", nil))
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := sqlitepool.Open(sqlitepool.Config{})
	require.Error(t, err)
}
