package rangeread

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/pkg/tile"
)

func testBlob(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}
}

// rangeServer serves blob with http.ServeContent after failing the first
// `failures` requests with status.
func rangeServer(t *testing.T, blob []byte, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		http.ServeContent(w, r, "blob.tbc", time.Unix(0, 0), bytes.NewReader(blob))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFileSourceReadRange(t *testing.T) {
	t.Parallel()

	blob := testBlob(4096)
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	require.Equal(t, uint64(len(blob)), src.Size())
	require.NotEmpty(t, src.ID())

	got, err := src.ReadRange(context.Background(), Range{Offset: 100, Length: 50}, KindTile)
	require.NoError(t, err)
	require.Equal(t, blob[100:150], got)

	_, err = src.ReadRange(context.Background(), Range{Offset: 4090, Length: 10}, KindTile)
	require.True(t, errors.Is(err, tile.ErrIO))

	empty, err := src.ReadRange(context.Background(), Range{Offset: 4096}, KindTile)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestFileSourceMissing(t *testing.T) {
	t.Parallel()

	_, err := OpenFile(filepath.Join(t.TempDir(), "nope"))
	require.True(t, errors.Is(err, tile.ErrIO))
}

func TestFileSourceEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	src, err := OpenFile(path)
	require.NoError(t, err)
	require.Zero(t, src.Size())
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestHTTPSourceReadRange(t *testing.T) {
	t.Parallel()

	blob := testBlob(10_000)
	srv, _ := rangeServer(t, blob, 0, 0)

	src, err := OpenHTTP(context.Background(), srv.URL, HTTPOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	require.Equal(t, uint64(len(blob)), src.Size())
	got, err := src.ReadRange(context.Background(), Range{Offset: 1234, Length: 4000}, KindIndex)
	require.NoError(t, err)
	require.Equal(t, blob[1234:5234], got)
}

func TestHTTPSourceRetriesTransient503(t *testing.T) {
	t.Parallel()

	blob := testBlob(2048)
	var (
		calls  atomic.Int32
		failOn atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		// the first data read after open fails twice
		if failOn.Load() && n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "blob", time.Unix(0, 0), bytes.NewReader(blob))
	}))
	defer srv.Close()

	src, err := OpenHTTP(context.Background(), srv.URL, HTTPOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	failOn.Store(true)

	got, err := src.ReadRange(context.Background(), Range{Offset: 10, Length: 20}, KindTile)
	require.NoError(t, err)
	require.Equal(t, blob[10:30], got)
	require.Equal(t, int32(4), calls.Load())
}

// wholeObjectServer answers a range covering the entire blob with a plain
// 200, as some object stores do. Every other range gets a 206.
func wholeObjectServer(t *testing.T, blob []byte, alwaysOK bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	whole := fmt.Sprintf("bytes=0-%d", len(blob)-1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if alwaysOK || r.Header.Get("Range") == whole {
			w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(blob)
			return
		}
		http.ServeContent(w, r, "blob.tbc", time.Unix(0, 0), bytes.NewReader(blob))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPSourceAcceptsWholeObject200(t *testing.T) {
	t.Parallel()

	blob := testBlob(300)
	srv, calls := wholeObjectServer(t, blob, false)

	src, err := OpenHTTP(context.Background(), srv.URL, HTTPOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	got, err := src.ReadRange(context.Background(), Range{Offset: 0, Length: uint64(len(blob))}, KindTile)
	require.NoError(t, err)
	require.Equal(t, blob, got)
	require.Equal(t, int32(2), calls.Load())
}

func TestHTTPSourceRejects200ForPartialRange(t *testing.T) {
	t.Parallel()

	blob := testBlob(300)

	// A server that never honours Range fails at open.
	srv, calls := wholeObjectServer(t, blob, true)
	_, err := OpenHTTP(context.Background(), srv.URL, HTTPOptions{Retry: fastPolicy()})
	require.ErrorIs(t, err, tile.ErrIO)
	require.Equal(t, int32(1), calls.Load())

	// A one-byte object fits the size check range exactly.
	tiny, _ := wholeObjectServer(t, blob[:1], true)
	src, err := OpenHTTP(context.Background(), tiny.URL, HTTPOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	require.Equal(t, uint64(1), src.Size())
	got, err := src.ReadRange(context.Background(), Range{Offset: 0, Length: 1}, KindHeader)
	require.NoError(t, err)
	require.Equal(t, blob[:1], got)
}

func TestHTTPSourceClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv, calls := rangeServer(t, testBlob(16), 100, http.StatusForbidden)

	_, err := OpenHTTP(context.Background(), srv.URL, HTTPOptions{Retry: fastPolicy()})
	require.Error(t, err)
	require.True(t, errors.Is(err, tile.ErrIO))
	require.Equal(t, int32(1), calls.Load())
}

func TestHTTPSourceGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	srv, calls := rangeServer(t, testBlob(16), 100, http.StatusBadGateway)

	_, err := OpenHTTP(context.Background(), srv.URL, HTTPOptions{Retry: fastPolicy()})
	require.True(t, errors.Is(err, tile.ErrIO))
	require.Equal(t, int32(4), calls.Load())
}

func TestHTTPSourceCancellation(t *testing.T) {
	t.Parallel()

	srv, calls := rangeServer(t, testBlob(16), 100, http.StatusServiceUnavailable)
	policy := fastPolicy()
	policy.MaxAttempts = 1000
	policy.BaseDelay = 50 * time.Millisecond
	policy.MaxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := OpenHTTP(ctx, srv.URL, HTTPOptions{Retry: policy})
	require.True(t, errors.Is(err, tile.ErrIO))
	require.Less(t, calls.Load(), int32(10))
}

func TestHTTPSourceRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := OpenHTTP(context.Background(), "ftp://example.com/x", HTTPOptions{})
	require.True(t, errors.Is(err, tile.ErrIO))
	require.True(t, IsRemote("https://example.com/a.tbc"))
	require.False(t, IsRemote("/data/a.tbc"))
}

func TestFetchMachineTransitions(t *testing.T) {
	t.Parallel()

	m := newFetchMachine(RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})
	require.Equal(t, StatePending, m.State())

	wait := m.Record(OutcomeTransient, errors.New("503"))
	require.Equal(t, StateRetrying, m.State())
	require.Equal(t, 10*time.Millisecond, wait)

	wait = m.Record(OutcomeTransient, errors.New("503"))
	require.Equal(t, StateRetrying, m.State())
	require.Equal(t, 20*time.Millisecond, wait)

	m.Record(OutcomeOK, nil)
	require.Equal(t, StateDone, m.State())
	require.NoError(t, m.Err())
	require.Equal(t, 3, m.Attempts())

	// terminal states absorb further input
	m.Record(OutcomeFatal, errors.New("late"))
	require.Equal(t, StateDone, m.State())

	f := newFetchMachine(RetryPolicy{MaxAttempts: 3})
	f.Record(OutcomeFatal, errors.New("404"))
	require.Equal(t, StateFailed, f.State())
	require.EqualError(t, f.Err(), "404")

	a := newFetchMachine(RetryPolicy{MaxAttempts: 3})
	a.Record(OutcomeTransient, errors.New("timeout"))
	a.Abort(context.Canceled)
	require.Equal(t, StateFailed, a.State())
	require.ErrorIs(t, a.Err(), context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	require.Zero(t, p.Backoff(0))
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 400*time.Millisecond, p.Backoff(3))
	require.Equal(t, 500*time.Millisecond, p.Backoff(4))
	require.Equal(t, 500*time.Millisecond, p.Backoff(40))
}

// countingSource counts reads that reach it.
type countingSource struct {
	Source
	reads atomic.Int64
}

func (c *countingSource) ReadRange(ctx context.Context, r Range, kind Kind) ([]byte, error) {
	c.reads.Add(1)
	return c.Source.ReadRange(ctx, r, kind)
}

func TestCachedSourceCachesIndexNotTiles(t *testing.T) {
	t.Parallel()

	inner := &countingSource{Source: FromBytes("mem", testBlob(1024))}
	src, err := Cached(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for range 3 {
		_, err := src.ReadRange(ctx, Range{Offset: 0, Length: 64}, KindIndex)
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), inner.reads.Load())

	for range 3 {
		_, err := src.ReadRange(ctx, Range{Offset: 64, Length: 64}, KindTile)
		require.NoError(t, err)
	}
	require.Equal(t, int64(4), inner.reads.Load())

	// capacity 2: a third distinct range evicts the least recent
	_, _ = src.ReadRange(ctx, Range{Offset: 128, Length: 8}, KindIndex)
	_, _ = src.ReadRange(ctx, Range{Offset: 256, Length: 8}, KindIndex)
	_, _ = src.ReadRange(ctx, Range{Offset: 0, Length: 64}, KindIndex)
	require.Equal(t, int64(7), inner.reads.Load())

	stats := src.Stats()
	require.Equal(t, uint64(2), stats.Hits)
	require.Equal(t, 2, stats.Entries)
}

func TestCachedSourceConcurrentFill(t *testing.T) {
	t.Parallel()

	blob := testBlob(8192)
	src, err := Cached(FromBytes("mem", blob), 16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off := uint64(i%8) * 512
			got, err := src.ReadRange(context.Background(), Range{Offset: off, Length: 512}, KindIndex)
			require.NoError(t, err)
			require.Equal(t, blob[off:off+512], got)
		}(i)
	}
	wg.Wait()
}

func TestOpenDispatchesLocalAndRemote(t *testing.T) {
	t.Parallel()

	blob := testBlob(300)
	path := filepath.Join(t.TempDir(), "c.bin")
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	local, err := Open(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(300), local.Size())
	require.NoError(t, local.Close())

	srv, _ := rangeServer(t, blob, 0, 0)
	remote, err := Open(context.Background(), srv.URL, Options{HTTP: HTTPOptions{Retry: fastPolicy()}})
	require.NoError(t, err)
	got, err := remote.ReadRange(context.Background(), Range{Offset: 299, Length: 1}, KindHeader)
	require.NoError(t, err)
	require.Equal(t, blob[299:], got)
	require.NoError(t, remote.Close())
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()

	first, last, total, err := parseContentRange("bytes 0-99/1000")
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 99, 1000}, []uint64{first, last, total})

	for _, bad := range []string{"", "bytes 5-1/10", "bytes 0-9/*", "items 0-1/2", "bytes 0-10/10"} {
		_, _, _, err := parseContentRange(bad)
		require.Error(t, err, bad)
	}
}
