package tbc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/rangeread"
	"github.com/samcharles93/tessera/pkg/tile"
)

func payloadFor(c tile.Coord) []byte {
	return []byte(fmt.Sprintf("tile %s payload", c))
}

func writeContainer(t *testing.T, opts Options, coords []tile.Coord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.tbc")
	w, err := Create(path, opts)
	require.NoError(t, err)
	ctx := context.Background()
	for _, c := range coords {
		require.NoError(t, w.PutTile(ctx, c, tile.Blob{Data: payloadFor(c), Compression: opts.Compression, Format: opts.Format}))
	}
	r, err := w.Finalize(ctx, tile.Metadata{})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return path
}

func fullZoom(z uint8) []tile.Coord {
	var out []tile.Coord
	for c := range tile.PyramidFromLevels([]tile.BBox{tile.FullBBox(z)}).Coords() {
		out = append(out, c)
	}
	return out
}

// countingSource counts fetches that reach the wrapped source.
type countingSource struct {
	rangeread.Source
	mu     sync.Mutex
	counts map[rangeread.Kind]int
}

func newCountingSource(src rangeread.Source) *countingSource {
	return &countingSource{Source: src, counts: make(map[rangeread.Kind]int)}
}

func (c *countingSource) ReadRange(ctx context.Context, r rangeread.Range, kind rangeread.Kind) ([]byte, error) {
	c.mu.Lock()
	c.counts[kind]++
	c.mu.Unlock()
	return c.Source.ReadRange(ctx, r, kind)
}

func (c *countingSource) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

func (c *countingSource) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.counts)
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var h Header
	copy(h.Magic[:], Magic)
	h.Major, h.Minor = CurrentMajor, CurrentMinor
	h.HeaderSize = HeaderSize
	h.TileFormat = tile.FormatPBF
	h.Compression = tile.CompressionBrotli
	h.BlockCapacity = 17
	h.MetadataOffset, h.MetadataLength = 9000, 120
	h.RootOffset, h.RootLength = 8000, 64
	h.DataOffset, h.DataLength = HeaderSize, 5000
	h.TileCount = 30
	h.FileSize = 9120
	h.Zooms[3] = ZoomEntry{FirstBlockOffset: 7000, FirstBlockIndex: 0, BlockCount: 2}

	buf := make([]byte, HeaderSize)
	require.True(t, encodeHeader(buf, h))
	got, ok := decodeHeader(buf)
	require.True(t, ok)
	require.Equal(t, h, got)
	require.NoError(t, got.validate(9120))
	require.Error(t, got.validate(9121))
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	coords := append(fullZoom(0), fullZoom(1)...)
	coords = append(coords, fullZoom(3)...)
	opts := Options{Format: tile.FormatPNG, Compression: tile.CompressionNone, BlockCapacity: 5}
	path := writeContainer(t, opts, coords)

	r, err := OpenPath(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.Equal(t, uint64(len(coords)), r.TileCount())
	meta := r.Metadata()
	require.Equal(t, tile.FormatPNG, meta.Format)
	require.Equal(t, "tbc/1.0", meta.Version)

	for _, c := range coords {
		b, ok, err := r.GetTile(context.Background(), c)
		require.NoError(t, err)
		require.True(t, ok, c.String())
		require.Equal(t, payloadFor(c), b.Data)
		require.Equal(t, tile.CompressionNone, b.Compression)
		require.Equal(t, tile.FormatPNG, b.Format)
	}

	// zoom 2 was never written; zoom 4 is outside the pyramid
	for _, c := range []tile.Coord{tile.NewCoord(2, 0, 0), tile.NewCoord(4, 3, 3), tile.NewCoord(1, 5, 0)} {
		_, ok, err := r.GetTile(context.Background(), c)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestCoordsOrderAndRestart(t *testing.T) {
	t.Parallel()

	coords := []tile.Coord{
		tile.NewCoord(2, 3, 1),
		tile.NewCoord(0, 0, 0),
		tile.NewCoord(2, 0, 1),
		tile.NewCoord(2, 1, 0),
		tile.NewCoord(1, 1, 1),
	}
	path := writeContainer(t, Options{Format: tile.FormatPBF, Compression: tile.CompressionNone, BlockCapacity: 2}, coords)
	r, err := OpenPath(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	want := []tile.Coord{
		tile.NewCoord(0, 0, 0),
		tile.NewCoord(1, 1, 1),
		tile.NewCoord(2, 1, 0),
		tile.NewCoord(2, 0, 1),
		tile.NewCoord(2, 3, 1),
	}
	for range 2 {
		var got []tile.Coord
		for c, err := range r.Coords(context.Background()) {
			require.NoError(t, err)
			got = append(got, c)
		}
		require.Equal(t, want, got)
	}
}

func TestGzipScenario(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gz.tbc")
	w, err := Create(path, Options{Format: tile.FormatPBF, Compression: tile.CompressionGzip})
	require.NoError(t, err)

	ctx := context.Background()
	plain := map[tile.Coord][]byte{}
	for _, c := range []tile.Coord{tile.NewCoord(0, 0, 0), tile.NewCoord(1, 0, 0), tile.NewCoord(1, 1, 1)} {
		plain[c] = []byte("vector tile " + c.String())
		gz, err := compress.Compress(plain[c], tile.CompressionGzip)
		require.NoError(t, err)
		require.NoError(t, w.PutTile(ctx, c, tile.Blob{Data: gz, Compression: tile.CompressionGzip, Format: tile.FormatPBF}))
	}

	declared := tile.PyramidFromLevels([]tile.BBox{tile.FullBBox(0), tile.FullBBox(1)})
	r, err := w.Finalize(ctx, tile.Metadata{Pyramid: declared})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.True(t, r.Metadata().Pyramid.Equal(declared))

	b, ok, err := r.GetTile(ctx, tile.NewCoord(1, 0, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tile.CompressionGzip, b.Compression)
	got, err := compress.Decompress(b.Data, b.Compression)
	require.NoError(t, err)
	require.Equal(t, plain[tile.NewCoord(1, 0, 0)], got)

	_, ok, err = r.GetTile(ctx, tile.NewCoord(2, 0, 0))
	require.NoError(t, err)
	require.False(t, ok)

	// inside the declared pyramid but never written
	_, ok, err = r.GetTile(ctx, tile.NewCoord(1, 1, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDuplicatePutKeepsWriterUsable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dup.tbc")
	w, err := Create(path, Options{Format: tile.FormatPNG})
	require.NoError(t, err)
	ctx := context.Background()
	blob := tile.Blob{Data: []byte("a"), Format: tile.FormatPNG}

	require.NoError(t, w.PutTile(ctx, tile.NewCoord(1, 0, 0), blob))
	err = w.PutTile(ctx, tile.NewCoord(1, 0, 0), blob)
	require.True(t, errors.Is(err, tile.ErrDuplicateTile))
	require.NoError(t, w.PutTile(ctx, tile.NewCoord(1, 1, 0), blob))

	r, err := w.Finalize(ctx, tile.Metadata{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.(*Reader).TileCount())
	require.NoError(t, r.Close())

	require.True(t, errors.Is(w.PutTile(ctx, tile.NewCoord(0, 0, 0), blob), tile.ErrClosedWriter))
	_, err = w.Finalize(ctx, tile.Metadata{})
	require.True(t, errors.Is(err, tile.ErrClosedWriter))
}

func TestPutRejectsMismatchedBlob(t *testing.T) {
	t.Parallel()

	w, err := Create(filepath.Join(t.TempDir(), "m.tbc"), Options{Format: tile.FormatPNG, Compression: tile.CompressionGzip})
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()
	ctx := context.Background()

	err = w.PutTile(ctx, tile.NewCoord(0, 0, 0), tile.Blob{Data: []byte("x"), Compression: tile.CompressionNone, Format: tile.FormatPNG})
	require.True(t, errors.Is(err, tile.ErrUnsupportedConversion))

	err = w.PutTile(ctx, tile.NewCoord(0, 0, 0), tile.Blob{Data: []byte("x"), Compression: tile.CompressionGzip, Format: tile.FormatJPG})
	require.True(t, errors.Is(err, tile.ErrUnsupportedConversion))

	err = w.PutTile(ctx, tile.NewCoord(1, 2, 0), tile.Blob{Data: []byte("x"), Compression: tile.CompressionGzip, Format: tile.FormatPNG})
	require.Error(t, err)
}

func TestDedupSharesPayloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dedup.tbc")
	w, err := Create(path, Options{Format: tile.FormatPNG})
	require.NoError(t, err)
	ctx := context.Background()

	ocean := []byte("identical ocean tile")
	for _, c := range fullZoom(2) {
		require.NoError(t, w.PutTile(ctx, c, tile.Blob{Data: ocean, Format: tile.FormatPNG}))
	}
	require.NoError(t, w.PutTile(ctx, tile.NewCoord(0, 0, 0), tile.Blob{Data: []byte("land"), Format: tile.FormatPNG}))

	stats := w.Stats()
	require.Equal(t, uint64(17), stats.Tiles)
	require.Equal(t, uint64(2), stats.Payloads)
	require.Equal(t, uint64(15*len(ocean)), stats.DedupedBytes)

	r, err := w.Finalize(ctx, tile.Metadata{})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.Equal(t, uint64(len(ocean)+4), r.(*Reader).Header().DataLength)

	b, ok, err := r.GetTile(ctx, tile.NewCoord(2, 3, 3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ocean, b.Data)
}

func TestLookupFetchBound(t *testing.T) {
	t.Parallel()

	coords := fullZoom(5) // 1024 tiles
	path := writeContainer(t, Options{Format: tile.FormatPNG, BlockCapacity: 16}, coords)

	file, err := rangeread.OpenFile(path)
	require.NoError(t, err)
	counter := newCountingSource(file)
	cached, err := rangeread.Cached(counter, 8)
	require.NoError(t, err)

	ctx := context.Background()
	r, err := Open(ctx, cached)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.Equal(t, uint64(64), r.Header().BlockCount())

	for _, c := range []tile.Coord{
		tile.NewCoord(5, 0, 0),
		tile.NewCoord(5, 31, 31),
		tile.NewCoord(5, 17, 9),
		tile.NewCoord(5, 16, 9),
	} {
		counter.reset()
		b, ok, err := r.GetTile(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, payloadFor(c), b.Data)
		require.LessOrEqual(t, counter.total(), 3, c.String())
		require.Equal(t, 1, counter.counts[rangeread.KindTile])
	}

	// (5,16,9) shares its block with (5,17,9): the index fetch was cached
	counter.reset()
	_, _, err = r.GetTile(ctx, tile.NewCoord(5, 18, 9))
	require.NoError(t, err)
	require.Equal(t, 1, counter.total())

	// absent lookups never fetch a payload
	counter.reset()
	_, ok, err := r.GetTile(ctx, tile.NewCoord(6, 0, 0))
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, counter.total())
}

func TestConcurrentGetTile(t *testing.T) {
	t.Parallel()

	coords := fullZoom(4)
	path := writeContainer(t, Options{Format: tile.FormatWEBP, BlockCapacity: 7}, coords)
	r, err := OpenPath(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := range 16 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range coords {
				c := coords[(i*7+g)%len(coords)]
				b, ok, err := r.GetTile(context.Background(), c)
				if err != nil || !ok || string(b.Data) != string(payloadFor(c)) {
					errs <- fmt.Errorf("tile %s: ok=%v err=%v", c, ok, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestOpenOverHTTP(t *testing.T) {
	t.Parallel()

	coords := fullZoom(2)
	path := writeContainer(t, Options{Format: tile.FormatPNG, BlockCapacity: 4}, coords)
	srv := httptest.NewServer(http.FileServer(http.Dir(filepath.Dir(path))))
	defer srv.Close()

	r, err := OpenPath(context.Background(), srv.URL+"/"+filepath.Base(path))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	b, ok, err := r.GetTile(context.Background(), tile.NewCoord(2, 1, 3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payloadFor(tile.NewCoord(2, 1, 3)), b.Data)
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	path := writeContainer(t, Options{Format: tile.FormatPNG}, fullZoom(1))
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	cases := map[string]func([]byte) []byte{
		"truncated": func(b []byte) []byte { return b[:HeaderSize-1] },
		"magic":     func(b []byte) []byte { b[0] = 'X'; return b },
		"major":     func(b []byte) []byte { b[4] = 9; return b },
		"size":      func(b []byte) []byte { return append(b, 0) },
		"capacity":  func(b []byte) []byte { clear(b[16:20]); return b },
		"format":    func(b []byte) []byte { b[12] = 200; return b },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			data := mutate(append([]byte(nil), good...))
			_, err := Open(context.Background(), rangeread.FromBytes(name, data))
			require.True(t, errors.Is(err, tile.ErrFormat), "%v", err)
		})
	}
}

func TestFingerprintIsStable(t *testing.T) {
	t.Parallel()

	coords := fullZoom(1)
	a := writeContainer(t, Options{Format: tile.FormatPNG}, coords)
	b := writeContainer(t, Options{Format: tile.FormatPNG}, coords)
	c := writeContainer(t, Options{Format: tile.FormatPNG}, coords[:3])

	fp := func(p string) string {
		r, err := OpenPath(context.Background(), p)
		require.NoError(t, err)
		defer func() { _ = r.Close() }()
		return r.Fingerprint()
	}
	require.Equal(t, fp(a), fp(b))
	require.NotEqual(t, fp(a), fp(c))
}

func TestEmptyContainer(t *testing.T) {
	t.Parallel()

	path := writeContainer(t, Options{Format: tile.FormatPNG}, nil)
	r, err := OpenPath(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.True(t, r.Metadata().Pyramid.IsEmpty())
	for range r.Coords(context.Background()) {
		t.Fatal("expected no coordinates")
	}
}

func TestHeaderAccessorsOnReader(t *testing.T) {
	t.Parallel()

	path := writeContainer(t, Options{Format: tile.FormatPNG, BlockCapacity: 2}, fullZoom(1))
	r, err := OpenPath(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.True(t, r.Header().Valid())
	require.True(t, r.Header().Compatible())
	require.Equal(t, "1.0", r.Header().Version())
	require.Equal(t, uint64(2), r.Header().BlockCount())
	require.NoError(t, r.Header().validate(r.Header().FileSize))
}

func TestRegisteredDriver(t *testing.T) {
	t.Parallel()

	f, err := container.FormatFromPath("/data/world.tbc")
	require.NoError(t, err)
	require.Equal(t, container.FormatTBC, f)
	require.True(t, container.Supports(container.FormatTBC, tile.CompressionZstd))

	path := filepath.Join(t.TempDir(), "via-registry.tbc")
	w, err := container.Create(path, container.WriterOptions{TileFormat: tile.FormatPNG, Compression: tile.CompressionNone})
	require.NoError(t, err)
	require.NoError(t, w.PutTile(context.Background(), tile.NewCoord(0, 0, 0), tile.Blob{Data: []byte("z"), Format: tile.FormatPNG}))
	r, err := w.Finalize(context.Background(), tile.Metadata{Attributes: map[string]string{tile.AttrName: "world"}})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = container.Create(path, container.WriterOptions{TileFormat: tile.FormatPNG})
	require.True(t, errors.Is(err, tile.ErrIO))

	opened, err := container.Open(context.Background(), path, container.OpenOptions{})
	require.NoError(t, err)
	defer func() { _ = opened.Close() }()
	require.Equal(t, "world", opened.Metadata().Attribute(tile.AttrName))
}
