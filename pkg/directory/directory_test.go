package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

func payloadFor(c tile.Coord) []byte {
	return []byte(fmt.Sprintf("dir %s", c))
}

// writeFiles lays out a tree from slash-separated relative names.
func writeFiles(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	// Written out of order; the reader sorts.
	coords := []tile.Coord{
		tile.NewCoord(2, 3, 1),
		tile.NewCoord(0, 0, 0),
		tile.NewCoord(2, 0, 1),
		tile.NewCoord(1, 1, 0),
	}
	root := filepath.Join(t.TempDir(), "out")
	w, err := Create(root, Options{
		Format:      tile.FormatPBF,
		Compression: tile.CompressionGzip,
		Attributes:  map[string]string{tile.AttrName: "roads"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, c := range coords {
		require.NoError(t, w.PutTile(ctx, c, tile.Blob{Data: payloadFor(c), Compression: tile.CompressionGzip, Format: tile.FormatPBF}))
	}
	declared := tile.PyramidFromLevels([]tile.BBox{tile.FullBBox(0), tile.FullBBox(1), tile.FullBBox(2)})
	fin, err := w.Finalize(ctx, tile.Metadata{Pyramid: declared})
	require.NoError(t, err)
	require.NoError(t, fin.Close())

	require.FileExists(t, filepath.Join(root, "2", "3", "1.pbf.gz"))
	packed, err := os.ReadFile(filepath.Join(root, "tiles.json.gz"))
	require.NoError(t, err)
	doc, err := compress.Decompress(packed, tile.CompressionGzip)
	require.NoError(t, err)
	require.Contains(t, string(doc), `"roads"`)

	r, err := Open(ctx, root)
	require.NoError(t, err)
	defer r.Close()

	meta := r.Metadata()
	require.Equal(t, tile.FormatPBF, meta.Format)
	require.Equal(t, tile.CompressionGzip, meta.Compression)
	require.Equal(t, "roads", meta.Attribute(tile.AttrName))
	require.True(t, meta.Pyramid.Equal(declared))
	require.EqualValues(t, 4, r.TileCount())

	var got []tile.Coord
	for c, err := range r.Coords(ctx) {
		require.NoError(t, err)
		got = append(got, c)
	}
	require.Equal(t, []tile.Coord{
		tile.NewCoord(0, 0, 0),
		tile.NewCoord(1, 1, 0),
		tile.NewCoord(2, 0, 1),
		tile.NewCoord(2, 3, 1),
	}, got)

	for _, c := range coords {
		b, ok, err := r.GetTile(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, payloadFor(c), b.Data)
		require.Equal(t, tile.CompressionGzip, b.Compression)
	}
	_, ok, err := r.GetTile(ctx, tile.NewCoord(2, 2, 2))
	require.NoError(t, err)
	require.False(t, ok)

	again, err := Open(ctx, root)
	require.NoError(t, err)
	require.Equal(t, r.Fingerprint(), again.Fingerprint())
}

func TestThirdPartyTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFiles(t, root, map[string][]byte{
		"0/0/0.webp":    []byte("a"),
		"1/1/0.webp":    []byte("b"),
		"metadata.json": []byte(`{"name":"osm","maxzoom":1}`),
		"README.md":     []byte("ignored"),
		"styles/x/y/z":  []byte("too deep"),
		"assets/1.webp": []byte("too shallow"),
	})

	r, err := Open(context.Background(), root)
	require.NoError(t, err)
	defer r.Close()

	m := r.Metadata()
	require.Equal(t, tile.FormatWEBP, m.Format)
	require.Equal(t, tile.CompressionNone, m.Compression)
	require.Equal(t, "osm", m.Attribute("name"))
	require.Equal(t, "1", m.Attribute("maxzoom"))
	require.EqualValues(t, 2, r.TileCount())

	b, ok, err := r.GetTile(context.Background(), tile.NewCoord(1, 1, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), b.Data)

	// A file deleted after the scan reads as missing.
	require.NoError(t, os.Remove(filepath.Join(root, "1", "1", "0.webp")))
	_, ok, err = r.GetTile(context.Background(), tile.NewCoord(1, 1, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInconsistentTreesRejected(t *testing.T) {
	t.Parallel()

	mixed := t.TempDir()
	writeFiles(t, mixed, map[string][]byte{
		"0/0/0.png":    []byte("a"),
		"1/0/0.png.gz": []byte("b"),
	})
	_, err := Open(context.Background(), mixed)
	require.ErrorIs(t, err, tile.ErrFormat)

	declared := t.TempDir()
	writeFiles(t, declared, map[string][]byte{
		"0/0/0.png":  []byte("a"),
		"tiles.json": []byte(`{"format":"jpg"}`),
	})
	_, err = Open(context.Background(), declared)
	require.ErrorIs(t, err, tile.ErrFormat)

	outside := t.TempDir()
	writeFiles(t, outside, map[string][]byte{"1/2/0.png": []byte("a")})
	_, err = Open(context.Background(), outside)
	require.ErrorIs(t, err, tile.ErrFormat)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = Open(context.Background(), file)
	require.ErrorIs(t, err, tile.ErrFormat)

	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, tile.ErrIO)
}

func TestEmptyDirectory(t *testing.T) {
	t.Parallel()

	r, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer r.Close()
	require.Zero(t, r.TileCount())
	require.True(t, r.Metadata().Pyramid.IsEmpty())
}

func TestWriterRules(t *testing.T) {
	t.Parallel()

	_, err := Create(filepath.Join(t.TempDir(), "z"), Options{Format: tile.FormatPBF, Compression: tile.CompressionZstd})
	require.ErrorIs(t, err, tile.ErrUnsupportedConversion)

	busy := t.TempDir()
	writeFiles(t, busy, map[string][]byte{"keep.txt": []byte("x")})
	_, err = Create(busy, Options{Format: tile.FormatPNG})
	require.ErrorIs(t, err, tile.ErrIO)

	root := filepath.Join(t.TempDir(), "d")
	w, err := Create(root, Options{Format: tile.FormatPNG})
	require.NoError(t, err)
	ctx := context.Background()
	c := tile.NewCoord(1, 0, 1)
	blob := tile.Blob{Data: []byte("x"), Format: tile.FormatPNG}
	require.NoError(t, w.PutTile(ctx, c, blob))
	require.ErrorIs(t, w.PutTile(ctx, c, blob), tile.ErrDuplicateTile)
	require.ErrorIs(t, w.PutTile(ctx, c, tile.Blob{Data: []byte("x"), Format: tile.FormatJPG}), tile.ErrUnsupportedConversion)
	require.ErrorIs(t, w.PutTile(ctx, tile.NewCoord(1, 1, 1), tile.Blob{Data: []byte("x"), Format: tile.FormatPNG, Compression: tile.CompressionGzip}), tile.ErrUnsupportedConversion)
	require.NoError(t, w.PutTile(ctx, tile.NewCoord(1, 1, 1), blob))
	require.Equal(t, tile.BBox{Z: 1, XMin: 0, YMin: 1, XMax: 1, YMax: 1}, w.Metadata().Pyramid.Level(1))

	// An aborted run leaves nothing behind.
	require.NoError(t, w.Abort())
	require.NoDirExists(t, root)
	require.ErrorIs(t, w.PutTile(ctx, c, blob), tile.ErrClosedWriter)
	_, err = w.Finalize(ctx, tile.Metadata{})
	require.ErrorIs(t, err, tile.ErrClosedWriter)
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "tiles") + string(filepath.Separator)
	w, err := container.Create(root, container.WriterOptions{TileFormat: tile.FormatPNG, Compression: tile.CompressionBrotli})
	require.NoError(t, err)
	var coords []tile.Coord
	for c := range tile.PyramidFromLevels([]tile.BBox{tile.FullBBox(1)}).Coords() {
		coords = append(coords, c)
		packed, err := compress.Compress(payloadFor(c), tile.CompressionBrotli)
		require.NoError(t, err)
		require.NoError(t, w.PutTile(ctx, c, tile.Blob{Data: packed, Compression: tile.CompressionBrotli, Format: tile.FormatPNG}))
	}
	fin, err := w.Finalize(ctx, tile.Metadata{})
	require.NoError(t, err)
	require.NoError(t, fin.Close())
	require.FileExists(t, filepath.Join(root, "1", "1", "0.png.br"))

	// The finished tree is detected without a trailing separator.
	r, err := container.Open(ctx, filepath.Clean(root), container.OpenOptions{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, tile.CompressionBrotli, r.Metadata().Compression)
	for _, c := range coords {
		b, ok, err := r.GetTile(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		plain, err := compress.Decompress(b.Data, b.Compression)
		require.NoError(t, err)
		require.Equal(t, payloadFor(c), plain)
	}

	require.False(t, container.Supports(container.FormatDirectory, tile.CompressionZstd))
	_, err = container.Open(ctx, "https://example.com/tiles/", container.OpenOptions{Format: container.FormatDirectory})
	require.ErrorIs(t, err, tile.ErrIO)
}
