package compress

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/pkg/tile"
)

func samplePayload() []byte {
	return bytes.Repeat([]byte("tile payload with some repetition 0123456789 "), 200)
}

func TestRoundTripAllCodecs(t *testing.T) {
	t.Parallel()

	data := samplePayload()
	for _, c := range tile.Compressions {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			enc, err := Compress(data, c)
			require.NoError(t, err)
			if c != tile.CompressionNone {
				require.Less(t, len(enc), len(data))
			}
			dec, err := Decompress(enc, c)
			require.NoError(t, err)
			require.Equal(t, data, dec)
		})
	}
}

func TestEmptyPayload(t *testing.T) {
	t.Parallel()

	for _, c := range tile.Compressions {
		enc, err := Compress(nil, c)
		require.NoError(t, err)
		dec, err := Decompress(enc, c)
		require.NoError(t, err)
		require.Empty(t, dec)
	}
}

func TestDecompressCorruptInput(t *testing.T) {
	t.Parallel()

	garbage := []byte("definitely not compressed")
	for _, c := range []tile.Compression{tile.CompressionGzip, tile.CompressionBrotli, tile.CompressionZstd} {
		_, err := Decompress(garbage, c)
		require.Error(t, err, c.String())
		require.True(t, errors.Is(err, tile.ErrCompression), c.String())
	}
}

func TestUnknownCompression(t *testing.T) {
	t.Parallel()

	_, err := Compress([]byte("x"), tile.Compression(42))
	require.True(t, errors.Is(err, tile.ErrUnsupportedConversion))
}

func TestTranscodePassThroughDoesNotCopy(t *testing.T) {
	t.Parallel()

	data := samplePayload()
	out, err := Transcode(data, tile.CompressionGzip, tile.CompressionGzip)
	require.NoError(t, err)
	require.Same(t, &data[0], &out[0])
}

func TestTranscodeBetweenCodecs(t *testing.T) {
	t.Parallel()

	plain := samplePayload()
	gz, err := Compress(plain, tile.CompressionGzip)
	require.NoError(t, err)

	br, err := Transcode(gz, tile.CompressionGzip, tile.CompressionBrotli)
	require.NoError(t, err)
	back, err := Decompress(br, tile.CompressionBrotli)
	require.NoError(t, err)
	require.Equal(t, plain, back)

	raw, err := Transcode(br, tile.CompressionBrotli, tile.CompressionNone)
	require.NoError(t, err)
	require.Equal(t, plain, raw)
}

func TestTranscodeContextExpired(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := TranscodeContext(ctx, samplePayload(), tile.CompressionNone, tile.CompressionBrotli)
	require.True(t, errors.Is(err, tile.ErrCompression))

	// pass-through ignores the deadline
	out, err := TranscodeContext(ctx, []byte("x"), tile.CompressionNone, tile.CompressionNone)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), out)
}

func TestTranscodeBlobKeepsFormat(t *testing.T) {
	t.Parallel()

	b := tile.Blob{Data: samplePayload(), Compression: tile.CompressionNone, Format: tile.FormatPBF}
	out, err := TranscodeBlob(context.Background(), b, tile.CompressionZstd)
	require.NoError(t, err)
	require.Equal(t, tile.CompressionZstd, out.Compression)
	require.Equal(t, tile.FormatPBF, out.Format)
}

func TestIdentify(t *testing.T) {
	t.Parallel()

	gz, err := Compress([]byte("abc"), tile.CompressionGzip)
	require.NoError(t, err)
	c, ok := Identify(gz)
	require.True(t, ok)
	require.Equal(t, tile.CompressionGzip, c)

	zs, err := Compress([]byte("abc"), tile.CompressionZstd)
	require.NoError(t, err)
	c, ok = Identify(zs)
	require.True(t, ok)
	require.Equal(t, tile.CompressionZstd, c)

	_, ok = Identify([]byte("plain"))
	require.False(t, ok)
}

func TestCodecsConcurrentUse(t *testing.T) {
	t.Parallel()

	data := samplePayload()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(c tile.Compression) {
			defer wg.Done()
			enc, err := Compress(data, c)
			require.NoError(t, err)
			dec, err := Decompress(enc, c)
			require.NoError(t, err)
			require.Equal(t, data, dec)
		}(tile.Compressions[i%len(tile.Compressions)])
	}
	wg.Wait()
}
