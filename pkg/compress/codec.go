// Package compress implements the tile compression codecs.
//
// Every codec is stateless from the caller's point of view and safe for
// concurrent use. Failures to decode a payload are reported as
// tile.ErrCompression.
package compress

import (
	"context"
	"fmt"

	"github.com/samcharles93/tessera/pkg/tile"
)

// maxDecodedSize bounds the output of a single Decompress call. Tiles are
// small; anything larger is treated as a corrupt or hostile payload.
const maxDecodedSize = 256 << 20

// Compressor encodes a payload.
//
// The returned slice is owned by the caller. The input is never modified.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// Decompressor reverses a Compressor.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Codec combines both directions for one tile.Compression.
type Codec interface {
	Compressor
	Decompressor
}

var builtinCodecs = map[tile.Compression]Codec{
	tile.CompressionNone:   NewNoOpCodec(),
	tile.CompressionGzip:   NewGzipCodec(),
	tile.CompressionBrotli: NewBrotliCodec(),
	tile.CompressionZstd:   NewZstdCodec(),
}

// GetCodec returns the built-in codec for c.
func GetCodec(c tile.Compression) (Codec, error) {
	if codec, ok := builtinCodecs[c]; ok {
		return codec, nil
	}
	return nil, fmt.Errorf("%w: compression %s", tile.ErrUnsupportedConversion, c)
}

// Compress encodes data with c. For CompressionNone the input is returned
// unchanged.
func Compress(data []byte, c tile.Compression) ([]byte, error) {
	codec, err := GetCodec(c)
	if err != nil {
		return nil, err
	}
	out, err := codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s encode: %v", tile.ErrCompression, c, err)
	}
	return out, nil
}

// Decompress decodes data that was encoded with c.
func Decompress(data []byte, c tile.Compression) ([]byte, error) {
	codec, err := GetCodec(c)
	if err != nil {
		return nil, err
	}
	out, err := codec.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decode: %v", tile.ErrCompression, c, err)
	}
	return out, nil
}

// Transcode re-encodes data from one compression to another. When from
// equals to the input slice itself is returned.
func Transcode(data []byte, from, to tile.Compression) ([]byte, error) {
	if from == to {
		return data, nil
	}
	plain, err := Decompress(data, from)
	if err != nil {
		return nil, err
	}
	return Compress(plain, to)
}

// TranscodeContext is Transcode bounded by ctx. The pass-through case
// never blocks. If ctx ends first the result is tile.ErrCompression; the
// abandoned work finishes in the background and is discarded.
func TranscodeContext(ctx context.Context, data []byte, from, to tile.Compression) ([]byte, error) {
	if from == to {
		return data, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: transcode %s->%s: %v", tile.ErrCompression, from, to, err)
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := Transcode(data, from, to)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: transcode %s->%s: %v", tile.ErrCompression, from, to, ctx.Err())
	}
}

// TranscodeBlob is Transcode applied to a blob, keeping its format tag.
func TranscodeBlob(ctx context.Context, b tile.Blob, to tile.Compression) (tile.Blob, error) {
	out, err := TranscodeContext(ctx, b.Data, b.Compression, to)
	if err != nil {
		return tile.Blob{}, err
	}
	return tile.Blob{Data: out, Compression: to, Format: b.Format}, nil
}

// Identify sniffs the compression from magic bytes. Brotli streams have
// no magic number and are never identified; ok is false for them and for
// plain data.
func Identify(data []byte) (tile.Compression, bool) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return tile.CompressionGzip, true
	case len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd:
		return tile.CompressionZstd, true
	default:
		return tile.CompressionNone, false
	}
}
