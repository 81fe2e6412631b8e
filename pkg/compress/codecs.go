package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errTooLarge = errors.New("decoded payload exceeds limit")

// readBounded drains r, failing once more than maxDecodedSize bytes appear.
func readBounded(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, errTooLarge
	}
	return out, nil
}

// NoOpCodec passes payloads through without copying.
type NoOpCodec struct{}

var _ Codec = NoOpCodec{}

func NewNoOpCodec() NoOpCodec { return NoOpCodec{} }

func (NoOpCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoOpCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

// GzipCodec produces RFC 1952 streams, the encoding browsers accept as
// Content-Encoding: gzip.
type GzipCodec struct {
	writers *sync.Pool
}

var _ Codec = GzipCodec{}

func NewGzipCodec() GzipCodec {
	return GzipCodec{writers: &sync.Pool{
		New: func() any {
			w, err := gzip.NewWriterLevel(nil, gzip.BestCompression)
			if err != nil {
				panic(fmt.Sprintf("compress: gzip writer: %v", err))
			}
			return w
		},
	}}
}

func (c GzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)

	w := c.writers.Get().(*gzip.Writer)
	defer c.writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return readBounded(r)
}

// BrotliCodec uses quality 9, a good ratio for write-once archives
// without the cost of the top levels.
type BrotliCodec struct {
	quality int
}

var _ Codec = BrotliCodec{}

func NewBrotliCodec() BrotliCodec {
	return BrotliCodec{quality: 9}
}

func (c BrotliCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)

	w := brotli.NewWriterLevel(&buf, c.quality)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (BrotliCodec) Decompress(data []byte) ([]byte, error) {
	return readBounded(brotli.NewReader(bytes.NewReader(data)))
}

// zstd encoders and decoders are designed to be reused; pooling removes
// their warmup allocations from the per-tile path.
var zstdDecoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(maxDecodedSize),
		)
		if err != nil {
			panic(fmt.Sprintf("compress: zstd decoder: %v", err))
		}
		return d
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			panic(fmt.Sprintf("compress: zstd encoder: %v", err))
		}
		return e
	},
}

// ZstdCodec produces single-frame zstd payloads.
type ZstdCodec struct{}

var _ Codec = ZstdCodec{}

func NewZstdCodec() ZstdCodec { return ZstdCodec{} }

func (ZstdCodec) Compress(data []byte) ([]byte, error) {
	e := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(e)
	return e.EncodeAll(data, make([]byte, 0, len(data)/2+16)), nil
}

func (ZstdCodec) Decompress(data []byte) ([]byte, error) {
	d := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(d)
	out, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, errTooLarge
	}
	return out, nil
}
