package server

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/tessera/pkg/compress"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

// CacheControl is sent with every tile. A container never changes under
// a fingerprint, so tiles are immutable.
const CacheControl = "public, max-age=31536000, immutable"

// Response is a tile ready to send.
type Response struct {
	Blob            tile.Blob
	ContentType     string
	ContentEncoding string
	CacheControl    string
	ETag            string
}

// Negotiate picks the compression to serve a tile stored as have. A stored
// compression the client accepts is passed through; otherwise the
// smallest accepted encoding wins, and uncompressed is the last resort.
func Negotiate(have tile.Compression, accepted []tile.Compression) tile.Compression {
	if slices.Contains(accepted, have) {
		return have
	}
	for _, c := range tile.Compressions {
		if slices.Contains(accepted, c) {
			return c
		}
	}
	return tile.CompressionNone
}

// ParseAcceptEncoding lists the compressions an Accept-Encoding header
// allows. Uncompressed is always included.
func ParseAcceptEncoding(header string) []tile.Compression {
	out := []tile.Compression{tile.CompressionNone}
	add := func(c tile.Compression) {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	for part := range strings.SplitSeq(header, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if token == "" || rejected(params) {
			continue
		}
		switch strings.ToLower(token) {
		case "*":
			for _, c := range tile.Compressions {
				add(c)
			}
		case "br":
			add(tile.CompressionBrotli)
		case "zstd":
			add(tile.CompressionZstd)
		case "gzip", "x-gzip":
			add(tile.CompressionGzip)
		}
	}
	return out
}

// rejected reports a q=0 parameter.
func rejected(params string) bool {
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && q == 0
	}
	return false
}

// Serve looks c up and encodes it for a client accepting accepted. ok is
// false when the tile does not exist.
func Serve(ctx context.Context, r container.Reader, c tile.Coord, accepted []tile.Compression) (Response, bool, error) {
	b, ok, err := r.GetTile(ctx, c)
	if err != nil || !ok {
		return Response{}, false, err
	}

	target := Negotiate(b.Compression, accepted)
	if target != b.Compression {
		if b, err = compress.TranscodeBlob(ctx, b, target); err != nil {
			return Response{}, false, tile.AtCoord(c, err)
		}
	}

	return Response{
		Blob:            b,
		ContentType:     b.Format.MIMEType(),
		ContentEncoding: target.ContentEncoding(),
		CacheControl:    CacheControl,
		ETag:            etag(r, c, b),
	}, true, nil
}

// etag is derived from the container fingerprint when there is one and
// from the bytes otherwise.
func etag(r container.Reader, c tile.Coord, b tile.Blob) string {
	var sb strings.Builder
	sb.WriteByte('"')
	if fp, ok := r.(container.Fingerprinter); ok {
		sb.WriteString(fp.Fingerprint())
		sb.WriteByte('-')
		sb.WriteString(strconv.Itoa(int(c.Z)))
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatUint(uint64(c.X), 10))
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatUint(uint64(c.Y), 10))
		sb.WriteByte('-')
		sb.WriteString(b.Compression.String())
	} else {
		sb.WriteString(strconv.FormatUint(xxhash.Sum64(b.Data), 16))
	}
	sb.WriteByte('"')
	return sb.String()
}
