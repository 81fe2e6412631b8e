package rangeread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/tile"
)

// HTTPOptions configures an HTTP range source.
type HTTPOptions struct {
	// Client defaults to a client without an overall timeout; each attempt
	// is bounded by Retry.AttemptTimeout instead.
	Client *http.Client
	Retry  RetryPolicy
	// Header is added to every request, e.g. for authorization.
	Header http.Header
}

// HTTPSource reads ranges with GET requests carrying a Range header.
//
// The object size and, when the server provides a strong one, its ETag are
// captured at open. Later requests send If-Match so a replaced object fails
// loudly instead of returning bytes from a different version.
type HTTPSource struct {
	url    string
	id     string
	size   uint64
	etag   string
	client *http.Client
	policy RetryPolicy
	header http.Header
}

var _ Source = (*HTTPSource)(nil)

var errRangesUnsupported = errors.New("server does not support range requests")

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// OpenHTTP checks rawURL for its size and range support.
func OpenHTTP(ctx context.Context, rawURL string, opts HTTPOptions) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", tile.ErrIO, rawURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	s := &HTTPSource{
		url:    u.String(),
		id:     uuid.NewString(),
		client: client,
		policy: opts.Retry.withDefaults(),
		header: opts.Header.Clone(),
	}

	res, err := s.fetch(ctx, Range{Offset: 0, Length: 1}, true)
	if err != nil {
		return nil, err
	}
	s.size = res.total
	if !strings.HasPrefix(res.etag, "W/") {
		s.etag = res.etag
	}
	logger.FromContext(ctx).Debug("opened remote source", "url", s.url, "size", s.size, "etag", s.etag)
	return s, nil
}

func (s *HTTPSource) ReadRange(ctx context.Context, r Range, _ Kind) ([]byte, error) {
	if err := checkBounds(s.url, r, s.size); err != nil {
		return nil, err
	}
	if r.Length == 0 {
		return []byte{}, nil
	}
	res, err := s.fetch(ctx, r, false)
	if err != nil {
		return nil, err
	}
	return res.data, nil
}

func (s *HTTPSource) Size() uint64 { return s.size }
func (s *HTTPSource) Name() string { return s.url }
func (s *HTTPSource) ID() string   { return s.id }

// Close releases idle connections held by the client.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

type attemptResult struct {
	data  []byte
	total uint64
	etag  string
}

// fetch runs one range fetch to completion through its state machine.
func (s *HTTPSource) fetch(ctx context.Context, r Range, sizing bool) (attemptResult, error) {
	log := logger.FromContext(ctx)
	m := newFetchMachine(s.policy)

	for !m.Terminal() {
		res, outcome, err := s.attempt(ctx, r, sizing)
		wait := m.Record(outcome, err)
		switch m.State() {
		case StateDone:
			return res, nil
		case StateRetrying:
			log.Debug("range fetch retrying",
				"url", s.url, "range", r.String(), "attempt", m.Attempts(), "wait", wait, "error", err)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				m.Abort(ctx.Err())
			case <-timer.C:
			}
		}
	}

	return attemptResult{}, fmt.Errorf("%w: %s: fetch %s failed after %d attempt(s): %v",
		tile.ErrIO, s.url, r, m.Attempts(), m.Err())
}

func (s *HTTPSource) attempt(ctx context.Context, r Range, sizing bool) (attemptResult, Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, s.url, nil)
	if err != nil {
		return attemptResult{}, OutcomeFatal, err
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Offset, r.End()-1))
	if s.etag != "" {
		req.Header.Set("If-Match", s.etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return attemptResult{}, classifyTransportError(ctx, err), err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case sizing && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Empty object: "bytes */0".
		total, err := parseUnsatisfiedRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return attemptResult{}, OutcomeFatal, err
		}
		return attemptResult{total: total, etag: resp.Header.Get("ETag")}, OutcomeOK, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return attemptResult{}, OutcomeTransient, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusOK:
		return s.wholeObject(ctx, resp, r, sizing)
	default:
		return attemptResult{}, OutcomeFatal, fmt.Errorf("status %d", resp.StatusCode)
	}

	first, last, total, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return attemptResult{}, OutcomeFatal, err
	}
	if first != r.Offset || last != r.End()-1 {
		return attemptResult{}, OutcomeFatal, fmt.Errorf("server returned bytes %d-%d for %s", first, last, r)
	}

	buf := make([]byte, r.Length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return attemptResult{}, classifyTransportError(ctx, err), err
	}
	return attemptResult{data: buf, total: total, etag: resp.Header.Get("ETag")}, OutcomeOK, nil
}

// wholeObject accepts a 200 answer to a range that covers the entire
// object. Anything longer means the server ignored the Range header.
func (s *HTTPSource) wholeObject(ctx context.Context, resp *http.Response, r Range, sizing bool) (attemptResult, Outcome, error) {
	if r.Offset != 0 || (!sizing && r.Length != s.size) {
		return attemptResult{}, OutcomeFatal, errRangesUnsupported
	}
	if resp.ContentLength >= 0 && uint64(resp.ContentLength) != r.Length {
		return attemptResult{}, OutcomeFatal, errRangesUnsupported
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, int64(r.Length)+1))
	if err != nil {
		return attemptResult{}, classifyTransportError(ctx, err), err
	}
	if uint64(len(buf)) != r.Length {
		return attemptResult{}, OutcomeFatal, errRangesUnsupported
	}
	return attemptResult{data: buf, total: r.Length, etag: resp.Header.Get("ETag")}, OutcomeOK, nil
}

// classifyTransportError treats everything as transient unless the caller
// itself gave up. An attempt timeout is transient.
func classifyTransportError(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return OutcomeFatal
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	return OutcomeTransient
}

// parseContentRange parses "bytes first-last/total".
func parseContentRange(v string) (first, last, total uint64, err error) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	a, b, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	if first, err = strconv.ParseUint(a, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	if last, err = strconv.ParseUint(b, 10, 64); err != nil || last < first {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	if size == "*" {
		return 0, 0, 0, fmt.Errorf("Content-Range %q has no total size", v)
	}
	if total, err = strconv.ParseUint(size, 10, 64); err != nil || last >= total {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	return first, last, total, nil
}

func parseUnsatisfiedRange(v string) (uint64, error) {
	size, ok := strings.CutPrefix(v, "bytes */")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	total, err := strconv.ParseUint(size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	return total, nil
}
