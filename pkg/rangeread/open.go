package rangeread

import (
	"context"
)

// Options configures Open.
type Options struct {
	HTTP HTTPOptions
	// CacheEntries sizes the index block cache; zero selects the default.
	CacheEntries int
}

// Open returns a cached source for a local path or an http(s) URL.
func Open(ctx context.Context, location string, opts Options) (*CachedSource, error) {
	var (
		src Source
		err error
	)
	if IsRemote(location) {
		src, err = OpenHTTP(ctx, location, opts.HTTP)
	} else {
		src, err = OpenFile(location)
	}
	if err != nil {
		return nil, err
	}
	cached, err := Cached(src, opts.CacheEntries)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return cached, nil
}
