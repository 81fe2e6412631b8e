package container

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/tessera/pkg/rangeread"
	"github.com/samcharles93/tessera/pkg/tile"
)

// Format names a container layout.
type Format string

const (
	FormatTBC       Format = "tbc"
	FormatMBTiles   Format = "mbtiles"
	FormatTar       Format = "tar"
	FormatDirectory Format = "directory"
)

// OpenOptions configures Open.
type OpenOptions struct {
	// Format overrides detection from the location's extension.
	Format Format
	Range  rangeread.Options
}

// WriterOptions configures Create.
type WriterOptions struct {
	// Format overrides detection from the path's extension.
	Format      Format
	TileFormat  tile.Format
	Compression tile.Compression
	// BlockCapacity is the number of index entries per block for formats
	// with a block index. Zero selects the backend default.
	BlockCapacity int
	Attributes    map[string]string
	// Force replaces an existing file at the destination.
	Force bool
}

// Driver is a registered backend.
type Driver struct {
	Format     Format
	Extensions []string
	// Compressions lists the tile compressions the backend can store.
	Compressions []tile.Compression
	// Remote reports whether Open accepts http(s) locations.
	Remote bool
	// Directory marks a container stored as a directory tree rather than
	// a single file. Local directories and paths ending in a separator
	// detect as this format.
	Directory bool

	Open   func(ctx context.Context, location string, opts OpenOptions) (Reader, error)
	Create func(path string, opts WriterOptions) (Writer, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[Format]Driver)
)

// Register makes a backend available. It panics if the format is
// registered twice or the driver is incomplete.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d.Format == "" || d.Open == nil || d.Create == nil {
		panic("container: Register of incomplete driver")
	}
	if _, dup := drivers[d.Format]; dup {
		panic("container: Register called twice for format " + string(d.Format))
	}
	drivers[d.Format] = d
}

// Lookup returns the driver registered for f.
func Lookup(f Format) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[f]
	if !ok {
		return Driver{}, fmt.Errorf("%w: unknown container format %q", tile.ErrUnsupportedConversion, f)
	}
	return d, nil
}

// Formats lists the registered formats in name order.
func Formats() []Format {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]Format, 0, len(drivers))
	for f := range drivers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseFormat maps a format name to a registered Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if _, err := Lookup(f); err != nil {
		return "", err
	}
	return f, nil
}

// FormatFromPath detects the format from a path or URL extension. An
// existing local directory, or a path ending in a separator, selects the
// directory backend.
func FormatFromPath(location string) (Format, error) {
	p := location
	remote := rangeread.IsRemote(location)
	if remote {
		if u, err := url.Parse(location); err == nil {
			p = u.Path
		}
	}
	ext := strings.ToLower(path.Ext(p))
	dir := !remote && looksLikeDirectory(location)

	driversMu.RLock()
	defer driversMu.RUnlock()
	for _, d := range drivers {
		if dir && d.Directory {
			return d.Format, nil
		}
	}
	for _, d := range drivers {
		if slices.Contains(d.Extensions, ext) {
			return d.Format, nil
		}
	}
	return "", fmt.Errorf("%w: cannot detect container format of %q", tile.ErrUnsupportedConversion, location)
}

func looksLikeDirectory(p string) bool {
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator)) {
		return true
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Capabilities lists the compressions format f can store.
func Capabilities(f Format) ([]tile.Compression, error) {
	d, err := Lookup(f)
	if err != nil {
		return nil, err
	}
	return slices.Clone(d.Compressions), nil
}

// Supports reports whether format f can store tiles compressed with c.
func Supports(f Format, c tile.Compression) bool {
	caps, err := Capabilities(f)
	return err == nil && slices.Contains(caps, c)
}

// Open opens a container at a local path or http(s) URL.
func Open(ctx context.Context, location string, opts OpenOptions) (Reader, error) {
	f := opts.Format
	if f == "" {
		var err error
		if f, err = FormatFromPath(location); err != nil {
			return nil, err
		}
	}
	d, err := Lookup(f)
	if err != nil {
		return nil, err
	}
	if rangeread.IsRemote(location) && !d.Remote {
		return nil, fmt.Errorf("%w: %s containers cannot be read remotely: %s", tile.ErrIO, f, location)
	}
	return d.Open(ctx, location, opts)
}

// Create starts a new container at path. The target compression is
// checked against the backend's capabilities before anything is written.
func Create(p string, opts WriterOptions) (Writer, error) {
	if rangeread.IsRemote(p) {
		return nil, fmt.Errorf("%w: cannot write to remote location %s", tile.ErrIO, p)
	}
	f := opts.Format
	if f == "" {
		var err error
		if f, err = FormatFromPath(p); err != nil {
			return nil, err
		}
	}
	d, err := Lookup(f)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(d.Compressions, opts.Compression) {
		return nil, fmt.Errorf("%w: %s containers cannot store %s tiles", tile.ErrUnsupportedConversion, f, opts.Compression)
	}
	if !opts.TileFormat.Known() {
		return nil, fmt.Errorf("%w: unknown tile format %s", tile.ErrUnsupportedConversion, opts.TileFormat)
	}

	if info, err := os.Stat(p); err == nil {
		if !opts.Force {
			return nil, fmt.Errorf("%w: %s already exists", tile.ErrIO, p)
		}
		remove := os.Remove
		if info.IsDir() && d.Directory {
			remove = os.RemoveAll
		}
		if err := remove(p); err != nil {
			return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	if dir := filepath.Dir(p); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
		}
	}
	return d.Create(p, opts)
}
