package rangeread

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/tessera/pkg/tile"
)

// FileSource reads ranges from a local file. It maps the file read-only
// when possible and falls back to ReadAt otherwise.
type FileSource struct {
	path string
	id   string
	size uint64

	file *os.File
	data []byte

	closeOnce sync.Once
	closeErr  error
}

var _ Source = (*FileSource)(nil)

// OpenFile opens path for range reads.
// The returned source must be closed to release any mapping.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", tile.ErrIO, err)
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: unsupported file size %d", tile.ErrIO, path, size64)
	}

	src := &FileSource{
		path: path,
		id:   uuid.NewString(),
		size: uint64(size64),
	}
	if size64 == 0 {
		src.file = f
		return src, nil
	}

	// Prefer mmap for zero-copy range slices.
	data, err := unix.Mmap(int(f.Fd()), 0, int(size64), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		_ = f.Close()
		src.data = data
		return src, nil
	}

	src.file = f
	return src, nil
}

func (s *FileSource) ReadRange(ctx context.Context, r Range, _ Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", tile.ErrIO, s.path, err)
	}
	if err := checkBounds(s.path, r, s.size); err != nil {
		return nil, err
	}
	if r.Length == 0 {
		return []byte{}, nil
	}
	if s.data != nil {
		return s.data[r.Offset:r.End():r.End()], nil
	}
	if s.file == nil {
		return nil, fmt.Errorf("%w: %s: source closed", tile.ErrIO, s.path)
	}

	out := make([]byte, r.Length)
	n, err := s.file.ReadAt(out, int64(r.Offset))
	if err != nil && !(err == io.EOF && uint64(n) == r.Length) {
		return nil, fmt.Errorf("%w: %s: read %s: %v", tile.ErrIO, s.path, r, err)
	}
	return out, nil
}

func (s *FileSource) Size() uint64 { return s.size }
func (s *FileSource) Name() string { return s.path }
func (s *FileSource) ID() string   { return s.id }

// Mapped reports whether reads are served from a memory mapping.
func (s *FileSource) Mapped() bool { return s.data != nil }

// Close releases the mapping or file descriptor. Slices returned by
// ReadRange from a mapped source are invalid afterwards.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		if s.data != nil {
			s.closeErr = unix.Munmap(s.data)
			s.data = nil
		}
		if s.file != nil {
			if err := s.file.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
			s.file = nil
		}
	})
	return s.closeErr
}

// BytesSource serves ranges from an in-memory buffer.
type BytesSource struct {
	name string
	id   string
	data []byte
}

var _ Source = (*BytesSource)(nil)

// FromBytes wraps data. The buffer must not be modified afterwards.
func FromBytes(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, id: uuid.NewString(), data: data}
}

func (s *BytesSource) ReadRange(ctx context.Context, r Range, _ Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", tile.ErrIO, s.name, err)
	}
	if err := checkBounds(s.name, r, uint64(len(s.data))); err != nil {
		return nil, err
	}
	return s.data[r.Offset:r.End():r.End()], nil
}

func (s *BytesSource) Size() uint64 { return uint64(len(s.data)) }
func (s *BytesSource) Name() string { return s.name }
func (s *BytesSource) ID() string   { return s.id }
func (s *BytesSource) Close() error { return nil }
