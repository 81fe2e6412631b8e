package tbc

import (
	"bytes"
	"os"

	"github.com/cespare/xxhash/v2"
)

type dedupKey struct {
	Sum  uint64
	Size uint64
}

// payloadDeduper finds earlier payloads with identical bytes so the data
// region stores them once. Ocean and empty tiles repeat heavily.
type payloadDeduper struct {
	out  *os.File
	buf  []byte
	seen map[dedupKey][]uint64
}

func newPayloadDeduper(out *os.File) *payloadDeduper {
	return &payloadDeduper{
		out:  out,
		buf:  make([]byte, 16*1024),
		seen: make(map[dedupKey][]uint64),
	}
}

func (d *payloadDeduper) key(data []byte) dedupKey {
	return dedupKey{Sum: xxhash.Sum64(data), Size: uint64(len(data))}
}

// FindMatch returns the offset of a previously written payload equal to
// data. Hash hits are verified against the bytes already in the file.
func (d *payloadDeduper) FindMatch(k dedupKey, data []byte) (uint64, bool, error) {
	for _, off := range d.seen[k] {
		eq, err := compareFileRange(d.out, off, data, d.buf)
		if err != nil {
			return 0, false, err
		}
		if eq {
			return off, true, nil
		}
	}
	return 0, false, nil
}

func (d *payloadDeduper) Add(k dedupKey, off uint64) {
	d.seen[k] = append(d.seen[k], off)
}

// compareFileRange reports whether f holds data at off.
func compareFileRange(f *os.File, off uint64, data []byte, scratch []byte) (bool, error) {
	if len(scratch) == 0 {
		scratch = make([]byte, 16*1024)
	}
	var done int
	for done < len(data) {
		n := min(len(scratch), len(data)-done)
		if _, err := f.ReadAt(scratch[:n], int64(off)+int64(done)); err != nil {
			return false, err
		}
		if !bytes.Equal(scratch[:n], data[done:done+n]) {
			return false, nil
		}
		done += n
	}
	return true, nil
}
