package tile

import (
	"errors"
	"fmt"
)

// Error classes shared by every backend. Match them with errors.Is.
// Coordinates outside a pyramid are not errors: lookups report them as
// absent.
var (
	// ErrFormat marks a malformed header, index or schema. The container
	// is unusable.
	ErrFormat = errors.New("malformed container")

	// ErrIO marks a local or remote transport failure.
	ErrIO = errors.New("i/o failure")

	// ErrCompression marks a payload that could not be (de)compressed.
	ErrCompression = errors.New("corrupt compressed payload")

	// ErrDuplicateTile is returned by writers when a coordinate is put twice.
	ErrDuplicateTile = errors.New("duplicate tile")

	// ErrClosedWriter is returned by writers after Finalize.
	ErrClosedWriter = errors.New("writer already finalized")

	// ErrUnsupportedConversion is returned when the target cannot represent
	// something the source requires.
	ErrUnsupportedConversion = errors.New("unsupported conversion")
)

// CoordError attaches the coordinate that caused err.
type CoordError struct {
	Coord Coord
	Err   error
}

func (e *CoordError) Error() string {
	return fmt.Sprintf("tile %s: %v", e.Coord, e.Err)
}

func (e *CoordError) Unwrap() error {
	return e.Err
}

// AtCoord wraps err with the coordinate. A nil err stays nil.
func AtCoord(c Coord, err error) error {
	if err == nil {
		return nil
	}
	return &CoordError{Coord: c, Err: err}
}
