package pmtiles

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the requested source name is not in the registry.
	ErrNotFound = errors.New("source not found")
	// ErrInvalidCoordinate means a tile address failed to parse or is outside the tile grid.
	ErrInvalidCoordinate = errors.New("invalid tile coordinate")
	// ErrIO means an archive could not be read or returned malformed data.
	ErrIO = errors.New("archive read failed")
	// ErrMetadata means an archive header or metadata block could not be read.
	ErrMetadata = errors.New("archive metadata unavailable")
)

// DuplicateNameError is returned when two archives resolve to the same source name.
type DuplicateNameError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateNameError) Error() string {
	if e.First == "" && e.Second == "" {
		return fmt.Sprintf("duplicate source name %q", e.Name)
	}
	return fmt.Sprintf("duplicate source name %q: %s and %s", e.Name, e.First, e.Second)
}
