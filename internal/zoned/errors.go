package zoned

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnsupported is returned when reporting zones on a disk that is not zoned
	ErrUnsupported = errors.New("device is not zoned")

	// ErrNoMemory is returned when no report buffer of at least one
	// descriptor could be allocated
	ErrNoMemory = errors.New("cannot allocate report buffer")

	// ErrInvalidGeometry is returned for zone parameters the report path cannot use
	ErrInvalidGeometry = errors.New("invalid zone geometry")
)

// RequestError reports a chunk request that did not complete successfully.
// Status is the completion status, passed through unchanged.
type RequestError struct {
	Sector uint64
	Status unix.Errno
	Err    error // set when the request could not be built
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report zones request at sector %d: %v", e.Sector, e.Err)
	}
	return fmt.Sprintf("report zones request at sector %d failed: %v", e.Sector, e.Status)
}

func (e *RequestError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Status
}

// CallbackError carries the error a report callback returned
type CallbackError struct {
	Index     uint32 // index within the chunk
	ZoneStart uint64
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("report zones callback for zone at sector %d: %v", e.ZoneStart, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
