// Package errdefs defines the error taxonomy shared by the framecast core.
// Recoverable conditions (drops, stale endpoints, rejected registrations)
// are returned as typed values; only ErrConnectionAborted is session-fatal.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrCapacityExceeded   = errors.New("framecast: capacity exceeded")
	ErrFrameDropped       = errors.New("framecast: frame dropped")
	ErrEndpointResolution = errors.New("framecast: endpoint resolution failed")
	ErrConnectionAborted  = errors.New("framecast: connection aborted")
	ErrClosed             = errors.New("framecast: closed")

	// ErrInvalidFrame marks a frame the transport refused to encode. It is
	// a property of the frame, not of the connection.
	ErrInvalidFrame = errors.New("framecast: invalid frame")
)

// CapacityError reports a registration rejected by a bounded container.
type CapacityError struct {
	Resource string
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("framecast: %s capacity %d exceeded", e.Resource, e.Capacity)
}

// Is lets errors.Is(err, ErrCapacityExceeded) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// ResolutionError wraps a resolver failure for a single stream.
type ResolutionError struct {
	Stream string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("framecast: resolve endpoint for %q: %v", e.Stream, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrEndpointResolution) match.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrEndpointResolution
}
