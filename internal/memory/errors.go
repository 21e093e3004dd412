package memory

import (
	"fmt"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/dustin/go-humanize"
)

// AllocationError is returned when the device rejects a buffer allocation.
type AllocationError struct {
	Kind device.BufferKind
	Size uint64
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("memory: allocating %s in %s pool: %v", humanize.IBytes(e.Size), e.Kind, e.Err)
}

// Unwrap returns the device error.
func (e *AllocationError) Unwrap() error { return e.Err }

// MissingBufferError is returned when an id is unknown or already released.
type MissingBufferError struct {
	ID core.BufferID
}

func (e *MissingBufferError) Error() string {
	return fmt.Sprintf("memory: missing buffer %s", e.ID)
}

// SizeError is returned when a transfer does not fit its destination buffer.
type SizeError struct {
	ID       core.BufferID
	Size     uint64
	Capacity uint64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("memory: %d bytes do not fit in %s of %d bytes", e.Size, e.ID, e.Capacity)
}
