// Package device defines the thin adapter the runtime drives a compute device
// through, plus a pure-Go host implementation of it.
//
// The adapter exposes exactly what the memory manager, kernel cache and
// execution engine need: buffers of three usage classes, blocking host
// transfers into and out of staging buffers, device-side copies, pipeline
// compilation against an explicit binding layout, and one-dimensional
// dispatches. Commands are executed in submission order.
package device

import "github.com/pkg/errors"

// BufferKind is the usage class of a device buffer.
type BufferKind int

const (
	// Resident buffers hold tensor data: storage, copy source and copy destination.
	Resident BufferKind = iota
	// Upload buffers are host-writable staging buffers: map-write and copy source.
	Upload
	// Download buffers are host-readable staging buffers: map-read and copy destination.
	Download
)

// String returns the name of the buffer kind.
func (k BufferKind) String() string {
	switch k {
	case Resident:
		return "resident"
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// CopySource reports whether buffers of this kind may be the source of a device copy.
func (k BufferKind) CopySource() bool { return k == Resident || k == Upload }

// CopyDestination reports whether buffers of this kind may be the destination of a device copy.
func (k BufferKind) CopyDestination() bool { return k == Resident || k == Download }

// BindingKind is the access mode of one slot of a binding layout.
type BindingKind int

const (
	// ReadOnlyStorage is a storage buffer the kernel only reads.
	ReadOnlyStorage BindingKind = iota
	// ReadWriteStorage is a storage buffer the kernel may write.
	ReadWriteStorage
)

// String returns the name of the binding kind.
func (k BindingKind) String() string {
	if k == ReadOnlyStorage {
		return "read"
	}
	return "read_write"
}

// Alignment is the granularity of buffer sizes and copy lengths.
const Alignment = 4

// Align rounds size up to a multiple of Alignment, with a minimum of one unit.
func Align(size uint64) uint64 {
	if size == 0 {
		return Alignment
	}
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// ErrOutOfMemory is returned (wrapped) when the device rejects an allocation.
var ErrOutOfMemory = errors.New("device: out of memory")

// Buffer is a device buffer. Release is idempotent; a device keeps the
// underlying memory alive until submitted work referencing it has completed.
type Buffer interface {
	Size() uint64
	Kind() BufferKind
	Release()
}

// Layout is a compiled binding layout: an ordered list of storage slots.
// Pipelines are built against it, so it must outlive them.
type Layout interface {
	Bindings() []BindingKind
	Release()
}

// Pipeline is a compiled compute kernel bound to a layout.
type Pipeline interface {
	Entry() string
	Release()
}

// Device is the compute device adapter. Implementations must be safe for
// concurrent use and must execute copies and dispatches in submission order.
type Device interface {
	// Name identifies the device for logs.
	Name() string

	// CreateBuffer allocates an uninitialised buffer of at least size bytes.
	CreateBuffer(size uint64, kind BufferKind) (Buffer, error)

	// WriteBuffer maps an Upload buffer for writing, copies data in and unmaps,
	// blocking until the mapping completes.
	WriteBuffer(dst Buffer, data []byte) error

	// ReadBuffer maps a Download buffer for reading and returns its first size
	// bytes, blocking until preceding submitted work has completed.
	ReadBuffer(src Buffer, size uint64) ([]byte, error)

	// CopyBufferToBuffer submits a device-side copy of size bytes.
	CopyBufferToBuffer(src, dst Buffer, size uint64) error

	// CreateLayout builds a binding layout from an ordered list of slots.
	CreateLayout(bindings []BindingKind) (Layout, error)

	// CreatePipeline compiles source and selects entry against layout.
	CreatePipeline(source, entry string, layout Layout) (Pipeline, error)

	// Dispatch submits workgroups one-dimensional workgroups of p, binding
	// the buffers to the layout slots in order.
	Dispatch(p Pipeline, bindings []Buffer, workgroups uint32) error

	// Release frees the device. It must not be used afterwards.
	Release()
}

// Workgroups returns ceil(total / workgroupSize).
func Workgroups(total, workgroupSize uint32) uint32 {
	return (total + workgroupSize - 1) / workgroupSize
}
