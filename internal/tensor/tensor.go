// Package tensor provides the typed tensor handle: a buffer id in the
// memory manager's resident pool, a view describing how the buffer is
// addressed, a device index and an element type. A Tensor owns no device
// resource; its buffer is released explicitly through Release.
package tensor

import (
	"fmt"
	"unsafe"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/memory"
	"github.com/pkg/errors"
)

// Tensor is a typed reference to a resident buffer. It is a small value and
// may be copied freely; copies name the same buffer.
type Tensor[T core.Element] struct {
	id       core.BufferID
	view     core.ViewDescriptor
	deviceID int
}

// New wraps an existing buffer.
func New[T core.Element](id core.BufferID, view core.ViewDescriptor, deviceID int) Tensor[T] {
	return Tensor[T]{id: id, view: view, deviceID: deviceID}
}

// Empty allocates an uninitialized contiguous tensor.
func Empty[T core.Element](mm *memory.Manager, shape []int, deviceID int) (Tensor[T], error) {
	view, err := core.Contiguous(shape)
	if err != nil {
		return Tensor[T]{}, errors.WithMessage(err, "tensor: invalid shape")
	}
	size := uint64(view.NumElements() * core.DataTypeOf[T]().Size()) //nolint:gosec // G115: non-negative
	id, err := mm.Allocate(size)
	if err != nil {
		return Tensor[T]{}, err
	}
	return New[T](id, view, deviceID), nil
}

// FromSlice uploads data into a new contiguous tensor of the given shape.
func FromSlice[T core.Element](mm *memory.Manager, data []T, shape []int, deviceID int) (Tensor[T], error) {
	if n := core.NumElements(shape); n != len(data) {
		return Tensor[T]{}, errors.Errorf("tensor: shape %v requires %d elements, but got %d", shape, n, len(data))
	}
	t, err := Empty[T](mm, shape, deviceID)
	if err != nil {
		return Tensor[T]{}, err
	}
	if err := mm.Write(t.id, bytesOf(data)); err != nil {
		mm.Release(t.id)
		return Tensor[T]{}, err
	}
	return t, nil
}

// ToSlice downloads the tensor and returns its elements in logical row-major
// order, gathering through the view so broadcast, permuted and narrowed
// views read back as they address the buffer.
func (t Tensor[T]) ToSlice(mm *memory.Manager) ([]T, error) {
	raw, err := mm.Download(t.id)
	if err != nil {
		return nil, err
	}
	elems := make([]T, len(raw)/core.DataTypeOf[T]().Size())
	copy(bytesOf(elems), raw)

	n := t.view.NumElements()
	if t.view.IsContiguous() && n <= len(elems) {
		return elems[:n], nil
	}
	if span := t.view.Span(); span > len(elems) {
		return nil, errors.Errorf("tensor: %s addresses %d elements, buffer %s holds %d", t.view, span, t.id, len(elems))
	}
	out := make([]T, n)
	for i := range out {
		out[i] = elems[t.view.Index(i)]
	}
	return out, nil
}

// Release releases the tensor's buffer. Other copies of the handle, and
// views sharing the buffer, become invalid.
func (t Tensor[T]) Release(mm *memory.Manager) {
	mm.Release(t.id)
}

// BufferID returns the id of the backing buffer.
func (t Tensor[T]) BufferID() core.BufferID { return t.id }

// View returns the view descriptor.
func (t Tensor[T]) View() core.ViewDescriptor { return t.view }

// DeviceID returns the index of the device holding the buffer.
func (t Tensor[T]) DeviceID() int { return t.deviceID }

// DType returns the element type.
func (t Tensor[T]) DType() core.DataType { return core.DataTypeOf[T]() }

// Shape returns the logical shape.
func (t Tensor[T]) Shape() []int { return t.view.Dims() }

// NumElements returns the logical element count.
func (t Tensor[T]) NumElements() int { return t.view.NumElements() }

// WithView returns a tensor naming the same buffer through another view.
func (t Tensor[T]) WithView(view core.ViewDescriptor) Tensor[T] {
	t.view = view
	return t
}

// BroadcastTo returns a stride-0 broadcast view of t with the given shape.
func (t Tensor[T]) BroadcastTo(shape []int) (Tensor[T], error) {
	view, err := t.view.Broadcast(shape)
	if err != nil {
		return Tensor[T]{}, err
	}
	return t.WithView(view), nil
}

// Permute returns a view with axes reordered.
func (t Tensor[T]) Permute(axes ...int) (Tensor[T], error) {
	view, err := t.view.Permute(axes...)
	if err != nil {
		return Tensor[T]{}, err
	}
	return t.WithView(view), nil
}

// Narrow returns a view restricted to [start, start+length) along axis.
func (t Tensor[T]) Narrow(axis, start, length int) (Tensor[T], error) {
	view, err := t.view.Narrow(axis, start, length)
	if err != nil {
		return Tensor[T]{}, err
	}
	return t.WithView(view), nil
}

// String implements fmt.Stringer.
func (t Tensor[T]) String() string {
	return fmt.Sprintf("Tensor[%s](%s, shape=%v, device=%d)", t.DType(), t.id, t.Shape(), t.deviceID)
}

func (Tensor[T]) sealed() {}

// bytesOf returns the bytes backing s without copying.
func bytesOf[T core.Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy conversion, all element types are 4 bytes
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}
