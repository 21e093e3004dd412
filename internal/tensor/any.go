package tensor

import (
	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/memory"
	"github.com/pkg/errors"
)

// Any is a tensor of any supported element type: one of Tensor[float32],
// Tensor[int32] or Tensor[uint32]. The interface is sealed; consumers that
// need the element type switch over those three.
type Any interface {
	BufferID() core.BufferID
	View() core.ViewDescriptor
	DeviceID() int
	DType() core.DataType
	Shape() []int
	NumElements() int

	sealed()
}

var (
	_ Any = Tensor[float32]{}
	_ Any = Tensor[int32]{}
	_ Any = Tensor[uint32]{}
)

// WithView returns a tensor of the same element type as t, naming the same
// buffer through view.
func WithView(t Any, view core.ViewDescriptor) Any {
	switch t := t.(type) {
	case Tensor[float32]:
		return t.WithView(view)
	case Tensor[int32]:
		return t.WithView(view)
	case Tensor[uint32]:
		return t.WithView(view)
	default:
		panic(errors.Errorf("tensor: unsupported tensor type %T", t))
	}
}

// ToAnySlice downloads t and returns its elements as []float32, []int32 or
// []uint32.
func ToAnySlice(mm *memory.Manager, t Any) (any, error) {
	switch t := t.(type) {
	case Tensor[float32]:
		return t.ToSlice(mm)
	case Tensor[int32]:
		return t.ToSlice(mm)
	case Tensor[uint32]:
		return t.ToSlice(mm)
	default:
		return nil, errors.Errorf("tensor: unsupported tensor type %T", t)
	}
}

// EmptyOf allocates an uninitialized contiguous tensor of a runtime dtype.
func EmptyOf(mm *memory.Manager, dtype core.DataType, shape []int, deviceID int) (Any, error) {
	var (
		t   Any
		err error
	)
	switch dtype {
	case core.F32:
		t, err = Empty[float32](mm, shape, deviceID)
	case core.I32:
		t, err = Empty[int32](mm, shape, deviceID)
	case core.U32:
		t, err = Empty[uint32](mm, shape, deviceID)
	default:
		return nil, errors.Errorf("tensor: unsupported dtype %s", dtype)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
