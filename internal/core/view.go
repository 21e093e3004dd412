package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// MaxDims is the maximum rank a view descriptor can address.
const MaxDims = 8

// BufferID names a pooled device buffer. IDs are minted by a pool from a
// monotonically increasing counter and are never reused; 0 means "no buffer".
type BufferID uint64

// String implements fmt.Stringer.
func (id BufferID) String() string {
	return fmt.Sprintf("BufferID(%d)", uint64(id))
}

// ViewDescriptor describes how a flat buffer is addressed as an N-D array.
// Offset, shape and strides are in elements, not bytes. A stride of 0 marks a
// broadcast axis. Entries at index >= NDim are always zero, so descriptors
// can be compared with ==.
type ViewDescriptor struct {
	Offset  uint32
	NDim    uint32
	Shape   [MaxDims]uint32
	Strides [MaxDims]uint32
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func ComputeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	if len(shape) == 0 {
		return strides
	}

	strides[len(shape)-1] = 1
	for i := len(shape) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * shape[i+1]
	}
	return strides
}

// NumElements returns the number of elements of the shape.
// A rank-0 shape (scalar) has one element.
func NumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// ValidateShape checks that the shape fits in a view descriptor.
func ValidateShape(shape []int) error {
	if len(shape) > MaxDims {
		return errors.Errorf("shape %v has rank %d, at most %d dimensions are supported", shape, len(shape), MaxDims)
	}
	for i, dim := range shape {
		if dim < 0 {
			return errors.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Contiguous builds the default row-major view of shape at offset 0.
func Contiguous(shape []int) (ViewDescriptor, error) {
	if err := ValidateShape(shape); err != nil {
		return ViewDescriptor{}, err
	}
	var v ViewDescriptor
	v.NDim = uint32(len(shape)) //nolint:gosec // G115: bounded by MaxDims
	for i, stride := range ComputeStrides(shape) {
		v.Shape[i] = uint32(shape[i]) //nolint:gosec // G115: validated non-negative
		v.Strides[i] = uint32(stride) //nolint:gosec // G115: product of non-negative dims
	}
	return v, nil
}

// MustContiguous is Contiguous for shapes known to be valid.
func MustContiguous(shape []int) ViewDescriptor {
	v, err := Contiguous(shape)
	if err != nil {
		panic(err)
	}
	return v
}

// Dims returns the logical shape of the view.
func (v ViewDescriptor) Dims() []int {
	dims := make([]int, v.NDim)
	for i := range dims {
		dims[i] = int(v.Shape[i])
	}
	return dims
}

// StrideList returns the strides of the view's NDim axes.
func (v ViewDescriptor) StrideList() []int {
	strides := make([]int, v.NDim)
	for i := range strides {
		strides[i] = int(v.Strides[i])
	}
	return strides
}

// NumElements returns the product of shape[0..NDim].
func (v ViewDescriptor) NumElements() int {
	n := 1
	for i := uint32(0); i < v.NDim; i++ {
		n *= int(v.Shape[i])
	}
	return n
}

// IsContiguous reports whether the view is the row-major layout of its shape
// starting at offset 0.
func (v ViewDescriptor) IsContiguous() bool {
	if v.Offset != 0 {
		return false
	}
	return v == MustContiguous(v.Dims())
}

// Span returns one past the largest element index the view can touch, that
// is the minimal buffer length (in elements) backing it. An empty view spans 0.
func (v ViewDescriptor) Span() int {
	if v.NumElements() == 0 {
		return 0
	}
	last := int(v.Offset)
	for i := uint32(0); i < v.NDim; i++ {
		last += (int(v.Shape[i]) - 1) * int(v.Strides[i])
	}
	return last + 1
}

// Index maps a linear (row-major) logical index to a buffer element index,
// walking the axes from the innermost outwards.
func (v ViewDescriptor) Index(linear int) int {
	idx := linear
	off := int(v.Offset)
	for d := int(v.NDim) - 1; d >= 0; d-- {
		dim := int(v.Shape[d])
		coord := idx % dim
		idx /= dim
		off += coord * int(v.Strides[d])
	}
	return off
}

// Broadcast returns a view of v with the given shape following NumPy rules:
// missing leading axes and axes of size 1 are expanded with stride 0.
func (v ViewDescriptor) Broadcast(shape []int) (ViewDescriptor, error) {
	if err := ValidateShape(shape); err != nil {
		return ViewDescriptor{}, err
	}
	if len(shape) < int(v.NDim) {
		return ViewDescriptor{}, errors.Errorf("cannot broadcast shape %v to lower rank shape %v", v.Dims(), shape)
	}
	out := ViewDescriptor{Offset: v.Offset, NDim: uint32(len(shape))} //nolint:gosec // G115: bounded by MaxDims
	lead := len(shape) - int(v.NDim)
	for i, dim := range shape {
		out.Shape[i] = uint32(dim) //nolint:gosec // G115: validated non-negative
		if i < lead {
			continue
		}
		src := i - lead
		switch {
		case int(v.Shape[src]) == dim:
			out.Strides[i] = v.Strides[src]
		case v.Shape[src] == 1:
			out.Strides[i] = 0
		default:
			return ViewDescriptor{}, errors.Errorf("cannot broadcast shape %v to %v (dimension %d: %d vs %d)",
				v.Dims(), shape, i, v.Shape[src], dim)
		}
	}
	return out, nil
}

// Permute reorders the axes of the view: axis i of the result is axis
// axes[i] of v.
func (v ViewDescriptor) Permute(axes ...int) (ViewDescriptor, error) {
	if len(axes) != int(v.NDim) {
		return ViewDescriptor{}, errors.Errorf("permutation %v does not match rank %d", axes, v.NDim)
	}
	out := ViewDescriptor{Offset: v.Offset, NDim: v.NDim}
	seen := make([]bool, v.NDim)
	for i, axis := range axes {
		if axis < 0 || axis >= int(v.NDim) || seen[axis] {
			return ViewDescriptor{}, errors.Errorf("invalid permutation %v for rank %d", axes, v.NDim)
		}
		seen[axis] = true
		out.Shape[i] = v.Shape[axis]
		out.Strides[i] = v.Strides[axis]
	}
	return out, nil
}

// Narrow restricts axis to [start, start+length), shifting the offset.
func (v ViewDescriptor) Narrow(axis, start, length int) (ViewDescriptor, error) {
	if axis < 0 || axis >= int(v.NDim) {
		return ViewDescriptor{}, errors.Errorf("axis %d out of range for rank %d", axis, v.NDim)
	}
	if start < 0 || length < 0 || start+length > int(v.Shape[axis]) {
		return ViewDescriptor{}, errors.Errorf("range [%d, %d) out of bounds for axis %d of size %d",
			start, start+length, axis, v.Shape[axis])
	}
	out := v
	out.Offset += uint32(start) * v.Strides[axis] //nolint:gosec // G115: bounds checked above
	out.Shape[axis] = uint32(length)              //nolint:gosec // G115: bounds checked above
	return out, nil
}

// String implements fmt.Stringer.
func (v ViewDescriptor) String() string {
	return fmt.Sprintf("View(offset=%d, shape=%v, strides=%v)", v.Offset, v.Dims(), v.StrideList())
}

// BroadcastShapes implements NumPy-style broadcasting rules.
//
// Rules:
// 1. Compare shapes element-wise from right to left
// 2. Dimensions are compatible if:
//   - They are equal, OR
//   - One of them is 1
//
// 3. Missing dimensions are treated as 1
//
// Returns the broadcasted shape, a flag indicating if broadcasting is needed, and an error if incompatible.
//
// Examples:
//
//	(3, 1) + (3, 5) → (3, 5), true, nil
//	(1, 5) + (3, 5) → (3, 5), true, nil
//	(3, 5) + (3, 5) → (3, 5), false, nil
//	(3, 4) + (3, 5) → nil, false, Error
func BroadcastShapes(a, b []int) ([]int, bool, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)
	needsBroadcast := len(a) != len(b)

	for i := 0; i < maxLen; i++ {
		aIdx := len(a) - 1 - i
		bIdx := len(b) - 1 - i

		aDim := 1
		if aIdx >= 0 {
			aDim = a[aIdx]
		}

		bDim := 1
		if bIdx >= 0 {
			bDim = b[bIdx]
		}

		switch {
		case aDim == bDim:
			result[maxLen-1-i] = aDim
		case aDim == 1:
			result[maxLen-1-i] = bDim
			needsBroadcast = true
		case bDim == 1:
			result[maxLen-1-i] = aDim
			needsBroadcast = true
		default:
			return nil, false, errors.Errorf("shapes not compatible for broadcasting: %v vs %v (dimension %d: %d vs %d)",
				a, b, maxLen-1-i, aDim, bDim)
		}
	}

	return result, needsBroadcast, nil
}

// EqualShapes reports whether two shapes are identical.
func EqualShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
