// Package core provides the value types shared by every layer of the runtime:
// element types, buffer identifiers and strided view descriptors.
package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Element is the closed set of tensor element types. Named types are not
// admitted, so every Tensor[T] is one of the three members of tensor.Any.
type Element interface {
	float32 | int32 | uint32
}

// DataType represents runtime type information for tensors.
// The zero value is not a valid type.
type DataType int

// Supported data types for tensors.
const (
	F32 DataType = iota + 1
	I32
	U32
)

// DataTypes lists every supported data type, in declaration order.
var DataTypes = []DataType{F32, I32, U32}

// Size returns the byte size of one element of the data type.
func (dt DataType) Size() int {
	switch dt {
	case F32, I32, U32:
		return 4
	default:
		panic(fmt.Sprintf("unknown data type %d", int(dt)))
	}
}

// Valid reports whether dt is one of the supported data types.
func (dt DataType) Valid() bool {
	switch dt {
	case F32, I32, U32:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case F32:
		return "f32"
	case I32:
		return "i32"
	case U32:
		return "u32"
	default:
		return "unknown"
	}
}

// ParseDataType is the inverse of DataType.String. It also accepts the Go
// spellings ("float32", "int32", "uint32").
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32":
		return F32, nil
	case "i32", "int32":
		return I32, nil
	case "u32", "uint32":
		return U32, nil
	default:
		return 0, errors.Errorf("unknown data type %q", s)
	}
}

// DataTypeOf returns the runtime DataType for the element type T.
func DataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return F32
	case int32:
		return I32
	case uint32:
		return U32
	}
	panic(fmt.Sprintf("unsupported element type %T", zero))
}

// FormatDataTypes renders a list of data types as "[f32 i32]".
func FormatDataTypes(dts []DataType) string {
	parts := make([]string, len(dts))
	for i, dt := range dts {
		parts[i] = dt.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
