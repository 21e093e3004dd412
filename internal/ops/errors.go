package ops

import (
	"fmt"

	"github.com/born-ml/vknp/internal/core"
	"github.com/pkg/errors"
)

// UnknownOpError is returned when no operation is registered under Name.
type UnknownOpError struct {
	Name string
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("ops: unknown operation %q", e.Name)
}

// ArityMismatchError is returned when the number of inputs (or outputs, when
// Outputs is set) differs from the operation's signature.
type ArityMismatchError struct {
	Op       string
	Outputs  bool
	Expected int
	Found    int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("ops: %s expects %d %s, got %d", e.Op, e.Expected, slotKind(e.Outputs), e.Found)
}

// DtypeMismatchError is returned for the first input (or output, when
// Outputs is set) slot whose element type is not allowed.
type DtypeMismatchError struct {
	Op       string
	Outputs  bool
	Index    int
	Expected []core.DataType
	Found    core.DataType
}

func (e *DtypeMismatchError) Error() string {
	return fmt.Sprintf("ops: %s %s %d has dtype %s, expected one of %s",
		e.Op, slotKind(e.Outputs), e.Index, e.Found, core.FormatDataTypes(e.Expected))
}

// ShapeMismatchError is returned by Prepare when operand shapes are
// inconsistent with each other.
type ShapeMismatchError struct {
	Op     string
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("ops: %s: %s", e.Op, e.Reason)
}

// DuplicateOpError is returned when registering a name twice.
type DuplicateOpError struct {
	Name string
}

func (e *DuplicateOpError) Error() string {
	return fmt.Sprintf("ops: operation %q already registered", e.Name)
}

// IsValidationError reports whether err was raised while validating a call,
// before any device resource was touched.
func IsValidationError(err error) bool {
	var (
		unknown  *UnknownOpError
		arity    *ArityMismatchError
		dtype    *DtypeMismatchError
		mismatch *ShapeMismatchError
	)
	return errors.As(err, &unknown) || errors.As(err, &arity) ||
		errors.As(err, &dtype) || errors.As(err, &mismatch)
}

func slotKind(outputs bool) string {
	if outputs {
		return "outputs"
	}
	return "inputs"
}
