package ops

import (
	"fmt"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/tensor"
)

var wordTypes = []core.DataType{core.F32, core.I32, core.U32}

// copyOp gathers its input through its view into the output view,
// broadcasting the input to the output shape. It materializes broadcast,
// permuted and narrowed views.
type copyOp struct{}

var copySignature = &Signature{
	Name:         "copy",
	NumInputs:    1,
	NumOutputs:   1,
	InputDTypes:  [][]core.DataType{wordTypes},
	OutputDTypes: [][]core.DataType{wordTypes},
}

func (copyOp) Signature() *Signature { return copySignature }

func (copyOp) Shader() (string, string) { return copyWGSL, copyEntry }

func (copyOp) Prepare(inputs, outputs []tensor.Any) (PreparedOp, error) {
	task, err := prepareCopy("copy", inputs[0], outputs[0])
	if err != nil {
		return nil, err
	}
	return task, nil
}

func prepareCopy(name string, src, dst tensor.Any) (*GpuTask, error) {
	if src.DType() != dst.DType() {
		return nil, &DtypeMismatchError{Op: name, Outputs: true, Expected: []core.DataType{src.DType()}, Found: dst.DType()}
	}
	view, err := src.View().Broadcast(dst.Shape())
	if err != nil {
		return nil, &ShapeMismatchError{Op: name, Reason: err.Error()}
	}
	src = tensor.WithView(src, view)
	total := uint32(dst.NumElements()) //nolint:gosec // G115: element counts are addressed with u32 indices
	meta := copyMeta(src.View(), dst.View(), total)
	return newTask(copyWGSL, copyEntry, []tensor.Any{src}, []tensor.Any{dst}, meta), nil
}

// concatOp joins two tensors along axis 0. It prepares one copy per input,
// each writing a narrowed view of the output.
type concatOp struct{}

var concatSignature = &Signature{
	Name:         "concat",
	NumInputs:    2,
	NumOutputs:   1,
	InputDTypes:  [][]core.DataType{wordTypes, wordTypes},
	OutputDTypes: [][]core.DataType{wordTypes},
}

func (concatOp) Signature() *Signature { return concatSignature }

func (concatOp) Shader() (string, string) { return copyWGSL, copyEntry }

func (concatOp) Prepare(inputs, outputs []tensor.Any) (PreparedOp, error) {
	a, b, out := inputs[0], inputs[1], outputs[0]
	as, bs, cs := a.Shape(), b.Shape(), out.Shape()
	mismatch := func() error {
		return &ShapeMismatchError{Op: "concat", Reason: fmt.Sprintf("cannot concatenate %v and %v into %v along axis 0", as, bs, cs)}
	}
	if len(as) == 0 || len(as) != len(bs) || len(as) != len(cs) {
		return nil, mismatch()
	}
	if as[0]+bs[0] != cs[0] || !core.EqualShapes(as[1:], bs[1:]) || !core.EqualShapes(as[1:], cs[1:]) {
		return nil, mismatch()
	}

	prepared := make(Composite, 0, 2)
	start := 0
	for _, in := range inputs {
		rows := in.Shape()[0]
		view, err := out.View().Narrow(0, start, rows)
		if err != nil {
			return nil, mismatch()
		}
		task, err := prepareCopy("concat", in, tensor.WithView(out, view))
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, task)
		start += rows
	}
	return prepared, nil
}
