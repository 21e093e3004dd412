package ops

import (
	"fmt"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/tensor"
)

func f32Signature(name string) *Signature {
	return &Signature{
		Name:         name,
		NumInputs:    2,
		NumOutputs:   1,
		InputDTypes:  [][]core.DataType{{core.F32}, {core.F32}},
		OutputDTypes: [][]core.DataType{{core.F32}},
	}
}

// elementwise is a binary F32 operation over contiguous operands of one shape.
type elementwise struct {
	sig    *Signature
	source string
	entry  string
}

func newElementwise(name, op string) *elementwise {
	entry := name + "_f32"
	return &elementwise{
		sig:    f32Signature(name),
		source: instantiate(elementwiseWGSL, entry, op),
		entry:  entry,
	}
}

func (e *elementwise) Signature() *Signature { return e.sig }

func (e *elementwise) Shader() (string, string) { return e.source, e.entry }

func (e *elementwise) Prepare(inputs, outputs []tensor.Any) (PreparedOp, error) {
	a, b, c := inputs[0], inputs[1], outputs[0]
	if !core.EqualShapes(a.Shape(), c.Shape()) || !core.EqualShapes(b.Shape(), c.Shape()) {
		return nil, &ShapeMismatchError{Op: e.sig.Name, Reason: fmt.Sprintf(
			"operand shapes %v, %v and output shape %v differ; use broadcast_%s", a.Shape(), b.Shape(), c.Shape(), e.sig.Name)}
	}
	for _, t := range []tensor.Any{a, b, c} {
		if !t.View().IsContiguous() {
			return nil, &ShapeMismatchError{Op: e.sig.Name, Reason: fmt.Sprintf(
				"operand %s is not contiguous; use broadcast_%s", t.View(), e.sig.Name)}
		}
	}
	total := uint32(c.NumElements()) //nolint:gosec // G115: element counts are addressed with u32 indices
	return newTask(e.source, e.entry, inputs, outputs, countMeta(total)), nil
}

// broadcast is a binary F32 operation through per-operand views. Inputs are
// broadcast to the output shape following NumPy rules.
type broadcast struct {
	sig    *Signature
	source string
	entry  string
}

func newBroadcast(name, op string) *broadcast {
	entry := "broadcast_" + name + "_f32"
	return &broadcast{
		sig:    f32Signature("broadcast_" + name),
		source: instantiate(broadcastWGSL, entry, op),
		entry:  entry,
	}
}

func (e *broadcast) Signature() *Signature { return e.sig }

func (e *broadcast) Shader() (string, string) { return e.source, e.entry }

func (e *broadcast) Prepare(inputs, outputs []tensor.Any) (PreparedOp, error) {
	c := outputs[0]
	shape := c.Shape()
	views := make([]tensor.Any, 2)
	for i, t := range inputs {
		view, err := t.View().Broadcast(shape)
		if err != nil {
			return nil, &ShapeMismatchError{Op: e.sig.Name, Reason: fmt.Sprintf("input %d: %v", i, err)}
		}
		views[i] = tensor.WithView(t, view)
	}
	total := uint32(c.NumElements()) //nolint:gosec // G115: element counts are addressed with u32 indices
	meta := broadcastMeta(views[0].View(), views[1].View(), c.View(), total)
	return newTask(e.source, e.entry, views, outputs, meta), nil
}
