// Package ops defines operations, the work descriptions they prepare, and
// the registry that validates calls before preparing them.
package ops

import (
	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/tensor"
)

// WorkgroupSize is the number of work items per workgroup. Every builtin
// shader declares @workgroup_size(64).
const WorkgroupSize = 64

// Signature is the static contract of an operation, checked before Prepare.
// InputDTypes[i] and OutputDTypes[i] are the element types allowed in slot i.
type Signature struct {
	Name         string
	NumInputs    int
	NumOutputs   int
	InputDTypes  [][]core.DataType
	OutputDTypes [][]core.DataType
}

// Op is an operation implementation.
type Op interface {
	// Signature returns the operation's static contract.
	Signature() *Signature

	// Prepare describes the work for the given operands without touching
	// the device. Arity and element types have already been validated.
	Prepare(inputs, outputs []tensor.Any) (PreparedOp, error)

	// Shader returns the WGSL source and entry point of the operation's
	// kernel. Composite operations return the kernel of their first pass.
	Shader() (source, entry string)
}

// PreparedOp is either a *GpuTask or a Composite.
type PreparedOp interface {
	preparedOp()
}

// GpuTask is one ready-to-dispatch kernel invocation.
type GpuTask struct {
	Source string
	Entry  string

	InputViews   []core.ViewDescriptor
	OutputViews  []core.ViewDescriptor
	InputDTypes  []core.DataType
	OutputDTypes []core.DataType
	InputIDs     []core.BufferID
	OutputIDs    []core.BufferID

	// Params are small blobs uploaded into read-only buffers bound after
	// the inputs, released once the dispatch is submitted.
	Params [][]byte
}

func (*GpuTask) preparedOp() {}

// WorkItems returns the dispatch size: the element count of the first output.
func (t *GpuTask) WorkItems() int {
	if len(t.OutputViews) == 0 {
		return 0
	}
	return t.OutputViews[0].NumElements()
}

// Composite is an ordered sequence of prepared ops, executed depth-first,
// each one's writes visible to the next.
type Composite []PreparedOp

func (Composite) preparedOp() {}

// Tasks flattens p into its dispatches in execution order.
func Tasks(p PreparedOp) []*GpuTask {
	switch p := p.(type) {
	case *GpuTask:
		return []*GpuTask{p}
	case Composite:
		var tasks []*GpuTask
		for _, sub := range p {
			tasks = append(tasks, Tasks(sub)...)
		}
		return tasks
	default:
		return nil
	}
}

// newTask fills the operand fields of a task from tensors.
func newTask(source, entry string, inputs, outputs []tensor.Any, params ...[]byte) *GpuTask {
	task := &GpuTask{Source: source, Entry: entry, Params: params}
	for _, t := range inputs {
		task.InputViews = append(task.InputViews, t.View())
		task.InputDTypes = append(task.InputDTypes, t.DType())
		task.InputIDs = append(task.InputIDs, t.BufferID())
	}
	for _, t := range outputs {
		task.OutputViews = append(task.OutputViews, t.View())
		task.OutputDTypes = append(task.OutputDTypes, t.DType())
		task.OutputIDs = append(task.OutputIDs, t.BufferID())
	}
	return task
}
