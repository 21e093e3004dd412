package ops

import (
	"slices"
	"sort"
	"sync"

	"github.com/born-ml/vknp/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry maps operation names to implementations.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Op
}

// NewRegistry creates an empty registry. Use RegisterBuiltins to add the
// builtin operations.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Op)}
}

// Register adds an operation under its signature name.
func (r *Registry) Register(op Op) error {
	name := op.Signature().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.ops[name]; found {
		return &DuplicateOpError{Name: name}
	}
	r.ops[name] = op
	klog.V(1).Infof("ops: registered %q", name)
	return nil
}

// Get returns the operation registered under name.
func (r *Registry) Get(name string) (Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, found := r.ops[name]
	return op, found
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAndPrepare validates a call against the operation's signature and,
// if it passes, prepares it. Arity of inputs and outputs is checked before
// any element type.
func (r *Registry) CheckAndPrepare(name string, inputs, outputs []tensor.Any) (PreparedOp, error) {
	op, found := r.Get(name)
	if !found {
		return nil, &UnknownOpError{Name: name}
	}
	sig := op.Signature()

	if len(inputs) != sig.NumInputs {
		return nil, &ArityMismatchError{Op: name, Expected: sig.NumInputs, Found: len(inputs)}
	}
	if len(outputs) != sig.NumOutputs {
		return nil, &ArityMismatchError{Op: name, Outputs: true, Expected: sig.NumOutputs, Found: len(outputs)}
	}
	for i, t := range inputs {
		if !slices.Contains(sig.InputDTypes[i], t.DType()) {
			return nil, &DtypeMismatchError{Op: name, Index: i, Expected: sig.InputDTypes[i], Found: t.DType()}
		}
	}
	for i, t := range outputs {
		if !slices.Contains(sig.OutputDTypes[i], t.DType()) {
			return nil, &DtypeMismatchError{Op: name, Outputs: true, Index: i, Expected: sig.OutputDTypes[i], Found: t.DType()}
		}
	}

	prepared, err := op.Prepare(inputs, outputs)
	if err != nil {
		return nil, err
	}
	if prepared == nil {
		return nil, errors.Errorf("ops: %s prepared nothing", name)
	}
	return prepared, nil
}

// Builtins returns the builtin operations in registration order.
func Builtins() []Op {
	return []Op{
		newElementwise("add", "+"),
		newElementwise("sub", "-"),
		newElementwise("mul", "*"),
		newElementwise("div", "/"),
		newBroadcast("add", "+"),
		newBroadcast("sub", "-"),
		newBroadcast("mul", "*"),
		newBroadcast("div", "/"),
		copyOp{},
		concatOp{},
	}
}

// RegisterBuiltins registers every builtin operation.
func RegisterBuiltins(r *Registry) error {
	for _, op := range Builtins() {
		if err := r.Register(op); err != nil {
			return err
		}
	}
	return nil
}
