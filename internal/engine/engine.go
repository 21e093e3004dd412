// Package engine executes prepared operations: it uploads parameter blobs,
// fetches kernels from the cache, resolves buffer ids and dispatches.
package engine

import (
	"sync/atomic"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/born-ml/vknp/internal/kernel"
	"github.com/born-ml/vknp/internal/memory"
	"github.com/born-ml/vknp/internal/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine issues the dispatches of prepared operations on one device.
// It is safe for concurrent use; ordering between concurrent Run calls is
// whatever order their submissions reach the device queue.
type Engine struct {
	dev   device.Device
	cache *kernel.Cache

	dispatches atomic.Int64
	skipped    atomic.Int64
}

// Stats holds engine counters.
type Stats struct {
	Dispatches int64 // dispatches submitted
	Skipped    int64 // tasks with zero work items
}

// New creates an engine dispatching on dev with kernels from cache.
func New(dev device.Device, cache *kernel.Cache) *Engine {
	return &Engine{dev: dev, cache: cache}
}

// Run executes prepared. Tasks are submitted in depth-first order and the
// first failure aborts the rest; writes of tasks already submitted stay.
// Run returns once everything is submitted; download results afterwards.
func (e *Engine) Run(prepared ops.PreparedOp, mm *memory.Manager) error {
	switch p := prepared.(type) {
	case *ops.GpuTask:
		return e.runTask(p, mm)
	case ops.Composite:
		for i, sub := range p {
			if err := e.Run(sub, mm); err != nil {
				return errors.WithMessagef(err, "engine: step %d of %d", i+1, len(p))
			}
		}
		return nil
	default:
		return errors.Errorf("engine: unsupported prepared op %T", prepared)
	}
}

func (e *Engine) runTask(task *ops.GpuTask, mm *memory.Manager) error {
	// Parameter buffers live for this call only.
	params := make([]core.BufferID, 0, len(task.Params))
	defer func() {
		for _, id := range params {
			mm.Release(id)
		}
	}()
	for i, blob := range task.Params {
		id, err := mm.Allocate(uint64(len(blob)))
		if err != nil {
			return errors.WithMessagef(err, "engine: %s param %d", task.Entry, i)
		}
		params = append(params, id)
		if err := mm.Write(id, blob); err != nil {
			return errors.WithMessagef(err, "engine: %s param %d", task.Entry, i)
		}
	}

	k, err := e.cache.GetOrBuild(task.Source, task.Entry, task.InputDTypes, task.OutputDTypes, len(task.Params))
	if err != nil {
		return err
	}

	// Bind order: inputs, params, outputs. Each binding holds a reference
	// until the dispatch is submitted.
	ids := make([]core.BufferID, 0, len(task.InputIDs)+len(params)+len(task.OutputIDs))
	ids = append(ids, task.InputIDs...)
	ids = append(ids, params...)
	ids = append(ids, task.OutputIDs...)
	refs := make([]*memory.Ref, 0, len(ids))
	defer func() {
		for _, ref := range refs {
			ref.Release()
		}
	}()
	bindings := make([]device.Buffer, 0, len(ids))
	for _, id := range ids {
		ref, found := mm.GetRef(id)
		if !found {
			return errors.WithMessagef(&memory.MissingBufferError{ID: id}, "engine: %s", task.Entry)
		}
		refs = append(refs, ref)
		bindings = append(bindings, ref.Buffer())
	}

	total := task.WorkItems()
	if total == 0 {
		e.skipped.Add(1)
		klog.V(2).Infof("engine: %s has no work items, skipped", task.Entry)
		return nil
	}
	//nolint:gosec // G115: element counts are addressed with u32 indices
	groups := device.Workgroups(uint32(total), ops.WorkgroupSize)
	if err := e.dev.Dispatch(k.Pipeline, bindings, groups); err != nil {
		return errors.Wrapf(err, "engine: dispatching %s", task.Entry)
	}
	e.dispatches.Add(1)
	klog.V(2).Infof("engine: dispatched %s over %d items (%d workgroups)", task.Entry, total, groups)
	return nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{Dispatches: e.dispatches.Load(), Skipped: e.skipped.Load()}
}
