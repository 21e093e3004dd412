// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package compute is the public entry point of the runtime: it wires a
// device, a memory manager, a kernel cache, the operation registry and the
// execution engine into a Runtime.
//
// Example:
//
//	rt, err := compute.NewHost(compute.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	a, _ := compute.Upload(rt, []float32{1, 2, 3, 4}, 4)
//	b, _ := compute.Upload(rt, []float32{5, 6, 7, 8}, 4)
//	c, _ := compute.Empty[float32](rt, 4)
//	if err := rt.Run("add", []compute.Any{a, b}, []compute.Any{c}); err != nil {
//	    log.Fatal(err)
//	}
//	sum, _ := compute.Download(rt, c) // [6 8 10 12]
package compute

import (
	"fmt"
	"sync/atomic"

	"github.com/born-ml/vknp/backend/cpu"
	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/born-ml/vknp/internal/engine"
	"github.com/born-ml/vknp/internal/kernel"
	"github.com/born-ml/vknp/internal/memory"
	"github.com/born-ml/vknp/internal/ops"
	"github.com/born-ml/vknp/internal/parallel"
	"github.com/born-ml/vknp/internal/tensor"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Type aliases for the public API.
type (
	// Device is the compute device adapter.
	Device = device.Device
	// Tensor is a typed tensor handle.
	Tensor[T core.Element] = tensor.Tensor[T]
	// Any is a tensor of any supported element type.
	Any = tensor.Any
	// DataType is a tensor element type.
	DataType = core.DataType
	// Op is an operation implementation.
	Op = ops.Op
	// Signature is the static contract of an operation.
	Signature = ops.Signature
	// PreparedOp is a validated, prepared operation.
	PreparedOp = ops.PreparedOp
	// GpuTask is one kernel dispatch.
	GpuTask = ops.GpuTask
	// Composite is an ordered sequence of prepared ops.
	Composite = ops.Composite
)

// WorkgroupSize is the workgroup size every kernel must declare.
const WorkgroupSize = ops.WorkgroupSize

// Errors returned by the runtime. Match them with errors.As.
type (
	UnknownOpError     = ops.UnknownOpError
	ArityMismatchError = ops.ArityMismatchError
	DtypeMismatchError = ops.DtypeMismatchError
	ShapeMismatchError = ops.ShapeMismatchError
	DuplicateOpError   = ops.DuplicateOpError
	AllocationError    = memory.AllocationError
	MissingBufferError = memory.MissingBufferError
	SizeError          = memory.SizeError
)

// Element types.
const (
	F32 = core.F32
	I32 = core.I32
	U32 = core.U32
)

// Config configures a Runtime.
type Config struct {
	// Pool configures the resident and staging buffer pools.
	Pool memory.PoolConfig
	// Parallel controls work item fan-out on the host device.
	Parallel parallel.Config
	// HostMaxBytes caps host device memory; 0 means unlimited.
	HostMaxBytes uint64
	// DeviceID is recorded in every tensor created by the runtime.
	DeviceID int
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		Pool:     memory.DefaultPoolConfig(),
		Parallel: parallel.DefaultConfig(),
	}
}

// Runtime executes named operations on one device.
// It is safe for concurrent use.
type Runtime struct {
	cfg      Config
	dev      Device
	mm       *memory.Manager
	cache    *kernel.Cache
	registry *ops.Registry
	engine   *engine.Engine
	closed   atomic.Bool
}

// New creates a runtime on dev with the builtin operations registered.
// The runtime takes ownership of dev and releases it on Close.
func New(dev Device, cfg Config) (*Runtime, error) {
	if dev == nil {
		return nil, errors.New("compute: nil device")
	}
	registry := ops.NewRegistry()
	if err := ops.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	cache := kernel.NewCache(dev)
	rt := &Runtime{
		cfg:      cfg,
		dev:      dev,
		mm:       memory.NewManager(dev, cfg.Pool),
		cache:    cache,
		registry: registry,
		engine:   engine.New(dev, cache),
	}
	klog.V(1).Infof("compute: runtime created on %s device with %d operations", dev.Name(), len(registry.Names()))
	return rt, nil
}

// NewHost creates a runtime on a new host device.
func NewHost(cfg Config) (*Runtime, error) {
	return New(cpu.NewWithConfig(cpu.Config{Parallel: cfg.Parallel, MaxBytes: cfg.HostMaxBytes}), cfg)
}

// Device returns the runtime's device.
func (r *Runtime) Device() Device { return r.dev }

// Memory returns the runtime's memory manager.
func (r *Runtime) Memory() *memory.Manager { return r.mm }

// Register adds a custom operation.
func (r *Runtime) Register(op Op) error {
	return r.registry.Register(op)
}

// Ops returns the registered operation names, sorted.
func (r *Runtime) Ops() []string {
	return r.registry.Names()
}

// Prepare validates a call and prepares it without executing.
func (r *Runtime) Prepare(name string, inputs, outputs []Any) (PreparedOp, error) {
	return r.registry.CheckAndPrepare(name, inputs, outputs)
}

// Execute submits a prepared operation.
func (r *Runtime) Execute(prepared PreparedOp) error {
	if r.closed.Load() {
		return errors.New("compute: runtime closed")
	}
	return r.engine.Run(prepared, r.mm)
}

// Run validates, prepares and executes the named operation. Outputs are
// written in place; download them afterwards.
func (r *Runtime) Run(name string, inputs, outputs []Any) error {
	prepared, err := r.Prepare(name, inputs, outputs)
	if err != nil {
		return err
	}
	return r.Execute(prepared)
}

// Release releases the buffer of t.
func (r *Runtime) Release(t Any) {
	r.mm.Release(t.BufferID())
}

// Upload creates a tensor of the given shape holding data.
func Upload[T core.Element](r *Runtime, data []T, shape ...int) (Tensor[T], error) {
	return tensor.FromSlice(r.mm, data, shape, r.cfg.DeviceID)
}

// Empty creates an uninitialized tensor of the given shape.
func Empty[T core.Element](r *Runtime, shape ...int) (Tensor[T], error) {
	return tensor.Empty[T](r.mm, shape, r.cfg.DeviceID)
}

// Download reads t back in logical order.
func Download[T core.Element](r *Runtime, t Tensor[T]) ([]T, error) {
	return t.ToSlice(r.mm)
}

// Stats holds runtime counters.
type Stats struct {
	Memory  memory.Stats
	Kernels kernel.Stats
	Engine  engine.Stats
}

// String formats the stats for logs.
func (s Stats) String() string {
	return fmt.Sprintf("memory: %s (peak %s); kernels: %d compiled, %d hits; dispatches: %d",
		humanize.IBytes(s.Memory.Main.LiveBytes), humanize.IBytes(s.Memory.Main.PeakBytes),
		s.Kernels.Compiles, s.Kernels.Hits, s.Engine.Dispatches)
}

// Stats returns the runtime counters.
func (r *Runtime) Stats() Stats {
	return Stats{Memory: r.mm.Stats(), Kernels: r.cache.Stats(), Engine: r.engine.Stats()}
}

// Close releases all buffers, cached kernels and the device.
func (r *Runtime) Close() {
	if r.closed.Swap(true) {
		return
	}
	klog.V(1).Infof("compute: closing runtime (%s)", r.Stats())
	r.cache.Close()
	r.mm.Close()
	r.dev.Release()
}
