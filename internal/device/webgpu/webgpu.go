//go:build windows

// Package webgpu implements device.Device on top of WebGPU.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
package webgpu

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/born-ml/vknp/internal/device"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a WebGPU compute device with a single queue.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// mu guards the handles above against Release racing in-flight calls.
	mu       sync.RWMutex
	released atomic.Bool
}

var _ device.Device = (*Device)(nil)

// New creates a WebGPU device on the high-performance adapter.
// Returns an error if WebGPU is not available or initialization fails.
func New() (d *Device, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = errors.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, errors.Wrap(instanceErr, "webgpu: failed to create instance")
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, errors.Wrap(adapterErr, "webgpu: failed to request adapter")
	}

	dev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(deviceErr, "webgpu: failed to request device")
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}

	klog.V(1).Info("webgpu: device created")
	return &Device{instance: instance, adapter: adapter, device: dev, queue: queue}, nil
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()

	return true
}

// Name implements device.Device.
func (d *Device) Name() string { return "webgpu" }

type buffer struct {
	raw  *wgpu.Buffer
	size uint64
	kind device.BufferKind
	once sync.Once
}

func (b *buffer) Size() uint64            { return b.size }
func (b *buffer) Kind() device.BufferKind { return b.kind }

// Release drops our reference; wgpu-native keeps the memory alive until
// submitted work using it has completed.
func (b *buffer) Release() {
	b.once.Do(b.raw.Release)
}

func usageOf(kind device.BufferKind) wgpu.BufferUsage {
	switch kind {
	case device.Upload:
		return wgpu.BufferUsageMapWrite | wgpu.BufferUsageCopySrc
	case device.Download:
		return wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	default:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	}
}

func unwrap(b device.Buffer, role string) (*buffer, error) {
	wb, ok := b.(*buffer)
	if !ok || wb == nil {
		return nil, errors.Errorf("webgpu: %s is not a webgpu buffer (%T)", role, b)
	}
	return wb, nil
}

// CreateBuffer implements device.Device.
func (d *Device) CreateBuffer(size uint64, kind device.BufferKind) (buf device.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = errors.Wrapf(device.ErrOutOfMemory, "webgpu: CreateBuffer(%d, %s): %v", size, kind, r)
		}
	}()
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.released.Load() {
		return nil, errors.New("webgpu: device released")
	}
	size = device.Align(size)
	raw := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usageOf(kind),
		Size:  size,
	})
	if raw == nil {
		return nil, errors.Wrapf(device.ErrOutOfMemory, "webgpu: CreateBuffer(%d, %s)", size, kind)
	}
	return &buffer{raw: raw, size: size, kind: kind}, nil
}

// WriteBuffer implements device.Device.
func (d *Device) WriteBuffer(dst device.Buffer, data []byte) error {
	b, err := unwrap(dst, "write destination")
	if err != nil {
		return err
	}
	if b.kind != device.Upload {
		return errors.Errorf("webgpu: cannot map %s buffer for writing", b.kind)
	}
	if uint64(len(data)) > b.size {
		return errors.Errorf("webgpu: write of %d bytes into %d byte buffer", len(data), b.size)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := b.raw.MapAsync(d.device, wgpu.MapModeWrite, 0, b.size); err != nil {
		return errors.Wrap(err, "webgpu: failed to map upload buffer")
	}
	mappedPtr := b.raw.GetMappedRange(0, b.size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), b.size)
	copy(mappedSlice, data)
	b.raw.Unmap()
	return nil
}

// ReadBuffer implements device.Device.
func (d *Device) ReadBuffer(src device.Buffer, size uint64) ([]byte, error) {
	b, err := unwrap(src, "read source")
	if err != nil {
		return nil, err
	}
	if b.kind != device.Download {
		return nil, errors.Errorf("webgpu: cannot map %s buffer for reading", b.kind)
	}
	if size > b.size {
		return nil, errors.Errorf("webgpu: read of %d bytes from %d byte buffer", size, b.size)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	// MapAsync blocks until all submitted work touching the buffer completed.
	if err := b.raw.MapAsync(d.device, wgpu.MapModeRead, 0, b.size); err != nil {
		return nil, errors.Wrap(err, "webgpu: failed to map staging buffer")
	}
	mappedPtr := b.raw.GetMappedRange(0, b.size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), b.size)
	result := make([]byte, size)
	copy(result, mappedSlice[:size])
	b.raw.Unmap()
	return result, nil
}

// CopyBufferToBuffer implements device.Device.
func (d *Device) CopyBufferToBuffer(src, dst device.Buffer, size uint64) error {
	s, err := unwrap(src, "copy source")
	if err != nil {
		return err
	}
	t, err := unwrap(dst, "copy destination")
	if err != nil {
		return err
	}
	if !s.kind.CopySource() || !t.kind.CopyDestination() {
		return errors.Errorf("webgpu: cannot copy from %s buffer to %s buffer", s.kind, t.kind)
	}
	if size%device.Alignment != 0 {
		return errors.Errorf("webgpu: copy size %d is not a multiple of %d", size, device.Alignment)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(s.raw, 0, t.raw, 0, size)
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)
	return nil
}

type layout struct {
	bindings []device.BindingKind
	group    *wgpu.BindGroupLayout // nil without bindings
	pipeline *wgpu.PipelineLayout
}

func (l *layout) Release() {
	if l.pipeline != nil {
		l.pipeline.Release()
		l.pipeline = nil
	}
	if l.group != nil {
		l.group.Release()
		l.group = nil
	}
}

func (l *layout) Bindings() []device.BindingKind {
	out := make([]device.BindingKind, len(l.bindings))
	copy(out, l.bindings)
	return out
}

// CreateLayout implements device.Device. It builds an explicit bind group
// layout with one storage buffer per slot and a pipeline layout over it, so
// pipelines honour the read-only and read-write slots as declared.
func (d *Device) CreateLayout(bindings []device.BindingKind) (dl device.Layout, err error) {
	entries, err := layoutEntries(bindings)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			dl = nil
			err = errors.Errorf("webgpu: creating layout: %v", r)
		}
	}()
	d.mu.RLock()
	defer d.mu.RUnlock()

	l := &layout{bindings: make([]device.BindingKind, len(bindings))}
	copy(l.bindings, bindings)
	var groups []*wgpu.BindGroupLayout
	if len(entries) > 0 {
		l.group = d.device.CreateBindGroupLayoutSimple(entries)
		if l.group == nil {
			return nil, errors.New("webgpu: bind group layout creation failed")
		}
		groups = []*wgpu.BindGroupLayout{l.group}
	}
	l.pipeline = d.device.CreatePipelineLayoutSimple(groups)
	if l.pipeline == nil {
		l.Release()
		return nil, errors.New("webgpu: pipeline layout creation failed")
	}
	return l, nil
}

type pipeline struct {
	entry    string
	layout   *layout
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (p *pipeline) Entry() string { return p.entry }

func (p *pipeline) Release() {
	p.pipeline.Release()
	p.shader.Release()
}

// CreatePipeline implements device.Device.
func (d *Device) CreatePipeline(source, entry string, lay device.Layout) (p device.Pipeline, err error) {
	l, ok := lay.(*layout)
	if !ok || l == nil {
		return nil, errors.Errorf("webgpu: layout is not a webgpu layout (%T)", lay)
	}
	// Shader validation failures surface as panics from the native library.
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = errors.Errorf("webgpu: compiling %q: %v", entry, r)
		}
	}()
	d.mu.RLock()
	defer d.mu.RUnlock()

	shader := d.device.CreateShaderModuleWGSL(source)
	if shader == nil {
		return nil, errors.Errorf("webgpu: shader module for %q failed to compile", entry)
	}
	compiled := d.device.CreateComputePipelineSimple(l.pipeline, shader, entry)
	if compiled == nil {
		shader.Release()
		return nil, errors.Errorf("webgpu: pipeline for %q failed to build", entry)
	}
	klog.V(2).Infof("webgpu: compiled %q with %d bindings", entry, len(l.bindings))
	return &pipeline{entry: entry, layout: l, shader: shader, pipeline: compiled}, nil
}

// Dispatch implements device.Device.
func (d *Device) Dispatch(p device.Pipeline, bindings []device.Buffer, workgroups uint32) error {
	wp, ok := p.(*pipeline)
	if !ok || wp == nil {
		return errors.Errorf("webgpu: pipeline is not a webgpu pipeline (%T)", p)
	}
	if len(bindings) != len(wp.layout.bindings) {
		return errors.Errorf("webgpu: %q expects %d bindings, got %d", wp.entry, len(wp.layout.bindings), len(bindings))
	}
	entries := make([]wgpu.BindGroupEntry, len(bindings))
	for i, b := range bindings {
		wb, err := unwrap(b, "binding")
		if err != nil {
			return err
		}
		//nolint:gosec // G115: binding index bounded by layout size
		entries[i] = wgpu.BufferBindingEntry(uint32(i), wb.raw, 0, wb.size)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var bindGroup *wgpu.BindGroup
	if len(entries) > 0 {
		bindGroup = d.device.CreateBindGroupSimple(wp.layout.group, entries)
		if bindGroup == nil {
			return errors.Errorf("webgpu: bind group for %q failed", wp.entry)
		}
		defer bindGroup.Release()
	}

	encoder := d.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(wp.pipeline)
	if bindGroup != nil {
		computePass.SetBindGroup(0, bindGroup, nil)
	}
	computePass.DispatchWorkgroups(workgroups, 1, 1)
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)
	return nil
}

// Release implements device.Device.
func (d *Device) Release() {
	if d.released.Swap(true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}
