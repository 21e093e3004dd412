package device

import (
	"sync"
	"sync/atomic"

	"github.com/born-ml/vknp/internal/parallel"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HostKernel is the host implementation of one shader entry point. It is
// called once per work item with the global invocation id and the bound
// buffers in slot order; like a shader, it must bounds-check gid itself.
// Invocations of one dispatch run concurrently and must write disjoint bytes.
type HostKernel func(gid uint32, bindings [][]byte)

// HostConfig configures a Host device.
type HostConfig struct {
	// Parallel controls how work items of a dispatch are spread over goroutines.
	Parallel parallel.Config
	// MaxBytes caps the total size of live buffers; 0 means unlimited.
	MaxBytes uint64
}

// DefaultHostConfig returns the default host device configuration.
func DefaultHostConfig() HostConfig {
	return HostConfig{Parallel: parallel.DefaultConfig()}
}

type hostKernel struct {
	fn            HostKernel
	workgroupSize uint32
}

// Host is a Device backed by host memory. It enforces the same usage rules a
// GPU does (only upload buffers are host-writable, only download buffers are
// host-readable, bindings must be resident, no writable aliasing) and runs
// "shaders" through host kernels registered per entry point.
type Host struct {
	cfg HostConfig

	kernelsMu sync.RWMutex
	kernels   map[string]hostKernel

	// queueMu serialises copies, transfers and dispatches like a device queue.
	queueMu sync.Mutex

	nextID      atomic.Uint64
	liveBuffers atomic.Int64
	liveBytes   atomic.Uint64
	liveLayouts atomic.Int64
	compiles    atomic.Int64
	dispatches  atomic.Int64
	released    atomic.Bool
}

var _ Device = (*Host)(nil)

// NewHost creates a host device.
func NewHost(cfg HostConfig) *Host {
	klog.V(1).Infof("device: host device created (workers=%d, max bytes=%s)",
		cfg.Parallel.NumWorkers, humanizeLimit(cfg.MaxBytes))
	return &Host{cfg: cfg, kernels: make(map[string]hostKernel)}
}

func humanizeLimit(n uint64) string {
	if n == 0 {
		return "unlimited"
	}
	return humanize.IBytes(n)
}

// RegisterKernel installs the host implementation of a shader entry point.
// Registering an entry point again replaces the previous kernel.
func (h *Host) RegisterKernel(entry string, workgroupSize uint32, fn HostKernel) {
	h.kernelsMu.Lock()
	defer h.kernelsMu.Unlock()
	h.kernels[entry] = hostKernel{fn: fn, workgroupSize: max(workgroupSize, 1)}
}

// RegisterKernels installs a table of host kernels sharing one workgroup size.
func (h *Host) RegisterKernels(workgroupSize uint32, kernels map[string]HostKernel) {
	for entry, fn := range kernels {
		h.RegisterKernel(entry, workgroupSize, fn)
	}
}

// Name implements Device.
func (h *Host) Name() string { return "host" }

// LiveBuffers returns the number of buffers created and not yet released.
func (h *Host) LiveBuffers() int64 { return h.liveBuffers.Load() }

// LiveBytes returns the total size of live buffers.
func (h *Host) LiveBytes() uint64 { return h.liveBytes.Load() }

// LiveLayouts returns the number of layouts created and not yet released.
func (h *Host) LiveLayouts() int64 { return h.liveLayouts.Load() }

// Compiles returns the number of pipelines created so far.
func (h *Host) Compiles() int64 { return h.compiles.Load() }

// Dispatches returns the number of dispatches executed so far.
func (h *Host) Dispatches() int64 { return h.dispatches.Load() }

type hostBuffer struct {
	owner    *Host
	id       uint64
	kind     BufferKind
	data     []byte
	released atomic.Bool
}

func (b *hostBuffer) Size() uint64     { return uint64(len(b.data)) }
func (b *hostBuffer) Kind() BufferKind { return b.kind }

func (b *hostBuffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.owner.liveBuffers.Add(-1)
	b.owner.liveBytes.Add(-uint64(len(b.data)))
}

// CreateBuffer implements Device.
func (h *Host) CreateBuffer(size uint64, kind BufferKind) (Buffer, error) {
	if h.released.Load() {
		return nil, errors.New("host: device released")
	}
	size = Align(size)
	if h.cfg.MaxBytes > 0 {
		for {
			live := h.liveBytes.Load()
			if live+size > h.cfg.MaxBytes {
				return nil, errors.Wrapf(ErrOutOfMemory, "host: cannot allocate %s (%s of %s in use)",
					humanize.IBytes(size), humanize.IBytes(live), humanize.IBytes(h.cfg.MaxBytes))
			}
			if h.liveBytes.CompareAndSwap(live, live+size) {
				break
			}
		}
	} else {
		h.liveBytes.Add(size)
	}
	h.liveBuffers.Add(1)
	return &hostBuffer{owner: h, id: h.nextID.Add(1), kind: kind, data: make([]byte, size)}, nil
}

func (h *Host) buffer(b Buffer, role string) (*hostBuffer, error) {
	hb, ok := b.(*hostBuffer)
	if !ok || hb == nil {
		return nil, errors.Errorf("host: %s is not a host buffer (%T)", role, b)
	}
	if hb.owner != h {
		return nil, errors.Errorf("host: %s belongs to another device", role)
	}
	if hb.released.Load() {
		return nil, errors.Errorf("host: %s buffer #%d used after release", role, hb.id)
	}
	return hb, nil
}

// WriteBuffer implements Device.
func (h *Host) WriteBuffer(dst Buffer, data []byte) error {
	hb, err := h.buffer(dst, "write destination")
	if err != nil {
		return err
	}
	if hb.kind != Upload {
		return errors.Errorf("host: cannot map %s buffer #%d for writing", hb.kind, hb.id)
	}
	if uint64(len(data)) > hb.Size() {
		return errors.Errorf("host: write of %d bytes into %d byte buffer", len(data), hb.Size())
	}
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	copy(hb.data, data)
	return nil
}

// ReadBuffer implements Device.
func (h *Host) ReadBuffer(src Buffer, size uint64) ([]byte, error) {
	hb, err := h.buffer(src, "read source")
	if err != nil {
		return nil, err
	}
	if hb.kind != Download {
		return nil, errors.Errorf("host: cannot map %s buffer #%d for reading", hb.kind, hb.id)
	}
	if size > hb.Size() {
		return nil, errors.Errorf("host: read of %d bytes from %d byte buffer", size, hb.Size())
	}
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	out := make([]byte, size)
	copy(out, hb.data[:size])
	return out, nil
}

// CopyBufferToBuffer implements Device.
func (h *Host) CopyBufferToBuffer(src, dst Buffer, size uint64) error {
	s, err := h.buffer(src, "copy source")
	if err != nil {
		return err
	}
	d, err := h.buffer(dst, "copy destination")
	if err != nil {
		return err
	}
	switch {
	case !s.kind.CopySource():
		return errors.Errorf("host: %s buffer #%d cannot be a copy source", s.kind, s.id)
	case !d.kind.CopyDestination():
		return errors.Errorf("host: %s buffer #%d cannot be a copy destination", d.kind, d.id)
	case size%Alignment != 0:
		return errors.Errorf("host: copy size %d is not a multiple of %d", size, Alignment)
	case size > s.Size() || size > d.Size():
		return errors.Errorf("host: copy of %d bytes from %d byte buffer into %d byte buffer", size, s.Size(), d.Size())
	case s == d:
		return errors.Errorf("host: copy source and destination are the same buffer #%d", s.id)
	}
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	copy(d.data[:size], s.data[:size])
	return nil
}

type hostLayout struct {
	owner    *Host
	bindings []BindingKind
	released atomic.Bool
}

func (l *hostLayout) Release() {
	if !l.released.Swap(true) {
		l.owner.liveLayouts.Add(-1)
	}
}

func (l *hostLayout) Bindings() []BindingKind {
	out := make([]BindingKind, len(l.bindings))
	copy(out, l.bindings)
	return out
}

// CreateLayout implements Device.
func (h *Host) CreateLayout(bindings []BindingKind) (Layout, error) {
	for i, b := range bindings {
		if b != ReadOnlyStorage && b != ReadWriteStorage {
			return nil, errors.Errorf("host: invalid binding kind %d at slot %d", int(b), i)
		}
	}
	l := &hostLayout{owner: h, bindings: make([]BindingKind, len(bindings))}
	copy(l.bindings, bindings)
	h.liveLayouts.Add(1)
	return l, nil
}

type hostPipeline struct {
	entry  string
	layout *hostLayout
	kernel hostKernel
}

func (p *hostPipeline) Entry() string { return p.entry }
func (p *hostPipeline) Release()      {}

// CreatePipeline implements Device. The source text is not interpreted; the
// entry point selects a registered host kernel.
func (h *Host) CreatePipeline(source, entry string, layout Layout) (Pipeline, error) {
	l, ok := layout.(*hostLayout)
	if !ok || l == nil {
		return nil, errors.Errorf("host: layout is not a host layout (%T)", layout)
	}
	if source == "" {
		return nil, errors.Errorf("host: empty shader source for entry point %q", entry)
	}
	h.kernelsMu.RLock()
	k, found := h.kernels[entry]
	h.kernelsMu.RUnlock()
	if !found {
		return nil, errors.Errorf("host: no kernel for entry point %q", entry)
	}
	h.compiles.Add(1)
	klog.V(2).Infof("host: compiled %q with %d bindings", entry, len(l.bindings))
	return &hostPipeline{entry: entry, layout: l, kernel: k}, nil
}

// Dispatch implements Device. Work items run synchronously before Dispatch
// returns, so submission order is trivially preserved.
func (h *Host) Dispatch(p Pipeline, bindings []Buffer, workgroups uint32) error {
	hp, ok := p.(*hostPipeline)
	if !ok || hp == nil {
		return errors.Errorf("host: pipeline is not a host pipeline (%T)", p)
	}
	if len(bindings) != len(hp.layout.bindings) {
		return errors.Errorf("host: %q expects %d bindings, got %d", hp.entry, len(hp.layout.bindings), len(bindings))
	}
	data := make([][]byte, len(bindings))
	seen := make(map[*hostBuffer]int, len(bindings))
	for i, b := range bindings {
		hb, err := h.buffer(b, "binding")
		if err != nil {
			return errors.WithMessagef(err, "slot %d of %q", i, hp.entry)
		}
		if hb.kind != Resident {
			return errors.Errorf("host: slot %d of %q: %s buffer #%d cannot be bound as storage", i, hp.entry, hb.kind, hb.id)
		}
		// A buffer may back several read-only slots, never a writable one
		// and another slot.
		if prev, dup := seen[hb]; dup {
			if hp.layout.bindings[prev] == ReadWriteStorage || hp.layout.bindings[i] == ReadWriteStorage {
				return errors.Errorf("host: buffer #%d bound to slots %d and %d of %q with write access", hb.id, prev, i, hp.entry)
			}
		} else {
			seen[hb] = i
		}
		data[i] = hb.data
	}

	wg := int(hp.kernel.workgroupSize)
	total := int(workgroups) * wg
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	parallel.ForChunks(total, wg, func(start, end int) {
		for gid := start; gid < end; gid++ {
			hp.kernel.fn(uint32(gid), data) //nolint:gosec // G115: gid < workgroups*wg fits in uint32
		}
	}, h.cfg.Parallel)
	h.dispatches.Add(1)
	return nil
}

// Release implements Device.
func (h *Host) Release() {
	if h.released.Swap(true) {
		return
	}
	if n := h.liveBuffers.Load(); n > 0 {
		klog.Warningf("host: device released with %d live buffers (%s)", n, humanize.IBytes(h.liveBytes.Load()))
	}
}
