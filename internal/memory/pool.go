package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// sizeClass represents different buffer size categories for recycling.
type sizeClass int

const (
	// smallClass for buffers < 4KB.
	smallClass sizeClass = iota
	// mediumClass for buffers 4KB-1MB.
	mediumClass
	// largeClass for buffers > 1MB.
	largeClass
	numClasses
)

const (
	// Size thresholds for buffer categories.
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
)

func classOf(size uint64) sizeClass {
	if size < smallThreshold {
		return smallClass
	}
	if size < mediumThreshold {
		return mediumClass
	}
	return largeClass
}

// PoolConfig configures a buffer pool.
type PoolConfig struct {
	// Recycle parks reclaimed device buffers in size-class free lists and
	// reuses them for later allocations they can hold. Ids are never reused.
	Recycle bool
	// MaxPooled is the maximum number of parked buffers per size class.
	MaxPooled int
}

// DefaultPoolConfig returns a configuration without recycling: every
// allocation creates a fresh device buffer.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxPooled: 100}
}

// entry is one live pool slot. It starts with a single reference owned by
// the pool; every Ref handed out by Get adds one. The device buffer is
// reclaimed when the count drops to zero.
type entry struct {
	pool *Pool
	id   core.BufferID
	buf  device.Buffer
	size uint64
	refs atomic.Int64
}

func (e *entry) unref() {
	n := e.refs.Add(-1)
	if n == 0 {
		e.pool.reclaim(e.buf)
	} else if n < 0 {
		panic(fmt.Sprintf("memory: %s released more times than referenced", e.id))
	}
}

// Ref is a counted reference to a pooled buffer. The buffer stays valid
// until Release, even if its id is released from the pool meanwhile.
type Ref struct {
	e    *entry
	once sync.Once
}

// ID returns the id the buffer was allocated under.
func (r *Ref) ID() core.BufferID { return r.e.id }

// Buffer returns the device buffer.
func (r *Ref) Buffer() device.Buffer { return r.e.buf }

// Size returns the requested size in bytes; the device buffer may be larger.
func (r *Ref) Size() uint64 { return r.e.size }

// Release drops the reference. Further calls are no-ops.
func (r *Ref) Release() {
	r.once.Do(r.e.unref)
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Allocated uint64 // device buffers created
	Released  uint64 // ids released
	Hits      uint64 // allocations served from a parked buffer
	Misses    uint64 // allocations that went to the device
	Pooled    int    // parked buffers
	Live      int    // ids currently allocated
	LiveBytes uint64
	PeakBytes uint64
}

// String formats the stats for logs.
func (s PoolStats) String() string {
	return fmt.Sprintf("live=%d (%s, peak %s) allocated=%d released=%d hits=%d misses=%d pooled=%d",
		s.Live, humanize.IBytes(s.LiveBytes), humanize.IBytes(s.PeakBytes),
		s.Allocated, s.Released, s.Hits, s.Misses, s.Pooled)
}

// Pool owns device buffers of one usage class and hands them out by id.
// It is safe for concurrent use.
type Pool struct {
	dev  device.Device
	kind device.BufferKind
	cfg  PoolConfig

	nextID atomic.Uint64

	mu        sync.RWMutex
	entries   map[core.BufferID]*entry
	liveBytes uint64
	peakBytes uint64
	released  uint64
	closed    bool

	// freeMu guards the free lists, separately from the id map.
	freeMu    sync.Mutex
	free      [numClasses][]device.Buffer
	allocated atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewPool creates an empty pool of buffers of the given kind.
func NewPool(dev device.Device, kind device.BufferKind, cfg PoolConfig) *Pool {
	return &Pool{
		dev:     dev,
		kind:    kind,
		cfg:     cfg,
		entries: make(map[core.BufferID]*entry),
	}
}

// Kind returns the usage class of the pool's buffers.
func (p *Pool) Kind() device.BufferKind { return p.kind }

// Allocate creates a buffer of at least size bytes under a fresh id.
func (p *Pool) Allocate(size uint64) (core.BufferID, error) {
	// The device call happens outside the map lock.
	buf := p.takeParked(size)
	if buf == nil {
		var err error
		buf, err = p.dev.CreateBuffer(size, p.kind)
		if err != nil {
			return 0, &AllocationError{Kind: p.kind, Size: size, Err: err}
		}
		p.allocated.Add(1)
		p.misses.Add(1)
	}

	e := &entry{pool: p, buf: buf, size: size}
	e.refs.Store(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		buf.Release()
		return 0, &AllocationError{Kind: p.kind, Size: size, Err: errors.New("pool closed")}
	}
	e.id = core.BufferID(p.nextID.Add(1))
	p.entries[e.id] = e
	p.liveBytes += size
	p.peakBytes = max(p.peakBytes, p.liveBytes)
	p.mu.Unlock()

	klog.V(2).Infof("memory: %s pool allocated %s (%s)", p.kind, e.id, humanize.IBytes(size))
	return e.id, nil
}

// Get returns a reference to the buffer for id, or false if the id is unknown
// or released. The caller must Release the reference.
func (p *Pool) Get(id core.BufferID) (*Ref, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, found := p.entries[id]
	if !found {
		return nil, false
	}
	// The pool's own reference keeps the count above zero while e is mapped.
	e.refs.Add(1)
	return &Ref{e: e}, true
}

// Size returns the requested size of id's buffer.
func (p *Pool) Size(id core.BufferID) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, found := p.entries[id]
	if !found {
		return 0, false
	}
	return e.size, true
}

// Len returns the number of live ids.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Release removes id from the pool. The device buffer is reclaimed once all
// outstanding references are released. Releasing an unknown id is a no-op.
func (p *Pool) Release(id core.BufferID) {
	p.mu.Lock()
	e, found := p.entries[id]
	if found {
		delete(p.entries, id)
		p.liveBytes -= e.size
		p.released++
	}
	p.mu.Unlock()

	if !found {
		klog.Warningf("memory: %s pool ignored release of unknown %s", p.kind, id)
		return
	}
	klog.V(2).Infof("memory: %s pool released %s", p.kind, id)
	e.unref()
}

func (p *Pool) takeParked(size uint64) device.Buffer {
	if !p.cfg.Recycle {
		return nil
	}
	class := classOf(size)
	p.freeMu.Lock()
	defer p.freeMu.Unlock()

	list := p.free[class]
	for i, buf := range list {
		if buf.Size() >= size {
			p.free[class] = append(list[:i], list[i+1:]...)
			p.hits.Add(1)
			return buf
		}
	}
	return nil
}

func (p *Pool) reclaim(buf device.Buffer) {
	if p.cfg.Recycle {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()

		if !closed {
			class := classOf(buf.Size())
			p.freeMu.Lock()
			if len(p.free[class]) < p.cfg.MaxPooled {
				p.free[class] = append(p.free[class], buf)
				p.freeMu.Unlock()
				return
			}
			p.freeMu.Unlock()
		}
	}
	buf.Release()
}

// Clear releases all parked buffers.
func (p *Pool) Clear() {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	for class := range p.free {
		for _, buf := range p.free[class] {
			buf.Release()
		}
		p.free[class] = p.free[class][:0]
	}
}

// Close releases every id and parked buffer. Buffers still referenced are
// reclaimed when their last reference goes away. Allocate fails afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[core.BufferID]*entry)
	p.released += uint64(len(entries))
	p.liveBytes = 0
	p.mu.Unlock()

	if len(entries) > 0 {
		klog.V(1).Infof("memory: closing %s pool with %d live buffers", p.kind, len(entries))
	}
	for _, e := range entries {
		e.unref()
	}
	p.Clear()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	s := PoolStats{
		Released:  p.released,
		Live:      len(p.entries),
		LiveBytes: p.liveBytes,
		PeakBytes: p.peakBytes,
	}
	p.mu.RUnlock()

	s.Allocated = p.allocated.Load()
	s.Hits = p.hits.Load()
	s.Misses = p.misses.Load()
	p.freeMu.Lock()
	for class := range p.free {
		s.Pooled += len(p.free[class])
	}
	p.freeMu.Unlock()
	return s
}
