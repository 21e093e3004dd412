// Package kernel memoizes compiled pipelines and their binding layouts.
package kernel

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Key identifies a kernel: shader source, entry point and the type and
// arity signature it is bound with. Two keys differing only in dtypes are
// distinct kernels.
type Key struct {
	Source  string
	Entry   string
	Inputs  []core.DataType
	Outputs []core.DataType
	Params  int
}

// String returns the canonical form of the key, used as the map key.
func (k Key) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s->%s+%d\x00", k.Entry, core.FormatDataTypes(k.Inputs), core.FormatDataTypes(k.Outputs), k.Params)
	b.WriteString(k.Source)
	return b.String()
}

// Bindings returns the layout convention for the key: inputs and parameter
// slots as read-only storage, then outputs as read-write storage.
func (k Key) Bindings() []device.BindingKind {
	bindings := make([]device.BindingKind, 0, len(k.Inputs)+k.Params+len(k.Outputs))
	for range len(k.Inputs) + k.Params {
		bindings = append(bindings, device.ReadOnlyStorage)
	}
	for range k.Outputs {
		bindings = append(bindings, device.ReadWriteStorage)
	}
	return bindings
}

// Kernel is a compiled pipeline with its layout. Kernels are immutable and
// shared by all callers using the same key.
type Kernel struct {
	Pipeline device.Pipeline
	Layout   device.Layout
}

// CompileError is returned when a layout or pipeline cannot be built.
type CompileError struct {
	Entry string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("kernel: compiling %q: %v", e.Entry, e.Err)
}

// Unwrap returns the device error.
func (e *CompileError) Unwrap() error { return e.Err }

// Stats holds cache counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Compiles int64
	Kernels  int
}

// Cache is a compile-once cache of kernels. Concurrent misses on one key
// share a single compilation. It is safe for concurrent use.
type Cache struct {
	dev device.Device

	mu      sync.RWMutex
	kernels map[string]*Kernel

	group    singleflight.Group
	hits     atomic.Int64
	misses   atomic.Int64
	compiles atomic.Int64
}

// NewCache creates an empty cache compiling on dev.
func NewCache(dev device.Device) *Cache {
	return &Cache{dev: dev, kernels: make(map[string]*Kernel)}
}

// GetOrBuild returns the kernel for the key, compiling it on first use.
func (c *Cache) GetOrBuild(source, entry string, inputs, outputs []core.DataType, params int) (*Kernel, error) {
	return c.Get(Key{Source: source, Entry: entry, Inputs: inputs, Outputs: outputs, Params: params})
}

// Get is GetOrBuild taking a Key.
func (c *Cache) Get(key Key) (*Kernel, error) {
	k := key.String()

	c.mu.RLock()
	kernel, found := c.kernels[k]
	c.mu.RUnlock()
	if found {
		c.hits.Add(1)
		return kernel, nil
	}

	c.misses.Add(1)
	v, err, _ := c.group.Do(k, func() (any, error) {
		// A caller that missed just before another finished building
		// finds the kernel here.
		c.mu.RLock()
		kernel, found := c.kernels[k]
		c.mu.RUnlock()
		if found {
			return kernel, nil
		}

		kernel, err := c.build(key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.kernels[k] = kernel
		c.mu.Unlock()
		return kernel, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Kernel), nil
}

func (c *Cache) build(key Key) (*Kernel, error) {
	layout, err := c.dev.CreateLayout(key.Bindings())
	if err != nil {
		return nil, &CompileError{Entry: key.Entry, Err: err}
	}
	pipeline, err := c.dev.CreatePipeline(key.Source, key.Entry, layout)
	if err != nil {
		layout.Release()
		return nil, &CompileError{Entry: key.Entry, Err: err}
	}
	c.compiles.Add(1)
	klog.V(2).Infof("kernel: compiled %q for %s -> %s with %d params",
		key.Entry, core.FormatDataTypes(key.Inputs), core.FormatDataTypes(key.Outputs), key.Params)
	return &Kernel{Pipeline: pipeline, Layout: layout}, nil
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.kernels)
	c.mu.RUnlock()
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Compiles: c.compiles.Load(),
		Kernels:  n,
	}
}

// Close releases all cached pipelines and their layouts and empties the cache.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kernel := range c.kernels {
		kernel.Pipeline.Release()
		kernel.Layout.Release()
	}
	klog.V(1).Infof("kernel: released %d cached kernels", len(c.kernels))
	c.kernels = make(map[string]*Kernel)
}
