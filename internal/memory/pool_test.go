package memory

import (
	"sync"
	"testing"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/born-ml/vknp/internal/parallel"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newHost(t *testing.T, maxBytes uint64) *device.Host {
	t.Helper()
	h := device.NewHost(device.HostConfig{Parallel: parallel.DefaultConfig(), MaxBytes: maxBytes})
	t.Cleanup(h.Release)
	return h
}

func TestPoolLifecycle(t *testing.T) {
	h := newHost(t, 0)
	pool := NewPool(h, device.Resident, DefaultPoolConfig())

	id := must.M1(pool.Allocate(100))
	assert.Equal(t, core.BufferID(1), id)

	ref, found := pool.Get(id)
	require.True(t, found)
	assert.Equal(t, id, ref.ID())
	assert.Equal(t, uint64(100), ref.Size())
	assert.Equal(t, device.Resident, ref.Buffer().Kind())
	ref.Release()

	size, found := pool.Size(id)
	require.True(t, found)
	assert.Equal(t, uint64(100), size)

	pool.Release(id)
	_, found = pool.Get(id)
	assert.False(t, found, "released id must not resolve")
	_, found = pool.Size(id)
	assert.False(t, found)
	assert.Equal(t, int64(0), h.LiveBuffers())

	// Releasing again is a no-op.
	pool.Release(id)
	pool.Release(core.BufferID(12345))

	next := must.M1(pool.Allocate(4))
	assert.Equal(t, core.BufferID(2), next, "ids are never reused")
	pool.Release(next)
}

func TestPoolRefOutlivesRelease(t *testing.T) {
	h := newHost(t, 0)
	pool := NewPool(h, device.Resident, DefaultPoolConfig())

	id := must.M1(pool.Allocate(16))
	ref, found := pool.Get(id)
	require.True(t, found)

	pool.Release(id)
	assert.Equal(t, int64(1), h.LiveBuffers(), "buffer kept alive by outstanding reference")
	_, found = pool.Get(id)
	assert.False(t, found)

	ref.Release()
	ref.Release()
	assert.Equal(t, int64(0), h.LiveBuffers())
}

func TestPoolAllocationError(t *testing.T) {
	h := newHost(t, 64)
	pool := NewPool(h, device.Resident, DefaultPoolConfig())

	_, err := pool.Allocate(128)
	require.Error(t, err)
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, uint64(128), allocErr.Size)
	assert.Equal(t, device.Resident, allocErr.Kind)
	assert.True(t, errors.Is(err, device.ErrOutOfMemory))
	assert.Equal(t, 0, pool.Len())
}

func TestPoolRecycling(t *testing.T) {
	h := newHost(t, 0)
	pool := NewPool(h, device.Upload, PoolConfig{Recycle: true, MaxPooled: 1})

	a := must.M1(pool.Allocate(1024))
	pool.Release(a)
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Pooled)
	assert.Equal(t, int64(1), h.LiveBuffers(), "parked buffer is still a device buffer")

	b := must.M1(pool.Allocate(512))
	assert.NotEqual(t, a, b)
	stats = pool.Stats()
	assert.Equal(t, uint64(1), stats.Allocated)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Pooled)

	// A large request is never served from the small class.
	c := must.M1(pool.Allocate(2 * mediumThreshold))
	assert.Equal(t, uint64(2), pool.Stats().Misses)

	d := must.M1(pool.Allocate(16))
	pool.Release(b)
	pool.Release(d) // small class full, released to the device
	assert.Equal(t, 1, pool.Stats().Pooled)

	pool.Release(c)
	pool.Clear()
	assert.Equal(t, 0, pool.Stats().Pooled)
	assert.Equal(t, int64(0), h.LiveBuffers())
}

func TestPoolStats(t *testing.T) {
	h := newHost(t, 0)
	pool := NewPool(h, device.Resident, DefaultPoolConfig())

	a := must.M1(pool.Allocate(1000))
	b := must.M1(pool.Allocate(3000))
	pool.Release(a)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, uint64(3000), stats.LiveBytes)
	assert.Equal(t, uint64(4000), stats.PeakBytes)
	assert.Equal(t, uint64(1), stats.Released)
	assert.Contains(t, stats.String(), "live=1")
	pool.Release(b)
}

func TestPoolClose(t *testing.T) {
	h := newHost(t, 0)
	pool := NewPool(h, device.Resident, PoolConfig{Recycle: true, MaxPooled: 4})

	must.M1(pool.Allocate(8))
	held := must.M1(pool.Allocate(8))
	ref, _ := pool.Get(held)

	pool.Close()
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, int64(1), h.LiveBuffers(), "referenced buffer survives close")
	ref.Release()
	assert.Equal(t, int64(0), h.LiveBuffers(), "closed pool does not park buffers")

	_, err := pool.Allocate(8)
	assert.Error(t, err)
	pool.Close()
}

func TestPoolConcurrentAllocate(t *testing.T) {
	h := newHost(t, 0)
	pool := NewPool(h, device.Resident, PoolConfig{Recycle: true, MaxPooled: 8})

	const workers, perWorker = 8, 50
	var (
		mu  sync.Mutex
		ids = make(map[core.BufferID]bool)
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				id, err := pool.Allocate(uint64(4 * (i + 1)))
				if err != nil {
					return err
				}
				mu.Lock()
				if ids[id] {
					mu.Unlock()
					return errors.Errorf("id %s handed out twice", id)
				}
				ids[id] = true
				mu.Unlock()

				ref, found := pool.Get(id)
				if !found {
					return errors.Errorf("fresh id %s not found", id)
				}
				if i%2 == 0 {
					pool.Release(id)
				}
				ref.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, workers*perWorker)
	assert.Equal(t, workers*perWorker/2, pool.Len())

	pool.Close()
	assert.Equal(t, int64(0), h.LiveBuffers())
}
