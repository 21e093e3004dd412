package engine

import (
	"encoding/binary"
	"testing"

	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/born-ml/vknp/internal/kernel"
	"github.com/born-ml/vknp/internal/memory"
	"github.com/born-ml/vknp/internal/ops"
	"github.com/born-ml/vknp/internal/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	host     *device.Host
	mm       *memory.Manager
	cache    *kernel.Cache
	registry *ops.Registry
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPool(t, memory.DefaultPoolConfig())
}

func newFixtureWithPool(t *testing.T, cfg memory.PoolConfig) *fixture {
	t.Helper()
	h := device.NewHost(device.DefaultHostConfig())
	ops.RegisterHostKernels(h)
	f := &fixture{
		host:     h,
		mm:       memory.NewManager(h, cfg),
		cache:    kernel.NewCache(h),
		registry: ops.NewRegistry(),
	}
	require.NoError(t, ops.RegisterBuiltins(f.registry))
	f.engine = New(h, f.cache)
	t.Cleanup(func() {
		f.cache.Close()
		f.mm.Close()
		h.Release()
	})
	return f
}

func (f *fixture) run(t *testing.T, name string, inputs, outputs []tensor.Any) {
	t.Helper()
	prepared := must.M1(f.registry.CheckAndPrepare(name, inputs, outputs))
	require.NoError(t, f.engine.Run(prepared, f.mm))
}

func TestAddEndToEnd(t *testing.T) {
	f := newFixture(t)
	a := must.M1(tensor.FromSlice(f.mm, []float32{1, 2, 3, 4}, []int{4}, 0))
	b := must.M1(tensor.FromSlice(f.mm, []float32{5, 6, 7, 8}, []int{4}, 0))
	c := must.M1(tensor.Empty[float32](f.mm, []int{4}, 0))

	prepared := must.M1(f.registry.CheckAndPrepare("add", []tensor.Any{a, b}, []tensor.Any{c}))
	tasks := ops.Tasks(prepared)
	require.Len(t, tasks, 1, "a single dispatch")
	assert.Equal(t, 4, tasks[0].WorkItems())

	require.NoError(t, f.engine.Run(prepared, f.mm))
	assert.Equal(t, []float32{6, 8, 10, 12}, must.M1(c.ToSlice(f.mm)))
	assert.Equal(t, int64(1), f.engine.Stats().Dispatches)
	assert.Equal(t, int64(1), f.host.Dispatches())

	// Same kernel again: no recompilation.
	require.NoError(t, f.engine.Run(prepared, f.mm))
	assert.Equal(t, int64(1), f.host.Compiles())

	for _, x := range []tensor.Tensor[float32]{a, b, c} {
		x.Release(f.mm)
	}
	assert.Equal(t, int64(0), f.host.LiveBuffers())
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		op   string
		want []float32
	}{
		{"sub", []float32{-4, -4, -4, -4}},
		{"mul", []float32{5, 12, 21, 32}},
		{"div", []float32{0.2, 2.0 / 6, 3.0 / 7, 0.5}},
		{"broadcast_sub", []float32{-4, -4, -4, -4}},
		{"broadcast_div", []float32{0.2, 2.0 / 6, 3.0 / 7, 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			f := newFixture(t)
			a := must.M1(tensor.FromSlice(f.mm, []float32{1, 2, 3, 4}, []int{4}, 0))
			b := must.M1(tensor.FromSlice(f.mm, []float32{5, 6, 7, 8}, []int{4}, 0))
			c := must.M1(tensor.Empty[float32](f.mm, []int{4}, 0))
			f.run(t, tc.op, []tensor.Any{a, b}, []tensor.Any{c})
			assert.InDeltaSlice(t, tc.want, must.M1(c.ToSlice(f.mm)), 1e-6)
		})
	}
}

func TestAddIntoNarrowedOutput(t *testing.T) {
	f := newFixture(t)
	full := must.M1(tensor.FromSlice(f.mm, []float32{100, 100, 100, 100}, []int{4}, 0))
	a := must.M1(tensor.FromSlice(f.mm, []float32{1, 2}, []int{2}, 0))
	b := must.M1(tensor.FromSlice(f.mm, []float32{5, 6}, []int{2}, 0))

	head := must.M1(full.Narrow(0, 0, 2))
	f.run(t, "add", []tensor.Any{a, b}, []tensor.Any{head})
	assert.Equal(t, []float32{6, 8}, must.M1(head.ToSlice(f.mm)))
	assert.Equal(t, []float32{6, 8, 100, 100}, must.M1(full.ToSlice(f.mm)), "elements past the view untouched")

	// An offset view is not contiguous: add refuses it, broadcast_add serves it.
	tail := must.M1(full.Narrow(0, 2, 2))
	_, err := f.registry.CheckAndPrepare("add", []tensor.Any{a, b}, []tensor.Any{tail})
	var mismatch *ops.ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	f.run(t, "broadcast_add", []tensor.Any{a, b}, []tensor.Any{tail})
	assert.Equal(t, []float32{6, 8, 6, 8}, must.M1(full.ToSlice(f.mm)))
}

func TestAddIntoRecycledBuffer(t *testing.T) {
	f := newFixtureWithPool(t, memory.PoolConfig{Recycle: true, MaxPooled: 8})
	a := must.M1(tensor.FromSlice(f.mm, []float32{1, 2}, []int{2}, 0))
	b := must.M1(tensor.FromSlice(f.mm, []float32{5, 6}, []int{2}, 0))

	// Park an 8-element buffer, then hand it out for a 2-element output.
	big := must.M1(tensor.FromSlice(f.mm, []float32{100, 100, 100, 100, 100, 100, 100, 100}, []int{8}, 0))
	big.Release(f.mm)
	c := must.M1(tensor.Empty[float32](f.mm, []int{2}, 0))
	require.Equal(t, uint64(1), f.mm.Stats().Main.Hits, "output reuses the parked buffer")

	f.run(t, "add", []tensor.Any{a, b}, []tensor.Any{c})
	assert.Equal(t, []float32{6, 8}, must.M1(c.ToSlice(f.mm)))

	// Recycled contents are not cleared, so the tail shows what the kernel wrote.
	c.Release(f.mm)
	d := must.M1(tensor.Empty[float32](f.mm, []int{8}, 0))
	assert.Equal(t, []float32{6, 8, 100, 100, 100, 100, 100, 100}, must.M1(d.ToSlice(f.mm)))
}

func TestBroadcastAdd(t *testing.T) {
	f := newFixture(t)
	x := must.M1(tensor.FromSlice(f.mm, []float32{1, 2, 3, 4, 5, 6}, []int{2, 3}, 0))
	row := must.M1(tensor.FromSlice(f.mm, []float32{10, 20, 30}, []int{3}, 0))
	col := must.M1(tensor.FromSlice(f.mm, []float32{100, 200}, []int{2, 1}, 0))
	out := must.M1(tensor.Empty[float32](f.mm, []int{2, 3}, 0))

	f.run(t, "broadcast_add", []tensor.Any{x, row}, []tensor.Any{out})
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, must.M1(out.ToSlice(f.mm)))

	f.run(t, "broadcast_mul", []tensor.Any{col, row}, []tensor.Any{out})
	assert.Equal(t, []float32{1000, 2000, 3000, 2000, 4000, 6000}, must.M1(out.ToSlice(f.mm)))

	// Transposed operand, written into a transposed output view.
	xt := must.M1(x.Permute(1, 0))
	outT := must.M1(out.Permute(1, 0))
	ones := must.M1(tensor.FromSlice(f.mm, []float32{1}, []int{1}, 0))
	f.run(t, "broadcast_add", []tensor.Any{xt, ones}, []tensor.Any{outT})
	assert.Equal(t, []float32{2, 3, 4, 5, 6, 7}, must.M1(out.ToSlice(f.mm)))
	assert.Equal(t, []float32{2, 5, 3, 6, 4, 7}, must.M1(outT.ToSlice(f.mm)))
}

func TestCopyMaterializesViews(t *testing.T) {
	f := newFixture(t)
	for _, dt := range core.DataTypes {
		t.Run(dt.String(), func(t *testing.T) {
			src := must.M1(tensor.EmptyOf(f.mm, dt, []int{2, 3}, 0))
			require.NoError(t, f.mm.Write(src.BufferID(), u32Bytes(1, 2, 3, 4, 5, 6)))
			dst := must.M1(tensor.EmptyOf(f.mm, dt, []int{3, 2}, 0))

			srcT := tensor.WithView(src, must.M1(src.View().Permute(1, 0)))
			f.run(t, "copy", []tensor.Any{srcT}, []tensor.Any{dst})
			assert.Equal(t, u32Bytes(1, 4, 2, 5, 3, 6), must.M1(f.mm.Download(dst.BufferID())))
		})
	}
	// One kernel per dtype signature, same shader.
	assert.Equal(t, 3, f.cache.Stats().Kernels)
}

func TestConcat(t *testing.T) {
	f := newFixture(t)
	a := must.M1(tensor.FromSlice(f.mm, []int32{1, 2}, []int{1, 2}, 0))
	b := must.M1(tensor.FromSlice(f.mm, []int32{3, 4, 5, 6}, []int{2, 2}, 0))
	out := must.M1(tensor.Empty[int32](f.mm, []int{3, 2}, 0))

	f.run(t, "concat", []tensor.Any{a, b}, []tensor.Any{out})
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, must.M1(out.ToSlice(f.mm)))
	assert.Equal(t, int64(2), f.engine.Stats().Dispatches)
	assert.Equal(t, int64(1), f.host.Compiles(), "both passes share the copy kernel")
}

func TestParamBuffersReleased(t *testing.T) {
	f := newFixture(t)
	a := must.M1(tensor.FromSlice(f.mm, []float32{1, 2}, []int{2}, 0))
	out := must.M1(tensor.Empty[float32](f.mm, []int{2}, 0))
	live := f.mm.Stats().Main.Live

	f.run(t, "broadcast_add", []tensor.Any{a, a}, []tensor.Any{out})
	assert.Equal(t, []float32{2, 4}, must.M1(out.ToSlice(f.mm)))
	assert.Equal(t, live, f.mm.Stats().Main.Live, "param buffer released after dispatch")
	assert.Equal(t, live+1, int(f.mm.Stats().Main.Allocated))
}

func TestEmptyDispatchSkipped(t *testing.T) {
	f := newFixture(t)
	a := must.M1(tensor.Empty[float32](f.mm, []int{0, 3}, 0))
	b := must.M1(tensor.Empty[float32](f.mm, []int{0, 3}, 0))
	c := must.M1(tensor.Empty[float32](f.mm, []int{0, 3}, 0))

	f.run(t, "add", []tensor.Any{a, b}, []tensor.Any{c})
	assert.Equal(t, Stats{Skipped: 1}, f.engine.Stats())
	assert.Equal(t, int64(0), f.host.Dispatches())
}

func TestMissingBuffer(t *testing.T) {
	f := newFixture(t)
	a := must.M1(tensor.FromSlice(f.mm, []float32{1, 2}, []int{2}, 0))
	b := must.M1(tensor.FromSlice(f.mm, []float32{1, 2}, []int{2}, 0))
	c := must.M1(tensor.Empty[float32](f.mm, []int{2}, 0))

	prepared := must.M1(f.registry.CheckAndPrepare("broadcast_add", []tensor.Any{a, b}, []tensor.Any{c}))
	b.Release(f.mm)
	err := f.engine.Run(prepared, f.mm)
	var missing *memory.MissingBufferError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, b.BufferID(), missing.ID)
	assert.Equal(t, int64(0), f.host.Dispatches())
	assert.Equal(t, 2, f.mm.Stats().Main.Live, "param buffer released on the error path")
}

func TestCompositeFailFast(t *testing.T) {
	f := newFixture(t)
	a := must.M1(tensor.FromSlice(f.mm, []int32{1, 2}, []int{2}, 0))
	b := must.M1(tensor.FromSlice(f.mm, []int32{3, 4}, []int{2}, 0))
	out := must.M1(tensor.FromSlice(f.mm, []int32{0, 0, 0, 0}, []int{4}, 0))

	prepared := must.M1(f.registry.CheckAndPrepare("concat", []tensor.Any{a, b}, []tensor.Any{out}))
	f.mm.Release(b.BufferID())
	err := f.engine.Run(prepared, f.mm)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2 of 2")

	// The first pass stays applied.
	assert.Equal(t, []int32{1, 2, 0, 0}, must.M1(out.ToSlice(f.mm)))
}

func TestCompileError(t *testing.T) {
	h := device.NewHost(device.DefaultHostConfig())
	defer h.Release()
	mm := memory.NewManager(h, memory.DefaultPoolConfig())
	defer mm.Close()
	registry := ops.NewRegistry()
	require.NoError(t, ops.RegisterBuiltins(registry))
	engine := New(h, kernel.NewCache(h)) // no host kernels registered

	a := must.M1(tensor.Empty[float32](mm, []int{2}, 0))
	prepared := must.M1(registry.CheckAndPrepare("add", []tensor.Any{a, a}, []tensor.Any{a}))
	err := engine.Run(prepared, mm)
	var compileErr *kernel.CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.Equal(t, "add_f32", compileErr.Entry)
}

func TestConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			v := float32(w)
			a, err := tensor.FromSlice(f.mm, []float32{v, v, v}, []int{3}, 0)
			if err != nil {
				return err
			}
			defer a.Release(f.mm)
			c, err := tensor.Empty[float32](f.mm, []int{3}, 0)
			if err != nil {
				return err
			}
			defer c.Release(f.mm)

			prepared, err := f.registry.CheckAndPrepare("broadcast_mul", []tensor.Any{a, a}, []tensor.Any{c})
			if err != nil {
				return err
			}
			if err := f.engine.Run(prepared, f.mm); err != nil {
				return err
			}
			got, err := c.ToSlice(f.mm)
			if err != nil {
				return err
			}
			if want := v * v; got[0] != want || got[2] != want {
				return errors.Errorf("worker %d got %v, want %v", w, got, want)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), f.host.Compiles())
	assert.Equal(t, int64(0), f.host.LiveBuffers())
}

func u32Bytes(values ...uint32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}
