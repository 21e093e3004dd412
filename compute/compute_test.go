package compute

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/born-ml/vknp/backend/cpu"
	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewHost(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestRuntime_Add(t *testing.T) {
	rt := newRuntime(t)
	a := must.M1(Upload(rt, []float32{1, 2, 3, 4}, 4))
	b := must.M1(Upload(rt, []float32{5, 6, 7, 8}, 4))
	c := must.M1(Empty[float32](rt, 4))

	require.NoError(t, rt.Run("add", []Any{a, b}, []Any{c}))
	assert.Equal(t, []float32{6, 8, 10, 12}, must.M1(Download(rt, c)))

	stats := rt.Stats()
	assert.Equal(t, int64(1), stats.Kernels.Compiles)
	assert.Equal(t, int64(1), stats.Engine.Dispatches)
	assert.Contains(t, stats.String(), "dispatches: 1")
}

func TestRuntime_Ops(t *testing.T) {
	rt := newRuntime(t)
	names := rt.Ops()
	assert.Contains(t, names, "add")
	assert.Contains(t, names, "broadcast_mul")
	assert.Contains(t, names, "copy")
	assert.Contains(t, names, "concat")
	assert.IsIncreasing(t, names)
}

func TestRuntime_ValidationErrors(t *testing.T) {
	rt := newRuntime(t)
	a := must.M1(Upload(rt, []float32{1, 2}, 2))
	i := must.M1(Upload(rt, []int32{1, 2}, 2))
	c := must.M1(Empty[float32](rt, 2))

	var unknown *UnknownOpError
	require.ErrorAs(t, rt.Run("matmul", []Any{a, a}, []Any{c}), &unknown)
	assert.Equal(t, "matmul", unknown.Name)

	var arity *ArityMismatchError
	require.ErrorAs(t, rt.Run("add", []Any{a}, []Any{c}), &arity)
	assert.Equal(t, 2, arity.Expected)
	assert.Equal(t, 1, arity.Found)

	var dtype *DtypeMismatchError
	require.ErrorAs(t, rt.Run("add", []Any{a, i}, []Any{c}), &dtype)
	assert.Equal(t, 1, dtype.Index)
	assert.Equal(t, I32, dtype.Found)

	var shape *ShapeMismatchError
	d := must.M1(Empty[float32](rt, 3))
	require.ErrorAs(t, rt.Run("add", []Any{a, a}, []Any{d}), &shape)

	// Nothing was dispatched.
	assert.Equal(t, int64(0), rt.Stats().Engine.Dispatches)
}

func TestRuntime_BroadcastAndCopy(t *testing.T) {
	rt := newRuntime(t)
	m := must.M1(Upload(rt, []float32{1, 2, 3, 4, 5, 6}, 2, 3))
	row := must.M1(Upload(rt, []float32{10, 20, 30}, 3))
	out := must.M1(Empty[float32](rt, 2, 3))

	require.NoError(t, rt.Run("broadcast_add", []Any{m, row}, []Any{out}))
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, must.M1(Download(rt, out)))

	// Materialize the transpose.
	mt := must.M1(m.Permute(1, 0))
	dst := must.M1(Empty[float32](rt, 3, 2))
	require.NoError(t, rt.Run("copy", []Any{mt}, []Any{dst}))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, must.M1(Download(rt, dst)))
}

func TestRuntime_Concat(t *testing.T) {
	rt := newRuntime(t)
	a := must.M1(Upload(rt, []int32{1, 2, 3, 4}, 2, 2))
	b := must.M1(Upload(rt, []int32{5, 6}, 1, 2))
	out := must.M1(Empty[int32](rt, 3, 2))

	require.NoError(t, rt.Run("concat", []Any{a, b}, []Any{out}))
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, must.M1(Download(rt, out)))
}

func TestRuntime_Release(t *testing.T) {
	rt := newRuntime(t)
	host := rt.Device().(*cpu.Device)
	a := must.M1(Upload(rt, []uint32{1, 2, 3}, 3))
	assert.Equal(t, int64(1), host.LiveBuffers())

	rt.Release(a)
	assert.Equal(t, int64(0), host.LiveBuffers())

	var missing *MissingBufferError
	_, err := Download(rt, a)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, a.BufferID(), missing.ID)
}

func TestRuntime_HostMemoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HostMaxBytes = 64
	rt, err := NewHost(cfg)
	require.NoError(t, err)
	defer rt.Close()

	_, err = Empty[float32](rt, 1024)
	var alloc *AllocationError
	require.ErrorAs(t, err, &alloc)
}

func TestRuntime_DeviceID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceID = 3
	rt, err := NewHost(cfg)
	require.NoError(t, err)
	defer rt.Close()

	a := must.M1(Upload(rt, []float32{1}, 1))
	assert.Equal(t, 3, a.DeviceID())
}

// negate is a custom single-input operation with its own host kernel.
type negate struct{}

const negateEntry = "negate_f32"

func (negate) Signature() *Signature {
	return &Signature{
		Name:         "negate",
		NumInputs:    1,
		NumOutputs:   1,
		InputDTypes:  [][]core.DataType{{F32}},
		OutputDTypes: [][]core.DataType{{F32}},
	}
}

func (negate) Shader() (string, string) {
	return "@compute @workgroup_size(64) fn negate_f32() {}", negateEntry
}

func (n negate) Prepare(inputs, outputs []Any) (PreparedOp, error) {
	source, entry := n.Shader()
	return &GpuTask{
		Source:       source,
		Entry:        entry,
		InputViews:   []core.ViewDescriptor{inputs[0].View()},
		OutputViews:  []core.ViewDescriptor{outputs[0].View()},
		InputDTypes:  []core.DataType{F32},
		OutputDTypes: []core.DataType{F32},
		InputIDs:     []core.BufferID{inputs[0].BufferID()},
		OutputIDs:    []core.BufferID{outputs[0].BufferID()},
	}, nil
}

func negateKernel(gid uint32, bindings [][]byte) {
	in, out := bindings[0], bindings[1]
	at := uint64(gid) * 4
	if at+4 > uint64(len(in)) || at+4 > uint64(len(out)) {
		return
	}
	x := math.Float32frombits(binary.LittleEndian.Uint32(in[at:]))
	binary.LittleEndian.PutUint32(out[at:], math.Float32bits(-x))
}

func TestRuntime_CustomOp(t *testing.T) {
	rt := newRuntime(t)
	rt.Device().(*cpu.Device).RegisterKernel(negateEntry, WorkgroupSize, negateKernel)
	require.NoError(t, rt.Register(negate{}))

	var dup *DuplicateOpError
	require.ErrorAs(t, rt.Register(negate{}), &dup)

	a := must.M1(Upload(rt, []float32{1, -2, 3}, 3))
	c := must.M1(Empty[float32](rt, 3))
	require.NoError(t, rt.Run("negate", []Any{a}, []Any{c}))
	assert.Equal(t, []float32{-1, 2, -3}, must.M1(Download(rt, c)))
}

func TestRuntime_PrepareOnce(t *testing.T) {
	rt := newRuntime(t)
	a := must.M1(Upload(rt, []float32{1, 2}, 2))
	c := must.M1(Empty[float32](rt, 2))

	prepared := must.M1(rt.Prepare("mul", []Any{a, a}, []Any{c}))
	for range 3 {
		require.NoError(t, rt.Execute(prepared))
	}
	assert.Equal(t, []float32{1, 4}, must.M1(Download(rt, c)))
	stats := rt.Stats()
	assert.Equal(t, int64(1), stats.Kernels.Compiles)
	assert.Equal(t, int64(3), stats.Engine.Dispatches)
}

func TestRuntime_Closed(t *testing.T) {
	rt, err := NewHost(DefaultConfig())
	require.NoError(t, err)
	a := must.M1(Upload(rt, []float32{1}, 1))
	c := must.M1(Empty[float32](rt, 1))
	prepared := must.M1(rt.Prepare("add", []Any{a, a}, []Any{c}))

	rt.Close()
	rt.Close()
	assert.Error(t, rt.Execute(prepared))
}

func TestNew_NilDevice(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, errors.Cause(err).Error(), "nil device")
}

func TestTensorAliases(t *testing.T) {
	rt := newRuntime(t)
	var x Tensor[float32] = must.M1(Upload(rt, []float32{1, 2, 3, 4}, 2, 2))
	var _ tensor.Any = x
	assert.Equal(t, F32, x.DType())
	assert.Equal(t, []int{2, 2}, x.Shape())
}
