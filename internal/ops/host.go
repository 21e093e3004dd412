package ops

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/vknp/internal/device"
)

// HostKernels returns host implementations of every builtin entry point,
// for registration on a device.Host with WorkgroupSize. They read the same
// bindings and packed parameters as the WGSL kernels. Out-of-range reads
// and writes are dropped, as robust buffer access would.
func HostKernels() map[string]device.HostKernel {
	kernels := make(map[string]device.HostKernel)
	for name, fn := range arithmetic {
		kernels[name+"_f32"] = elementwiseKernel(fn)
		kernels["broadcast_"+name+"_f32"] = broadcastKernel(fn)
	}
	kernels[copyEntry] = copyKernel
	return kernels
}

// RegisterHostKernels installs HostKernels on h.
func RegisterHostKernels(h *device.Host) {
	h.RegisterKernels(WorkgroupSize, HostKernels())
}

var arithmetic = map[string]func(a, b float32) float32{
	"add": func(a, b float32) float32 { return a + b },
	"sub": func(a, b float32) float32 { return a - b },
	"mul": func(a, b float32) float32 { return a * b },
	"div": func(a, b float32) float32 { return a / b },
}

func load(b []byte, i uint32) (uint32, bool) {
	at := uint64(i) * 4
	if at+4 > uint64(len(b)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[at:]), true
}

func store(b []byte, i, v uint32) {
	at := uint64(i) * 4
	if at+4 > uint64(len(b)) {
		return
	}
	binary.LittleEndian.PutUint32(b[at:], v)
}

// elementwiseKernel: bindings a, b, Count, result.
func elementwiseKernel(fn func(a, b float32) float32) device.HostKernel {
	return func(gid uint32, bindings [][]byte) {
		a, b, count, result := bindings[0], bindings[1], bindings[2], bindings[3]
		if len(count) < countBytes || gid >= binary.LittleEndian.Uint32(count) {
			return
		}
		x, _ := load(a, gid)
		y, _ := load(b, gid)
		store(result, gid, math.Float32bits(fn(math.Float32frombits(x), math.Float32frombits(y))))
	}
}

// broadcastKernel: bindings A, B, Meta, C.
func broadcastKernel(fn func(a, b float32) float32) device.HostKernel {
	return func(gid uint32, bindings [][]byte) {
		a, b, meta, c := bindings[0], bindings[1], bindings[2], bindings[3]
		if len(meta) < metaBytes || gid >= binary.LittleEndian.Uint32(meta[3*viewBytes:]) {
			return
		}
		x, _ := load(a, packedIndex(meta[0*viewBytes:], gid))
		y, _ := load(b, packedIndex(meta[1*viewBytes:], gid))
		z := fn(math.Float32frombits(x), math.Float32frombits(y))
		store(c, packedIndex(meta[2*viewBytes:], gid), math.Float32bits(z))
	}
}

// copyKernel: bindings S, CopyMeta, D.
func copyKernel(gid uint32, bindings [][]byte) {
	src, meta, dst := bindings[0], bindings[1], bindings[2]
	if len(meta) < copyMetaBytes || gid >= binary.LittleEndian.Uint32(meta[2*viewBytes:]) {
		return
	}
	v, _ := load(src, packedIndex(meta[0*viewBytes:], gid))
	store(dst, packedIndex(meta[1*viewBytes:], gid), v)
}
