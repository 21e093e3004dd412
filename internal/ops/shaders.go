package ops

import "strings"

// WGSL compute shaders for the builtin operations.
// Using string constants instead of embed for simplicity.

// viewWGSL declares the packed view layout written by putView and the
// linear index walk shared by the strided kernels.
const viewWGSL = `
const MAX_DIMS : u32 = 8u;

struct View {
    offset  : u32,
    ndim    : u32,
    _pad0   : vec2<u32>,
    shape   : array<u32, MAX_DIMS>,
    strides : array<u32, MAX_DIMS>,
};

fn linear_to_offset(i: u32, v: View) -> u32 {
    var idx = i;
    var off = v.offset;
    var d: i32 = i32(v.ndim) - 1;
    loop {
        if (d < 0) { break; }
        let du = u32(d);
        let dim = v.shape[du];
        let coord = idx % dim;
        idx = idx / dim;
        off = off + coord * v.strides[du]; // stride 0 -> broadcast
        d = d - 1;
    }
    return off;
}
`

// elementwiseWGSL performs result = a OP b over contiguous operands. The
// bound is the logical element count, never the buffer length: a narrowed
// or recycled output buffer is longer than the view.
const elementwiseWGSL = `
struct Count {
    total_elems : u32,
    _pad1       : u32,
    _pad2       : u32,
    _pad3       : u32,
};

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read> N: Count;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

@compute @workgroup_size(64)
fn ENTRY(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= N.total_elems) {
        return;
    }
    result[idx] = a[idx] OP b[idx];
}
`

// broadcastWGSL performs C = A OP B through per-operand views, so operands
// may be broadcast (stride 0), permuted or offset.
const broadcastWGSL = viewWGSL + `
struct Meta {
    a           : View,
    b           : View,
    c           : View,
    total_elems : u32,
    _pad1       : u32,
    _pad2       : u32,
    _pad3       : u32,
};

@group(0) @binding(0) var<storage, read> A: array<f32>;
@group(0) @binding(1) var<storage, read> B: array<f32>;
@group(0) @binding(2) var<storage, read> M: Meta;
@group(0) @binding(3) var<storage, read_write> C: array<f32>;

@compute @workgroup_size(64)
fn ENTRY(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= M.total_elems) {
        return;
    }
    let ai = linear_to_offset(i, M.a);
    let bi = linear_to_offset(i, M.b);
    let ci = linear_to_offset(i, M.c);
    C[ci] = A[ai] OP B[bi];
}
`

// copyWGSL gathers src through its view into dst through its view. It moves
// 32-bit words, so one source serves every 4-byte element type.
const copyWGSL = viewWGSL + `
struct CopyMeta {
    src         : View,
    dst         : View,
    total_elems : u32,
    _pad1       : u32,
    _pad2       : u32,
    _pad3       : u32,
};

@group(0) @binding(0) var<storage, read> S: array<u32>;
@group(0) @binding(1) var<storage, read> M: CopyMeta;
@group(0) @binding(2) var<storage, read_write> D: array<u32>;

@compute @workgroup_size(64)
fn copy_strided(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= M.total_elems) {
        return;
    }
    D[linear_to_offset(i, M.dst)] = S[linear_to_offset(i, M.src)];
}
`

const copyEntry = "copy_strided"

func instantiate(template, entry, op string) string {
	return strings.NewReplacer("ENTRY", entry, "OP", op).Replace(template)
}
