package ops

import (
	"encoding/binary"

	"github.com/born-ml/vknp/internal/core"
)

// Packed parameter layouts, little-endian u32 words matching the WGSL
// structs in shaders.go.
//
//	View:     offset, ndim, pad[2], shape[8], strides[8]     80 bytes
//	Meta:     a, b, c View, total, pad[3], tail pad[4]      272 bytes
//	CopyMeta: src, dst View, total, pad[3]                  176 bytes
//	Count:    total, pad[3]                                  16 bytes
const (
	viewBytes     = 16 + 8*core.MaxDims
	metaBytes     = 3*viewBytes + 32
	copyMetaBytes = 2*viewBytes + 16
	countBytes    = 16

	shapeOffset  = 16
	strideOffset = 16 + 4*core.MaxDims
)

func putView(b []byte, v core.ViewDescriptor) {
	binary.LittleEndian.PutUint32(b[0:], v.Offset)
	binary.LittleEndian.PutUint32(b[4:], v.NDim)
	for d := range core.MaxDims {
		binary.LittleEndian.PutUint32(b[shapeOffset+4*d:], v.Shape[d])
		binary.LittleEndian.PutUint32(b[strideOffset+4*d:], v.Strides[d])
	}
}

// broadcastMeta packs the views of a binary operation and its element count.
func broadcastMeta(a, b, c core.ViewDescriptor, total uint32) []byte {
	buf := make([]byte, metaBytes)
	putView(buf[0*viewBytes:], a)
	putView(buf[1*viewBytes:], b)
	putView(buf[2*viewBytes:], c)
	binary.LittleEndian.PutUint32(buf[3*viewBytes:], total)
	return buf
}

// copyMeta packs the source and destination views of a copy.
func copyMeta(src, dst core.ViewDescriptor, total uint32) []byte {
	buf := make([]byte, copyMetaBytes)
	putView(buf[0*viewBytes:], src)
	putView(buf[1*viewBytes:], dst)
	binary.LittleEndian.PutUint32(buf[2*viewBytes:], total)
	return buf
}

// countMeta packs the element count of a contiguous operation.
func countMeta(total uint32) []byte {
	buf := make([]byte, countBytes)
	binary.LittleEndian.PutUint32(buf, total)
	return buf
}

// packedIndex is linear_to_offset over the view packed at b.
func packedIndex(b []byte, linear uint32) uint32 {
	off := binary.LittleEndian.Uint32(b[0:])
	ndim := int(binary.LittleEndian.Uint32(b[4:]))
	idx := linear
	for d := min(ndim, core.MaxDims) - 1; d >= 0; d-- {
		dim := binary.LittleEndian.Uint32(b[shapeOffset+4*d:])
		if dim == 0 {
			return off
		}
		off += (idx % dim) * binary.LittleEndian.Uint32(b[strideOffset+4*d:])
		idx /= dim
	}
	return off
}
