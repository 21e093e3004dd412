package webgpu

import (
	"github.com/born-ml/vknp/internal/device"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
)

// layoutEntries describes one compute-visible storage buffer per slot, in
// slot order: read-only slots as read-only storage, the rest as storage.
func layoutEntries(bindings []device.BindingKind) ([]wgpu.BindGroupLayoutEntry, error) {
	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, kind := range bindings {
		var typ wgpu.BufferBindingType
		switch kind {
		case device.ReadOnlyStorage:
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		case device.ReadWriteStorage:
			typ = wgpu.BufferBindingTypeStorage
		default:
			return nil, errors.Errorf("webgpu: invalid binding kind %d at slot %d", int(kind), i)
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i), //nolint:gosec // G115: slot count is tiny
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: typ},
		}
	}
	return entries, nil
}
