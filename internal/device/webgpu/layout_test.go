package webgpu

import (
	"testing"

	"github.com/born-ml/vknp/internal/device"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutEntries(t *testing.T) {
	entries, err := layoutEntries([]device.BindingKind{
		device.ReadOnlyStorage, device.ReadOnlyStorage, device.ReadOnlyStorage, device.ReadWriteStorage,
	})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, uint32(i), e.Binding)
		assert.Equal(t, wgpu.ShaderStageCompute, e.Visibility)
	}
	assert.Equal(t, wgpu.BufferBindingTypeReadOnlyStorage, entries[2].Buffer.Type, "params are read-only")
	assert.Equal(t, wgpu.BufferBindingTypeStorage, entries[3].Buffer.Type)

	entries, err = layoutEntries(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = layoutEntries([]device.BindingKind{device.BindingKind(9)})
	assert.Error(t, err)
}
