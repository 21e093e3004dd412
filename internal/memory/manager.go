// Package memory manages device buffers by opaque id: reference-counted
// pools per usage class, and a Manager that stages host transfers through
// upload and download buffers.
package memory

import (
	"github.com/born-ml/vknp/internal/core"
	"github.com/born-ml/vknp/internal/device"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Manager composes a resident pool with upload and download staging pools.
// It is safe for concurrent use.
type Manager struct {
	dev      device.Device
	main     *Pool
	upload   *Pool
	download *Pool
}

// Stats holds the counters of the three pools.
type Stats struct {
	Main, Upload, Download PoolStats
}

// NewManager creates a memory manager on dev. cfg applies to all three pools.
func NewManager(dev device.Device, cfg PoolConfig) *Manager {
	return &Manager{
		dev:      dev,
		main:     NewPool(dev, device.Resident, cfg),
		upload:   NewPool(dev, device.Upload, cfg),
		download: NewPool(dev, device.Download, cfg),
	}
}

// Device returns the device the manager allocates on.
func (m *Manager) Device() device.Device { return m.dev }

// Allocate creates a resident buffer of size bytes.
func (m *Manager) Allocate(size uint64) (core.BufferID, error) {
	return m.main.Allocate(size)
}

// Release releases a resident buffer. Unknown ids are ignored.
func (m *Manager) Release(id core.BufferID) {
	m.main.Release(id)
}

// GetRef returns a counted reference to a resident buffer. The caller must
// Release it.
func (m *Manager) GetRef(id core.BufferID) (*Ref, bool) {
	return m.main.Get(id)
}

// Size returns the size in bytes id was allocated with.
func (m *Manager) Size(id core.BufferID) (uint64, bool) {
	return m.main.Size(id)
}

// Write copies data into the start of the resident buffer id through an
// upload staging buffer. A trailing partial word is zero padded.
func (m *Manager) Write(id core.BufferID, data []byte) error {
	dst, found := m.main.Get(id)
	if !found {
		return &MissingBufferError{ID: id}
	}
	defer dst.Release()

	size := uint64(len(data))
	if size > dst.Size() {
		return &SizeError{ID: id, Size: size, Capacity: dst.Size()}
	}
	if size == 0 {
		return nil
	}

	staging, err := m.stage(m.upload, size)
	if err != nil {
		return errors.WithMessagef(err, "memory: writing %s", id)
	}
	defer m.unstage(m.upload, staging)

	if err := m.dev.WriteBuffer(staging.Buffer(), data); err != nil {
		return errors.Wrapf(err, "memory: mapping upload buffer for %s", id)
	}
	if err := m.dev.CopyBufferToBuffer(staging.Buffer(), dst.Buffer(), device.Align(size)); err != nil {
		return errors.Wrapf(err, "memory: copying into %s", id)
	}
	klog.V(2).Infof("memory: wrote %s into %s", humanize.IBytes(size), id)
	return nil
}

// Download returns the contents of the resident buffer id through a
// download staging buffer. It blocks until preceding device work is done.
func (m *Manager) Download(id core.BufferID) ([]byte, error) {
	src, found := m.main.Get(id)
	if !found {
		return nil, &MissingBufferError{ID: id}
	}
	defer src.Release()

	size := src.Size()
	staging, err := m.stage(m.download, size)
	if err != nil {
		return nil, errors.WithMessagef(err, "memory: downloading %s", id)
	}
	defer m.unstage(m.download, staging)

	if err := m.dev.CopyBufferToBuffer(src.Buffer(), staging.Buffer(), device.Align(size)); err != nil {
		return nil, errors.Wrapf(err, "memory: copying out of %s", id)
	}
	data, err := m.dev.ReadBuffer(staging.Buffer(), size)
	if err != nil {
		return nil, errors.Wrapf(err, "memory: mapping download buffer for %s", id)
	}
	klog.V(2).Infof("memory: downloaded %s from %s", humanize.IBytes(size), id)
	return data, nil
}

// stage allocates a staging buffer and takes a reference on it.
func (m *Manager) stage(p *Pool, size uint64) (*Ref, error) {
	id, err := p.Allocate(size)
	if err != nil {
		return nil, err
	}
	ref, found := p.Get(id)
	if !found {
		// Only a concurrent Close can get here.
		return nil, &MissingBufferError{ID: id}
	}
	return ref, nil
}

func (m *Manager) unstage(p *Pool, ref *Ref) {
	p.Release(ref.ID())
	ref.Release()
}

// Stats returns the counters of all three pools.
func (m *Manager) Stats() Stats {
	return Stats{
		Main:     m.main.Stats(),
		Upload:   m.upload.Stats(),
		Download: m.download.Stats(),
	}
}

// Close releases all pools. The device itself is not released.
func (m *Manager) Close() {
	klog.V(1).Infof("memory: closing manager (main: %s)", m.main.Stats())
	m.main.Close()
	m.upload.Close()
	m.download.Close()
}
