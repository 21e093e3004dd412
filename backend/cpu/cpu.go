// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"github.com/born-ml/vknp/internal/device"
	"github.com/born-ml/vknp/internal/ops"
	"github.com/born-ml/vknp/internal/parallel"
)

// Device is the host compute device.
//
// It runs every builtin kernel in pure Go and enforces the buffer usage
// rules of a GPU, so code tested against it behaves the same on WebGPU.
type Device = device.Host

// Config configures the host device.
type Config = device.HostConfig

// DefaultConfig returns the default host device configuration.
func DefaultConfig() Config {
	return device.DefaultHostConfig()
}

// New creates a host device with the builtin kernels registered.
//
// Example:
//
//	import (
//	    "github.com/born-ml/vknp/backend/cpu"
//	    "github.com/born-ml/vknp/compute"
//	)
//
//	func main() {
//	    rt, err := compute.New(cpu.New(), compute.DefaultConfig())
//	    ...
//	}
func New() *Device {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a host device with the given configuration and the
// builtin kernels registered.
func NewWithConfig(cfg Config) *Device {
	h := device.NewHost(cfg)
	ops.RegisterHostKernels(h)
	return h
}

// Sequential returns a configuration running every dispatch on the calling
// goroutine.
func Sequential() Config {
	return Config{Parallel: parallel.Sequential()}
}
