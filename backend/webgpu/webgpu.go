//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU compute device.
//
// The device is built on windows only. Elsewhere use the host device from
// backend/cpu.
//
// Example:
//
//	import (
//	    "github.com/born-ml/vknp/backend/webgpu"
//	    "github.com/born-ml/vknp/compute"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    rt, err := compute.New(gpu, compute.DefaultConfig())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer rt.Close() // releases gpu too
//	}
package webgpu

import (
	"github.com/born-ml/vknp/internal/device"
	internalwebgpu "github.com/born-ml/vknp/internal/device/webgpu"
)

// Device represents the WebGPU compute device.
type Device = internalwebgpu.Device

// Compile-time check that Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New creates a new WebGPU device.
//
// This function initializes the WebGPU adapter, device and queue.
// Call Release() when done to free GPU resources.
//
// Returns an error if WebGPU initialization fails (e.g., no compatible GPU).
func New() (*Device, error) {
	return internalwebgpu.New()
}

// IsAvailable checks if WebGPU is available on the current system.
//
// This function attempts to initialize a WebGPU adapter to verify
// that a compatible GPU and drivers are present. It's useful for
// graceful fallback to the host device when GPU is not available.
//
// Example:
//
//	var dev compute.Device
//	if webgpu.IsAvailable() {
//	    dev, _ = webgpu.New()
//	} else {
//	    dev = cpu.New()
//	}
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
