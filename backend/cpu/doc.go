// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go host device.
//
// # Overview
//
// The host device implements the same device contract as the WebGPU
// backend:
//   - Pure Go implementation (no CGO)
//   - Resident, upload and download buffers with GPU usage rules
//   - Kernels selected by shader entry point, one Go function per entry
//   - Work items spread over goroutines in whole workgroups
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/vknp/backend/cpu"
//	    "github.com/born-ml/vknp/compute"
//	)
//
//	func main() {
//	    rt, _ := compute.New(cpu.New(), compute.DefaultConfig())
//	    defer rt.Close()
//
//	    a, _ := compute.Upload(rt, []float32{1, 2, 3, 4}, 4)
//	    b, _ := compute.Upload(rt, []float32{5, 6, 7, 8}, 4)
//	    c, _ := compute.Empty[float32](rt, 4)
//	    _ = rt.Run("add", []compute.Any{a, b}, []compute.Any{c})
//	    sum, _ := compute.Download(rt, c) // [6 8 10 12]
//	}
//
// # Thread Safety
//
// The host device is safe for concurrent use. Transfers and dispatches are
// serialized like submissions to a single device queue.
package cpu
