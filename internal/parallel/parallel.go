// Package parallel fans host-side work out across goroutines.
//
// The host device uses it to execute the work items of a dispatch the way a
// GPU executes workgroups: independent chunks with no ordering between them.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 256,
	}
}

// Sequential returns a Config that runs everything on the calling goroutine.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	ForChunks(n, 1, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

// ForChunks splits [0, n) into contiguous ranges whose length is a multiple
// of unit (except the last) and calls f once per range. A range is never
// split below unit items, so a caller can keep workgroups whole.
func ForChunks(n, unit int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	unit = max(unit, 1)
	workers := max(cfg.NumWorkers, 1)
	if !cfg.Enabled || workers == 1 || n < cfg.MinChunkSize || n <= unit {
		// Sequential fallback.
		f(0, n)
		return
	}

	chunkSize := max((n+workers-1)/workers, cfg.MinChunkSize)
	chunkSize = (chunkSize + unit - 1) / unit * unit

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}
