// Package parallel provides the bounded parallel-for used by the CPU kernels.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum number of concurrently running goroutines.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// With returns cfg with parallelism disabled when enabled is false.
// It is the per-call "parallelize" switch; it never changes results.
func (cfg Config) With(enabled bool) Config {
	if !enabled {
		cfg.Enabled = false
	}
	return cfg
}

func (cfg Config) workers() int {
	if cfg.NumWorkers <= 0 {
		return runtime.NumCPU()
	}
	return cfg.NumWorkers
}

// For calls f(i) for every i in [0, n). Indices are split into contiguous
// chunks of at least MinChunkSize run by at most NumWorkers goroutines; it
// returns once every call has returned. Each f(i) must only write state
// owned by index i.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < 2 || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	workers := cfg.workers()
	chunkSize := max((n+workers-1)/workers, cfg.MinChunkSize, 1)

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunkSize {
		start := start
		end := min(start+chunkSize, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				f(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ForBatch calls f(b, c) for every sample b and channel c, flattening the
// pair so small batches still spread over the workers.
func ForBatch(batch, channels int, f func(b, c int), cfg Config) {
	n := batch * channels
	For(n, func(k int) {
		f(k/channels, k%channels)
	}, cfg)
}
