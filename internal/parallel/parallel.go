// Package parallel provides the superstep execution pool for the lattice engines.
//
// A Pool is created once and reused across many supersteps. Each call to
// ParallelForAtomic is one superstep: it blocks until every unit of work has
// finished, so all writes made inside superstep k are visible to superstep
// k+1. The wavefront schedulers rely on this call boundary as their only
// inter-iteration barrier.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled    bool // Whether parallel execution is enabled.
	NumWorkers int  // Number of worker goroutines to use.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:    n > 1,
		NumWorkers: n,
	}
}

// Pool is a persistent worker pool reused across supersteps.
// Workers are spawned once at creation and persist until Close.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

// workItem is a single unit of superstep work.
type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// NewPool creates a worker pool from the config.
// If parallelism is disabled or NumWorkers <= 1, work runs sequentially
// on the calling goroutine.
func NewPool(cfg Config) *Pool {
	n := cfg.NumWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if !cfg.Enabled {
		n = 1
	}

	p := &Pool{
		numWorkers: n,
		workC:      make(chan workItem, n*2),
	}

	if n > 1 {
		for range n {
			go p.worker()
		}
	}

	return p
}

// worker is the main loop for each persistent worker goroutine.
func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the worker pool. All pending work completes first.
// Calling Close multiple times is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.numWorkers > 1 {
			close(p.workC)
		}
	})
}

// ParallelForAtomic executes fn(i) for each i in [0, n) using atomic work
// stealing, then blocks until all of them are done. The return is the
// superstep barrier: every write made by any fn call happens-before the
// caller continues.
//
// Work per index may vary wildly (tiles clipped by boundary rectangles do
// no work), so atomic index distribution balances load better than
// contiguous chunking.
func (p *Pool) ParallelForAtomic(n int, fn func(i int)) {
	if n <= 0 {
		return
	}

	workers := min(p.numWorkers, n)
	if workers <= 1 || p.closed.Load() {
		for i := range n {
			fn(i)
		}
		return
	}

	var nextIdx atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)

	for range workers {
		p.workC <- workItem{
			fn: func() {
				for {
					idx := int(nextIdx.Add(1)) - 1
					if idx >= n {
						return
					}
					fn(idx)
				}
			},
			barrier: &wg,
		}
	}

	wg.Wait()
}
