// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the fan-out of independent per-device work.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits how many goroutines run work items concurrently.
//
// It is cheap to share: the zero cost is one buffered channel used as a semaphore.
type Pool struct {
	maxParallelism int
	sem            chan struct{}
}

// New returns a Pool that runs at most maxParallelism work items concurrently.
// If maxParallelism is <= 0 it defaults to runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	return &Pool{
		maxParallelism: maxParallelism,
		sem:            make(chan struct{}, maxParallelism),
	}
}

// MaxParallelism returns the concurrency limit of the pool.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// ForEach runs task(idx) for every idx in [0, n) and waits for all of them to finish.
//
// Tasks must be independent: each one writes only to its own slot of whatever output the
// caller prepared. With n <= 1 the task runs inline on the calling goroutine.
func (p *Pool) ForEach(n int, task func(idx int)) {
	if n <= 0 {
		return
	}
	if n == 1 || p.maxParallelism == 1 {
		for idx := 0; idx < n; idx++ {
			task(idx)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for idx := 0; idx < n; idx++ {
		p.sem <- struct{}{}
		go func(idx int) {
			defer func() {
				<-p.sem
				wg.Done()
			}()
			task(idx)
		}(idx)
	}
	wg.Wait()
}
