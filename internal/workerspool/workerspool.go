// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks (partial-product folds, kernel column strips) in goroutines,
// limited by a soft target of parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers.
//
// The zero value is not valid, use New.
type Pool struct {
	// maxParallelism is a soft target on the number of tasks running in parallel.
	// 0 disables parallelism, negative values make it unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with the given parallelism target.
// If maxParallelism is 0 tasks are never started in separate goroutines, and if it is negative
// parallelism is unlimited.
func New(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// NewDefault returns a Pool with parallelism set to runtime.NumCPU().
func NewDefault() *Pool {
	return New(runtime.NumCPU())
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// MaxParallelism returns the soft target of parallelism.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// lockedIsFull returns whether all workers are in use.
//
// It must be called with p.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// lockedStart runs task in a goroutine and keeps tabs on p.numRunning.
//
// It must be called with p.mu acquired.
func (p *Pool) lockedStart(task func()) {
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs task in a separate goroutine if a worker is available.
// It returns false if the task was not started, in which case the caller is expected to run it inline.
//
// It's up to the caller to synchronize on the end of the task.
func (p *Pool) StartIfAvailable(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStart(task)
	return true
}

// WaitToStart waits until a worker is available and starts task in it.
//
// If parallelism is disabled it runs the task inline and returns only when it is finished.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// Saturate runs task in as many workers as are available (at least one) and returns when they all finish.
//
// With parallelism disabled it runs task once, inline.
func (p *Pool) Saturate(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	var wg sync.WaitGroup
	numWorkers := p.maxParallelism
	if numWorkers < 0 {
		numWorkers = runtime.NumCPU()
	}
	for range numWorkers {
		wg.Add(1)
		p.WaitToStart(func() {
			defer wg.Done()
			task()
		})
	}
	wg.Wait()
}

// Running returns the number of tasks currently running in the pool.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRunning
}
