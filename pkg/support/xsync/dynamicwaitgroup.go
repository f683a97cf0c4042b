// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync"

	"github.com/gomlx/exceptions"
)

// DynamicWaitGroup is a WaitGroup-like counter that allows new values to be added while someone is waiting
// for it, and whose wait can be interrupted by a context.
//
// The zero value is ready to use.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	count int64
	// zero is closed whenever count is 0. It is replaced by a fresh channel when count goes up from 0.
	zero chan struct{}
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	return &DynamicWaitGroup{}
}

// lockedZeroChan returns the channel closed when the counter reaches zero.
//
// It must be called with mu acquired.
func (dwg *DynamicWaitGroup) lockedZeroChan() chan struct{} {
	if dwg.zero == nil {
		dwg.zero = make(chan struct{})
		if dwg.count == 0 {
			close(dwg.zero)
		}
	}
	return dwg.zero
}

// Add changes the counter by delta. It panics if the counter would go negative.
func (dwg *DynamicWaitGroup) Add(delta int) {
	dwg.mu.Lock()
	defer dwg.mu.Unlock()
	zero := dwg.lockedZeroChan()
	previous := dwg.count
	dwg.count += int64(delta)
	if dwg.count < 0 {
		exceptions.Panicf("DynamicWaitGroup: negative counter %d", dwg.count)
	}
	switch {
	case previous == 0 && dwg.count > 0:
		dwg.zero = make(chan struct{})
	case previous > 0 && dwg.count == 0:
		close(zero)
	}
}

// Done decrements the counter by one.
func (dwg *DynamicWaitGroup) Done() {
	dwg.Add(-1)
}

// Count returns the current value of the counter.
func (dwg *DynamicWaitGroup) Count() int {
	dwg.mu.Lock()
	defer dwg.mu.Unlock()
	return int(dwg.count)
}

// Wait blocks until the counter is zero.
func (dwg *DynamicWaitGroup) Wait() {
	_ = dwg.WaitContext(context.Background())
}

// WaitContext blocks until the counter is zero or ctx is done, in which case it returns context.Cause(ctx).
//
// If values are added after the counter reached zero but before WaitContext noticed, it waits for the new ones too.
func (dwg *DynamicWaitGroup) WaitContext(ctx context.Context) error {
	for {
		dwg.mu.Lock()
		if dwg.count == 0 {
			dwg.mu.Unlock()
			return nil
		}
		zero := dwg.lockedZeroChan()
		dwg.mu.Unlock()
		select {
		case <-zero:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
