// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization tools used by the overlap engine and the in-process fabric.
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch is triggered, to be used in a select.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch that carries a value set by the first Trigger.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch and save the associated value.
// It returns false if the latch was already triggered, in which case value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return false
	}
	l.value = value
	close(l.latch.wait)
	return true
}

// Wait waits for the latch to be triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// Value returns the value of the latch if it was triggered, or the zero value of T otherwise.
// It never blocks.
func (l *LatchWithValue[T]) Value() (value T, triggered bool) {
	if !l.latch.Test() {
		return
	}
	return l.value, true
}

// WaitChan returns a channel that is closed when the latch is triggered.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.latch.WaitChan()
}
