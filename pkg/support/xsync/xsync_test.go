// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go l.Trigger()
	l.Wait()
	assert.True(t, l.Test())
	l.Trigger() // No-op.
	<-l.WaitChan()

	lv := NewLatchWithValue[error]()
	_, triggered := lv.Value()
	assert.False(t, triggered)
	first := errors.New("first")
	assert.True(t, lv.Trigger(first))
	assert.False(t, lv.Trigger(errors.New("second")))
	assert.Equal(t, first, lv.Wait())
	v, triggered := lv.Value()
	assert.True(t, triggered)
	assert.Equal(t, first, v)
}

func TestDynamicWaitGroup(t *testing.T) {
	var dwg DynamicWaitGroup
	dwg.Wait() // Zero value, nothing to wait for.

	dwg.Add(2)
	assert.Equal(t, 2, dwg.Count())
	done := NewLatch()
	go func() {
		dwg.Wait()
		done.Trigger()
	}()
	dwg.Done()
	dwg.Add(1) // Added while someone is waiting.
	dwg.Done()
	select {
	case <-done.WaitChan():
		t.Fatal("Wait returned with the counter > 0")
	case <-time.After(10 * time.Millisecond):
	}
	dwg.Done()
	select {
	case <-done.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("Wait didn't return after the counter reached 0")
	}

	// Re-use after reaching zero.
	dwg.Add(1)
	cause := errors.New("aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	require.ErrorIs(t, dwg.WaitContext(ctx), cause)
	dwg.Done()
	require.NoError(t, dwg.WaitContext(ctx))

	require.Panics(t, func() { dwg.Done() })
}
