// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	tr := NewTracker(3, 1, 3)
	assert.False(t, tr.AllConsumed())
	_, ok := tr.TryTakeLanded()
	assert.False(t, ok)

	changed := tr.Changed()
	require.NoError(t, tr.MarkLanded(2))
	select {
	case <-changed:
	default:
		t.Fatal("Changed() not closed on landing")
	}

	// Idempotent landing: the chunk is only returned once.
	changed = tr.Changed()
	require.NoError(t, tr.MarkLanded(2))
	select {
	case <-changed:
		t.Fatal("Changed() closed on a no-op landing")
	default:
	}
	require.NoError(t, tr.MarkLanded(0))
	id, ok := tr.TryTakeLanded()
	require.True(t, ok)
	assert.Equal(t, 2, id)
	id, ok = tr.TryTakeLanded()
	require.True(t, ok)
	assert.Equal(t, 0, id)
	_, ok = tr.TryTakeLanded()
	assert.False(t, ok)

	pending, landed, consumed := tr.Counts()
	assert.Equal(t, []int{1, 2, 0}, []int{pending, landed, consumed})

	require.NoError(t, tr.MarkConsumed(2))
	require.NoError(t, tr.MarkLanded(2), "landing a consumed chunk is a no-op")
	state, err := tr.State(2)
	require.NoError(t, err)
	assert.Equal(t, Consumed, state)
	_, ok = tr.TryTakeLanded()
	assert.False(t, ok)

	// Contract breaches.
	var violation *InvariantViolation
	err = tr.MarkConsumed(1)
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, 1, violation.Chunk)
	assert.Equal(t, Pending, violation.From)
	assert.Equal(t, 3, violation.Rank)
	assert.Contains(t, err.Error(), "before landing")

	err = tr.MarkConsumed(2)
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, Consumed, violation.From)
	assert.Contains(t, err.Error(), "twice")

	require.Error(t, tr.MarkLanded(3))
	require.Error(t, tr.MarkConsumed(-1))
	for _, chunk := range []int{-1, 3} {
		_, err = tr.State(chunk)
		require.True(t, errors.As(err, &violation), "chunk %d", chunk)
		assert.Equal(t, chunk, violation.Chunk)
		assert.Contains(t, err.Error(), "unknown chunk")
	}

	require.NoError(t, tr.MarkConsumed(0))
	require.NoError(t, tr.MarkLanded(1))
	require.NoError(t, tr.MarkConsumed(1))
	assert.True(t, tr.AllConsumed())
	pending, landed, consumed = tr.Counts()
	assert.Equal(t, []int{0, 0, 3}, []int{pending, landed, consumed})
}

func TestTrackerConcurrent(t *testing.T) {
	const numChunks = 1000
	tr := NewTracker(0, 0, numChunks)
	var wg sync.WaitGroup
	// Every chunk lands twice, from different goroutines.
	for range 2 {
		for g := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for id := g; id < numChunks; id += 4 {
					assert.NoError(t, tr.MarkLanded(id))
				}
			}()
		}
	}

	taken := make([]int, numChunks)
	var muTaken sync.Mutex
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !tr.AllConsumed() {
				changed := tr.Changed()
				id, ok := tr.TryTakeLanded()
				if !ok {
					if tr.AllConsumed() {
						return
					}
					<-changed
					continue
				}
				muTaken.Lock()
				taken[id]++
				muTaken.Unlock()
				assert.NoError(t, tr.MarkConsumed(id))
			}
		}()
	}
	wg.Wait()
	for id, count := range taken {
		require.Equal(t, 1, count, "chunk %d taken %d times", id, count)
	}
}
