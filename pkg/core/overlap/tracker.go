// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"fmt"
	"sync"
)

// ChunkState is the state of a chunk in a step: Pending -> Landed -> Consumed.
type ChunkState uint8

const (
	Pending ChunkState = iota
	Landed
	Consumed
)

// String implements fmt.Stringer.
func (s ChunkState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Landed:
		return "landed"
	case Consumed:
		return "consumed"
	}
	return fmt.Sprintf("ChunkState(%d)", int(s))
}

// Tracker records the state of the chunks of one step. It is safe for concurrent use.
//
// Chunks are identified by their index in the plan, from 0 to numChunks-1.
type Tracker struct {
	rank, step int

	mu      sync.Mutex
	states  []ChunkState
	landedQ []int // Landed chunks not yet taken, in landing order.
	counts  [3]int
	changed chan struct{}
}

// NewTracker returns a tracker with numChunks pending chunks.
func NewTracker(rank, step, numChunks int) *Tracker {
	t := &Tracker{
		rank:    rank,
		step:    step,
		states:  make([]ChunkState, numChunks),
		landedQ: make([]int, 0, numChunks),
		changed: make(chan struct{}),
	}
	t.counts[Pending] = numChunks
	return t
}

func (t *Tracker) violation(chunk int, from, to ChunkState, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Rank: t.rank, Step: t.step, Chunk: chunk, From: from, To: to, Msg: fmt.Sprintf(format, args...)}
}

// lockedTransition moves chunk to state `to` and wakes up waiters.
//
// It must be called with mu acquired.
func (t *Tracker) lockedTransition(chunk int, to ChunkState) {
	t.counts[t.states[chunk]]--
	t.counts[to]++
	t.states[chunk] = to
	close(t.changed)
	t.changed = make(chan struct{})
}

// MarkLanded records that the data of chunk is available. It is a no-op if the chunk already landed
// (or was consumed).
func (t *Tracker) MarkLanded(chunk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chunk < 0 || chunk >= len(t.states) {
		return t.violation(chunk, Pending, Landed, "unknown chunk, step has %d chunks", len(t.states))
	}
	if t.states[chunk] != Pending {
		return nil
	}
	t.landedQ = append(t.landedQ, chunk)
	t.lockedTransition(chunk, Landed)
	return nil
}

// TryTakeLanded returns the next landed chunk not yet taken, in landing order. Each landed chunk is returned
// at most once. It returns false if there is none.
func (t *Tracker) TryTakeLanded() (chunk int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.landedQ) == 0 {
		return -1, false
	}
	chunk = t.landedQ[0]
	t.landedQ = t.landedQ[1:]
	return chunk, true
}

// MarkConsumed records that chunk was folded. It fails with an *InvariantViolation if the chunk hasn't landed
// or was already consumed.
func (t *Tracker) MarkConsumed(chunk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chunk < 0 || chunk >= len(t.states) {
		return t.violation(chunk, Landed, Consumed, "unknown chunk, step has %d chunks", len(t.states))
	}
	switch t.states[chunk] {
	case Pending:
		return t.violation(chunk, Pending, Consumed, "chunk consumed before landing")
	case Consumed:
		return t.violation(chunk, Consumed, Consumed, "chunk consumed twice")
	}
	t.lockedTransition(chunk, Consumed)
	return nil
}

// AllConsumed returns whether every chunk was consumed.
func (t *Tracker) AllConsumed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[Consumed] == len(t.states)
}

// State returns the state of chunk, or an *InvariantViolation if the step has no such chunk.
func (t *Tracker) State(chunk int) (ChunkState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chunk < 0 || chunk >= len(t.states) {
		return Pending, t.violation(chunk, Pending, Pending, "unknown chunk, step has %d chunks", len(t.states))
	}
	return t.states[chunk], nil
}

// Counts returns the number of chunks in each state.
func (t *Tracker) Counts() (pending, landed, consumed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[Pending], t.counts[Landed], t.counts[Consumed]
}

// Changed returns a channel that is closed on the next state transition of any chunk.
//
// To not miss wake-ups, get the channel before checking the state.
func (t *Tracker) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}
