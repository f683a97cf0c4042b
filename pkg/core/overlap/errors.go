// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"fmt"

	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/rma"
	"github.com/pkg/errors"
)

// ErrInvalidStep is wrapped by the errors returned when a step can't be run by the engine: the step is not parallel,
// its divisor doesn't divide the number of ranks in P, the rank is not in P or the tiles don't match the layout.
var ErrInvalidStep = errors.New("invalid step")

// TransferIssueError is returned when the substrate rejects a one-sided transfer. It is fatal for the step.
type TransferIssueError struct {
	Rank, Step int

	// Chunk is the id of the chunk fetched (get) or the index of the push (put).
	Chunk  int
	Op     rma.Op
	Peer   int
	Window string
	Err    error
}

// Error implements error.
func (e *TransferIssueError) Error() string {
	return fmt.Sprintf("rank %d, step %d: %s of chunk %d with rank %d on window %q rejected: %v",
		e.Rank, e.Step, e.Op, e.Chunk, e.Peer, e.Window, e.Err)
}

// Unwrap returns the substrate error.
func (e *TransferIssueError) Unwrap() error { return e.Err }

// InvariantViolation is returned when the state machine of a chunk is broken: it is consumed before landing or
// consumed twice, or an unknown chunk is referenced.
//
// It indicates a logic bug: results computed by the group can't be trusted.
type InvariantViolation struct {
	Rank, Step, Chunk int
	From, To          ChunkState
	Msg               string
}

// Error implements error.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("rank %d, step %d: invariant violation on chunk %d (%s -> %s): %s",
		e.Rank, e.Step, e.Chunk, e.From, e.To, e.Msg)
}

// AccumulationError is returned when folding a partial product into C fails, for instance on a shape mismatch.
type AccumulationError struct {
	Rank, Step int

	// Chunk is the chunk being folded, or the index of the push whose partial product was being computed.
	Chunk int

	// Region is the C region being updated, or -1 when computing a partial product to push.
	Region     int
	Rows, Cols interval.Interval
	Err        error
}

// Error implements error.
func (e *AccumulationError) Error() string {
	if e.Region < 0 {
		return fmt.Sprintf("rank %d, step %d: computing partial product of push %d for C block %s×%s failed: %v",
			e.Rank, e.Step, e.Chunk, e.Rows, e.Cols, e.Err)
	}
	return fmt.Sprintf("rank %d, step %d: folding chunk %d into C region %d (%s×%s) failed: %v",
		e.Rank, e.Step, e.Chunk, e.Region, e.Rows, e.Cols, e.Err)
}

// Unwrap returns the kernel error.
func (e *AccumulationError) Unwrap() error { return e.Err }

// failureKind classifies errors for the metrics.
func failureKind(err error) string {
	var (
		transferErr  *TransferIssueError
		invariantErr *InvariantViolation
		accumErr     *AccumulationError
	)
	switch {
	case errors.As(err, &transferErr):
		return "transfer_issue"
	case errors.As(err, &invariantErr):
		return "invariant"
	case errors.As(err, &accumErr):
		return "accumulation"
	case errors.Is(err, rma.ErrAborted):
		return "aborted"
	}
	return "other"
}
