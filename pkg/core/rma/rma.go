// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rma defines the one-sided (remote memory access) substrate used to move matrix chunks between ranks,
// and LocalFabric, an in-process implementation.
//
// The substrate only offers two data operations: issue a non-blocking get or put against a window exposed by a peer,
// and poll (or be notified of) completions. Plus the group-wide operations Fence and Abort.
package rma

import (
	"context"
	"fmt"

	"github.com/gomlx/cosma/pkg/core/gemm"
)

// Op is the kind of one-sided transfer.
type Op int

const (
	// Get reads from the peer's window into the local buffer.
	Get Op = iota
	// Put writes the local buffer into the peer's window.
	Put
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case Get:
		return "get"
	case Put:
		return "put"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Token identifies a transfer in completions. It is opaque to the substrate.
type Token struct {
	Epoch uint64
	Step  int
	Tag   int
}

// String implements fmt.Stringer.
func (t Token) String() string {
	return fmt.Sprintf("e%d/s%d/#%d", t.Epoch, t.Step, t.Tag)
}

// Request of a one-sided transfer of len(Local) values.
type Request[T gemm.Scalar] struct {
	Op     Op
	Peer   int
	Window string

	// RemoteOffset is the position in the peer's window where the transfer starts.
	RemoteOffset int

	// Local is the destination of a Get or the source of a Put. It must not be touched until the
	// LocalDone completion of the request is polled.
	Local []T

	// Token is returned in the LocalDone completion on the issuing rank.
	Token Token

	// RemoteToken is delivered to the peer in a RemoteArrival completion once a Put has landed in its window.
	RemoteToken Token
}

// Info returns the description of the request, without the data.
func (r *Request[T]) Info(origin int) TransferInfo {
	return TransferInfo{
		Op:           r.Op,
		Origin:       origin,
		Peer:         r.Peer,
		Window:       r.Window,
		RemoteOffset: r.RemoteOffset,
		Count:        len(r.Local),
		Token:        r.Token,
		RemoteToken:  r.RemoteToken,
	}
}

// TransferInfo describes a transfer, it is passed to hooks and included in errors.
type TransferInfo struct {
	Op                  Op
	Origin, Peer        int
	Window              string
	RemoteOffset, Count int
	Token, RemoteToken  Token
}

// String implements fmt.Stringer.
func (ti TransferInfo) String() string {
	return fmt.Sprintf("%s %d->%d %q[%d:%d] (%s)", ti.Op, ti.Origin, ti.Peer, ti.Window,
		ti.RemoteOffset, ti.RemoteOffset+ti.Count, ti.Token)
}

// CompletionKind tells what a Completion reports.
type CompletionKind int

const (
	// LocalDone is delivered to the issuing rank when its buffer can be read (Get) or reused (Put).
	LocalDone CompletionKind = iota
	// RemoteArrival is delivered to the target rank of a Put once the data is in its window.
	RemoteArrival
)

// String implements fmt.Stringer.
func (k CompletionKind) String() string {
	switch k {
	case LocalDone:
		return "local-done"
	case RemoteArrival:
		return "remote-arrival"
	}
	return fmt.Sprintf("CompletionKind(%d)", int(k))
}

// Completion of a transfer.
type Completion struct {
	Kind  CompletionKind
	Token Token
	// Peer is the other side of the transfer.
	Peer  int
	Count int
}

// Endpoint is the view of the substrate from one rank.
type Endpoint[T gemm.Scalar] interface {
	// Rank of the endpoint in the group.
	Rank() int

	// Expose data under the window name, so peers can read or write it.
	Expose(window string, data []T) error

	// Unexpose withdraws a window. Transfers issued against it afterward are rejected.
	Unexpose(window string) error

	// Issue a non-blocking transfer. It returns an error, without side effects, if the substrate rejects it.
	Issue(req Request[T]) error

	// Poll returns the next completion, if any is available. It never blocks.
	Poll() (Completion, bool)

	// Ready returns a channel that receives a value when new completions may be available to Poll.
	Ready() <-chan struct{}
}

// Group is the set of ranks sharing a substrate.
type Group interface {
	// ID uniquely identifies the group, used in logs.
	ID() string

	// Size is the number of ranks.
	Size() int

	// Fence blocks until every rank in ranks called Fence with the same tag and ranks, the group is aborted or ctx
	// is done. The ranks must be distinct and in increasing order.
	Fence(ctx context.Context, ranks []int, tag string) error

	// Abort the group with the given cause. Pending and future fences fail and new transfers are rejected.
	// Only the first cause is kept.
	Abort(err error)

	// Aborted returns a channel closed when the group is aborted.
	Aborted() <-chan struct{}

	// Err returns the cause of the abort, or nil if the group is healthy.
	Err() error
}
