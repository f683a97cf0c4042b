// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rma

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrRejected is wrapped by the errors returned by Issue when the request is invalid.
	ErrRejected = errors.New("rma: transfer rejected")

	// ErrAborted is wrapped by errors caused by operations on an aborted group.
	ErrAborted = errors.New("rma: group aborted")
)

// Option configures a LocalFabric.
type Option func(*fabricOptions)

type fabricOptions struct {
	latency, jitter time.Duration
	issueHook       func(TransferInfo) error
	gate            func(TransferInfo) <-chan struct{}
	landedHook      func(TransferInfo)
}

// WithLatency delays every transfer by latency plus a uniformly random value in [0, jitter).
func WithLatency(latency, jitter time.Duration) Option {
	return func(o *fabricOptions) {
		o.latency, o.jitter = latency, jitter
	}
}

// WithIssueHook is called synchronously by Issue, after the request is validated. If it returns an error the
// request is rejected with it. Used to inject substrate failures.
func WithIssueHook(hook func(TransferInfo) error) Option {
	return func(o *fabricOptions) { o.issueHook = hook }
}

// WithGate makes every transfer wait, before moving any data, until the channel returned by gate is closed or
// receives a value. A nil channel doesn't wait.
func WithGate(gate func(TransferInfo) <-chan struct{}) Option {
	return func(o *fabricOptions) { o.gate = gate }
}

// WithLandedHook is called after a transfer has landed and its completions were posted.
func WithLandedHook(hook func(TransferInfo)) Option {
	return func(o *fabricOptions) { o.landedHook = hook }
}

// LocalFabric is an in-process Group whose endpoints share memory: transfers are copies run by goroutines.
//
// Completion queues are unbounded, so transfers never block on a rank that is not polling.
type LocalFabric[T gemm.Scalar] struct {
	id        string
	opts      fabricOptions
	endpoints []*LocalEndpoint[T]

	muFences sync.Mutex
	fences   map[string]*fence

	abort     *xsync.LatchWithValue[error]
	transfers sync.WaitGroup
}

type fence struct {
	ranks   []int
	arrived int
	done    *xsync.Latch
}

var _ Group = (*LocalFabric[float32])(nil)

// NewLocalFabric creates a group of size ranks.
func NewLocalFabric[T gemm.Scalar](size int, options ...Option) (*LocalFabric[T], error) {
	if size <= 0 {
		return nil, errors.Errorf("rma: invalid group size %d", size)
	}
	f := &LocalFabric[T]{
		id:     uuid.NewString(),
		fences: make(map[string]*fence),
		abort:  xsync.NewLatchWithValue[error](),
	}
	for _, option := range options {
		option(&f.opts)
	}
	f.endpoints = make([]*LocalEndpoint[T], size)
	for rank := range size {
		f.endpoints[rank] = &LocalEndpoint[T]{
			fabric:  f,
			rank:    rank,
			windows: make(map[string][]T),
			ready:   make(chan struct{}, 1),
		}
	}
	return f, nil
}

// ID implements Group.
func (f *LocalFabric[T]) ID() string { return f.id }

// Size implements Group.
func (f *LocalFabric[T]) Size() int { return len(f.endpoints) }

// Endpoint returns the endpoint of rank. It panics if rank is out of range.
func (f *LocalFabric[T]) Endpoint(rank int) *LocalEndpoint[T] {
	return f.endpoints[rank]
}

// Abort implements Group.
func (f *LocalFabric[T]) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	if f.abort.Trigger(err) {
		klog.V(1).Infof("rma: group %s aborted: %v", f.id, err)
	}
}

// Aborted implements Group.
func (f *LocalFabric[T]) Aborted() <-chan struct{} { return f.abort.WaitChan() }

// Err implements Group.
func (f *LocalFabric[T]) Err() error {
	err, _ := f.abort.Value()
	return err
}

// abortedErr returns an error wrapping ErrAborted with the cause of the abort.
func (f *LocalFabric[T]) abortedErr() error {
	return errors.Wrapf(ErrAborted, "group %s: %v", f.id, f.Err())
}

// Fence implements Group.
func (f *LocalFabric[T]) Fence(ctx context.Context, ranks []int, tag string) error {
	if len(ranks) == 0 || ranks[0] < 0 || ranks[len(ranks)-1] >= f.Size() || !slices.IsSorted(ranks) ||
		len(slices.Compact(slices.Clone(ranks))) != len(ranks) {
		return errors.Errorf("rma: fence %q over ranks %v of group of size %d", tag, ranks, f.Size())
	}
	if f.abort.Test() {
		return f.abortedErr()
	}
	f.muFences.Lock()
	fc, found := f.fences[tag]
	if !found {
		fc = &fence{ranks: slices.Clone(ranks), done: xsync.NewLatch()}
		f.fences[tag] = fc
	} else if !slices.Equal(fc.ranks, ranks) {
		f.muFences.Unlock()
		return errors.Errorf("rma: fence %q called over ranks %v, but other ranks called it over %v", tag, ranks, fc.ranks)
	}
	fc.arrived++
	if fc.arrived == len(ranks) {
		delete(f.fences, tag)
		fc.done.Trigger()
	}
	f.muFences.Unlock()

	select {
	case <-fc.done.WaitChan():
		return nil
	case <-f.abort.WaitChan():
		return f.abortedErr()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Wait for all transfer goroutines to finish. Transfers abandoned by an abort finish as soon as the group is aborted.
func (f *LocalFabric[T]) Wait() {
	f.transfers.Wait()
}

// LocalEndpoint implements Endpoint for one rank of a LocalFabric.
type LocalEndpoint[T gemm.Scalar] struct {
	fabric *LocalFabric[T]
	rank   int

	mu      sync.Mutex
	windows map[string][]T
	queue   []Completion
	ready   chan struct{}
}

var _ Endpoint[float64] = (*LocalEndpoint[float64])(nil)

// Rank implements Endpoint.
func (ep *LocalEndpoint[T]) Rank() int { return ep.rank }

// Expose implements Endpoint.
func (ep *LocalEndpoint[T]) Expose(window string, data []T) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, found := ep.windows[window]; found {
		return errors.Errorf("rma: rank %d already exposes window %q", ep.rank, window)
	}
	ep.windows[window] = data
	return nil
}

// Unexpose implements Endpoint.
func (ep *LocalEndpoint[T]) Unexpose(window string) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, found := ep.windows[window]; !found {
		return errors.Errorf("rma: rank %d doesn't expose window %q", ep.rank, window)
	}
	delete(ep.windows, window)
	return nil
}

// Windows returns the number of windows currently exposed.
func (ep *LocalEndpoint[T]) Windows() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.windows)
}

// lookup returns the window slice of [offset, offset+count) if it is exposed.
func (ep *LocalEndpoint[T]) lookup(window string, offset, count int) ([]T, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	data, found := ep.windows[window]
	if !found {
		return nil, errors.Wrapf(ErrRejected, "window %q not exposed by rank %d", window, ep.rank)
	}
	if offset < 0 || offset+count > len(data) {
		return nil, errors.Wrapf(ErrRejected, "range [%d, %d) out of bounds of window %q of rank %d with %d values",
			offset, offset+count, window, ep.rank, len(data))
	}
	return data[offset : offset+count], nil
}

// Issue implements Endpoint.
func (ep *LocalEndpoint[T]) Issue(req Request[T]) error {
	f := ep.fabric
	info := req.Info(ep.rank)
	if f.abort.Test() {
		return f.abortedErr()
	}
	if req.Op != Get && req.Op != Put {
		return errors.Wrapf(ErrRejected, "invalid op %s", req.Op)
	}
	if req.Peer < 0 || req.Peer >= f.Size() {
		return errors.Wrapf(ErrRejected, "peer %d not in group of size %d", req.Peer, f.Size())
	}
	remote, err := f.endpoints[req.Peer].lookup(req.Window, req.RemoteOffset, len(req.Local))
	if err != nil {
		return err
	}
	if f.opts.issueHook != nil {
		if err := f.opts.issueHook(info); err != nil {
			return err
		}
	}
	klog.V(3).Infof("rma: issued %s", info)
	f.transfers.Add(1)
	go func() {
		defer f.transfers.Done()
		f.transfer(ep, req, remote, info)
	}()
	return nil
}

// transfer moves the data of an issued request and posts its completions.
func (f *LocalFabric[T]) transfer(origin *LocalEndpoint[T], req Request[T], remote []T, info TransferInfo) {
	if f.opts.gate != nil {
		if gate := f.opts.gate(info); gate != nil {
			select {
			case <-gate:
			case <-f.abort.WaitChan():
				return
			}
		}
	}
	if delay := f.opts.latency + jitter(f.opts.jitter); delay > 0 {
		select {
		case <-time.After(delay):
		case <-f.abort.WaitChan():
			return
		}
	}
	if f.abort.Test() {
		// Abandoned: no data moves after an abort.
		return
	}
	switch req.Op {
	case Get:
		copy(req.Local, remote)
		origin.post(Completion{Kind: LocalDone, Token: req.Token, Peer: req.Peer, Count: len(remote)})
	case Put:
		copy(remote, req.Local)
		f.endpoints[req.Peer].post(Completion{Kind: RemoteArrival, Token: req.RemoteToken, Peer: origin.rank, Count: len(remote)})
		origin.post(Completion{Kind: LocalDone, Token: req.Token, Peer: req.Peer, Count: len(remote)})
	}
	if f.opts.landedHook != nil {
		f.opts.landedHook(info)
	}
}

func jitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(maxJitter)))
}

// post appends a completion to the queue and notifies Ready.
func (ep *LocalEndpoint[T]) post(c Completion) {
	ep.mu.Lock()
	ep.queue = append(ep.queue, c)
	ep.mu.Unlock()
	select {
	case ep.ready <- struct{}{}:
	default:
	}
}

// Poll implements Endpoint.
func (ep *LocalEndpoint[T]) Poll() (Completion, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.queue) == 0 {
		return Completion{}, false
	}
	c := ep.queue[0]
	ep.queue = ep.queue[1:]
	return c, true
}

// Ready implements Endpoint.
func (ep *LocalEndpoint[T]) Ready() <-chan struct{} { return ep.ready }
