// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package overlap implements one step of a distributed dense matrix multiplication C = beta*C + A·B, overlapping
// one-sided transfers of operand (or partial result) chunks with the local partial products.
//
// A parallel step of divisor d splits the ranks P in d sub-groups, and every rank works with the ranks at the same
// offset in the other sub-groups, its communication group. Within it, every rank:
//
//   - plans (scheduler.go) the chunks it needs, in a deterministic order;
//   - exposes the buffer its peers read from (or write into) and issues non-blocking gets (or puts);
//   - tracks (tracker.go) every chunk through pending -> landed -> consumed;
//   - folds (driver.go) landed chunks into C as they arrive, applying beta exactly once per C region;
//   - waits (barrier.go) until everything was consumed before releasing the buffers of the step.
//
// Any failure aborts the whole group: there is no partial success.
package overlap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gomlx/cosma/internal/workerspool"
	"github.com/gomlx/cosma/pkg/core/gemm"
	"github.com/gomlx/cosma/pkg/core/interval"
	"github.com/gomlx/cosma/pkg/core/matrix"
	"github.com/gomlx/cosma/pkg/core/rma"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/gomlx/cosma/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Step describes one invocation of the engine: the intervals of the problem and of the ranks at this level of
// the recursion, the index of the step in the strategy and beta.
type Step[T gemm.Scalar] struct {
	M, N, K, P interval.Interval
	Index      int
	Beta       T
}

// String implements fmt.Stringer.
func (s Step[T]) String() string {
	return fmt.Sprintf("Step(#%d, m=%s, n=%s, k=%s, P=%s, beta=%g)", s.Index, s.M, s.N, s.K, s.P, float64(s.Beta))
}

// Engine runs overlapped steps for one rank. Steps run one at a time: concurrent calls to Run are serialized.
//
// All ranks in P must run the same sequence of steps: window names and fence tags are derived from the number
// of steps run by the engine.
type Engine[T gemm.Scalar] struct {
	group  rma.Group
	ep     rma.Endpoint[T]
	kernel gemm.Kernel[T]
	opts   Options
	pool   *workerspool.Pool

	buffers bufferPool[T]

	mu        sync.Mutex
	epoch     uint64
	deferred  []deferredRelease[T]
	lastStats Stats
	closed    bool
}

// deferredRelease is a window kept exposed after a step in FenceLocal mode, until a fence over all the ranks
// that could access it.
type deferredRelease[T gemm.Scalar] struct {
	window string
	buf    []T
	ranks  []int
}

// New creates an engine for the rank of endpoint ep in group.
//
// If kernel is nil, gemm.Default is used. Options are applied on top of the configuration in the environment
// variable COSMA_OVERLAP (or DefaultConfig).
func New[T gemm.Scalar](group rma.Group, ep rma.Endpoint[T], kernel gemm.Kernel[T], options ...Option) (*Engine[T], error) {
	if group == nil || ep == nil {
		return nil, errors.New("overlap: group and endpoint must be given")
	}
	if ep.Rank() < 0 || ep.Rank() >= group.Size() {
		return nil, errors.Errorf("overlap: endpoint rank %d not in group of size %d", ep.Rank(), group.Size())
	}
	opts, err := resolveOptions(options...)
	if err != nil {
		return nil, err
	}
	if kernel == nil {
		kernel, err = gemm.Default[T]()
		if err != nil {
			return nil, err
		}
	}
	e := &Engine[T]{group: group, ep: ep, kernel: kernel, opts: opts}
	if opts.FoldWorkers != 0 {
		e.pool = workerspool.New(opts.FoldWorkers)
	}
	return e, nil
}

// Options returns the options of the engine.
func (e *Engine[T]) Options() Options { return e.opts }

// LastStats returns the stats of the last successful step.
func (e *Engine[T]) LastStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStats
}

// Close releases the windows kept exposed by FenceLocal steps. With FenceLocal, it must only be called once every
// peer finished its last step.
func (e *Engine[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseDeferred(nil)
	e.closed = true
}

// releaseDeferred withdraws the windows kept by FenceLocal steps whose ranks all took part in a fence over fenced,
// and recycles their buffers. A nil fenced releases every window.
func (e *Engine[T]) releaseDeferred(fenced []int) {
	kept := e.deferred[:0]
	for _, d := range e.deferred {
		if fenced != nil && !isSubset(d.ranks, fenced) {
			kept = append(kept, d)
			continue
		}
		if err := e.ep.Unexpose(d.window); err != nil {
			klog.Warningf("overlap: rank %d failed to release window %q: %v", e.ep.Rank(), d.window, err)
		}
		e.buffers.put(d.buf)
	}
	clear(e.deferred[len(kept):])
	e.deferred = kept
}

// isSubset returns whether every element of the sorted slice a is in the sorted slice b.
func isSubset(a, b []int) bool {
	j := 0
	for _, x := range a {
		for j < len(b) && b[j] < x {
			j++
		}
		if j == len(b) || b[j] != x {
			return false
		}
	}
	return true
}

// Run one step with the local tiles a, b and c, which must match the layout of the step for the rank of the
// engine. On success C holds beta*C + (A·B restricted to the tile). Any error is fatal for the whole group,
// which is aborted, and C may have been partially updated.
//
// Errors on preconditions wrap ErrInvalidStep, other errors are a *TransferIssueError, an *InvariantViolation,
// an *AccumulationError, or the error that aborted the group or cancelled ctx.
func (e *Engine[T]) Run(ctx context.Context, strat *strategy.Strategy, a, b, c *matrix.Matrix[T], step Step[T]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rank := e.ep.Rank()
	if e.closed {
		return errors.Errorf("overlap: rank %d engine is closed", rank)
	}
	start := time.Now()
	r, err := e.prepare(strat, a, b, c, step)
	if err != nil {
		klog.Errorf("overlap: rank %d, %s: %v", rank, step, err)
		e.group.Abort(err)
		e.opts.Metrics.failed(rank, err)
		return err
	}
	if klog.V(2).Enabled() {
		klog.Infof("overlap: %s", r.plan)
	}
	if err := r.execute(ctx); err != nil {
		klog.Errorf("overlap: rank %d, %s failed: %v", rank, step, err)
		e.opts.Metrics.failed(rank, err)
		return err
	}
	stats := r.stats(time.Since(start))
	e.lastStats = stats
	e.opts.Metrics.observe(&stats)
	klog.V(1).Infof("overlap: %s", stats)
	return nil
}

// prepare validates the step and builds its plan and state.
func (e *Engine[T]) prepare(strat *strategy.Strategy, a, b, c *matrix.Matrix[T], step Step[T]) (*run[T], error) {
	if strat == nil {
		return nil, errors.Wrap(ErrInvalidStep, "missing strategy")
	}
	st, err := strat.Step(step.Index)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidStep, "%v", err)
	}
	if st.Type != strategy.Parallel {
		return nil, errors.Wrapf(ErrInvalidStep, "step #%d (%s) of %s is sequential, it has no communication",
			step.Index, st, strat)
	}
	if step.P.Start() < 0 || step.P.End() > e.group.Size() {
		return nil, errors.Wrapf(ErrInvalidStep, "ranks P=%s out of the group of size %d", step.P, e.group.Size())
	}
	plan, err := NewPlan(st, step.Index, step.M, step.N, step.K, step.P, e.ep.Rank(), e.opts.ChunksPerPeer)
	if err != nil {
		return nil, err
	}
	if err := matrix.Matches(plan.Layout, a, b, c); err != nil {
		return nil, errors.Wrapf(ErrInvalidStep, "rank %d: %v", plan.Rank, err)
	}

	e.epoch++
	prefix := fmt.Sprintf("P%s/g%d/e%d", step.P, plan.Group[0], e.epoch)
	r := &run[T]{
		engine:  e,
		plan:    plan,
		step:    step,
		tiles:   tiles[T]{a: a, b: b, c: c},
		epoch:   e.epoch,
		prefix:  prefix,
		window:  prefix + "/" + plan.Exposed,
		tracker: NewTracker(plan.Rank, step.Index, len(plan.Chunks)),
		regions: make([]regionState, len(plan.Regions)),
		failure: xsync.NewLatchWithValue[error](),
	}
	r.recv = e.buffers.get(plan.RecvSize)
	if plan.Pattern == strategy.Reduce {
		var sendSize int
		for _, push := range plan.Pushes {
			if !push.Self {
				sendSize += push.Count
			}
		}
		r.sendBuf = e.buffers.get(sendSize)
		r.send = make([][]T, len(plan.Pushes))
		var offset int
		for i, push := range plan.Pushes {
			if !push.Self {
				r.send[i] = r.sendBuf[offset : offset+push.Count]
				offset += push.Count
			}
		}
	}
	return r, nil
}

// run holds the state of one step.
type run[T gemm.Scalar] struct {
	engine *Engine[T]
	plan   *Plan
	step   Step[T]
	tiles  tiles[T]

	epoch          uint64
	prefix, window string
	exposed        bool

	tracker *Tracker
	regions []regionState

	recv, sendBuf []T
	send          [][]T

	ctx     context.Context
	cancel  context.CancelCauseFunc
	failure *xsync.LatchWithValue[error]

	folds sync.WaitGroup
	puts  xsync.DynamicWaitGroup

	bytesFetched, bytesPushed atomic.Int64

	stopProgress chan struct{}
	progressDone *xsync.Latch

	watchStop chan struct{}
	watchDone *xsync.Latch
	watchOnce sync.Once
}

// token of a transfer of this step.
func (r *run[T]) token(tag int) rma.Token {
	return rma.Token{Epoch: r.epoch, Step: r.plan.StepIndex, Tag: tag}
}

// fail records the first fatal error of the step, cancels it and aborts the group.
func (r *run[T]) fail(err error) {
	if r.failure.Trigger(err) {
		r.cancel(err)
		r.engine.group.Abort(err)
	}
}

// execute runs the step: expose, opening fence, issue, drive, barrier.
func (r *run[T]) execute(parent context.Context) error {
	e := r.engine
	r.ctx, r.cancel = context.WithCancelCause(parent)
	defer r.cancel(nil)

	r.startWatcher(parent)

	if err := e.ep.Expose(r.window, r.exposedData()); err != nil {
		r.fail(err)
		return r.unwind()
	}
	r.exposed = true
	if err := e.group.Fence(r.ctx, r.plan.Group, r.prefix+"/open"); err != nil {
		r.fail(err)
		return r.unwind()
	}
	// Every rank of the group reached this step: windows of earlier steps they alone could access are free.
	e.releaseDeferred(r.plan.Group)

	if err := r.landLocal(); err != nil {
		r.fail(err)
		return r.unwind()
	}
	if !e.opts.Cooperative {
		r.startProgress()
	}
	if err := r.issueGets(); err != nil {
		r.fail(err)
		return r.unwind()
	}
	r.drive()
	if r.ctx.Err() == nil {
		r.barrier()
	}
	r.stopWatcher()
	if r.ctx.Err() != nil {
		r.fail(context.Cause(r.ctx))
	}
	if r.failure.Test() {
		return r.unwind()
	}
	r.release()
	return nil
}

// startWatcher fails the step if a peer aborts the group or the parent context is cancelled.
func (r *run[T]) startWatcher(parent context.Context) {
	e := r.engine
	r.watchStop = make(chan struct{})
	r.watchDone = xsync.NewLatch()
	go func() {
		defer r.watchDone.Trigger()
		select {
		case <-e.group.Aborted():
			r.fail(errors.Wrapf(rma.ErrAborted, "rank %d, step %d: group %s aborted: %v",
				r.plan.Rank, r.plan.StepIndex, e.group.ID(), e.group.Err()))
		case <-parent.Done():
			r.fail(errors.WithMessagef(context.Cause(parent), "rank %d, step %d cancelled", r.plan.Rank, r.plan.StepIndex))
		case <-r.watchStop:
		}
	}()
}

// stopWatcher stops the watcher started by startWatcher and waits for it to exit.
func (r *run[T]) stopWatcher() {
	r.watchOnce.Do(func() {
		close(r.watchStop)
		r.watchDone.Wait()
	})
}

// exposedData is the buffer peers access: the local tile being gathered, or the receive buffer of a reduce.
func (r *run[T]) exposedData() []T {
	switch r.plan.Exposed {
	case "A":
		return r.tiles.a.Data()
	case "B":
		return r.tiles.b.Data()
	}
	return r.recv
}

// unwind cleans up after a failure and returns the first error. In-flight transfers are abandoned: the buffers
// they may still access are dropped, not recycled.
func (r *run[T]) unwind() error {
	r.stopWatcher()
	err, _ := r.failure.Value()
	r.folds.Wait()
	r.stopProgressLoop()
	if r.exposed {
		_ = r.engine.ep.Unexpose(r.window)
	}
	return err
}

// bytesOf returns the size in bytes of count values.
func bytesOf[T gemm.Scalar](count int) int64 {
	var zero T
	return int64(count) * int64(unsafe.Sizeof(zero))
}

// stats of the successful step.
func (r *run[T]) stats(elapsed time.Duration) Stats {
	s := Stats{
		Rank:         r.plan.Rank,
		Step:         r.plan.StepIndex,
		Epoch:        r.epoch,
		Pattern:      r.plan.Pattern,
		Chunks:       len(r.plan.Chunks),
		RemoteChunks: r.plan.RemoteChunks(),
		BytesFetched: r.bytesFetched.Load(),
		BytesPushed:  r.bytesPushed.Load(),
		RegionFolds:  make([]int, len(r.regions)),
		Elapsed:      elapsed,
	}
	for _, push := range r.plan.Pushes {
		if !push.Self && push.Count > 0 {
			s.Pushes++
		}
	}
	for i := range r.regions {
		s.RegionFolds[i] = r.regions[i].folds
		s.Folds += r.regions[i].folds
	}
	return s
}

// OverlapCommAndComp runs one overlapped communicate-and-compute step for rank: C = beta*C + A·B restricted to the
// tiles of the rank, for the stepIndex-th step of strat over the intervals m, n, k and the ranks p.
//
// It uses the kernel from gemm.Default and a collective fence, and returns nil only on full success.
func OverlapCommAndComp[T gemm.Scalar](ctx context.Context, group rma.Group, ep rma.Endpoint[T], rank int,
	strat *strategy.Strategy, a, b, c *matrix.Matrix[T], m, n, k, p interval.Interval, stepIndex int, beta T,
	options ...Option) error {
	if ep == nil || rank != ep.Rank() {
		return errors.Wrapf(ErrInvalidStep, "rank %d doesn't match the endpoint", rank)
	}
	kernel, err := gemm.Default[T]()
	if err != nil {
		return err
	}
	e, err := New(group, ep, kernel, append(options, WithFence(FenceCollective))...)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.Run(ctx, strat, a, b, c, Step[T]{M: m, N: n, K: k, P: p, Index: stepIndex, Beta: beta})
}
