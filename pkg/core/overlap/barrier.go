// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"context"

	"k8s.io/klog/v2"
)

// drive is the Compute Driver loop: it folds landed chunks as they become available and interleaves the
// computation of the partial products to push (one per iteration), until every chunk was consumed or the step
// failed. It suspends on the tracker (or the endpoint, in cooperative mode) when there is nothing to do.
func (r *run[T]) drive() {
	ep := r.engine.ep
	cooperative := r.engine.opts.Cooperative
	pushes := r.plan.Pushes
	nextPush := 0
	for {
		// Get the wake-up channel before checking the state.
		changed := r.tracker.Changed()
		if cooperative {
			if err := r.drainCompletions(); err != nil {
				r.fail(err)
				return
			}
		}
		r.dispatchFolds()
		if r.ctx.Err() != nil {
			return
		}
		if nextPush < len(pushes) {
			push := &pushes[nextPush]
			nextPush++
			if push.Count > 0 {
				if err := r.push(push); err != nil {
					r.fail(err)
					return
				}
			}
			continue
		}
		if r.tracker.AllConsumed() {
			return
		}
		var ready <-chan struct{}
		if cooperative {
			ready = ep.Ready()
		}
		select {
		case <-changed:
		case <-ready:
		case <-r.ctx.Done():
			return
		}
	}
}

// barrier is the Synchronization Barrier of a step whose chunks were all consumed: it waits for the folds to
// return and the puts to complete locally, stops the progress goroutine and, with FenceCollective, fences the
// group so no peer can still be reading or writing the windows of the step.
func (r *run[T]) barrier() {
	r.folds.Wait()
	if err := r.drainPuts(); err != nil {
		r.fail(err)
		return
	}
	r.stopProgressLoop()
	if r.engine.opts.Fence == FenceCollective {
		if err := r.engine.group.Fence(r.ctx, r.plan.Group, r.prefix+"/close"); err != nil {
			r.fail(err)
		}
	}
}

// drainPuts waits for the local completion of every put issued in the step.
func (r *run[T]) drainPuts() error {
	if !r.engine.opts.Cooperative {
		return r.puts.WaitContext(r.ctx)
	}
	ep := r.engine.ep
	for r.puts.Count() > 0 {
		if err := r.drainCompletions(); err != nil {
			return err
		}
		if r.puts.Count() == 0 {
			break
		}
		select {
		case <-ep.Ready():
		case <-r.ctx.Done():
			return context.Cause(r.ctx)
		}
	}
	return nil
}

// release withdraws the windows and recycles the buffers of a successful step. With FenceLocal the exposed
// window (and the receive buffer, if it is the exposed one) is kept until the opening fence of a later step over
// a communication group that includes every rank of this one, or until Close.
func (r *run[T]) release() {
	e := r.engine
	e.buffers.put(r.sendBuf)
	exposesRecv := r.plan.Exposed == "C"
	if !exposesRecv {
		e.buffers.put(r.recv)
	}
	if e.opts.Fence == FenceLocal {
		d := deferredRelease[T]{window: r.window, ranks: r.plan.Group}
		if exposesRecv {
			d.buf = r.recv
		}
		e.deferred = append(e.deferred, d)
		return
	}
	if err := e.ep.Unexpose(r.window); err != nil {
		klog.Warningf("overlap: rank %d failed to release window %q: %v", r.plan.Rank, r.window, err)
	}
	if exposesRecv {
		e.buffers.put(r.recv)
	}
}
