// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"github.com/gomlx/cosma/pkg/core/rma"
	"github.com/gomlx/cosma/pkg/core/strategy"
	"github.com/gomlx/cosma/pkg/support/xsync"
	"k8s.io/klog/v2"
)

// landLocal marks as landed the chunks that need no transfer: empty chunks, and the local pieces of a broadcast.
func (r *run[T]) landLocal() error {
	for i := range r.plan.Chunks {
		chunk := &r.plan.Chunks[i]
		if chunk.Empty() || (chunk.Local && r.plan.Pattern == strategy.Broadcast) {
			if err := r.tracker.MarkLanded(chunk.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// issueGets issues the gets of the remote chunks of a broadcast, in plan order.
func (r *run[T]) issueGets() error {
	if r.plan.Pattern != strategy.Broadcast {
		return nil
	}
	for i := range r.plan.Chunks {
		chunk := &r.plan.Chunks[i]
		if chunk.Local || chunk.Empty() {
			continue
		}
		req := rma.Request[T]{
			Op:           rma.Get,
			Peer:         chunk.Source,
			Window:       r.window,
			RemoteOffset: chunk.RemoteOffset,
			Local:        r.recv[chunk.Offset : chunk.Offset+chunk.Count],
			Token:        r.token(chunk.ID),
		}
		if err := r.engine.ep.Issue(req); err != nil {
			return &TransferIssueError{Rank: r.plan.Rank, Step: r.plan.StepIndex, Chunk: chunk.ID, Op: rma.Get,
				Peer: chunk.Source, Window: r.window, Err: err}
		}
		klog.V(2).Infof("overlap: rank %d step %d issued get of chunk #%d from rank %d", r.plan.Rank,
			r.plan.StepIndex, chunk.ID, chunk.Source)
	}
	return nil
}

// issuePut pushes a computed partial product to its target.
func (r *run[T]) issuePut(push *Push, data []T) error {
	r.puts.Add(1)
	req := rma.Request[T]{
		Op:           rma.Put,
		Peer:         push.Target,
		Window:       r.window,
		RemoteOffset: push.RemoteOffset,
		Local:        data,
		Token:        r.token(push.Index),
		RemoteToken:  r.token(push.Tag),
	}
	if err := r.engine.ep.Issue(req); err != nil {
		r.puts.Done()
		return &TransferIssueError{Rank: r.plan.Rank, Step: r.plan.StepIndex, Chunk: push.Index, Op: rma.Put,
			Peer: push.Target, Window: r.window, Err: err}
	}
	klog.V(2).Infof("overlap: rank %d step %d issued put #%d to rank %d (chunk #%d)", r.plan.Rank,
		r.plan.StepIndex, push.Index, push.Target, push.Tag)
	return nil
}

// handle a completion polled from the endpoint.
func (r *run[T]) handle(c rma.Completion) error {
	if c.Token.Epoch != r.epoch || c.Token.Step != r.plan.StepIndex {
		klog.V(2).Infof("overlap: rank %d step %d ignoring stale %s completion %s from rank %d",
			r.plan.Rank, r.plan.StepIndex, c.Kind, c.Token, c.Peer)
		return nil
	}
	if c.Kind == rma.LocalDone {
		if r.plan.Pattern == strategy.Reduce {
			r.bytesPushed.Add(bytesOf[T](c.Count))
			r.puts.Done()
			return nil
		}
		r.bytesFetched.Add(bytesOf[T](c.Count))
	}
	klog.V(2).Infof("overlap: rank %d step %d chunk #%d landed from rank %d", r.plan.Rank, r.plan.StepIndex,
		c.Token.Tag, c.Peer)
	return r.tracker.MarkLanded(c.Token.Tag)
}

// drainCompletions handles every completion available in the endpoint.
func (r *run[T]) drainCompletions() error {
	for {
		c, ok := r.engine.ep.Poll()
		if !ok {
			return nil
		}
		if err := r.handle(c); err != nil {
			return err
		}
	}
}

// startProgress starts the goroutine that moves completions from the endpoint to the tracker (threaded mode).
func (r *run[T]) startProgress() {
	r.stopProgress = make(chan struct{})
	r.progressDone = xsync.NewLatch()
	ep := r.engine.ep
	go func() {
		defer r.progressDone.Trigger()
		for {
			if err := r.drainCompletions(); err != nil {
				r.fail(err)
				return
			}
			select {
			case <-ep.Ready():
			case <-r.stopProgress:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// stopProgressLoop stops the progress goroutine, if one is running, and waits for it to exit.
func (r *run[T]) stopProgressLoop() {
	if r.stopProgress == nil {
		return
	}
	close(r.stopProgress)
	r.progressDone.Wait()
	r.stopProgress = nil
}
