/*
 * Copyright 2024 The galley Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package galley

import (
	"context"
	"io"
	"os"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pkocandr/galley/internal/filelock"
	"github.com/pkocandr/galley/internal/localstore"
	"github.com/pkocandr/galley/internal/metrics"
	"github.com/pkocandr/galley/internal/ownership"
)

// missGate is the condition-variable pair of spec §4.7: readable and
// copy_error, exposed as a context-aware wait so open_input can give up
// if its own caller's context is cancelled without leaking the waiter
// goroutine past that point.
type missGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readable bool
	errored  bool
}

func newMissGate() *missGate {
	g := &missGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *missGate) signalReadable() {
	g.mu.Lock()
	g.readable = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *missGate) signalError() {
	g.mu.Lock()
	g.errored = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks until readable or copy_error is signalled, or ctx is done.
// readable=true means the caller should open the local input stream;
// readable=false, err=nil means copy_error (caller treats as a miss);
// a non-nil err means ctx was cancelled/timed out first.
func (g *missGate) wait(ctx context.Context) (readable bool, err error) {
	done := make(chan struct{})
	go func() {
		g.mu.Lock()
		for !g.readable && !g.errored {
			g.cond.Wait()
		}
		readable = g.readable
		g.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return readable, nil
	case <-ctx.Done():
		g.signalError()
		return false, ctx.Err()
	}
}

// copyExecutor is the "external bounded executor" spec §4.7/§5 names,
// rendered as a semaphore.Weighted-bounded errgroup in place of a Java
// ExecutorService — the same substitution the teacher's own dynamic
// timeout machinery makes for bounding concurrent work.
type copyExecutor struct {
	sem *semaphore.Weighted
	g   *errgroup.Group
	ctx context.Context
}

func newCopyExecutor(ctx context.Context, maxConcurrent int64) *copyExecutor {
	g, gctx := errgroup.WithContext(ctx)
	return &copyExecutor{sem: semaphore.NewWeighted(maxConcurrent), g: g, ctx: gctx}
}

func (e *copyExecutor) submit(fn func(ctx context.Context)) {
	e.g.Go(func() error {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return nil
		}
		defer e.sem.Release(1)
		fn(e.ctx)
		return nil
	})
}

func (e *copyExecutor) wait() error { return e.g.Wait() }

// copyTask is the C7 miss-path copy: it acquires the write lock on key,
// verifies the shared file exists, opens both ends and flips the gate's
// readable flag the moment the local sink is open (so the requester can
// start reading mid-copy), then streams to completion.
type copyTask struct {
	coord      *ownership.Coordinator
	local      localstore.Store
	expiry     *localExpiryMap
	log        *zap.Logger
	metrics    *metrics.Collector
	key        string
	relPath    string
	sharedPath string
	gate       *missGate
}

func (t *copyTask) run(ctx context.Context) {
	t.metrics.CopyTasksStarted.Inc()
	lockCtx, err := t.coord.Acquire(ctx, t.key, filelock.LevelWrite)
	if err != nil {
		t.log.Warn("copy task: acquire failed", zap.String("key", t.key), zap.Error(err))
		t.metrics.CopyTasksFailed.Inc()
		t.gate.signalError()
		return
	}

	released := atomic.NewBool(false)
	release := func() {
		if released.CAS(false, true) {
			if rerr := t.coord.Release(lockCtx, t.key, false); rerr != nil {
				t.log.Error("copy task: release failed", zap.String("key", t.key), zap.Error(rerr))
			}
		}
	}
	defer release()

	if _, statErr := os.Stat(t.sharedPath); statErr != nil {
		t.log.Warn("copy task: shared missing", zap.String("path", t.sharedPath))
		t.metrics.CopyTasksFailed.Inc()
		t.gate.signalError()
		return
	}

	sharedIn, err := os.Open(t.sharedPath)
	if err != nil {
		t.log.Warn("copy task: open shared failed", zap.Error(err))
		t.metrics.CopyTasksFailed.Inc()
		t.gate.signalError()
		return
	}
	defer sharedIn.Close()

	localOut, err := t.local.OpenOutput(lockCtx, t.relPath)
	if err != nil {
		t.log.Warn("copy task: open local output failed", zap.Error(err))
		t.metrics.CopyTasksFailed.Inc()
		t.gate.signalError()
		return
	}

	t.gate.signalReadable()

	_, copyErr := io.Copy(localOut, sharedIn)
	closeErr := localOut.Close()
	if copyErr != nil {
		t.log.Warn("copy task: stream failed", zap.String("key", t.key), zap.Error(copyErr))
		t.metrics.CopyTasksFailed.Inc()
	} else if closeErr != nil {
		t.log.Warn("copy task: close local output failed", zap.String("key", t.key), zap.Error(closeErr))
	} else {
		t.expiry.record(t.key, t.relPath)
	}
	// readers already past the readable gate observe copyErr/closeErr
	// through the local store's own read-while-write EOF surfacing.
	t.gate.signalReadable()
}
