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
	"sync"

	"github.com/google/uuid"

	"github.com/pkocandr/galley/internal/ownership"
)

// DualStream is the C6 dual output stream: it mirrors every write to the
// local tier then the shared tier, never buffers beyond what the
// underlying sinks do, and is the sole commit point for the ownership
// map transaction its Acquire opened.
type DualStream struct {
	id      string
	ctx     context.Context
	local   io.WriteCloser
	shared  io.WriteCloser
	coord   *ownership.Coordinator
	key     string
	relPath string

	onClosed func(key, relPath string)

	mu     sync.Mutex
	closed bool
	failed bool
}

func newDualStream(ctx context.Context, local, shared io.WriteCloser, coord *ownership.Coordinator, key, relPath string, onClosed func(key, relPath string)) *DualStream {
	return &DualStream{
		id:       uuid.NewString(),
		ctx:      ctx,
		local:    local,
		shared:   shared,
		coord:    coord,
		key:      key,
		relPath:  relPath,
		onClosed: onClosed,
	}
}

// ID identifies this stream for the per-thread stream registry (C10).
func (d *DualStream) ID() string { return d.id }

// Context returns the context carrying this stream's TX guard; pass it
// into a nested OpenOutput call on the same logical transaction to
// coalesce commits (spec §4.8, property P5).
func (d *DualStream) Context() context.Context { return d.ctx }

// Write fans out to the local sink then the shared sink, local-then-
// shared as spec §4.6 requires. A failure from either sink is returned
// immediately without flushing the other; Close will roll back.
func (d *DualStream) Write(p []byte) (int, error) {
	n, err := d.local.Write(p)
	if err != nil {
		d.markFailed()
		return n, wrapf(KindIO, "write", d.relPath, "local: %w", err)
	}
	n, err = d.shared.Write(p)
	if err != nil {
		d.markFailed()
		return n, wrapf(KindIO, "write", d.relPath, "shared: %w", err)
	}
	return n, nil
}

// Flush calls Flush on either sink that implements it, in local-then-
// shared order, matching Write's fan-out order.
func (d *DualStream) Flush() error {
	type flusher interface{ Flush() error }
	if f, ok := d.local.(flusher); ok {
		if err := f.Flush(); err != nil {
			d.markFailed()
			return wrapf(KindIO, "flush", d.relPath, "local: %w", err)
		}
	}
	if f, ok := d.shared.(flusher); ok {
		if err := f.Flush(); err != nil {
			d.markFailed()
			return wrapf(KindIO, "flush", d.relPath, "shared: %w", err)
		}
	}
	return nil
}

func (d *DualStream) markFailed() {
	d.mu.Lock()
	d.failed = true
	d.mu.Unlock()
}

// Close is idempotent and is the single commit point (spec §4.6): it
// commits if no write failed, otherwise rolls back. The stream is marked
// closed only once that release succeeds, so a close after a failed
// release retries it; a close after a successful one releases again
// (rolling back) only if the map still reports the key locked. The underlying sinks are always closed and the resource is
// always recorded into the local-expiration map regardless of outcome.
func (d *DualStream) Close() error {
	d.mu.Lock()
	alreadyClosed := d.closed
	shouldCommit := !d.failed
	d.mu.Unlock()

	var releaseErr error
	if alreadyClosed {
		if locked, _ := d.coord.Map.IsLocked(d.ctx, d.key); locked {
			releaseErr = d.coord.Release(d.ctx, d.key, false)
		}
	} else {
		releaseErr = d.coord.Release(d.ctx, d.key, shouldCommit)
		if releaseErr == nil {
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
		}
	}

	_ = d.local.Close()
	_ = d.shared.Close()
	if d.onClosed != nil {
		d.onClosed(d.key, d.relPath)
	}
	return releaseErr
}
