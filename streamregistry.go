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
	"sync"

	"github.com/pkocandr/galley/internal/ownership"
)

// streamRegistry is the C10 per-thread open-stream set, rendered without
// weak references: Go has none, so instead of a set of weak observers we
// key the set by the TxGuard ID carrying a logical write transaction
// through context.Context (the same explicit-context substitution used
// for C5) and drop the set the moment the last stream under it closes.
// cleanup closes every stream still tracked under a given context's
// guard, the Go analogue of cleanup_current_thread.
type streamRegistry struct {
	mu   sync.Mutex
	sets map[string]map[string]*DualStream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{sets: make(map[string]map[string]*DualStream)}
}

// register adds d to the set tracked under ctx's TxGuard, returning an
// unregister func the caller invokes from the stream's Close.
func (r *streamRegistry) register(ctx context.Context, d *DualStream) func() {
	guard, ok := ownership.TxGuardFromContext(ctx)
	if !ok {
		return func() {}
	}
	r.mu.Lock()
	set, ok := r.sets[guard.ID]
	if !ok {
		set = make(map[string]*DualStream)
		r.sets[guard.ID] = set
	}
	set[d.ID()] = d
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if set, ok := r.sets[guard.ID]; ok {
			delete(set, d.ID())
			if len(set) == 0 {
				delete(r.sets, guard.ID)
			}
		}
		r.mu.Unlock()
	}
}

// cleanup closes every live stream registered under ctx's TxGuard and
// drops the set. Close errors are collected but do not stop the sweep,
// matching spec §4.10's "closes every live stream it can still resolve".
func (r *streamRegistry) cleanup(ctx context.Context) []error {
	guard, ok := ownership.TxGuardFromContext(ctx)
	if !ok {
		return nil
	}
	r.mu.Lock()
	set := r.sets[guard.ID]
	delete(r.sets, guard.ID)
	r.mu.Unlock()

	var errs []error
	for _, d := range set {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// len reports the number of distinct TX sets currently tracked; used
// only by tests to assert the registry doesn't leak.
func (r *streamRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// closeAll force-closes every stream across every set, regardless of
// which guard registered it; used by Provider.Close for shutdown.
func (r *streamRegistry) closeAll() []error {
	r.mu.Lock()
	all := make([]*DualStream, 0)
	for _, set := range r.sets {
		for _, d := range set {
			all = append(all, d)
		}
	}
	r.sets = make(map[string]map[string]*DualStream)
	r.mu.Unlock()

	var errs []error
	for _, d := range all {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
