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

package ownership

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

type txGuardKey struct{}

// TxGuard is the explicit rendering of the thread-local TX File Counter
// (C5): a re-entrant counter tracking how many nested resource locks the
// current logical transaction holds on the ownership map. It is carried
// through context.Context rather than goroutine-local storage, per the
// redesign spec §9 itself recommends. ID doubles as the re-entrance
// holder token passed to the filelock facade (C3).
type TxGuard struct {
	ID      string
	counter atomic.Int32
	status  atomic.Int32 // ownership.TxStatus
}

func newTxGuard() *TxGuard {
	g := &TxGuard{ID: uuid.NewString()}
	g.status.Store(int32(NoTransaction))
	return g
}

// Count returns the current re-entrant nesting depth (I3: zero iff no
// ownership-map locks are held under an active TX by this guard).
func (g *TxGuard) Count() int32 { return g.counter.Load() }

func (g *TxGuard) Status() TxStatus { return TxStatus(g.status.Load()) }

func (g *TxGuard) setStatus(s TxStatus) { g.status.Store(int32(s)) }

func (g *TxGuard) increment() int32 { return g.counter.Add(1) }

func (g *TxGuard) decrement() int32 { return g.counter.Add(-1) }

// WithTxGuard attaches a fresh TxGuard to ctx if one is not already
// present, returning the (possibly unchanged) context and the guard in
// effect. Nested calls on the same context chain reuse the same guard,
// which is how multiple files opened under one logical transaction
// coalesce into a single commit (spec §4.8, property P5).
func WithTxGuard(ctx context.Context) (context.Context, *TxGuard) {
	if g, ok := ctx.Value(txGuardKey{}).(*TxGuard); ok {
		return ctx, g
	}
	g := newTxGuard()
	return context.WithValue(ctx, txGuardKey{}, g), g
}

// TxGuardFromContext returns the TxGuard attached to ctx, if any.
func TxGuardFromContext(ctx context.Context) (*TxGuard, bool) {
	g, ok := ctx.Value(txGuardKey{}).(*TxGuard)
	return g, ok
}
