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
	"fmt"
	"sync"
)

type txState struct {
	status  TxStatus
	putKV   map[string]string
	removed map[string]bool
}

// MemoryMap is a single-process, transactional, in-memory stand-in for
// the cluster ownership map, used by tests and by single-node
// deployments that don't need cross-node coordination. Writes made
// under a TX are only visible to other callers once Commit runs,
// mirroring Infinispan's (the original system's "ISPN") transactional
// cache semantics that the real ownership map is built on.
type MemoryMap struct {
	mu        sync.Mutex
	values    map[string]string
	lockOwner map[string]string
	txs       map[string]*txState

	listeners      map[int]ExpirationListener
	nextListenerID int

	nodeIP string
}

// NewMemoryMap constructs an empty MemoryMap; nodeIP identifies the
// local node for lock-ownership bookkeeping.
func NewMemoryMap(nodeIP string) *MemoryMap {
	return &MemoryMap{
		values:    make(map[string]string),
		lockOwner: make(map[string]string),
		txs:       make(map[string]*txState),
		listeners: make(map[int]ExpirationListener),
		nodeIP:    nodeIP,
	}
}

// txFor looks up the txState for ctx's TxGuard, if any. Callers must
// already hold m.mu; it does not lock itself.
func (m *MemoryMap) txFor(ctx context.Context) (*txState, bool) {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return nil, false
	}
	t, ok := m.txs[guard.ID]
	return t, ok
}

func (m *MemoryMap) Put(ctx context.Context, key, nodeIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txFor(ctx); ok {
		t.putKV[key] = nodeIP
		delete(t.removed, key)
		return nil
	}
	m.values[key] = nodeIP
	return nil
}

func (m *MemoryMap) PutIfAbsent(ctx context.Context, key, nodeIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txFor(ctx); ok {
		if _, exists := t.putKV[key]; exists {
			return nil
		}
		if _, exists := m.values[key]; exists && !t.removed[key] {
			return nil
		}
		t.putKV[key] = nodeIP
		delete(t.removed, key)
		return nil
	}
	if _, exists := m.values[key]; exists {
		return nil
	}
	m.values[key] = nodeIP
	return nil
}

func (m *MemoryMap) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txFor(ctx); ok {
		if v, exists := t.putKV[key]; exists {
			return v, true, nil
		}
		if t.removed[key] {
			return "", false, nil
		}
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryMap) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txFor(ctx); ok {
		t.removed[key] = true
		delete(t.putKV, key)
		return nil
	}
	delete(m.values, key)
	return nil
}

func (m *MemoryMap) Lock(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if owner, locked := m.lockOwner[k]; locked && owner != m.nodeIP {
			return fmt.Errorf("ownership: %s already locked by %s", k, owner)
		}
	}
	for _, k := range keys {
		m.lockOwner[k] = m.nodeIP
	}
	return nil
}

func (m *MemoryMap) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockOwner, key)
	return nil
}

func (m *MemoryMap) IsLocked(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, locked := m.lockOwner[key]
	return locked, nil
}

func (m *MemoryMap) LockOwner(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockOwner[key], nil
}

func (m *MemoryMap) BeginTx(ctx context.Context) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return fmt.Errorf("ownership: begin_tx: no tx guard on context")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[guard.ID] = &txState{status: Active, putKV: make(map[string]string), removed: make(map[string]bool)}
	return nil
}

func (m *MemoryMap) Commit(ctx context.Context) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return fmt.Errorf("ownership: commit: no tx guard on context")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[guard.ID]
	if !ok {
		return fmt.Errorf("ownership: commit: no active tx")
	}
	for k, v := range t.putKV {
		m.values[k] = v
	}
	for k := range t.removed {
		delete(m.values, k)
	}
	delete(m.txs, guard.ID)
	return nil
}

func (m *MemoryMap) Rollback(ctx context.Context) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, guard.ID)
	return nil
}

func (m *MemoryMap) TxStatus(ctx context.Context) (TxStatus, error) {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return NoTransaction, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[guard.ID]
	if !ok {
		return NoTransaction, nil
	}
	return t.status, nil
}

func (m *MemoryMap) AddExpirationListener(fn ExpirationListener) (cancel func()) {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Expire simulates the ownership map evicting key (e.g. a TTL-backed
// entry expiring); it is exposed for tests exercising C9, and for
// single-node deployments that wire their own eviction policy.
func (m *MemoryMap) Expire(key string) {
	m.mu.Lock()
	delete(m.values, key)
	listeners := make([]ExpirationListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(key)
	}
}

func (m *MemoryMap) Close() error { return nil }
