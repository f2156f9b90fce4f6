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
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdMap is the production Map implementation: etcd is the concrete
// cluster-visible ownership map named in spec §6. Values live under
// <prefix>/values/<key>; advisory locks are concurrency.Mutex instances
// scoped to a concurrency.Session (a lease-backed etcd session). Lock
// also writes an owner record (this node's IP) under the lock key with
// the session lease, which get_lock_owner and is_locked read; values
// carry the same lease, so they expire with the session. Puts/removes buffer per TX
// and apply as a single etcd Txn on Commit, mirroring Infinispan
// transactional semantics; put_if_absent is executed immediately as a
// conditional Txn since its one caller (Copy, spec §4.5.4) does not
// depend on TX-coalesced visibility.
type EtcdMap struct {
	cli    *clientv3.Client
	prefix string
	nodeIP string

	session *concurrency.Session

	mu      sync.Mutex
	mutexes map[string]*concurrency.Mutex
	txs     map[string]*txState

	listeners      map[int]ExpirationListener
	nextListenerID int

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewEtcdMap dials no new connection (cli is supplied by the caller) and
// starts a lease-backed session with the given TTL, plus a background
// watch translating every delete under the values prefix into a C9
// expiration event: lease-expiry deletes and explicit removals (a
// committed Remove, or Remove outside a TX) alike.
func NewEtcdMap(cli *clientv3.Client, prefix, nodeIP string, sessionTTL time.Duration) (*EtcdMap, error) {
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(int(sessionTTL.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("ownership: new etcd session: %w", err)
	}
	m := &EtcdMap{
		cli:       cli,
		prefix:    prefix,
		nodeIP:    nodeIP,
		session:   sess,
		mutexes:   make(map[string]*concurrency.Mutex),
		txs:       make(map[string]*txState),
		listeners: make(map[int]ExpirationListener),
		watchDone: make(chan struct{}),
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	m.watchCancel = cancel
	go m.watchExpirations(watchCtx)
	return m, nil
}

func (m *EtcdMap) valuesPrefix() string  { return m.prefix + "/values/" }
func (m *EtcdMap) keyPath(key string) string { return m.valuesPrefix() + key }
func (m *EtcdMap) lockKey(key string) string { return m.prefix + "/locks/" + key }

func (m *EtcdMap) watchExpirations(ctx context.Context) {
	defer close(m.watchDone)
	wc := m.cli.Watch(ctx, m.valuesPrefix(), clientv3.WithPrefix(), clientv3.WithPrevKV())
	for resp := range wc {
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypeDelete || ev.PrevKv == nil {
				continue
			}
			key := string(ev.PrevKv.Key)[len(m.valuesPrefix()):]
			m.mu.Lock()
			listeners := make([]ExpirationListener, 0, len(m.listeners))
			for _, fn := range m.listeners {
				listeners = append(listeners, fn)
			}
			m.mu.Unlock()
			for _, fn := range listeners {
				fn(key)
			}
		}
	}
}

func (m *EtcdMap) txFor(ctx context.Context) (*txState, bool) {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[guard.ID]
	return t, ok
}

func (m *EtcdMap) Put(ctx context.Context, key, nodeIP string) error {
	if t, ok := m.txFor(ctx); ok {
		m.mu.Lock()
		t.putKV[key] = nodeIP
		delete(t.removed, key)
		m.mu.Unlock()
		return nil
	}
	_, err := m.cli.Put(ctx, m.keyPath(key), nodeIP, clientv3.WithLease(m.session.Lease()))
	return err
}

func (m *EtcdMap) PutIfAbsent(ctx context.Context, key, nodeIP string) error {
	resp, err := m.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(m.keyPath(key)), "=", 0)).
		Then(clientv3.OpPut(m.keyPath(key), nodeIP, clientv3.WithLease(m.session.Lease()))).
		Commit()
	if err != nil {
		return fmt.Errorf("ownership: put_if_absent %s: %w", key, err)
	}
	_ = resp
	return nil
}

func (m *EtcdMap) Get(ctx context.Context, key string) (string, bool, error) {
	if t, ok := m.txFor(ctx); ok {
		m.mu.Lock()
		if v, exists := t.putKV[key]; exists {
			m.mu.Unlock()
			return v, true, nil
		}
		removed := t.removed[key]
		m.mu.Unlock()
		if removed {
			return "", false, nil
		}
	}
	resp, err := m.cli.Get(ctx, m.keyPath(key))
	if err != nil {
		return "", false, fmt.Errorf("ownership: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (m *EtcdMap) Remove(ctx context.Context, key string) error {
	if t, ok := m.txFor(ctx); ok {
		m.mu.Lock()
		t.removed[key] = true
		delete(t.putKV, key)
		m.mu.Unlock()
		return nil
	}
	_, err := m.cli.Delete(ctx, m.keyPath(key))
	return err
}

func (m *EtcdMap) Lock(ctx context.Context, keys ...string) error {
	// Sorted by the caller of the multi-key acquisition path (Copy,
	// spec §4.5.4) to impose the total order that avoids lock-order
	// inversion; we lock sequentially here since etcd has no native
	// multi-key mutex primitive.
	acquired := make([]*concurrency.Mutex, 0, len(keys))
	for _, k := range keys {
		mu := concurrency.NewMutex(m.session, m.lockKey(k))
		if err := mu.Lock(ctx); err != nil {
			for _, a := range acquired {
				_ = a.Unlock(context.Background())
			}
			return fmt.Errorf("ownership: lock %s: %w", k, err)
		}
		if _, err := m.cli.Put(ctx, m.lockKey(k)+"/owner", m.nodeIP, clientv3.WithLease(m.session.Lease())); err != nil {
			_ = mu.Unlock(context.Background())
			return fmt.Errorf("ownership: record lock owner %s: %w", k, err)
		}
		m.mu.Lock()
		m.mutexes[k] = mu
		m.mu.Unlock()
		acquired = append(acquired, mu)
	}
	return nil
}

func (m *EtcdMap) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	mu, ok := m.mutexes[key]
	delete(m.mutexes, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := m.cli.Delete(ctx, m.lockKey(key)+"/owner"); err != nil {
		return fmt.Errorf("ownership: clear lock owner %s: %w", key, err)
	}
	if err := mu.Unlock(ctx); err != nil {
		return fmt.Errorf("ownership: unlock %s: %w", key, err)
	}
	return nil
}

func (m *EtcdMap) IsLocked(ctx context.Context, key string) (bool, error) {
	resp, err := m.cli.Get(ctx, m.lockKey(key)+"/owner")
	if err != nil {
		return false, fmt.Errorf("ownership: is_locked %s: %w", key, err)
	}
	return len(resp.Kvs) > 0, nil
}

func (m *EtcdMap) LockOwner(ctx context.Context, key string) (string, error) {
	resp, err := m.cli.Get(ctx, m.lockKey(key)+"/owner")
	if err != nil {
		return "", fmt.Errorf("ownership: get_lock_owner %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (m *EtcdMap) BeginTx(ctx context.Context) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return fmt.Errorf("ownership: begin_tx: no tx guard on context")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[guard.ID] = &txState{status: Active, putKV: make(map[string]string), removed: make(map[string]bool)}
	return nil
}

func (m *EtcdMap) Commit(ctx context.Context) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return fmt.Errorf("ownership: commit: no tx guard on context")
	}
	m.mu.Lock()
	t, ok := m.txs[guard.ID]
	delete(m.txs, guard.ID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("ownership: commit: no active tx")
	}
	if len(t.putKV) == 0 && len(t.removed) == 0 {
		return nil
	}
	txn := m.cli.Txn(ctx)
	ops := make([]clientv3.Op, 0, len(t.putKV)+len(t.removed))
	for k, v := range t.putKV {
		ops = append(ops, clientv3.OpPut(m.keyPath(k), v, clientv3.WithLease(m.session.Lease())))
	}
	for k := range t.removed {
		ops = append(ops, clientv3.OpDelete(m.keyPath(k)))
	}
	_, err := txn.Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("ownership: commit txn: %w", err)
	}
	return nil
}

func (m *EtcdMap) Rollback(ctx context.Context) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return nil
	}
	m.mu.Lock()
	delete(m.txs, guard.ID)
	m.mu.Unlock()
	return nil
}

func (m *EtcdMap) TxStatus(ctx context.Context) (TxStatus, error) {
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

func (m *EtcdMap) AddExpirationListener(fn ExpirationListener) (cancel func()) {
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

func (m *EtcdMap) Close() error {
	m.watchCancel()
	<-m.watchDone
	return m.session.Close()
}
