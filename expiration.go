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
	"sync"

	"go.uber.org/zap"

	"github.com/pkocandr/galley/internal/localstore"
)

// localExpiryMap is the "local-file expiration map" external collaborator
// spec §4.5.2/§4.5.3/§4.6 writes into and §4.9 reads from: a record of
// which local relative paths were populated under a given lock key, so
// C9 knows what to evict when the ownership map expires that key.
// Several sibling files (spec §3's "foo.jar"/"foo.jar.sha1" example)
// legitimately share one lock key, hence the set.
type localExpiryMap struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{}
}

func newLocalExpiryMap() *localExpiryMap {
	return &localExpiryMap{entries: make(map[string]map[string]struct{})}
}

func (m *localExpiryMap) record(key, relPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.entries[key]
	if !ok {
		set = make(map[string]struct{})
		m.entries[key] = set
	}
	set[relPath] = struct{}{}
}

func (m *localExpiryMap) remove(key, relPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.entries[key]; ok {
		delete(set, relPath)
		if len(set) == 0 {
			delete(m.entries, key)
		}
	}
}

// take returns and clears every relative path tracked under key.
func (m *localExpiryMap) take(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.entries[key]
	if !ok {
		return nil
	}
	delete(m.entries, key)
	out := make([]string, 0, len(set))
	for relPath := range set {
		out = append(out, relPath)
	}
	return out
}

// expirationBridge is C9: it subscribes to the ownership map's
// expiration events and deletes the corresponding local copy. Failures
// are logged, never propagated — spec §4.9 treats this purely as a
// best-effort cache-coherence nudge, not a correctness mechanism.
type expirationBridge struct {
	local    localstore.Store
	keyToRel func(key string) []string
	log      *zap.Logger
}

func newExpirationBridge(local localstore.Store, keyToRel func(string) []string, log *zap.Logger) *expirationBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &expirationBridge{local: local, keyToRel: keyToRel, log: log}
}

// onExpired is the ownership.ExpirationListener callback. A single lock
// key may front several sibling relative paths (C1 keys at the parent
// directory), so every tracked sibling is evicted.
func (b *expirationBridge) onExpired(key string) {
	if key == "" {
		return
	}
	for _, relPath := range b.keyToRel(key) {
		if _, err := b.local.Delete(relPath); err != nil {
			b.log.Warn("local-expiration delete failed", zap.String("key", key), zap.String("rel_path", relPath), zap.Error(err))
		}
	}
}
