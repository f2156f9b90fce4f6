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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMapPutGetRemove(t *testing.T) {
	m := NewMemoryMap("10.0.0.1")
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k1", "10.0.0.1"))
	v, ok, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", v)

	require.NoError(t, m.Remove(ctx, "k1"))
	_, ok, err = m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryMapPutIfAbsent(t *testing.T) {
	m := NewMemoryMap("10.0.0.1")
	ctx := context.Background()

	require.NoError(t, m.PutIfAbsent(ctx, "k1", "10.0.0.1"))
	require.NoError(t, m.PutIfAbsent(ctx, "k1", "10.0.0.2"))
	v, _, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v, "second put_if_absent must not overwrite")
}

func TestMemoryMapTxIsolation(t *testing.T) {
	m := NewMemoryMap("10.0.0.1")
	bg := context.Background()

	txCtx, guard := WithTxGuard(bg)
	require.NoError(t, m.BeginTx(txCtx))
	require.NoError(t, m.Put(txCtx, "k1", "10.0.0.1"))

	// Another (non-TX) reader must not see the uncommitted write.
	_, ok, err := m.Get(bg, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "writes under an open TX must not be visible outside it")

	// The same TX sees its own pending write.
	v, ok, err := m.Get(txCtx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", v)

	require.NoError(t, m.Commit(txCtx))
	v, ok, err = m.Get(bg, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", v)
	_ = guard
}

func TestMemoryMapRollbackDiscardsWrites(t *testing.T) {
	m := NewMemoryMap("10.0.0.1")
	bg := context.Background()
	txCtx, _ := WithTxGuard(bg)

	require.NoError(t, m.BeginTx(txCtx))
	require.NoError(t, m.Put(txCtx, "k1", "10.0.0.1"))
	require.NoError(t, m.Rollback(txCtx))

	_, ok, err := m.Get(bg, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryMapLockOwnership(t *testing.T) {
	m := NewMemoryMap("10.0.0.1")
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "k1", "k2"))
	locked, err := m.IsLocked(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, locked)

	owner, err := m.LockOwner(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", owner)

	// Re-locking from the same node is idempotent.
	require.NoError(t, m.Lock(ctx, "k1"))

	require.NoError(t, m.Unlock(ctx, "k1"))
	locked, err = m.IsLocked(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestMemoryMapExpirationListener(t *testing.T) {
	m := NewMemoryMap("10.0.0.1")
	var expired string
	cancel := m.AddExpirationListener(func(key string) { expired = key })
	defer cancel()

	m.Expire("k1")
	assert.Equal(t, "k1", expired)
}
