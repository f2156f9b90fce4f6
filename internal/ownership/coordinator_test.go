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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkocandr/galley/internal/filelock"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryMap) {
	t.Helper()
	m := NewMemoryMap("10.0.0.1")
	fl := filelock.NewManager(t.TempDir())
	return NewCoordinator(m, fl, nil, nil), m
}

func TestCoordinatorAcquireReleaseCommit(t *testing.T) {
	c, m := newTestCoordinator(t)
	ctx, err := c.Acquire(context.Background(), "key1", filelock.LevelWrite)
	require.NoError(t, err)

	locked, err := m.IsLocked(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, c.Release(ctx, "key1", true))

	locked, err = m.IsLocked(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, locked, "release must clear the cluster lock")

	guard, ok := TxGuardFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, int32(0), guard.Count())
	assert.Equal(t, NoTransaction, guard.Status())
}

func TestCoordinatorNestedAcquireCoalescesCommit(t *testing.T) {
	c, m := newTestCoordinator(t)
	ctx, err := c.Acquire(context.Background(), "key1", filelock.LevelWrite)
	require.NoError(t, err)

	// A nested open under the same parent key on the same logical TX.
	ctx2, err := c.Acquire(ctx, "key1", filelock.LevelWrite)
	require.NoError(t, err)

	guard, _ := TxGuardFromContext(ctx2)
	assert.Equal(t, int32(1), guard.Count(), "re-entrant acquire on an already-held key must not increment again")

	require.NoError(t, c.Release(ctx2, "key1", true))
	// Inner release only drops filelock stacking; TX still active until
	// the outer release brings context_lock_count to zero.
	assert.Equal(t, Active, guard.Status())

	require.NoError(t, c.Release(ctx, "key1", true))
	assert.Equal(t, NoTransaction, guard.Status())

	locked, err := m.IsLocked(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestCoordinatorRollbackOnFailure(t *testing.T) {
	c, m := newTestCoordinator(t)
	ctx, err := c.Acquire(context.Background(), "key1", filelock.LevelWrite)
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, "key1", "10.0.0.1"))

	require.NoError(t, c.Release(ctx, "key1", false))

	_, ok, err := m.Get(context.Background(), "key1")
	require.NoError(t, err)
	assert.False(t, ok, "rollback must discard the TX-buffered write")
}

func TestWaitForForeignLockReentrantReturnsImmediately(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, err := c.Acquire(context.Background(), "key1", filelock.LevelWrite)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.WaitForForeignLock(ctx, "key1", time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
