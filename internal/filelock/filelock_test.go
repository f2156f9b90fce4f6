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

package filelock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlockBasic(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "key1", "holderA", LevelWrite))
	assert.True(t, m.IsLockedByHolder("key1", "holderA"))
	assert.Equal(t, 1, m.ContextLockCount("key1", "holderA"))

	require.NoError(t, m.Unlock("key1", "holderA"))
	assert.False(t, m.IsLockedByHolder("key1", "holderA"))
	assert.Equal(t, 0, m.ContextLockCount("key1", "holderA"))
}

func TestLockReentrantStacking(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "key1", "holderA", LevelWrite))
	require.NoError(t, m.Lock(ctx, "key1", "holderA", LevelWrite))
	assert.Equal(t, 2, m.ContextLockCount("key1", "holderA"))

	require.NoError(t, m.Unlock("key1", "holderA"))
	assert.Equal(t, 1, m.ContextLockCount("key1", "holderA"))
	assert.True(t, m.IsLockedByHolder("key1", "holderA"))

	require.NoError(t, m.Unlock("key1", "holderA"))
	assert.Equal(t, 0, m.ContextLockCount("key1", "holderA"))
}

func TestLockBlocksOtherHolder(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, "key1", "holderA", LevelWrite))

	ctx2, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx2, "key1", "holderB", LevelWrite)
	assert.Error(t, err, "second holder should not acquire while first holds the lock")

	require.NoError(t, m.Unlock("key1", "holderA"))
}

func TestUnlockNotHeldFails(t *testing.T) {
	m := NewManager(t.TempDir())
	err := m.Unlock("nope", "holderA")
	assert.Error(t, err)
}
