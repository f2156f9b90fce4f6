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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkocandr/galley/internal/filelock"
	"github.com/pkocandr/galley/internal/ownership"
)

type nopWriteCloser struct{ bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func newTestCoordForStreams(t *testing.T) *ownership.Coordinator {
	t.Helper()
	m := ownership.NewMemoryMap("127.0.0.1")
	fl := filelock.NewManager(t.TempDir())
	return ownership.NewCoordinator(m, fl, nil, nil)
}

// newAcquiredStream acquires coord's write lock on key and wraps the
// resulting TX-guarded context in a DualStream over in-memory sinks, so
// Close exercises the real release/commit path instead of a stub.
func newAcquiredStream(t *testing.T, coord *ownership.Coordinator, key, relPath string) *DualStream {
	t.Helper()
	ctx, err := coord.Acquire(context.Background(), key, filelock.LevelWrite)
	require.NoError(t, err)
	return newDualStream(ctx, &nopWriteCloser{}, &nopWriteCloser{}, coord, key, relPath, nil)
}

func TestStreamRegistryRegisterCleanup(t *testing.T) {
	reg := newStreamRegistry()
	coord := newTestCoordForStreams(t)

	d1 := newAcquiredStream(t, coord, "k1", "a.txt")
	unregister1 := reg.register(d1.Context(), d1)
	assert.Equal(t, 1, reg.len())

	unregister1()
	assert.Equal(t, 0, reg.len(), "unregistering the only stream in a set must drop the set")
	require.NoError(t, d1.Close())

	d2 := newAcquiredStream(t, coord, "k2", "b.txt")
	reg.register(d2.Context(), d2)

	errs := reg.cleanup(d2.Context())
	assert.Empty(t, errs)
	assert.Equal(t, 0, reg.len())
}

func TestStreamRegistryCloseAllAcrossGuards(t *testing.T) {
	reg := newStreamRegistry()
	coord := newTestCoordForStreams(t)

	dA := newAcquiredStream(t, coord, "k1", "a.txt")
	dB := newAcquiredStream(t, coord, "k2", "b.txt")
	reg.register(dA.Context(), dA)
	reg.register(dB.Context(), dB)
	require.Equal(t, 2, reg.len())

	errs := reg.closeAll()
	assert.Empty(t, errs)
	assert.Equal(t, 0, reg.len())
}

func TestStreamRegistryIgnoresContextWithoutGuard(t *testing.T) {
	reg := newStreamRegistry()
	d := &DualStream{}
	unregister := reg.register(context.Background(), d)
	unregister()
	assert.Equal(t, 0, reg.len())
}
