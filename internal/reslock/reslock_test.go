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

package reslock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	r := NewRegistry()
	var counter int32
	var wg sync.WaitGroup
	var maxObserved int32

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.WithLock(context.Background(), "r1", time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&counter, 1)
				if n > atomic.LoadInt32(&maxObserved) {
					atomic.StoreInt32(&maxObserved, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&counter, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxObserved, "at most one goroutine should hold the lock at a time")
	assert.Equal(t, 0, r.Len(), "registry should not leak entries after all holders release")
}

func TestWithLockDistinctKeysDoNotSerialize(t *testing.T) {
	r := NewRegistry()
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]time.Duration, 2)

	for i, key := range []string{"a", "b"} {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			begin := time.Now()
			_ = r.WithLock(context.Background(), key, time.Second, func(ctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			})
			results[i] = time.Since(begin)
		}()
	}
	close(start)
	wg.Wait()
	for _, d := range results {
		assert.Less(t, d, 150*time.Millisecond, "distinct keys should not serialize")
	}
}

func TestWithLockTimeout(t *testing.T) {
	r := NewRegistry()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.WithLock(context.Background(), "busy", 0, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := r.WithLock(context.Background(), "busy", 20*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("should not run while busy is held")
		return nil
	})
	var timeoutErr *ErrTimeout
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "busy", timeoutErr.Resource)
	close(release)
}

func TestWithLockContextCancel(t *testing.T) {
	r := NewRegistry()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.WithLock(context.Background(), "busy", 0, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.WithLock(ctx, "busy", 0, func(ctx context.Context) error {
		t.Fatal("should not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestWithLockSequentialCallsSameKey(t *testing.T) {
	r := NewRegistry()
	var order []int
	var mu sync.Mutex
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	err := r.WithLock(context.Background(), "r2", time.Second, func(ctx context.Context) error {
		record(1)
		return nil
	})
	require.NoError(t, err)
	err = r.WithLock(context.Background(), "r2", time.Second, func(ctx context.Context) error {
		record(2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, r.Len())
}
