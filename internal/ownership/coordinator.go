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
	"time"

	"go.uber.org/zap"

	"github.com/pkocandr/galley/internal/filelock"
	"github.com/pkocandr/galley/internal/metrics"
)

// ForeignLockTimeout is the hard ceiling spec §4.4 places on waiting for
// another node to release a key.
const ForeignLockTimeout = 600 * time.Second

// foreignLockPollInterval is how often wait_for_foreign_lock polls
// get_lock_owner when the map can't give us a push notification.
const foreignLockPollInterval = time.Second

// Coordinator is the C4 Cluster-Map Lock Coordinator: it drives the
// ownership map's advisory lock and logical transaction in lockstep with
// the C3 file-lock facade, exactly as spec §4.4 describes.
type Coordinator struct {
	Map      Map
	FileLock *filelock.Manager
	Log      *zap.Logger
	Metrics  *metrics.Collector
}

// NewCoordinator wires a Coordinator from its collaborators.
func NewCoordinator(m Map, fl *filelock.Manager, log *zap.Logger, mc *metrics.Collector) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if mc == nil {
		mc = metrics.NewCollector(nil)
	}
	return &Coordinator{Map: m, FileLock: fl, Log: log, Metrics: mc}
}

// Acquire implements spec §4.4's acquire(key, level) step list. It
// returns a context carrying the (possibly newly created) TxGuard that
// callers must thread into the matching Release and into any nested
// Acquire for the same logical transaction.
func (c *Coordinator) Acquire(ctx context.Context, key string, level filelock.Level) (context.Context, error) {
	ctx, guard := WithTxGuard(ctx)
	waitStart := time.Now()
	defer func() { c.Metrics.LockWaitSeconds.Observe(time.Since(waitStart).Seconds()) }()

	if err := c.FileLock.Lock(ctx, key, guard.ID, level); err != nil {
		return ctx, fmt.Errorf("ownership: acquire file lock %s: %w", key, err)
	}

	if err := c.waitForForeignLockIfNeeded(ctx, key, guard); err != nil {
		_ = c.FileLock.Unlock(key, guard.ID)
		return ctx, err
	}

	if !guard.Status().IsActive() {
		if err := c.Map.BeginTx(ctx); err != nil {
			_ = c.FileLock.Unlock(key, guard.ID)
			return ctx, fmt.Errorf("ownership: begin tx: %w", err)
		}
		guard.setStatus(Active)
	}

	locked, err := c.Map.IsLocked(ctx, key)
	if err != nil {
		_ = c.FileLock.Unlock(key, guard.ID)
		return ctx, fmt.Errorf("ownership: is_locked %s: %w", key, err)
	}
	if !locked && guard.Status().IsActive() {
		if err := c.Map.Lock(ctx, key); err != nil {
			_ = c.FileLock.Unlock(key, guard.ID)
			return ctx, fmt.Errorf("ownership: cluster lock %s: %w", key, err)
		}
		guard.increment()
	}

	return ctx, nil
}

func (c *Coordinator) waitForForeignLockIfNeeded(ctx context.Context, key string, guard *TxGuard) error {
	locked, err := c.Map.IsLocked(ctx, key)
	if err != nil {
		return fmt.Errorf("ownership: is_locked %s: %w", key, err)
	}
	if !locked {
		return nil
	}
	return c.WaitForForeignLock(ctx, key, ForeignLockTimeout)
}

// WaitForForeignLock implements spec §4.4: returns immediately on
// re-entrance (this process' filelock facade already holds key),
// otherwise polls get_lock_owner every second until the owner clears or
// timeout elapses, in which case it fails with a Timeout-kind error.
func (c *Coordinator) WaitForForeignLock(ctx context.Context, key string, timeout time.Duration) error {
	if guard, ok := TxGuardFromContext(ctx); ok && c.FileLock.IsLockedByHolder(key, guard.ID) {
		return nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(foreignLockPollInterval)
	defer ticker.Stop()

	for {
		owner, err := c.Map.LockOwner(ctx, key)
		if err != nil {
			return fmt.Errorf("ownership: get_lock_owner %s: %w", key, err)
		}
		if owner == "" {
			return nil
		}
		if time.Now().After(deadline) {
			c.Metrics.LockTimeouts.Inc()
			return &TimeoutError{Key: key, Waited: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release implements spec §4.4's release(key, should_commit). Callers
// must pass the same ctx (carrying the TxGuard) they obtained from the
// matching Acquire.
func (c *Coordinator) Release(ctx context.Context, key string, shouldCommit bool) error {
	guard, ok := TxGuardFromContext(ctx)
	if !ok {
		return fmt.Errorf("ownership: release %s: no tx guard on context", key)
	}

	if err := c.FileLock.Unlock(key, guard.ID); err != nil {
		return &IllegalStateError{Cause: fmt.Errorf("release file lock %s: %w", key, err)}
	}

	if c.FileLock.ContextLockCount(key, guard.ID) != 0 {
		return nil
	}

	if guard.Status().IsActive() {
		locked, err := c.Map.IsLocked(ctx, key)
		if err != nil {
			return fmt.Errorf("ownership: is_locked %s: %w", key, err)
		}
		if locked {
			if err := c.Map.Unlock(ctx, key); err != nil {
				return fmt.Errorf("ownership: cluster unlock %s: %w", key, err)
			}
			guard.decrement()
		}
	}

	if guard.Count() != 0 {
		return nil
	}

	if shouldCommit {
		if err := c.Map.Commit(ctx); err != nil {
			c.Log.Warn("commit failed, rolling back", zap.String("key", key), zap.Error(err))
			if rerr := c.Map.Rollback(ctx); rerr != nil {
				return &IllegalStateError{Cause: fmt.Errorf("rollback after failed commit: %w", rerr)}
			}
			c.Metrics.RollbacksTotal.Inc()
		} else {
			c.Metrics.CommitsTotal.Inc()
		}
	} else if err := c.Map.Rollback(ctx); err != nil {
		return &IllegalStateError{Cause: fmt.Errorf("rollback: %w", err)}
	} else {
		c.Metrics.RollbacksTotal.Inc()
	}
	guard.setStatus(NoTransaction)
	return nil
}

// TimeoutError is returned by WaitForForeignLock when the 600s ceiling
// elapses before the foreign owner clears the key.
type TimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ownership: ISPN lock timeout waiting for %s after %s", e.Key, e.Waited)
}

// IllegalStateError wraps failures spec §7 marks as escalating to
// IllegalState (TX/rollback failure, broken collaborator contract).
type IllegalStateError struct{ Cause error }

func (e *IllegalStateError) Error() string { return "ownership: illegal state: " + e.Cause.Error() }
func (e *IllegalStateError) Unwrap() error { return e.Cause }
