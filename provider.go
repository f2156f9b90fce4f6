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

// Package galley implements a two-tier (local disk + shared networked
// store) artifact cache provider: reads prefer the local tier, lazily
// populating it from the shared tier on miss; writes go to both tiers
// through a single mirrored stream; cross-node access is coordinated
// through an advisory lock over a cluster-visible ownership map.
package galley

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/pkocandr/galley/internal/filelock"
	"github.com/pkocandr/galley/internal/localstore"
	mtr "github.com/pkocandr/galley/internal/metrics"
	"github.com/pkocandr/galley/internal/ownership"
	"github.com/pkocandr/galley/internal/reslock"
)

// maxConcurrentCopies bounds the miss-path copy executor (C7); the spec
// leaves the bound to the external executor, so this is a deployment
// default rather than a derived invariant.
const maxConcurrentCopies = 16

// errInterrupted is the sentinel withResourceLock returns when the
// caller's context is cancelled while waiting on the per-resource
// mutex (C2); per spec §4.2/§7 this maps to a null task result and a
// warn log, not a propagated error.
var errInterrupted = &Error{Kind: KindInterrupted, Op: "lock"}

// Provider is the two-tier cache provider: the wiring of C1 through C10
// behind the public operations of C8.
type Provider struct {
	cfg     Config
	pathGen PathGenerator

	local    localstore.Store
	ownMap   ownership.Map
	fileLock *filelock.Manager
	coord    *ownership.Coordinator
	reslock  *reslock.Registry
	streams  *streamRegistry
	expiry   *localExpiryMap
	metrics  *mtr.Collector
	log      *zap.Logger

	copyExec       *copyExecutor
	unsubscribeExp func()
	shutdownCancel context.CancelFunc
}

// NewProvider wires a Provider from its collaborators. local and ownMap
// are the external collaborators named in spec §6; a nil pathGen falls
// back to the default root-joining PathGenerator; a nil reg skips
// Prometheus registration (tests commonly pass nil).
func NewProvider(cfg Config, local localstore.Store, ownMap ownership.Map, pathGen PathGenerator, log *zap.Logger, reg prometheus.Registerer) (*Provider, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if local == nil {
		return nil, wrapf(KindIllegalArgument, "new_provider", "", "local store is required")
	}
	if ownMap == nil {
		return nil, wrapf(KindIllegalArgument, "new_provider", "", "ownership map is required")
	}
	if pathGen == nil {
		pathGen = newDefaultPathGenerator(cfg.SharedRoot)
	}
	if log == nil {
		log = zap.NewNop()
	}

	lockFileDir := cfg.LocalRoot
	if lockFileDir == "" {
		lockFileDir = os.TempDir()
	}
	if err := os.MkdirAll(lockFileDir, 0o755); err != nil {
		return nil, wrapf(KindIO, "new_provider", "", "lock file dir: %w", err)
	}

	mc := mtr.NewCollector(reg)
	fl := filelock.NewManager(lockFileDir)
	coord := ownership.NewCoordinator(ownMap, fl, log, mc)

	shutdownCtx, cancel := context.WithCancel(context.Background())

	p := &Provider{
		cfg:            cfg,
		pathGen:        pathGen,
		local:          local,
		ownMap:         ownMap,
		fileLock:       fl,
		coord:          coord,
		reslock:        reslock.NewRegistry(),
		streams:        newStreamRegistry(),
		expiry:         newLocalExpiryMap(),
		metrics:        mc,
		log:            log,
		copyExec:       newCopyExecutor(shutdownCtx, maxConcurrentCopies),
		shutdownCancel: cancel,
	}

	bridge := newExpirationBridge(local, p.expiry.take, log)
	p.unsubscribeExp = ownMap.AddExpirationListener(bridge.onExpired)

	return p, nil
}

// withResourceLock runs fn under the C2 per-resource mutex for r, using
// the provider's configured timeout, translating reslock's failure
// modes into the spec's Timeout/Interrupted vocabulary.
func (p *Provider) withResourceLock(ctx context.Context, r Resource, fn func(ctx context.Context) error) error {
	err := p.reslock.WithLock(ctx, r.ID(), p.cfg.ResourceTimeout, fn)
	if err == nil {
		return nil
	}
	var te *reslock.ErrTimeout
	if errors.As(err, &te) {
		return wrapf(KindTimeout, "lock", r.ID(), "%w", err)
	}
	if errors.Is(err, context.Canceled) {
		p.log.Warn("interrupted waiting for resource lock", zap.String("resource", r.ID()))
		return errInterrupted
	}
	return err
}

// OpenInput implements spec §4.5.1.
func (p *Provider) OpenInput(ctx context.Context, r Resource) (io.ReadCloser, error) {
	var result io.ReadCloser
	lockErr := p.withResourceLock(ctx, r, func(ctx context.Context) error {
		rc, err := p.openInputLocked(ctx, r)
		result = rc
		return err
	})
	if lockErr != nil {
		if IsInterrupted(lockErr) {
			return nil, nil
		}
		return nil, lockErr
	}
	return result, nil
}

func (p *Provider) openInputLocked(ctx context.Context, r Resource) (io.ReadCloser, error) {
	relPath := r.RelPath()
	if p.local.Exists(relPath) {
		p.metrics.CacheHits.Inc()
		rc, err := p.local.OpenInput(ctx, relPath)
		if err != nil {
			return nil, wrapf(KindIO, "open_input", r.ID(), "%w", err)
		}
		return rc, nil
	}
	p.metrics.CacheMisses.Inc()

	key, err := keyFor(p.pathGen, r)
	if err != nil {
		return nil, err
	}
	sharedPath, err := p.pathGen.PathFor(r)
	if err != nil {
		return nil, wrapf(KindIO, "open_input", r.ID(), "resolve shared path: %w", err)
	}

	gate := newMissGate()
	task := &copyTask{
		coord:      p.coord,
		local:      p.local,
		expiry:     p.expiry,
		log:        p.log,
		metrics:    p.metrics,
		key:        key,
		relPath:    relPath,
		sharedPath: sharedPath,
		gate:       gate,
	}
	p.copyExec.submit(task.run)

	readable, waitErr := gate.wait(ctx)
	if waitErr != nil {
		return nil, waitErr
	}
	if !readable {
		return nil, nil
	}

	rc, err := p.local.OpenInput(ctx, relPath)
	if err != nil {
		return nil, wrapf(KindIO, "open_input", r.ID(), "%w", err)
	}
	return rc, nil
}

// OpenOutput implements spec §4.5.2.
func (p *Provider) OpenOutput(ctx context.Context, r Resource) (*DualStream, error) {
	var result *DualStream
	lockErr := p.withResourceLock(ctx, r, func(ctx context.Context) error {
		ds, err := p.openOutputLocked(ctx, r)
		result = ds
		return err
	})
	if lockErr != nil {
		if IsInterrupted(lockErr) {
			return nil, nil
		}
		return nil, lockErr
	}
	return result, nil
}

func (p *Provider) openOutputLocked(ctx context.Context, r Resource) (ds *DualStream, err error) {
	key, kerr := keyFor(p.pathGen, r)
	if kerr != nil {
		return nil, kerr
	}

	lockCtx, aerr := p.coord.Acquire(ctx, key, filelock.LevelWrite)
	if aerr != nil {
		return nil, wrapf(KindIO, "open_output", r.ID(), "acquire: %w", aerr)
	}

	// I5 / the §9 open question resolved per the spec's own mandate: any
	// failure here before the dual stream is returned must roll back
	// the TX and release the lock rather than leaving it held.
	defer func() {
		if err != nil {
			if rerr := p.coord.Release(lockCtx, key, false); rerr != nil {
				p.log.Error("open_output: rollback after failure", zap.String("key", key), zap.Error(rerr))
			}
		}
	}()

	if perr := p.ownMap.Put(lockCtx, key, p.cfg.NodeIP); perr != nil {
		err = wrapf(KindIO, "open_output", r.ID(), "ownership put: %w", perr)
		return nil, err
	}

	localOut, lerr := p.local.OpenOutput(lockCtx, r.RelPath())
	if lerr != nil {
		err = wrapf(KindIO, "open_output", r.ID(), "local: %w", lerr)
		return nil, err
	}

	sharedPath, perr := p.pathGen.PathFor(r)
	if perr != nil {
		_ = localOut.Close()
		err = wrapf(KindIO, "open_output", r.ID(), "resolve shared path: %w", perr)
		return nil, err
	}
	if merr := os.MkdirAll(filepath.Dir(sharedPath), 0o755); merr != nil {
		_ = localOut.Close()
		err = wrapf(KindIO, "open_output", r.ID(), "mkdir shared parent: %w", merr)
		return nil, err
	}
	sharedOut, oerr := os.OpenFile(sharedPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if oerr != nil {
		_ = localOut.Close()
		err = wrapf(KindIO, "open_output", r.ID(), "open shared: %w", oerr)
		return nil, err
	}

	ds = newDualStream(lockCtx, localOut, sharedOut, p.coord, key, r.RelPath(), nil)
	unregister := p.streams.register(lockCtx, ds)
	ds.onClosed = func(k, relPath string) {
		p.expiry.record(k, relPath)
		unregister()
	}
	return ds, nil
}

// Delete implements spec §4.5.3.
func (p *Provider) Delete(ctx context.Context, r Resource) (bool, error) {
	var result bool
	lockErr := p.withResourceLock(ctx, r, func(ctx context.Context) error {
		ok, err := p.deleteLocked(ctx, r)
		result = ok
		return err
	})
	if lockErr != nil {
		if IsInterrupted(lockErr) {
			return false, nil
		}
		return false, lockErr
	}
	return result, nil
}

func (p *Provider) deleteLocked(ctx context.Context, r Resource) (bool, error) {
	relPath := r.RelPath()
	if p.local.IsReadLocked(relPath) || p.local.IsWriteLocked(relPath) {
		return false, nil
	}

	localDeleted, err := p.local.Delete(relPath)
	if err != nil {
		return false, wrapf(KindIO, "delete", r.ID(), "local: %w", err)
	}
	if !localDeleted {
		return false, nil
	}

	key, kerr := keyFor(p.pathGen, r)
	if kerr != nil {
		return false, kerr
	}
	lockCtx, aerr := p.coord.Acquire(ctx, key, filelock.LevelDelete)
	if aerr != nil {
		return false, wrapf(KindIO, "delete", r.ID(), "acquire: %w", aerr)
	}

	var sharedDeleted bool
	opErr := func() error {
		if merr := p.ownMap.Remove(lockCtx, key); merr != nil {
			return wrapf(KindIO, "delete", r.ID(), "ownership remove: %w", merr)
		}
		sharedPath, perr := p.pathGen.PathFor(r)
		if perr != nil {
			return wrapf(KindIO, "delete", r.ID(), "resolve shared path: %w", perr)
		}
		derr := os.Remove(sharedPath)
		switch {
		case derr == nil:
			sharedDeleted = true
		case errors.Is(derr, os.ErrNotExist):
			sharedDeleted = false
		default:
			return wrapf(KindIO, "delete", r.ID(), "shared: %w", derr)
		}
		return nil
	}()

	// should_commit=true here (resolving spec §9's second open question):
	// the ownMap.Remove above is buffered under the Acquire-opened TX like
	// any other map write, so it needs an actual commit to take effect
	// rather than being discarded as a rollback would do.
	if relErr := p.coord.Release(lockCtx, key, opErr == nil); relErr != nil && opErr == nil {
		opErr = relErr
	}
	p.expiry.remove(key, relPath)

	if opErr != nil {
		return false, opErr
	}
	return sharedDeleted, nil
}

// Copy implements spec §4.5.4. It deliberately does not take the C2
// per-resource mutex (two resources would invite deadlock); correctness
// rests entirely on the ownership map's multi-key lock, which is why
// spec §1 calls intra-process concurrency here best-effort.
func (p *Provider) Copy(ctx context.Context, from, to Resource) (err error) {
	fromKey, ferr := keyFor(p.pathGen, from)
	if ferr != nil {
		return ferr
	}
	toKey, terr := keyFor(p.pathGen, to)
	if terr != nil {
		return terr
	}

	ctx, _ = ownership.WithTxGuard(ctx)
	if berr := p.ownMap.BeginTx(ctx); berr != nil {
		return wrapf(KindIO, "copy", from.ID(), "begin_tx: %w", berr)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := p.ownMap.Rollback(ctx); rerr != nil {
				p.log.Error("copy: rollback failed", zap.Error(rerr))
			}
		}
	}()

	keys := []string{fromKey}
	if toKey != fromKey {
		keys = append(keys, toKey)
	}
	sort.Strings(keys)
	if lerr := p.ownMap.Lock(ctx, keys...); lerr != nil {
		return wrapf(KindIO, "copy", from.ID(), "lock: %w", lerr)
	}
	defer func() {
		for _, k := range keys {
			if uerr := p.ownMap.Unlock(ctx, k); uerr != nil {
				p.log.Warn("copy: unlock failed", zap.String("key", k), zap.Error(uerr))
			}
		}
	}()

	if cerr := p.local.Copy(ctx, from.RelPath(), to.RelPath()); cerr != nil {
		return wrapf(KindIO, "copy", from.ID(), "local: %w", cerr)
	}

	fromShared, ferr2 := p.pathGen.PathFor(from)
	if ferr2 != nil {
		return wrapf(KindIO, "copy", from.ID(), "resolve from path: %w", ferr2)
	}
	toShared, terr2 := p.pathGen.PathFor(to)
	if terr2 != nil {
		return wrapf(KindIO, "copy", from.ID(), "resolve to path: %w", terr2)
	}
	if cerr := copySharedFile(fromShared, toShared); cerr != nil {
		return wrapf(KindIO, "copy", from.ID(), "shared: %w", cerr)
	}

	if perr := p.ownMap.PutIfAbsent(ctx, toKey, p.cfg.NodeIP); perr != nil {
		return wrapf(KindIO, "copy", from.ID(), "put_if_absent: %w", perr)
	}

	if cerr := p.ownMap.Commit(ctx); cerr != nil {
		return wrapf(KindIO, "copy", from.ID(), "commit: %w", cerr)
	}
	committed = true
	return nil
}

func copySharedFile(fromPath, toPath string) error {
	src, err := os.Open(fromPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", fromPath, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(toPath), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(toPath), err)
	}
	dst, err := os.OpenFile(toPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", toPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy %s -> %s: %w", fromPath, toPath, err)
	}
	return dst.Close()
}

// Mkdirs implements spec §4.5.6.
func (p *Provider) Mkdirs(ctx context.Context, r Resource) (err error) {
	key, kerr := keyFor(p.pathGen, r)
	if kerr != nil {
		return kerr
	}
	lockCtx, aerr := p.coord.Acquire(ctx, key, filelock.LevelWrite)
	if aerr != nil {
		return wrapf(KindIO, "mkdirs", r.ID(), "acquire: %w", aerr)
	}
	defer func() {
		if rerr := p.coord.Release(lockCtx, key, false); rerr != nil && err == nil {
			err = rerr
		}
	}()

	sharedPath, perr := p.pathGen.PathFor(r)
	if perr != nil {
		return wrapf(KindIO, "mkdirs", r.ID(), "resolve path: %w", perr)
	}
	if merr := os.MkdirAll(sharedPath, 0o755); merr != nil {
		return wrapf(KindIO, "mkdirs", r.ID(), "%w", merr)
	}
	return nil
}

// Exists implements spec §4.5.5.
func (p *Provider) Exists(r Resource) bool {
	if p.local.Exists(r.RelPath()) {
		return true
	}
	sharedPath, err := p.pathGen.PathFor(r)
	if err != nil {
		return false
	}
	_, err = os.Stat(sharedPath)
	return err == nil
}

// Length reads the shared-tier file size; spec §4.5.5 says stats never
// throw, returning 0 on a missing file.
func (p *Provider) Length(r Resource) int64 {
	sharedPath, err := p.pathGen.PathFor(r)
	if err != nil {
		return 0
	}
	info, err := os.Stat(sharedPath)
	if err != nil {
		return 0
	}
	p.log.Debug("length", zap.String("resource", r.ID()), zap.String("size", humanize.Bytes(uint64(info.Size()))))
	return info.Size()
}

// LastModified reads the shared-tier file's mtime; returns the zero
// time on a missing file (spec §4.5.5's "stats never throw").
func (p *Provider) LastModified(r Resource) time.Time {
	sharedPath, err := p.pathGen.PathFor(r)
	if err != nil {
		return time.Time{}
	}
	info, err := os.Stat(sharedPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// List lists the shared-tier directory only (spec §4.5.5).
func (p *Provider) List(r Resource) ([]string, error) {
	sharedPath, err := p.pathGen.PathFor(r)
	if err != nil {
		return nil, wrapf(KindIO, "list", r.ID(), "resolve path: %w", err)
	}
	entries, err := os.ReadDir(sharedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapf(KindIO, "list", r.ID(), "%w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// IsReadLocked and IsWriteLocked implement spec §4.5.5, running under
// the per-resource mutex to avoid racing an in-flight lock dance.
func (p *Provider) IsReadLocked(ctx context.Context, r Resource) (bool, error) {
	var result bool
	lockErr := p.withResourceLock(ctx, r, func(ctx context.Context) error {
		if p.local.IsReadLocked(r.RelPath()) {
			result = true
			return nil
		}
		key, err := keyFor(p.pathGen, r)
		if err != nil {
			return err
		}
		locked, err := p.ownMap.IsLocked(ctx, key)
		if err != nil {
			return wrapf(KindIO, "is_read_locked", r.ID(), "%w", err)
		}
		result = locked
		return nil
	})
	if lockErr != nil {
		if IsInterrupted(lockErr) {
			return false, nil
		}
		return false, lockErr
	}
	return result, nil
}

func (p *Provider) IsWriteLocked(ctx context.Context, r Resource) (bool, error) {
	var result bool
	lockErr := p.withResourceLock(ctx, r, func(ctx context.Context) error {
		if p.local.IsWriteLocked(r.RelPath()) {
			result = true
			return nil
		}
		key, err := keyFor(p.pathGen, r)
		if err != nil {
			return err
		}
		locked, err := p.ownMap.IsLocked(ctx, key)
		if err != nil {
			return wrapf(KindIO, "is_write_locked", r.ID(), "%w", err)
		}
		result = locked
		return nil
	})
	if lockErr != nil {
		if IsInterrupted(lockErr) {
			return false, nil
		}
		return false, lockErr
	}
	return result, nil
}

// WaitForReadUnlock and WaitForWriteUnlock implement spec §4.5.5: wait
// on the local provider first, then on the cluster-wide foreign lock.
func (p *Provider) WaitForReadUnlock(ctx context.Context, r Resource) error {
	if err := p.local.WaitForReadUnlock(ctx, r.RelPath()); err != nil {
		return err
	}
	key, err := keyFor(p.pathGen, r)
	if err != nil {
		return err
	}
	return p.coord.WaitForForeignLock(ctx, key, ownership.ForeignLockTimeout)
}

func (p *Provider) WaitForWriteUnlock(ctx context.Context, r Resource) error {
	if err := p.local.WaitForWriteUnlock(ctx, r.RelPath()); err != nil {
		return err
	}
	key, err := keyFor(p.pathGen, r)
	if err != nil {
		return err
	}
	return p.coord.WaitForForeignLock(ctx, key, ownership.ForeignLockTimeout)
}

// Stats is the supplemented introspection surface (SPEC_FULL §4):
// a point-in-time snapshot of the provider's own operational counters.
type Stats struct {
	CacheHits        float64
	CacheMisses      float64
	CopyTasksStarted float64
	CopyTasksFailed  float64
	CommitsTotal     float64
	RollbacksTotal   float64
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Stats snapshots the provider's Prometheus counters without requiring
// a scrape, for callers that want programmatic introspection.
func (p *Provider) Stats() Stats {
	return Stats{
		CacheHits:        readCounter(p.metrics.CacheHits),
		CacheMisses:      readCounter(p.metrics.CacheMisses),
		CopyTasksStarted: readCounter(p.metrics.CopyTasksStarted),
		CopyTasksFailed:  readCounter(p.metrics.CopyTasksFailed),
		CommitsTotal:     readCounter(p.metrics.CommitsTotal),
		RollbacksTotal:   readCounter(p.metrics.RollbacksTotal),
	}
}

// Close implements the supplemented lifecycle operation (SPEC_FULL §4):
// it force-closes every still-open dual stream (the Go analogue of
// cleanup_current_thread run over every tracked goroutine, since Go has
// no VM-wide shutdown hook to key it off), stops accepting new copy
// tasks, waits for in-flight ones, and closes the ownership map.
func (p *Provider) Close() error {
	var errs []error
	for _, cerr := range p.streams.closeAll() {
		errs = append(errs, cerr)
	}
	p.unsubscribeExp()
	p.shutdownCancel()
	if werr := p.copyExec.wait(); werr != nil {
		errs = append(errs, werr)
	}
	if cerr := p.local.Cleanup(); cerr != nil {
		errs = append(errs, cerr)
	}
	if cerr := p.ownMap.Close(); cerr != nil {
		errs = append(errs, cerr)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("galley: close: %w", errors.Join(errs...))
}
