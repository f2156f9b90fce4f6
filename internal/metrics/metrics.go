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

// Package metrics exposes the ambient observability surface (not
// excluded by any of spec.md's Non-goals, which scope out *event
// emission as a collaborator contract*, not the provider's own
// operational metrics) as Prometheus collectors, the Go analogue of the
// teacher's DynamicTimeout.LogSuccess/LogFailure bookkeeping.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles the counters and histograms a Provider reports.
type Collector struct {
	LockWaitSeconds  prometheus.Histogram
	LockTimeouts     prometheus.Counter
	CopyTasksStarted prometheus.Counter
	CopyTasksFailed  prometheus.Counter
	CommitsTotal     prometheus.Counter
	RollbacksTotal   prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// NewCollector builds a Collector and registers it with reg. Passing a
// nil registry is valid and yields unregistered (but still usable)
// collectors, convenient for tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "galley",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the ownership-map lock for a key.",
			Buckets:   prometheus.DefBuckets,
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "lock_timeouts_total",
			Help:      "Number of times waiting for a foreign ownership-map lock timed out.",
		}),
		CopyTasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "copy_tasks_started_total",
			Help:      "Number of miss-path copy tasks scheduled.",
		}),
		CopyTasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "copy_tasks_failed_total",
			Help:      "Number of miss-path copy tasks that failed (shared missing or I/O error).",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "commits_total",
			Help:      "Number of ownership-map transactions committed.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "rollbacks_total",
			Help:      "Number of ownership-map transactions rolled back.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "local_cache_hits_total",
			Help:      "open_input calls served directly from the local tier.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galley",
			Name:      "local_cache_misses_total",
			Help:      "open_input calls that required a shared-store copy.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.LockWaitSeconds, c.LockTimeouts, c.CopyTasksStarted, c.CopyTasksFailed,
			c.CommitsTotal, c.RollbacksTotal, c.CacheHits, c.CacheMisses,
		)
	}
	return c
}
