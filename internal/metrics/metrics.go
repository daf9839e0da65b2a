// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the renewd job
// pipeline. Labels stay low-cardinality: operation type and coarse
// outcome only, never operation or account IDs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished job deliveries by operation type and
	// coarse outcome (completed, failed, cancelled, duplicate, retried).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_jobs_total",
		Help: "Total number of processed job deliveries, by operation type and outcome.",
	}, []string{"type", "outcome"})

	// JobDuration observes wall-clock handler time per operation type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "renewd_job_duration_seconds",
		Help:    "Handler duration per job delivery, by operation type.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"type"})

	// QueueWait observes how long operations waited for a dealer
	// account before acquiring one or timing out.
	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "renewd_queue_wait_seconds",
		Help:    "Time spent waiting in the account queue.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 90, 120},
	})

	// RefundsTotal counts refund rows written on failure paths.
	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_refunds_total",
		Help: "Total number of refunds credited to users.",
	})

	// PurchaseFailovers counts purchase attempts that moved to another
	// dealer account, by cause (balance, recoverable).
	PurchaseFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_purchase_failover_total",
		Help: "Total number of purchase attempts retried on a different account, by cause.",
	}, []string{"cause"})

	// CaptchaPauses counts manual CAPTCHA pauses by outcome (solved,
	// timeout, cancelled).
	CaptchaPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_captcha_pause_total",
		Help: "Total number of manual CAPTCHA pauses, by outcome.",
	}, []string{"outcome"})

	// SessionRetries counts transparent re-login retries after an
	// expired-session failure.
	SessionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_session_retry_total",
		Help: "Total number of transparent re-login retries.",
	})

	// LeasesLost counts account leases that lapsed under a live
	// handler.
	LeasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_lease_lost_total",
		Help: "Total number of account leases lost mid-handler.",
	})

	// SweptOperations counts operations the janitor force-failed after
	// their heartbeat lapsed.
	SweptOperations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_swept_operations_total",
		Help: "Total number of stale operations failed by the janitor.",
	})

	// PrunedOperations counts terminal operations removed by retention.
	PrunedOperations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_pruned_operations_total",
		Help: "Total number of terminal operations removed by retention pruning.",
	})

	// KeepaliveCycles counts completed keep-alive sweeps.
	KeepaliveCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_keepalive_cycles_total",
		Help: "Total number of completed keep-alive cycles.",
	})

	// KeepaliveSessions counts per-account keep-alive outcomes
	// (valid, refreshed, relogin, skipped, failed).
	KeepaliveSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_keepalive_sessions_total",
		Help: "Total number of keep-alive account checks, by outcome.",
	}, []string{"outcome"})

	// ActiveJobs tracks handlers currently running.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renewd_active_jobs",
		Help: "Number of job handlers currently running.",
	})

	// Transitions counts applied status transitions by from and to
	// status. The status set is fixed, so cardinality stays bounded.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_fsm_transitions_total",
		Help: "Total number of applied operation status transitions.",
	}, []string{"from", "to"})

	// SessionCache counts session lookups by result (hit, miss).
	SessionCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_session_cache_total",
		Help: "Total number of session cache lookups, by result.",
	}, []string{"result"})

	// PoolAcquires counts direct pool acquisition attempts by outcome
	// (acquired, none, error).
	PoolAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewd_pool_acquire_total",
		Help: "Total number of account pool acquisition attempts, by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks operations currently waiting for an account.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renewd_queue_depth",
		Help: "Number of operations currently queued for a dealer account.",
	})

	// LoginLockContention counts login-lock attempts that found the
	// lock already held by another worker.
	LoginLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_login_lock_contention_total",
		Help: "Total number of login lock attempts that lost to another worker.",
	})

	// BrokerRedeliveries counts pending stream entries reclaimed for
	// another delivery attempt.
	BrokerRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_broker_redeliveries_total",
		Help: "Total number of stream entries reclaimed for redelivery.",
	})

	// BrokerDeadLetters counts jobs moved to the dead stream.
	BrokerDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renewd_broker_dead_letters_total",
		Help: "Total number of stream entries moved to the dead stream.",
	})
)
