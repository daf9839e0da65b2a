// SPDX-License-Identifier: MIT

// Package worker consumes operation jobs from the broker and drives
// them against the dealer portal: renewals, purchase confirmation,
// signal refreshes, installments and balance probes.
//
// Every handler runs under the same discipline: the operation row is
// claimed with a status-gated transition so redelivered jobs become
// no-ops, the owning worker stamps a liveness heartbeat the janitor
// watches, and any failure refunds the user before the operation is
// marked failed. Dealer accounts are only ever touched under a pool
// lease scoped to the handler.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/renewtv/renewd/internal/broker"
	"github.com/renewtv/renewd/internal/cardcache"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	"github.com/renewtv/renewd/internal/ledger"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/pool"
	"github.com/renewtv/renewd/internal/session"
	"github.com/renewtv/renewd/internal/solver"
	"github.com/renewtv/renewd/internal/telemetry"
	"github.com/renewtv/renewd/internal/upstream/registry"
)

const (
	// PackageSelectWindow is how long a parked renewal waits for the
	// user to pick a package before the janitor may reap it.
	PackageSelectWindow = 120 * time.Second

	// PurchaseConfirmWindow is the user's final-confirm window for a
	// staged purchase. Installments get a longer one because the
	// amount is presented for review rather than chosen.
	PurchaseConfirmWindow    = 30 * time.Second
	InstallmentConfirmWindow = 60 * time.Second

	// confirmLockWait bounds how long a confirmation waits for its
	// dealer account to come free again; during the user's window
	// other jobs may have leased it.
	confirmLockWait = 30 * time.Second
	confirmLockPoll = time.Second

	// snapshotResumeMaxAge bounds how old a saved session may be for a
	// purchase to resume on it; past that the flow logs in fresh.
	// snapshotConfirmMaxAge is stricter: a confirm cannot rebuild its
	// form state, so a stale snapshot fails the operation.
	snapshotResumeMaxAge  = 60 * time.Minute
	snapshotConfirmMaxAge = 30 * time.Minute

	// opHeartbeatTTL is the liveness window stamped on owned
	// operations. opStampEvery refreshes it well inside the window.
	opHeartbeatTTL = 15 * time.Second
	opStampEvery   = 5 * time.Second

	// captchaPoll is how often a paused login re-reads the operation
	// for a manually entered CAPTCHA solution.
	captchaPoll = 2 * time.Second
)

// Config carries the operator-tunable worker knobs. Zero values fall
// back to the documented defaults.
type Config struct {
	// WorkerID names this process in leases and login locks.
	WorkerID string
	// QueueTimeout bounds the wait for a dealer account.
	QueueTimeout time.Duration
	// LoginLockWait bounds how long a worker waits for another
	// worker's login on the same account to finish.
	LoginLockWait time.Duration
	// CaptchaTimeout bounds the manual CAPTCHA pause.
	CaptchaTimeout time.Duration
	// PreLoginTimeout bounds each portal login round-trip. The manual
	// CAPTCHA pause between the two phases is excluded; CaptchaTimeout
	// owns that wait.
	PreLoginTimeout time.Duration
	// SessionTTL is the shared session-cache lifetime.
	SessionTTL time.Duration
	// RatePerMinute caps portal work admission across all handlers.
	RatePerMinute int
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = pool.DefaultQueueTimeout
	}
	if c.LoginLockWait <= 0 {
		c.LoginLockWait = 30 * time.Second
	}
	if c.CaptchaTimeout <= 0 {
		c.CaptchaTimeout = 120 * time.Second
	}
	if c.PreLoginTimeout <= 0 {
		c.PreLoginTimeout = 120 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	return c
}

// Deps bundles the shared infrastructure a worker runs on.
type Deps struct {
	Store    store.Store
	Pool     *pool.Pool
	Queue    *pool.Queue
	Sessions *session.Cache
	Cards    *cardcache.Cache
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Solver   solver.Solver
	Notifier notify.Notifier
}

// Worker executes operation jobs. One Worker serves all operation
// types; the broker bounds how many run at once.
type Worker struct {
	cfg      Config
	store    store.Store
	pool     *pool.Pool
	queue    *pool.Queue
	sessions *session.Cache
	cards    *cardcache.Cache
	registry *registry.Registry
	ledger   *ledger.Ledger
	solver   solver.Solver
	notifier notify.Notifier

	limiter *rate.Limiter
	log     zerolog.Logger
	tracer  trace.Tracer
}

// New wires a worker. Solver and Notifier may be nil; they default to
// the disabled solver and the log notifier.
func New(cfg Config, deps Deps) *Worker {
	cfg = cfg.withDefaults()
	if deps.Solver == nil {
		deps.Solver = solver.Disabled{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog()
	}
	return &Worker{
		cfg:      cfg,
		store:    deps.Store,
		pool:     deps.Pool,
		queue:    deps.Queue,
		sessions: deps.Sessions,
		cards:    deps.Cards,
		registry: deps.Registry,
		ledger:   deps.Ledger,
		solver:   deps.Solver,
		notifier: deps.Notifier,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute),
		log:      logpkg.WithComponent("worker").With().Str(logpkg.FieldWorkerID, cfg.WorkerID).Logger(),
		tracer:   telemetry.Tracer("renewd.worker"),
	}
}

// Run consumes deliveries until ctx is cancelled or the broker stops.
func (w *Worker) Run(ctx context.Context, b broker.Broker) error {
	w.log.Info().
		Int("rate_per_minute", w.cfg.RatePerMinute).
		Msg("worker consuming")
	return b.Consume(ctx, w.Handle)
}

// Handle processes one delivery. It is safe to call concurrently; the
// shared rate limiter paces portal admission across all handlers.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.runJob(ctx, d)
}

// dispatch routes one job to its handler.
func (w *Worker) dispatch(ctx context.Context, job broker.Job) error {
	switch job.Type {
	case model.OpStartRenewal:
		return w.handleStartRenewal(ctx, job)
	case model.OpCompletePurchase:
		return w.handleCompletePurchase(ctx, job)
	case model.OpConfirmPurchase:
		return w.handleConfirmPurchase(ctx, job)
	case model.OpCancelConfirm:
		return w.handleCancelConfirm(ctx, job)
	case model.OpSignalCheck:
		return w.handleSignalCheck(ctx, job)
	case model.OpSignalActivate:
		return w.handleSignalActivate(ctx, job)
	case model.OpSignalRefresh:
		return w.handleSignalRefresh(ctx, job)
	case model.OpStartInstallment:
		return w.handleStartInstallment(ctx, job)
	case model.OpConfirmInstallment:
		return w.handleConfirmInstallment(ctx, job)
	case model.OpCheckAccountBalance:
		return w.handleCheckAccountBalance(ctx, job)
	default:
		return fmt.Errorf("%w: unknown type %q", errUnknownOperation, job.Type)
	}
}
