// SPDX-License-Identifier: MIT

// Package sweeper is the janitor for operations nobody will finish.
//
// Workers stamp a liveness heartbeat on every record they hold; a
// crashed worker stops stamping and its operation would sit in a
// working status forever. Parked records waiting on user input carry
// no live worker at all; their deadline is the selection or
// confirmation window on the record. The sweeper fails both kinds
// through the lifecycle gate, refunds whatever the record carries, and
// additionally prunes terminal rows past retention, repairs missed
// refunds and drops queue entries whose operations are gone.
//
// One instance per deployment, alongside the keep-alive sweep. Every
// pass is idempotent: each rule re-checks its condition inside the
// store's write transaction, so a revived record is left alone.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	"github.com/renewtv/renewd/internal/ledger"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/pool"
)

const (
	DefaultInterval  = time.Minute
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultParkGrace is how far past a parked record's window the
	// sweeper waits before reaping, so a confirm clicked at the edge
	// beats the janitor to the record.
	DefaultParkGrace = time.Minute
)

// errSettled aborts a reap transaction whose record turned out to be
// live (or already terminal) on the second look.
var errSettled = errors.New("sweeper: record settled")

// Config tunes the janitor.
type Config struct {
	Interval time.Duration
	// Retention is how long terminal rows stay queryable before
	// pruning. Ledger rows survive pruning.
	Retention time.Duration
	// ParkGrace is slack past a parked record's window before the
	// sweeper gives up on the user coming back.
	ParkGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.ParkGrace <= 0 {
		c.ParkGrace = DefaultParkGrace
	}
	return c
}

// Deps are the collaborators the janitor works through. Queue and
// Notifier may be nil; queue reconciliation is skipped and
// notifications fall back to the log notifier.
type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Queue    *pool.Queue
	Notifier notify.Notifier
}

type Sweeper struct {
	cfg      Config
	store    store.Store
	ledger   *ledger.Ledger
	queue    *pool.Queue
	notifier notify.Notifier
	log      zerolog.Logger
}

func New(cfg Config, deps Deps) *Sweeper {
	cfg = cfg.withDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog()
	}
	return &Sweeper{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		log:      logpkg.WithComponent("sweeper"),
	}
}

// Run sweeps on a ticker until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("retention", s.cfg.Retention).
		Msg("janitor started")

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// Stats is one pass's tally.
type Stats struct {
	// Stalled counts records failed because their worker's heartbeat
	// lapsed mid-flight.
	Stalled int
	// Abandoned counts parked records failed because their window
	// passed and no resume ever came.
	Abandoned int
	// Repaired counts refunds written for terminal records that were
	// missing one.
	Repaired int
	// Pruned counts terminal rows removed past retention.
	Pruned int
	// Dequeued counts queue entries removed for dead operations.
	Dequeued int
}

// SweepOnce runs exactly one pass of every rule. Deterministic, so
// tests call it directly.
func (s *Sweeper) SweepOnce(ctx context.Context) Stats {
	var st Stats
	s.reapDead(ctx, &st)
	s.repairRefunds(ctx, &st)
	s.prune(ctx, &st)
	s.reconcileQueue(ctx, &st)
	if st != (Stats{}) {
		s.log.Info().
			Int("stalled", st.Stalled).
			Int("abandoned", st.Abandoned).
			Int("repaired", st.Repaired).
			Int("pruned", st.Pruned).
			Int("dequeued", st.Dequeued).
			Msg("sweep pass done")
	}
	return st
}

// reapDead fails records whose heartbeat lapsed. Parked records always
// look lapsed (their worker detached at park time on purpose), so they
// are reaped on their user window instead.
func (s *Sweeper) reapDead(ctx context.Context, st *Stats) {
	now := time.Now()
	rows, err := s.store.QueryOperations(ctx, store.OperationFilter{
		HeartbeatExpiresBefore: now.Unix(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("heartbeat scan failed")
		return
	}
	for _, row := range rows {
		switch s.reap(ctx, row.ID) {
		case reapStalled:
			st.Stalled++
		case reapAbandoned:
			st.Abandoned++
		}
	}
}

type reapOutcome int

const (
	reapSkipped reapOutcome = iota
	reapStalled
	reapAbandoned
)

// reap re-checks one candidate inside the write transaction and fails
// it through the gate when the condition still holds, then refunds.
func (s *Sweeper) reap(ctx context.Context, opID string) reapOutcome {
	now := time.Now()
	outcome := reapSkipped
	var msg string

	op, err := s.store.UpdateOperation(ctx, opID, func(op *model.Operation) error {
		outcome = reapSkipped
		if op.Status.IsTerminal() {
			return errSettled
		}
		switch op.Status {
		case model.StatusProcessing, model.StatusCompleting, model.StatusAwaitingCaptcha:
			// A worker should be stamping these. Silence means it died.
			if !op.HeartbeatExpired(now) {
				return errSettled
			}
			if _, derr := lifecycle.Dispatch(op, lifecycle.Event{Kind: lifecycle.EvSweepExpired}, now); derr != nil {
				return derr
			}
			outcome = reapStalled
			msg = "The operation stalled and was cleaned up. Any charge has been refunded."
		case model.StatusAwaitingPackage, model.StatusAwaitingFinalConfirm:
			// Parked for the user; reap only once the window plus
			// grace is gone. A malformed park without a window counts
			// as gone.
			if op.FinalConfirmExpiryUnix != 0 && !op.ConfirmExpired(now.Add(-s.cfg.ParkGrace)) {
				return errSettled
			}
			wasSelecting := op.Status == model.StatusAwaitingPackage
			if _, derr := lifecycle.Dispatch(op, lifecycle.Event{Kind: lifecycle.EvFailed, Reason: model.RConfirmTimeout}, now); derr != nil {
				return derr
			}
			outcome = reapAbandoned
			if wasSelecting {
				msg = "No package was selected in time. Your balance has been refunded."
			} else {
				msg = "The confirmation window expired. Your balance has been refunded."
			}
		default:
			// PENDING never matches the heartbeat filter; anything
			// else landing here is a status added without a sweep
			// rule.
			return errSettled
		}
		op.ResponseMessage = msg
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSettled) && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str(logpkg.FieldOperationID, opID).Msg("reap failed")
		}
		return reapSkipped
	}

	refunded, err := s.ledger.Refund(ctx, opID, now)
	if err != nil {
		// The record is already failed; repairRefunds heals this on
		// the next pass.
		s.log.Warn().Err(err).Str(logpkg.FieldOperationID, opID).Msg("reap refund failed")
	}
	if refunded {
		metrics.RefundsTotal.Inc()
	}
	metrics.SweptOperations.Inc()
	s.log.Info().
		Str(logpkg.FieldOperationID, opID).
		Str(logpkg.FieldOpType, string(op.Type)).
		Str(logpkg.FieldReason, string(op.Reason)).
		Msg("operation swept")
	if err := s.notifier.Notify(ctx, notify.OperationUpdate(op, msg)); err != nil {
		s.log.Warn().Err(err).Str(logpkg.FieldOperationID, opID).Msg("sweep notification undelivered")
	}
	return outcome
}

// repairRefunds writes the refund for failed or cancelled records that
// are missing one, healing any crash window between a terminal write
// and its refund. Completed records never qualify.
func (s *Sweeper) repairRefunds(ctx context.Context, st *Stats) {
	rows, err := s.store.QueryOperations(ctx, store.OperationFilter{
		Statuses: []model.Status{model.StatusFailed, model.StatusCancelled},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("refund repair scan failed")
		return
	}
	now := time.Now()
	for _, row := range rows {
		if !row.Amount.IsPositive() {
			continue
		}
		refunded, err := s.ledger.Refunded(ctx, row.ID)
		if err != nil {
			s.log.Warn().Err(err).Str(logpkg.FieldOperationID, row.ID).Msg("refund lookup failed")
			continue
		}
		if refunded {
			continue
		}
		wrote, err := s.ledger.Refund(ctx, row.ID, now)
		if err != nil {
			s.log.Warn().Err(err).Str(logpkg.FieldOperationID, row.ID).Msg("refund repair failed")
			continue
		}
		if wrote {
			metrics.RefundsTotal.Inc()
			st.Repaired++
			s.log.Info().Str(logpkg.FieldOperationID, row.ID).Msg("missing refund repaired")
		}
	}
}

func (s *Sweeper) prune(ctx context.Context, st *Stats) {
	n, err := s.store.PruneOperations(ctx, time.Now().Add(-s.cfg.Retention))
	if err != nil {
		s.log.Error().Err(err).Msg("retention prune failed")
		return
	}
	if n > 0 {
		metrics.PrunedOperations.Add(float64(n))
		st.Pruned = n
	}
}

// reconcileQueue drops account-queue entries whose operations are
// terminal or gone, so a crashed waiter cannot wedge the head.
func (s *Sweeper) reconcileQueue(ctx context.Context, st *Stats) {
	if s.queue == nil {
		return
	}
	removed, err := s.queue.RemoveStale(ctx, func(opID string) bool {
		op, err := s.store.GetOperation(ctx, opID)
		if err != nil {
			// Keep the entry on a read failure; dropping a live
			// waiter is the costlier mistake.
			return true
		}
		return op != nil && !op.Status.IsTerminal()
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("queue reconciliation failed")
	}
	st.Dequeued = removed
}
