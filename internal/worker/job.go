// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/renewtv/renewd/internal/broker"
	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/pool"
	"github.com/renewtv/renewd/internal/upstream"
)

// errStampStop ends the heartbeat stamper once the record went
// terminal under it.
var errStampStop = errors.New("stop stamping")

// runJob is the shared wrapper around every handler. It owns the
// operation heartbeat, translates handler outcomes into delivery
// outcomes, and runs the refund-then-fail path on errors. Cancellation
// is a normal early return, never a failure.
func (w *Worker) runJob(ctx context.Context, d broker.Delivery) error {
	job := d.Job
	log := w.log.With().
		Str(logpkg.FieldOperationID, job.OperationID).
		Str(logpkg.FieldOpType, string(job.Type)).
		Int64("attempt", d.Attempt).
		Logger()

	ctx, span := w.tracer.Start(ctx, "renewd.worker.job",
		trace.WithAttributes(
			attribute.String("operation.id", job.OperationID),
			attribute.String("operation.type", string(job.Type)),
			attribute.Int64("delivery.attempt", d.Attempt),
		))
	defer span.End()

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	start := time.Now()

	stop := w.startStamper(ctx, job.OperationID)
	err := w.dispatch(ctx, job)
	stop()

	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())

	var outcome string
	var ret error
	switch {
	case err == nil:
		outcome = "completed"
		log.Info().Int64(logpkg.FieldElapsedMS, elapsed.Milliseconds()).Msg("job finished")
	case errors.Is(err, ErrOperationCancelled):
		outcome = "cancelled"
		log.Info().Msg("job ended early: operation cancelled by user")
	case errors.Is(err, errDuplicateDelivery):
		outcome = "duplicate"
		log.Debug().Msg("duplicate delivery ignored")
	case errors.Is(err, errUnknownOperation):
		outcome = "dropped"
		log.Error().Err(err).Msg("job dropped: no such operation")
	case ctx.Err() != nil:
		// Shutdown or broker cancellation mid-handler. Leave the
		// record as it stands: redelivery resumes what it can and the
		// janitor reaps the rest.
		outcome = "retried"
		span.RecordError(err)
		log.Warn().Err(err).Msg("job interrupted, left for redelivery")
		ret = err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := w.failOperation(ctx, job.OperationID, err); ferr != nil {
			log.Error().Err(ferr).Msg("failure path incomplete, left for redelivery")
			outcome = "retried"
			ret = ferr
			break
		}
		outcome = "failed"
		log.Error().Err(err).Int64(logpkg.FieldElapsedMS, elapsed.Milliseconds()).Msg("job failed")
	}

	metrics.JobsTotal.WithLabelValues(string(job.Type), outcome).Inc()
	emitJobObs(ctx, job.Type, outcome)
	return ret
}

// emitJobObs mirrors the delivery outcome onto the otel meter. The
// span already carries the IDs; the counter stays low-cardinality.
func emitJobObs(ctx context.Context, typ model.OpType, outcome string) {
	meter := otel.GetMeterProvider().Meter("renewd.worker")
	c, err := meter.Int64Counter("renewd_worker_jobs",
		metric.WithDescription("Job deliveries finished, by type and outcome."))
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.String("outcome", outcome),
	))
}

// claim gates a job on the operation's current status and applies the
// entry transition in the same write. Redeliveries of work that
// already progressed surface as errDuplicateDelivery and are acked; a
// cancelled record aborts before any portal work starts.
func (w *Worker) claim(ctx context.Context, opID string, ev lifecycle.EventKind, from ...model.Status) (*model.Operation, error) {
	now := time.Now()
	op, err := w.store.UpdateOperation(ctx, opID, func(op *model.Operation) error {
		switch {
		case op.Status == model.StatusCancelled:
			return ErrOperationCancelled
		case op.Status.IsTerminal():
			return errDuplicateDelivery
		}
		for _, s := range from {
			if op.Status != s {
				continue
			}
			if _, derr := lifecycle.Dispatch(op, lifecycle.Event{Kind: ev}, now); derr != nil {
				return derr
			}
			stampHeartbeat(op, now)
			return nil
		}
		// Someone else holds (or held) this stage. If they crashed the
		// janitor will fail the record; re-running here could double
		// the portal work.
		return errDuplicateDelivery
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errUnknownOperation, opID)
		}
		return nil, err
	}
	return op, nil
}

func stampHeartbeat(op *model.Operation, now time.Time) {
	op.HeartbeatAtUnix = now.Unix()
	op.HeartbeatExpiryUnix = now.Add(opHeartbeatTTL).Unix()
	op.UpdatedAtUnix = now.Unix()
}

// startStamper keeps the operation's liveness heartbeat fresh while
// the handler runs, covering long in-handler waits (queue, CAPTCHA,
// confirm lock) without per-loop bookkeeping. The returned stop must
// be called before the handler's outcome is finalized.
func (w *Worker) startStamper(ctx context.Context, opID string) (stop func()) {
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(opStampEvery)
		defer t.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-t.C:
			}
			_, err := w.store.UpdateOperation(sctx, opID, func(op *model.Operation) error {
				if op.Status.IsTerminal() {
					return errStampStop
				}
				stampHeartbeat(op, time.Now())
				return nil
			})
			if errors.Is(err, errStampStop) || errors.Is(err, store.ErrNotFound) {
				return
			}
			if err != nil && sctx.Err() == nil {
				w.log.Warn().Err(err).
					Str(logpkg.FieldOperationID, opID).
					Msg("operation heartbeat stamp failed")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// checkCancelled is the cancellation checkpoint handlers hit at every
// natural await point.
func (w *Worker) checkCancelled(ctx context.Context, opID string) error {
	op, err := w.store.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("%w: %s", errUnknownOperation, opID)
	}
	if op.Status == model.StatusCancelled {
		return ErrOperationCancelled
	}
	return nil
}

// failOperation is the single failure path: refund whatever amount the
// record currently carries, then mark it failed with the mapped
// reason. Safe to rerun; the refund is idempotent and a record that
// went terminal concurrently is left alone.
func (w *Worker) failOperation(ctx context.Context, opID string, cause error) error {
	now := time.Now()
	refunded, err := w.ledger.Refund(ctx, opID, now)
	if err != nil {
		return fmt.Errorf("refund %s: %w", opID, err)
	}
	if refunded {
		metrics.RefundsTotal.Inc()
	}

	msg := failureMessage(cause)
	op, err := w.store.UpdateOperation(ctx, opID, func(op *model.Operation) error {
		if op.Status.IsTerminal() {
			return nil
		}
		if _, derr := lifecycle.Dispatch(op, lifecycle.Event{Kind: lifecycle.EvFailed, Reason: reasonFor(cause)}, now); derr != nil {
			return derr
		}
		op.ResponseMessage = msg
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark failed %s: %w", opID, err)
	}

	if op != nil && op.Status == model.StatusFailed {
		if nerr := w.notifier.Notify(ctx, notify.OperationUpdate(op, msg)); nerr != nil {
			w.log.Warn().Err(nerr).Str(logpkg.FieldOperationID, opID).Msg("failure notification undelivered")
		}
	}
	return nil
}

// failureMessage renders the user-facing text for a failed operation.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoAvailableAccounts) && errors.Is(err, upstream.ErrInsufficientBalance):
		return "No dealer account has enough balance for this purchase. Please try again later."
	case errors.Is(err, ErrQueueTimeout):
		return "All dealer accounts stayed busy. Please try again shortly."
	case errors.Is(err, ErrNoAvailableAccounts):
		return "No dealer account is available right now. Please try again shortly."
	case errors.Is(err, ErrConfirmationTimeout):
		return "The confirmation window expired. Your balance has been refunded."
	case errors.Is(err, ErrCaptchaTimeout):
		return "No CAPTCHA solution arrived in time. Your balance has been refunded."
	case errors.Is(err, ErrLeaseLost):
		return "The dealer account was taken over mid-operation. Your balance has been refunded."
	case errors.Is(err, ErrBadOperationState):
		return "The operation can no longer continue from its saved state."
	case errors.Is(err, upstream.ErrInsufficientBalance):
		return "The dealer balance cannot cover this operation."
	case errors.Is(err, upstream.ErrCaptchaRequired):
		return "The portal demanded a CAPTCHA that could not be solved automatically."
	case errors.Is(err, upstream.ErrLoginFailed):
		return "Dealer login failed."
	case errors.Is(err, upstream.ErrSessionExpired):
		return "The portal session expired and could not be restored."
	default:
		return "The operation failed unexpectedly."
	}
}

// withLease runs fn with the account's portal client while holding the
// pool lease. A renewal heartbeat keeps the lease alive; losing it
// cancels fn's context and surfaces ErrLeaseLost so the failure path
// refunds. The lease is always released on return.
func (w *Worker) withLease(ctx context.Context, acct *model.Account, fn func(ctx context.Context, c upstream.Client) error) error {
	client, err := w.clientFor(ctx, acct)
	if err != nil {
		w.releaseLease(acct.ID)
		return err
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := w.pool.StartHeartbeat(leaseCtx, acct.ID, w.cfg.WorkerID, 0)
	go func() {
		select {
		case <-hb.Lost():
			cancel()
		case <-leaseCtx.Done():
		}
	}()

	err = fn(leaseCtx, client)

	hb.Stop()
	w.releaseLease(acct.ID)

	if err != nil {
		select {
		case <-hb.Lost():
			metrics.LeasesLost.Inc()
			return errors.Join(ErrLeaseLost, err)
		default:
		}
	}
	return err
}

// clientFor resolves the account's proxy and hands out its portal
// client from the registry.
func (w *Worker) clientFor(ctx context.Context, acct *model.Account) (upstream.Client, error) {
	var proxy *model.Proxy
	if acct.ProxyID != "" {
		p, err := w.store.GetProxy(ctx, acct.ProxyID)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", acct.ProxyID, err)
		}
		proxy = p
	}
	client, err := w.registry.Client(ctx, acct, proxy)
	if err != nil {
		return nil, fmt.Errorf("client for %s: %w", acct.ID, err)
	}
	return client, nil
}

// releaseLease returns the account on a fresh context, so release
// still happens when the job's context is already dead.
func (w *Worker) releaseLease(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.pool.Release(ctx, accountID, w.cfg.WorkerID); err != nil {
		w.log.Warn().Err(err).Str(logpkg.FieldAccountID, accountID).Msg("lease release failed")
	}
}

// assignAccount records which dealer account the operation is running
// on. Confirm and cancel flows need it after the lease is long gone.
func (w *Worker) assignAccount(ctx context.Context, opID, accountID string) error {
	_, err := w.store.UpdateOperation(ctx, opID, func(op *model.Operation) error {
		op.AccountID = accountID
		op.UpdatedAtUnix = time.Now().Unix()
		return nil
	})
	return err
}

// acquireQueued is the FIFO acquisition front shared by the handlers
// that start on a fresh account: wait in line, record the wait, assign
// the leased account to the operation row.
func (w *Worker) acquireQueued(ctx context.Context, op *model.Operation) (*model.Account, error) {
	res, err := w.queue.AcquireWithQueue(ctx, op.ID, w.cfg.WorkerID, pool.AcquireOptions{}, w.cfg.QueueTimeout)
	if err != nil {
		return nil, err
	}
	metrics.QueueWait.Observe(res.Waited.Seconds())
	if res.TimedOut || res.Account == nil {
		return nil, fmt.Errorf("%w (waited %s)", ErrQueueTimeout, res.Waited.Round(time.Millisecond))
	}
	if err := w.assignAccount(ctx, op.ID, res.Account.ID); err != nil {
		w.releaseLease(res.Account.ID)
		return nil, err
	}
	return res.Account, nil
}

// completeOperation finishes a PROCESSING operation through the gate,
// replaces its stage snapshot (nil clears it), and notifies the user.
func (w *Worker) completeOperation(ctx context.Context, opID, message string, data *model.ResponseData) (*model.Operation, error) {
	now := time.Now()
	done, err := w.store.UpdateOperation(ctx, opID, func(o *model.Operation) error {
		switch {
		case o.Status == model.StatusCancelled:
			return ErrOperationCancelled
		case o.Status.IsTerminal():
			return errDuplicateDelivery
		}
		if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvCompleted}, now); derr != nil {
			return derr
		}
		o.ResponseMessage = message
		o.ResponseData = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.notifyUser(ctx, notify.OperationUpdate(done, message))
	return done, nil
}

// notifyUser delivers a best-effort user notification; failures are
// logged, never propagated.
func (w *Worker) notifyUser(ctx context.Context, ev notify.Event) {
	if err := w.notifier.Notify(ctx, ev); err != nil {
		w.log.Warn().Err(err).
			Str(logpkg.FieldOperationID, ev.OperationID).
			Str("notify_kind", string(ev.Kind)).
			Msg("notification undelivered")
	}
}
