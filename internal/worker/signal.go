// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/renewtv/renewd/internal/broker"
	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/upstream"
)

// signalCheckMaxAge bounds how old a check snapshot may be before an
// activate stops trusting its session and runs the single-shot flow.
const signalCheckMaxAge = 30 * time.Minute

// handleSignalCheck looks the card up on the signal page and finishes
// immediately: the result is a report, not a charge. The exported
// session rides along on the record so a follow-up activate can reuse
// the login instead of queueing for a fresh one.
func (w *Worker) handleSignalCheck(ctx context.Context, job broker.Job) error {
	op, err := w.claim(ctx, job.OperationID, lifecycle.EvJobStarted, model.StatusPending)
	if err != nil {
		return err
	}
	acct, err := w.acquireQueued(ctx, op)
	if err != nil {
		return err
	}

	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}
		if err := w.ensureSession(ctx, op, acct, c); err != nil {
			return err
		}

		var status *upstream.SignalStatus
		err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
			st, err := c.CheckCardForSignal(ctx, op.CardNumber)
			if err != nil {
				return err
			}
			status = st
			return nil
		})
		if err != nil {
			return err
		}

		s, err := c.ExportSession()
		if err != nil {
			return fmt.Errorf("export session for activate: %w", err)
		}

		now := time.Now()
		done, err := w.completeOperation(ctx, op.ID,
			orDefault(status.Message, "Signal check completed. Ready to activate."),
			&model.ResponseData{
				Kind: model.SnapshotSignalCheck,
				SignalCheck: &model.SignalCheckSnapshot{
					CardStatus:       status.CardStatus,
					Contracts:        status.Contracts,
					Session:          *s,
					CheckedAtUnix:    now.Unix(),
					AwaitingActivate: true,
				},
			})
		if err != nil {
			return err
		}

		w.log.Info().
			Str(logpkg.FieldOperationID, done.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Str("card_status", status.CardStatus).
			Msg("signal check completed, activate available")
		return nil
	})
}

// handleSignalActivate fires the activation half of the split signal
// flow. A fresh check snapshot lets it jump the queue: re-lease the
// checked account, restore its session, and use the cheap
// activate-only call. A stale snapshot, a busy account or a dead
// session all fall back to the single-shot check+activate on whichever
// account the queue hands out.
func (w *Worker) handleSignalActivate(ctx context.Context, job broker.Job) error {
	op, err := w.claim(ctx, job.OperationID, lifecycle.EvJobStarted, model.StatusPending)
	if err != nil {
		return err
	}

	snap := op.ResponseData
	resumable := op.AccountID != "" && snap != nil &&
		snap.Kind == model.SnapshotSignalCheck &&
		snap.SignalCheck != nil && snap.SignalCheck.AwaitingActivate &&
		!snap.OlderThan(time.Now(), signalCheckMaxAge)

	var acct *model.Account
	if resumable {
		acct, err = w.pool.AcquireByID(ctx, op.AccountID, w.cfg.WorkerID)
		if err != nil {
			return err
		}
		if acct == nil {
			w.log.Debug().
				Str(logpkg.FieldOperationID, op.ID).
				Str(logpkg.FieldAccountID, op.AccountID).
				Msg("checked account busy, activating on a fresh lease")
			resumable = false
		}
	}
	if acct == nil {
		acct, err = w.acquireQueued(ctx, op)
		if err != nil {
			return err
		}
	}

	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}

		var result *upstream.SignalResult
		if resumable {
			if sess, ok := snap.SnapshotSession(); ok {
				if err := c.ImportSession(&sess); err == nil {
					r, aerr := c.ActivateSignalOnly(ctx, op.CardNumber)
					switch {
					case aerr == nil && r.Success:
						result = r
					case aerr != nil && !upstream.IsRecoverable(aerr):
						return aerr
					default:
						// Session gone or portal balked; the full flow
						// below re-checks and activates from scratch.
						w.log.Debug().Err(aerr).
							Str(logpkg.FieldOperationID, op.ID).
							Msg("activate-only failed, running full signal flow")
					}
				}
			}
		}
		if result == nil {
			if err := w.ensureSession(ctx, op, acct, c); err != nil {
				return err
			}
			err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
				r, err := c.ActivateSignal(ctx, op.CardNumber)
				if err != nil {
					return err
				}
				if !r.Success {
					return portalFailure("activate_signal", r.Message)
				}
				result = r
				return nil
			})
			if err != nil {
				return err
			}
		}

		done, err := w.completeOperation(ctx, op.ID,
			orDefault(result.Message, "Signal activation completed."), nil)
		if err != nil {
			return err
		}

		w.log.Info().
			Str(logpkg.FieldOperationID, done.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Msg("signal activated")
		return nil
	})
}

// handleSignalRefresh is the one-operation variant: check and activate
// in a single visit, nothing parked in between.
func (w *Worker) handleSignalRefresh(ctx context.Context, job broker.Job) error {
	op, err := w.claim(ctx, job.OperationID, lifecycle.EvJobStarted, model.StatusPending)
	if err != nil {
		return err
	}
	acct, err := w.acquireQueued(ctx, op)
	if err != nil {
		return err
	}

	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}
		if err := w.ensureSession(ctx, op, acct, c); err != nil {
			return err
		}

		var result *upstream.SignalResult
		err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
			r, err := c.ActivateSignal(ctx, op.CardNumber)
			if err != nil {
				return err
			}
			if !r.Success {
				return portalFailure("activate_signal", r.Message)
			}
			result = r
			return nil
		})
		if err != nil {
			return err
		}

		done, err := w.completeOperation(ctx, op.ID,
			orDefault(result.Message, "Signal refreshed."), nil)
		if err != nil {
			return err
		}

		w.log.Info().
			Str(logpkg.FieldOperationID, done.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Msg("signal refreshed")
		return nil
	})
}
