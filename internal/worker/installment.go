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
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/upstream"
)

// handleStartInstallment looks up the card's pending installment.
// Nothing due is a normal completion. When one exists, the operation
// parks for the user's confirmation with the amount deliberately left
// at zero: the ledger only learns the amount inside the confirm, after
// the portal accepted the payment, so an expiry refund can never pay
// the user for a payment that never happened.
func (w *Worker) handleStartInstallment(ctx context.Context, job broker.Job) error {
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

		var info *upstream.InstallmentInfo
		err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
			i, err := c.LoadInstallment(ctx, op.CardNumber)
			if err != nil {
				return err
			}
			info = i
			return nil
		})
		if err != nil {
			return err
		}

		if !info.Found {
			done, err := w.completeOperation(ctx, op.ID,
				"No pending installment was found for this card.", nil)
			if err != nil {
				return err
			}
			w.log.Info().
				Str(logpkg.FieldOperationID, done.ID).
				Str(logpkg.FieldAccountID, acct.ID).
				Msg("no installment due")
			return nil
		}

		s, err := c.ExportSession()
		if err != nil {
			return fmt.Errorf("export session for installment confirm: %w", err)
		}

		now := time.Now()
		parked, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
			if o.Status == model.StatusCancelled {
				return ErrOperationCancelled
			}
			if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvPurchasePaused}, now); derr != nil {
				return derr
			}
			o.FinalConfirmExpiryUnix = now.Add(InstallmentConfirmWindow).Unix()
			o.ResponseMessage = fmt.Sprintf("Installment of %s due for %s. Confirm to pay.",
				info.Installment.Amount, orDefault(info.Subscriber, op.CardNumber))
			o.ResponseData = &model.ResponseData{
				Kind: model.SnapshotInstallment,
				Installment: &model.InstallmentSnapshot{
					Installment:   info.Installment,
					Subscriber:    info.Subscriber,
					DealerBalance: info.DealerBalance,
					Session:       *s,
					SavedAtUnix:   now.Unix(),
					IsInstallment: true,
				},
			}
			stampHeartbeat(o, now)
			return nil
		})
		if err != nil {
			return err
		}

		w.notifyUser(ctx, notify.OperationUpdate(parked, parked.ResponseMessage))
		w.log.Info().
			Str(logpkg.FieldOperationID, op.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Str("amount", info.Installment.Amount.String()).
			Msg("installment parked for confirmation")
		return nil
	})
}

// handleConfirmInstallment pays the staged installment. The portal
// demands a fresh view of the installment page right before paying, so
// the handler re-loads it on the restored (or re-established) session
// and pays in the same breath. The user is charged the freshly loaded
// amount, and only after the portal accepted the payment; the charge
// lands in the ledger before the operation row learns the amount, so a
// crash between the two writes can never leave a refundable amount
// without its deduct.
func (w *Worker) handleConfirmInstallment(ctx context.Context, job broker.Job) error {
	op, err := w.claimConfirm(ctx, job.OperationID)
	if err != nil {
		return err
	}

	snap := op.ResponseData
	if snap == nil || snap.Kind != model.SnapshotInstallment || snap.Installment == nil {
		return fmt.Errorf("%w: installment snapshot missing", ErrBadOperationState)
	}

	acct, err := w.lockAssignedAccount(ctx, op)
	if err != nil {
		return err
	}

	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		// The snapshot session is a head start, not a requirement: a
		// re-login is fine here because the page is re-loaded anyway.
		restored := false
		if sess, ok := snap.SnapshotSession(); ok && !snap.OlderThan(time.Now(), snapshotConfirmMaxAge) {
			restored = c.ImportSession(&sess) == nil
		}
		if !restored {
			if err := w.ensureSession(ctx, op, acct, c); err != nil {
				return err
			}
		}

		var loaded *upstream.InstallmentInfo
		var payRes *upstream.InstallmentResult
		err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
			// Load and pay stay together: the pay posts the form the
			// load just rendered.
			i, err := c.LoadInstallment(ctx, op.CardNumber)
			if err != nil {
				return err
			}
			loaded = i
			if !i.Found {
				return nil
			}
			r, err := c.PayInstallment(ctx)
			if err != nil {
				return err
			}
			if !r.Success {
				return portalFailure("pay_installment", r.Message)
			}
			payRes = r
			return nil
		})
		if err != nil {
			return err
		}

		if !loaded.Found {
			// Settled between park and confirm (or by our own crashed
			// pay). Nothing to charge either way.
			done, cerr := w.completeOperation(ctx, op.ID,
				"The installment is no longer due.", nil)
			if cerr != nil {
				return cerr
			}
			w.log.Info().
				Str(logpkg.FieldOperationID, done.ID).
				Str(logpkg.FieldAccountID, acct.ID).
				Msg("installment already settled")
			return nil
		}

		amount := loaded.Installment.Amount
		now := time.Now()
		already, err := w.ledger.Deducted(ctx, op.ID)
		if err != nil {
			return err
		}
		if !already && amount.IsPositive() {
			if err := w.ledger.Deduct(ctx, op, amount, now); err != nil {
				return err
			}
		}

		completed, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
			if o.Status.IsTerminal() {
				return errDuplicateDelivery
			}
			if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvCompleted}, now); derr != nil {
				return derr
			}
			o.Amount = amount
			o.ResponseMessage = orDefault(payRes.Message, fmt.Sprintf("Installment of %s paid.", amount))
			return nil
		})
		if err != nil {
			return err
		}

		if err := w.pool.MarkUsed(ctx, acct.ID); err != nil {
			w.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("mark used failed")
		}

		w.notifyUser(ctx, notify.OperationUpdate(completed, completed.ResponseMessage))
		w.log.Info().
			Str(logpkg.FieldOperationID, op.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Str("amount", amount.String()).
			Msg("installment paid")
		return nil
	})
}
