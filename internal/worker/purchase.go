// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

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

// errTryNextAccount signals the fail-over loop to move to another
// account; the cause stays joined for classification and the final
// message.
var errTryNextAccount = errors.New("try next account")

// failOver converts recoverable attempt errors into the fail-over
// sentinel; cancellation and hard errors pass through.
func failOver(err error) error {
	if err == nil || errors.Is(err, ErrOperationCancelled) {
		return err
	}
	if upstream.IsRecoverable(err) {
		return errors.Join(errTryNextAccount, err)
	}
	return err
}

// handleCompletePurchase runs after the user picked a package. It
// stages the purchase up to (but not through) the final confirm click,
// failing over to other accounts on recoverable trouble. Accounts that
// cannot cover the price are parked and excluded, and the pool is then
// asked only for accounts whose balance can.
func (w *Worker) handleCompletePurchase(ctx context.Context, job broker.Job) error {
	op, err := w.claim(ctx, job.OperationID, lifecycle.EvPackageSelected, model.StatusAwaitingPackage)
	if err != nil {
		return err
	}
	if op.SelectedPackage == nil {
		return fmt.Errorf("%w: no package selected", ErrBadOperationState)
	}
	price := op.SelectedPackage.Price
	originalID := op.AccountID

	// First candidate: the account that staged the catalogue, if free.
	var acct *model.Account
	if originalID != "" {
		acct, err = w.pool.AcquireByID(ctx, originalID, w.cfg.WorkerID)
		if err != nil {
			return err
		}
	}
	if acct == nil {
		acct, err = w.pool.Acquire(ctx, w.cfg.WorkerID, pool.AcquireOptions{})
		if err != nil {
			return err
		}
	}

	var tried []string
	var minBalance *decimal.Decimal
	balanceExhausted := false

	for acct != nil {
		if err := w.assignAccount(ctx, op.ID, acct.ID); err != nil {
			w.releaseLease(acct.ID)
			return err
		}

		attemptErr := w.attemptPurchase(ctx, op, acct, acct.ID == originalID)
		if attemptErr == nil {
			return nil
		}
		if !errors.Is(attemptErr, errTryNextAccount) {
			return attemptErr
		}

		tried = append(tried, acct.ID)
		if errors.Is(attemptErr, upstream.ErrInsufficientBalance) {
			balanceExhausted = true
			minBalance = &price
			metrics.PurchaseFailovers.WithLabelValues("balance").Inc()
		} else {
			metrics.PurchaseFailovers.WithLabelValues("recoverable").Inc()
		}
		w.log.Warn().Err(attemptErr).
			Str(logpkg.FieldOperationID, op.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Msg("purchase attempt failed, trying next account")

		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}
		acct, err = w.pool.Acquire(ctx, w.cfg.WorkerID, pool.AcquireOptions{Exclude: tried, MinBalance: minBalance})
		if err != nil {
			return err
		}
	}

	if balanceExhausted {
		return errors.Join(ErrNoAvailableAccounts, upstream.ErrInsufficientBalance,
			fmt.Errorf("no account can cover %s", price))
	}
	return fmt.Errorf("%w: all candidate accounts failed", ErrNoAvailableAccounts)
}

// attemptPurchase runs one purchase attempt on one leased account.
// The original account resumes from the parked snapshot when it is
// fresh enough; every other path logs in and reloads the catalogue to
// rebuild balance and form state.
func (w *Worker) attemptPurchase(ctx context.Context, op *model.Operation, acct *model.Account, isOriginal bool) error {
	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}

		price := op.SelectedPackage.Price
		smartcard := op.SmartcardType
		if smartcard == "" {
			smartcard = model.SmartcardCisco
		}
		stb := op.STBNumber

		var dealerBalance decimal.Decimal
		balanceKnown := false

		resumed := false
		if snap := op.ResponseData; isOriginal && snap != nil &&
			snap.Kind == model.SnapshotAwaitingPackage &&
			!snap.OlderThan(time.Now(), snapshotResumeMaxAge) {
			if sess, ok := snap.SnapshotSession(); ok {
				if err := c.ImportSession(&sess); err == nil {
					resumed = true
					if ap := snap.AwaitingPackage; ap != nil {
						dealerBalance = ap.DealerBalance
						balanceKnown = true
						if ap.SmartcardType != "" {
							smartcard = ap.SmartcardType
						}
					}
				}
			}
		}
		if !resumed {
			if err := w.ensureSession(ctx, op, acct, c); err != nil {
				return failOver(err)
			}
			var pkgs *upstream.PackagesResult
			err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
				r, err := c.LoadPackages(ctx, op.CardNumber, smartcard)
				if err != nil {
					return err
				}
				if !r.Success {
					return portalFailure("load_packages", r.Err)
				}
				normalizePackageNames(r.Packages)
				pkgs = r
				return nil
			})
			if err != nil {
				return failOver(err)
			}
			if pkgs.BalanceKnown {
				dealerBalance = pkgs.DealerBalance
				balanceKnown = true
			}
			if stb == "" {
				stb = pkgs.STBNumber
			}
		}

		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return err
		}

		// Pre-check before committing the form: a short balance is a
		// park-and-move-on, never a user failure.
		if balanceKnown && dealerBalance.LessThan(price) {
			w.parkShortAccount(ctx, op, acct.ID, dealerBalance, price)
			return errors.Join(errTryNextAccount, &upstream.BalanceError{Required: price, Available: dealerBalance})
		}

		var preview *upstream.PurchasePreview
		err := w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
			p, err := c.CompletePurchase(ctx, upstream.PurchaseRequest{
				Package:        *op.SelectedPackage,
				PromoCode:      op.PromoCode,
				STBNumber:      stb,
				SkipFinalClick: true,
			})
			if err != nil {
				return err
			}
			preview = p
			return nil
		})
		if err != nil {
			if errors.Is(err, upstream.ErrInsufficientBalance) {
				available := acct.Balance
				var be *upstream.BalanceError
				if errors.As(err, &be) {
					available = be.Available
				}
				w.parkShortAccount(ctx, op, acct.ID, available, price)
				return errors.Join(errTryNextAccount, err)
			}
			return failOver(err)
		}
		if !preview.AwaitingConfirm {
			return fmt.Errorf("%w: purchase not staged: %s", ErrBadOperationState, preview.Message)
		}

		s, err := c.ExportSession()
		if err != nil {
			return fmt.Errorf("export session for confirm wait: %w", err)
		}

		now := time.Now()
		parked, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
			if o.Status == model.StatusCancelled {
				return ErrOperationCancelled
			}
			if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvPurchasePaused}, now); derr != nil {
				return derr
			}
			o.AccountID = acct.ID
			o.STBNumber = stb
			o.SmartcardType = smartcard
			o.FinalConfirmExpiryUnix = now.Add(PurchaseConfirmWindow).Unix()
			o.ResponseMessage = orDefault(preview.Message, "Confirm the purchase to finish.")
			o.ResponseData = &model.ResponseData{
				Kind: model.SnapshotAwaitingFinalConfirm,
				AwaitingFinalConfirm: &model.AwaitingFinalConfirmSnapshot{
					Session:       *s,
					DealerBalance: dealerBalance,
					SavedAtUnix:   now.Unix(),
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
			Msg("purchase staged, awaiting final confirmation")
		return nil
	})
}

// parkShortAccount cools an account that cannot cover a price and
// tells the admin channel about the gap.
func (w *Worker) parkShortAccount(ctx context.Context, op *model.Operation, accountID string, balance, price decimal.Decimal) {
	if err := w.pool.MarkFailed(ctx, accountID, model.FailBalance); err != nil {
		w.log.Warn().Err(err).Str(logpkg.FieldAccountID, accountID).Msg("balance cooldown failed")
	}
	w.notifyUser(ctx, notify.BalanceShortfall(op, accountID, balance, price))
}

// claimConfirm gates the confirm flows: valid from
// AWAITING_FINAL_CONFIRM (normal) and from COMPLETING when the
// previous delivery's heartbeat lapsed (crash takeover). The window
// boundary counts as expired.
func (w *Worker) claimConfirm(ctx context.Context, opID string) (*model.Operation, error) {
	now := time.Now()
	op, err := w.store.UpdateOperation(ctx, opID, func(op *model.Operation) error {
		switch op.Status {
		case model.StatusCancelled:
			return ErrOperationCancelled
		case model.StatusCompleted, model.StatusFailed:
			return errDuplicateDelivery
		case model.StatusAwaitingFinalConfirm:
			if op.ConfirmExpired(now) {
				return ErrConfirmationTimeout
			}
			if _, derr := lifecycle.Dispatch(op, lifecycle.Event{Kind: lifecycle.EvConfirmStarted}, now); derr != nil {
				return derr
			}
			stampHeartbeat(op, now)
			return nil
		case model.StatusCompleting:
			if !op.HeartbeatExpired(now) {
				return errDuplicateDelivery
			}
			stampHeartbeat(op, now)
			return nil
		default:
			return errDuplicateDelivery
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errUnknownOperation, opID)
		}
		return nil, err
	}
	return op, nil
}

// lockAssignedAccount re-leases the operation's account, waiting out
// short contention: during the user's confirm window other jobs may
// have borrowed the account.
func (w *Worker) lockAssignedAccount(ctx context.Context, op *model.Operation) (*model.Account, error) {
	if op.AccountID == "" {
		return nil, fmt.Errorf("%w: no account assigned", ErrBadOperationState)
	}
	deadline := time.Now().Add(confirmLockWait)
	for {
		acct, err := w.pool.AcquireByID(ctx, op.AccountID, w.cfg.WorkerID)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			return acct, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("account %s stayed busy beyond the confirm-lock wait", op.AccountID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(confirmLockPoll):
		}
		if err := w.checkCancelled(ctx, op.ID); err != nil {
			return nil, err
		}
	}
}

// handleConfirmPurchase performs the irreversible final click on the
// staged purchase, charges the user exactly once, and completes the
// operation. The staged form cannot survive a re-login, so there is no
// transparent session retry here: the saved session either works or
// the operation fails with a refund.
func (w *Worker) handleConfirmPurchase(ctx context.Context, job broker.Job) error {
	op, err := w.claimConfirm(ctx, job.OperationID)
	if err != nil {
		return err
	}

	acct, err := w.lockAssignedAccount(ctx, op)
	if err != nil {
		return err
	}

	return w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
		snap := op.ResponseData
		if snap == nil || snap.Kind != model.SnapshotAwaitingFinalConfirm {
			return fmt.Errorf("%w: purchase snapshot missing", ErrBadOperationState)
		}
		if snap.OlderThan(time.Now(), snapshotConfirmMaxAge) {
			return fmt.Errorf("%w: purchase snapshot too old to confirm", ErrBadOperationState)
		}
		sess, ok := snap.SnapshotSession()
		if !ok {
			return fmt.Errorf("%w: purchase snapshot carries no session", ErrBadOperationState)
		}
		if err := c.ImportSession(&sess); err != nil {
			return fmt.Errorf("%w: session restore failed: %v", ErrBadOperationState, err)
		}

		res, err := c.ConfirmPurchase(ctx)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("confirm_purchase: portal refused: %s", res.Message)
		}

		now := time.Now()
		already, err := w.ledger.Deducted(ctx, op.ID)
		if err != nil {
			return err
		}
		if !already && op.Amount.IsPositive() {
			if err := w.ledger.RecordDeduct(ctx, op, now); err != nil {
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
			o.ResponseMessage = orDefault(res.Message, "Purchase completed.")
			return nil
		})
		if err != nil {
			return err
		}

		// The card's catalogue changed; cached packages are stale now.
		w.cards.InvalidatePackages(ctx, op.CardNumber)
		if err := w.pool.MarkUsed(ctx, acct.ID); err != nil {
			w.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("mark used failed")
		}

		w.notifyUser(ctx, notify.OperationUpdate(completed, completed.ResponseMessage))
		w.log.Info().
			Str(logpkg.FieldOperationID, op.ID).
			Str(logpkg.FieldAccountID, acct.ID).
			Str("amount", op.Amount.String()).
			Msg("purchase confirmed")
		return nil
	})
}

// handleCancelConfirm unwinds a staged purchase on user request:
// best-effort portal cancel, idempotent refund, CANCELLED status, and
// a forced lease release in case the original worker still holds the
// account.
func (w *Worker) handleCancelConfirm(ctx context.Context, job broker.Job) error {
	op, err := w.store.GetOperation(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("%w: %s", errUnknownOperation, job.OperationID)
	}

	switch op.Status {
	case model.StatusCancelled:
		return ErrOperationCancelled
	case model.StatusCompleted, model.StatusFailed:
		return errDuplicateDelivery
	case model.StatusAwaitingFinalConfirm, model.StatusCompleting:
		// The staged statuses this job exists for.
	default:
		w.log.Warn().
			Str(logpkg.FieldOperationID, op.ID).
			Str(logpkg.FieldOldStatus, string(op.Status)).
			Msg("cancel-confirm on an unstaged operation, ignoring")
		return errDuplicateDelivery
	}

	// Best-effort upstream unwind. Failures are logged, never block
	// the cancel.
	if op.AccountID != "" {
		acct, err := w.pool.AcquireByID(ctx, op.AccountID, w.cfg.WorkerID)
		switch {
		case err != nil:
			w.log.Warn().Err(err).Str(logpkg.FieldAccountID, op.AccountID).Msg("cancel could not reach account")
		case acct == nil:
			w.log.Debug().Str(logpkg.FieldAccountID, op.AccountID).Msg("account busy, skipping upstream cancel")
		default:
			lerr := w.withLease(ctx, acct, func(ctx context.Context, c upstream.Client) error {
				sess, ok := op.ResponseData.SnapshotSession()
				if !ok {
					return nil
				}
				if err := c.ImportSession(&sess); err != nil {
					return nil
				}
				return c.CancelPurchase(ctx)
			})
			if lerr != nil {
				w.log.Warn().Err(lerr).Str(logpkg.FieldOperationID, op.ID).Msg("upstream cancel failed, continuing")
			}
		}
	}

	now := time.Now()
	refunded, err := w.ledger.Refund(ctx, op.ID, now)
	if err != nil {
		return err
	}
	if refunded {
		metrics.RefundsTotal.Inc()
	}

	msg := "Purchase cancelled."
	if refunded {
		msg = "Purchase cancelled. Your balance has been refunded."
	}
	cancelled, err := w.store.UpdateOperation(ctx, op.ID, func(o *model.Operation) error {
		if o.Status == model.StatusCancelled {
			return nil
		}
		if o.Status.IsTerminal() {
			return errDuplicateDelivery
		}
		if _, derr := lifecycle.Dispatch(o, lifecycle.Event{Kind: lifecycle.EvCancelled}, now); derr != nil {
			return derr
		}
		o.ResponseMessage = msg
		return nil
	})
	if err != nil {
		return err
	}

	if op.AccountID != "" {
		if err := w.pool.ForceRelease(ctx, op.AccountID); err != nil {
			w.log.Warn().Err(err).Str(logpkg.FieldAccountID, op.AccountID).Msg("force release failed")
		}
	}

	w.notifyUser(ctx, notify.OperationUpdate(cancelled, msg))
	w.log.Info().Str(logpkg.FieldOperationID, op.ID).Msg("staged purchase cancelled")
	return nil
}

// orDefault keeps the portal's message when it said something.
func orDefault(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
