// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/broker"
	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	logpkg "github.com/renewtv/renewd/internal/log"
)

// handleCheckAccountBalance refreshes one dealer account's upstream
// balance on demand. It takes no pool lease and skips the FIFO queue:
// the probe only reads card-scoped pages, and an admin curiosity must
// not displace paying work. Login still goes through the login lock.
func (w *Worker) handleCheckAccountBalance(ctx context.Context, job broker.Job) error {
	op, err := w.claim(ctx, job.OperationID, lifecycle.EvJobStarted, model.StatusPending)
	if err != nil {
		return err
	}
	if op.AccountID == "" {
		return fmt.Errorf("%w: no account named", ErrBadOperationState)
	}
	acct, err := w.store.GetAccount(ctx, op.AccountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("%w: account %s not found", ErrBadOperationState, op.AccountID)
	}

	// The portal only renders the dealer balance on card-scoped pages,
	// so the probe needs a card the account has served.
	probe := op.CardNumber
	if probe == "" {
		probe, err = w.recentCardFor(ctx, acct.ID)
		if err != nil {
			return err
		}
	}
	if probe == "" {
		return fmt.Errorf("%w: no probe card known for account %s", ErrBadOperationState, acct.ID)
	}

	c, err := w.clientFor(ctx, acct)
	if err != nil {
		return err
	}
	if err := w.ensureSession(ctx, op, acct, c); err != nil {
		return err
	}

	var balance decimal.Decimal
	err = w.withSessionRetry(ctx, acct, c, func(ctx context.Context) error {
		b, err := c.FetchDealerBalance(ctx, probe)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err := w.store.UpdateAccount(ctx, acct.ID, func(a *model.Account) error {
		a.Balance = balance
		a.BalanceRefreshedAtUnix = now.Unix()
		a.UpdatedAtUnix = now.Unix()
		return nil
	}); err != nil {
		return fmt.Errorf("write balance for %s: %w", acct.ID, err)
	}

	done, err := w.completeOperation(ctx, op.ID,
		fmt.Sprintf("Current balance: %s", balance),
		&model.ResponseData{
			Kind: model.SnapshotBalanceCheck,
			BalanceCheck: &model.BalanceCheckSnapshot{
				AccountID:     acct.ID,
				Balance:       balance,
				CheckedAtUnix: now.Unix(),
			},
		})
	if err != nil {
		return err
	}

	w.log.Info().
		Str(logpkg.FieldOperationID, done.ID).
		Str(logpkg.FieldAccountID, acct.ID).
		Str("balance", balance.String()).
		Msg("account balance refreshed")
	return nil
}

// recentCardFor finds the newest card this account successfully
// served, to use as the balance probe.
func (w *Worker) recentCardFor(ctx context.Context, accountID string) (string, error) {
	ops, err := w.store.QueryOperations(ctx, store.OperationFilter{
		Statuses:  []model.Status{model.StatusCompleted},
		AccountID: accountID,
	})
	if err != nil {
		return "", err
	}
	var best *model.Operation
	for _, o := range ops {
		if o.CardNumber == "" {
			continue
		}
		if best == nil || o.CompletedAtUnix > best.CompletedAtUnix {
			best = o
		}
	}
	if best == nil {
		return "", nil
	}
	return best.CardNumber, nil
}
