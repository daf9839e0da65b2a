// SPDX-License-Identifier: MIT

// Package ledger records the money consequences of operations. Rows
// are append-only; the refund path is idempotent so crash-and-retry
// workers cannot credit a user twice.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	logpkg "github.com/renewtv/renewd/internal/log"
)

type Ledger struct {
	store store.Store
	log   zerolog.Logger
}

func New(s store.Store) *Ledger {
	return &Ledger{
		store: s,
		log:   logpkg.WithComponent("ledger"),
	}
}

// RecordDeduct appends the charge row for a completed purchase.
func (l *Ledger) RecordDeduct(ctx context.Context, op *model.Operation, now time.Time) error {
	return l.Deduct(ctx, op, op.Amount, now)
}

// Deduct appends a charge row with an explicit amount. Installment
// confirmation charges the freshly loaded installment amount before the
// operation row learns it, so a crash between the two writes can never
// leave a refundable amount without a matching deduct.
func (l *Ledger) Deduct(ctx context.Context, op *model.Operation, amount decimal.Decimal, now time.Time) error {
	txn := &model.Transaction{
		OperationID:   op.ID,
		UserID:        op.UserID,
		Kind:          model.TxnOperationDeduct,
		Amount:        amount,
		CreatedAtUnix: now.Unix(),
	}
	if err := l.store.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	l.log.Info().
		Str(logpkg.FieldOperationID, op.ID).
		Str(logpkg.FieldUserID, op.UserID).
		Str("amount", amount.String()).
		Msg("deduct recorded")
	return nil
}

// Deducted reports whether a charge row already exists for the
// operation. Redelivered confirmations consult this before charging so
// a crash after the deduct cannot bill the user twice.
func (l *Ledger) Deducted(ctx context.Context, operationID string) (bool, error) {
	txns, err := l.store.ListTransactions(ctx, operationID)
	if err != nil {
		return false, err
	}
	for _, txn := range txns {
		if txn.Kind == model.TxnOperationDeduct {
			return true, nil
		}
	}
	return false, nil
}

// Refund credits the user for a failed operation. The amount is read
// freshly from the stored operation at refund time, never from a value
// captured earlier in the flow: handlers may have updated it (package
// selection, installment lookup) after the caller's copy was taken.
//
// Returns true when a refund row was written. A zero amount, an
// unknown operation, and an already-refunded operation all return
// false with no error; only storage failures are errors.
func (l *Ledger) Refund(ctx context.Context, operationID string, now time.Time) (bool, error) {
	op, err := l.store.GetOperation(ctx, operationID)
	if err != nil {
		return false, err
	}
	if op == nil {
		l.log.Warn().Str(logpkg.FieldOperationID, operationID).Msg("refund requested for unknown operation")
		return false, nil
	}
	if !op.Amount.IsPositive() {
		return false, nil
	}

	txn := &model.Transaction{
		OperationID:   op.ID,
		UserID:        op.UserID,
		Kind:          model.TxnRefund,
		Amount:        op.Amount,
		CreatedAtUnix: now.Unix(),
	}
	if err := l.store.InsertTransaction(ctx, txn); err != nil {
		if errors.Is(err, store.ErrDuplicateRefund) {
			l.log.Debug().
				Str(logpkg.FieldOperationID, op.ID).
				Msg("refund already recorded, skipping")
			return false, nil
		}
		return false, err
	}

	l.log.Info().
		Str(logpkg.FieldOperationID, op.ID).
		Str(logpkg.FieldUserID, op.UserID).
		Str("amount", op.Amount.String()).
		Msg("refund recorded")
	return true, nil
}

// Refunded reports whether a refund row exists for the operation.
func (l *Ledger) Refunded(ctx context.Context, operationID string) (bool, error) {
	return l.store.HasRefund(ctx, operationID)
}
