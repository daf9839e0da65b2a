// SPDX-License-Identifier: MIT

// Package notify carries user- and operator-facing events out of the
// worker. Delivery is best-effort by contract: a lost notification is
// an annoyance, a failed operation is not, so callers log Notify
// errors and move on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

type Kind string

const (
	// KindOperationUpdate tells the user their operation moved.
	KindOperationUpdate Kind = "operation_update"
	// KindLowBalance warns operators that a dealer account dropped
	// below the configured threshold.
	KindLowBalance Kind = "low_balance"
	// KindBalanceShortfall warns operators that a purchase could not
	// be covered by the account it ran on.
	KindBalanceShortfall Kind = "balance_shortfall"
)

type Event struct {
	Kind        Kind             `json:"kind"`
	OperationID string           `json:"operation_id,omitempty"`
	UserID      string           `json:"user_id,omitempty"`
	AccountID   string           `json:"account_id,omitempty"`
	Status      model.Status     `json:"status,omitempty"`
	Message     string           `json:"message,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	Threshold   *decimal.Decimal `json:"threshold,omitempty"`
	At          time.Time        `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// OperationUpdate builds the user-facing event for an operation's
// current state.
func OperationUpdate(op *model.Operation, message string) Event {
	return Event{
		Kind:        KindOperationUpdate,
		OperationID: op.ID,
		UserID:      op.UserID,
		Status:      op.Status,
		Message:     message,
		At:          time.Now().UTC(),
	}
}

// LowBalance builds the operator alert for a dealer account under the
// threshold.
func LowBalance(accountID string, balance, threshold decimal.Decimal) Event {
	return Event{
		Kind:      KindLowBalance,
		AccountID: accountID,
		Balance:   &balance,
		Threshold: &threshold,
		At:        time.Now().UTC(),
	}
}

// BalanceShortfall builds the operator alert for a purchase a dealer
// account could not cover.
func BalanceShortfall(op *model.Operation, accountID string, balance, price decimal.Decimal) Event {
	return Event{
		Kind:        KindBalanceShortfall,
		OperationID: op.ID,
		UserID:      op.UserID,
		AccountID:   accountID,
		Balance:     &balance,
		Threshold:   &price,
		At:          time.Now().UTC(),
	}
}

// Multi fans one event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = Multi(nil)
