// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRefund is returned when a second REFUND row is
	// inserted for the same operation. The ledger admits at most one.
	ErrDuplicateRefund = errors.New("duplicate refund")
)

// OperationFilter narrows QueryOperations. Zero fields are ignored.
type OperationFilter struct {
	Statuses []model.Status
	// HeartbeatExpiresBefore matches operations whose heartbeat lease
	// lapsed before the given unix second. Operations without a
	// heartbeat never match.
	HeartbeatExpiresBefore int64
	// UpdatedBefore matches operations last touched before the given
	// unix second.
	UpdatedBefore int64
	UserID        string
	AccountID     string
	Limit         int
}

// Store is the system-of-record for operations, dealer accounts,
// proxies and the money ledger.
//
// Design intent:
//   - Workers own all writes; the HTTP surface only reads.
//   - Status changes go through UpdateOperation + lifecycle.Dispatch
//     so the transition table is enforced inside the write.
//   - Ledger rows are append-only and survive operation pruning.
type Store interface {
	// --- Operations ---
	PutOperation(ctx context.Context, op *model.Operation) error
	// GetOperation returns the record, or (nil, nil) when absent.
	// Callers must nil-check before use.
	GetOperation(ctx context.Context, id string) (*model.Operation, error)
	// UpdateOperation applies fn to the current record inside a write
	// transaction and persists the result. fn returning an error
	// aborts the update and surfaces that error.
	UpdateOperation(ctx context.Context, id string, fn func(*model.Operation) error) (*model.Operation, error)
	QueryOperations(ctx context.Context, filter OperationFilter) ([]*model.Operation, error)
	DeleteOperation(ctx context.Context, id string) error
	// PruneOperations removes terminal operations last updated before
	// the cutoff and reports how many went.
	PruneOperations(ctx context.Context, updatedBefore time.Time) (int, error)

	// --- Dealer accounts ---
	PutAccount(ctx context.Context, acct *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// --- Proxies ---
	PutProxy(ctx context.Context, p *model.Proxy) error
	GetProxy(ctx context.Context, id string) (*model.Proxy, error)
	ListProxies(ctx context.Context) ([]*model.Proxy, error)

	// --- Ledger ---
	// InsertTransaction appends a ledger row. A second REFUND for the
	// same operation fails with ErrDuplicateRefund.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error
	ListTransactions(ctx context.Context, operationID string) ([]*model.Transaction, error)
	HasRefund(ctx context.Context, operationID string) (bool, error)

	Close() error
}

// Transition loads, dispatches and persists in one transactional
// update. It is the sanctioned write path for every status change.
//
// A terminal conflict aborts without touching the record. An illegal
// event on a live record persists the force-failed result and still
// reports lifecycle.ErrIllegalTransition, so the caller learns about
// the bug without leaving the operation wedged.
func Transition(ctx context.Context, s Store, id string, ev lifecycle.Event, now time.Time) (*model.Operation, error) {
	var dispatchErr error
	op, err := s.UpdateOperation(ctx, id, func(op *model.Operation) error {
		_, dispatchErr = lifecycle.Dispatch(op, ev, now)
		if errors.Is(dispatchErr, lifecycle.ErrTerminalState) {
			return dispatchErr
		}
		return nil
	})
	if err != nil {
		return op, err
	}
	return op, dispatchErr
}
