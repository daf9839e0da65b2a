// SPDX-License-Identifier: MIT

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
)

func seedOperation(t *testing.T, s store.Store, amount string) *model.Operation {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	op := lifecycle.NewOperation("op-1", "user-1", model.OpStartRenewal, "123", now)
	op.Amount = decimal.RequireFromString(amount)
	require.NoError(t, s.PutOperation(context.Background(), op))
	return op
}

func TestRefund_WritesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := New(s)
	seedOperation(t, s, "149.99")
	now := time.Unix(1_700_000_100, 0)

	ok, err := l.Refund(ctx, "op-1", now)
	require.NoError(t, err)
	require.True(t, ok, "first refund must be recorded")

	ok, err = l.Refund(ctx, "op-1", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "second refund must be a no-op")

	txns, err := s.ListTransactions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, model.TxnRefund, txns[0].Kind)
	require.True(t, txns[0].Amount.Equal(decimal.RequireFromString("149.99")))

	refunded, err := l.Refunded(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, refunded)
}

func TestRefund_ReadsAmountFreshly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := New(s)
	seedOperation(t, s, "0")
	now := time.Unix(1_700_000_100, 0)

	// Amount was still zero when the handler captured its copy; by
	// refund time the stored record carries the real charge.
	_, err := s.UpdateOperation(ctx, "op-1", func(op *model.Operation) error {
		op.Amount = decimal.RequireFromString("75.50")
		return nil
	})
	require.NoError(t, err)

	ok, err := l.Refund(ctx, "op-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	txns, err := s.ListTransactions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.True(t, txns[0].Amount.Equal(decimal.RequireFromString("75.50")),
		"refund must use the stored amount, got %s", txns[0].Amount)
}

func TestRefund_SkipsZeroAndUnknown(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := New(s)
	now := time.Unix(1_700_000_100, 0)

	ok, err := l.Refund(ctx, "ghost", now)
	require.NoError(t, err)
	require.False(t, ok, "unknown operation must not refund")

	seedOperation(t, s, "0")
	ok, err = l.Refund(ctx, "op-1", now)
	require.NoError(t, err)
	require.False(t, ok, "zero amount must not refund")

	txns, err := s.ListTransactions(ctx, "op-1")
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestRecordDeduct(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := New(s)
	op := seedOperation(t, s, "25.00")
	now := time.Unix(1_700_000_100, 0)

	require.NoError(t, l.RecordDeduct(ctx, op, now))

	txns, err := s.ListTransactions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, model.TxnOperationDeduct, txns[0].Kind)
	require.Equal(t, now.Unix(), txns[0].CreatedAtUnix)
}

func TestDeduct_ExplicitAmountAndProbe(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := New(s)
	op := seedOperation(t, s, "0")
	now := time.Unix(1_700_000_100, 0)

	deducted, err := l.Deducted(ctx, op.ID)
	require.NoError(t, err)
	require.False(t, deducted)

	// The charge carries its own amount; the operation row still says 0.
	require.NoError(t, l.Deduct(ctx, op, decimal.RequireFromString("75.50"), now))

	deducted, err = l.Deducted(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, deducted)

	txns, err := s.ListTransactions(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, model.TxnOperationDeduct, txns[0].Kind)
	require.True(t, txns[0].Amount.Equal(decimal.RequireFromString("75.50")))
}
