// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
)

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	op := &model.Operation{ID: "op-1", UserID: "u", Type: model.OpStartRenewal, Status: model.StatusPending, CreatedAtUnix: 1, UpdatedAtUnix: 1}
	if err := m.PutOperation(ctx, op); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's struct after Put must not affect the store.
	op.Status = model.StatusFailed

	got, err := m.GetOperation(ctx, "op-1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("store shares memory with caller: %s", got.Status)
	}

	// Mutating a returned record must not affect the store either.
	got.Status = model.StatusCancelled
	again, _ := m.GetOperation(ctx, "op-1")
	if again.Status != model.StatusPending {
		t.Errorf("returned record aliases store memory: %s", again.Status)
	}
}

func TestMemoryStore_RefundGuard(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	refund := &model.Transaction{OperationID: "op-1", UserID: "u", Kind: model.TxnRefund, Amount: decimal.RequireFromString("5.00"), CreatedAtUnix: 1}
	if err := m.InsertTransaction(ctx, refund); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if refund.ID == 0 {
		t.Error("refund ID not assigned")
	}
	dup := &model.Transaction{OperationID: "op-1", UserID: "u", Kind: model.TxnRefund, Amount: decimal.RequireFromString("5.00"), CreatedAtUnix: 2}
	if err := m.InsertTransaction(ctx, dup); !errors.Is(err, ErrDuplicateRefund) {
		t.Fatalf("duplicate refund must fail, got %v", err)
	}
	has, err := m.HasRefund(ctx, "op-1")
	if err != nil || !has {
		t.Errorf("HasRefund = %v %v, want true", has, err)
	}
}

func TestTransition_PersistsForcedFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)

	op := lifecycle.NewOperation("op-1", "u", model.OpStartRenewal, "123", now)
	if err := m.PutOperation(ctx, op); err != nil {
		t.Fatalf("put: %v", err)
	}

	// EvConfirmStarted has no edge from PENDING: the record must be
	// force-failed AND the error surfaced.
	got, err := Transition(ctx, m, "op-1", lifecycle.Event{Kind: lifecycle.EvConfirmStarted}, now)
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if got == nil || got.Status != model.StatusFailed {
		t.Fatalf("force-fail not returned: %+v", got)
	}
	stored, _ := m.GetOperation(ctx, "op-1")
	if stored.Status != model.StatusFailed || stored.Reason != model.RInvariantViolation {
		t.Errorf("force-fail not persisted: %+v", stored)
	}
}

func TestTransition_TerminalConflictLeavesRecordAlone(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)

	op := lifecycle.NewOperation("op-1", "u", model.OpStartRenewal, "123", now)
	op.Status = model.StatusCompleted
	op.CompletedAtUnix = now.Unix()
	if err := m.PutOperation(ctx, op); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := Transition(ctx, m, "op-1", lifecycle.Event{Kind: lifecycle.EvJobStarted}, now.Add(time.Second))
	if !errors.Is(err, lifecycle.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	stored, _ := m.GetOperation(ctx, "op-1")
	if stored.Status != model.StatusCompleted || stored.UpdatedAtUnix != now.Unix() {
		t.Errorf("terminal record mutated: %+v", stored)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)

	op := lifecycle.NewOperation("op-1", "u", model.OpSignalRefresh, "123", now)
	if err := m.PutOperation(ctx, op); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := Transition(ctx, m, "op-1", lifecycle.Event{Kind: lifecycle.EvJobStarted}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != model.StatusProcessing {
		t.Errorf("status = %s, want PROCESSING", got.Status)
	}
	if got.UpdatedAtUnix != now.Add(time.Second).Unix() {
		t.Errorf("updated_at = %d, want %d", got.UpdatedAtUnix, now.Add(time.Second).Unix())
	}
}
