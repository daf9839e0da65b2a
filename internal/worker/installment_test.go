// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/upstream"
)

// parkedInstallmentOp seeds an operation the way handleStartInstallment
// parks it: confirmation pending, amount still zero.
func parkedInstallmentOp(t *testing.T, r *rig, accountID string, mutate ...func(*model.Operation)) *model.Operation {
	t.Helper()
	now := time.Now()
	muts := append([]func(*model.Operation){func(o *model.Operation) {
		o.Status = model.StatusAwaitingFinalConfirm
		o.AccountID = accountID
		o.FinalConfirmExpiryUnix = now.Add(InstallmentConfirmWindow).Unix()
		o.ResponseData = &model.ResponseData{
			Kind: model.SnapshotInstallment,
			Installment: &model.InstallmentSnapshot{
				Installment: &model.Installment{
					Amount:      decimal.RequireFromString("75.50"),
					DueDate:     "2025-07-01",
					Description: "monthly installment",
				},
				Subscriber:    "subscriber-x",
				DealerBalance: decimal.RequireFromString("1000.00"),
				Session:       liveSession(accountID),
				SavedAtUnix:   now.Unix(),
				IsInstallment: true,
			},
		}
	}}, mutate...)
	return r.seedOperation(t, model.OpStartInstallment, muts...)
}

func TestStartInstallment_NothingDueCompletes(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.LoadInstallmentFn = func(ctx context.Context, card string) (*upstream.InstallmentInfo, error) {
		return &upstream.InstallmentInfo{Found: false}, nil
	}
	op := r.seedOperation(t, model.OpStartInstallment)

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.ResponseMessage != "No pending installment was found for this card." {
		t.Errorf("message: got %q", got.ResponseMessage)
	}
	if got.ResponseData != nil {
		t.Errorf("no snapshot expected, got %+v", got.ResponseData)
	}
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("ledger rows: got %d, want 0", len(txns))
	}
}

func TestStartInstallment_ParksWithAmountUnset(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := r.seedOperation(t, model.OpStartInstallment)

	before := time.Now()
	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusAwaitingFinalConfirm {
		t.Fatalf("status: got %s, want AWAITING_FINAL_CONFIRM", got.Status)
	}
	// The user is not charged for a payment that has not happened.
	if !got.Amount.IsZero() {
		t.Errorf("amount: got %s, want zero until the pay succeeds", got.Amount)
	}
	wantExpiry := before.Add(InstallmentConfirmWindow).Unix()
	if got.FinalConfirmExpiryUnix < wantExpiry || got.FinalConfirmExpiryUnix > wantExpiry+5 {
		t.Errorf("confirm deadline: got %d, want about %d", got.FinalConfirmExpiryUnix, wantExpiry)
	}
	if got.ResponseData == nil || got.ResponseData.Kind != model.SnapshotInstallment {
		t.Fatalf("snapshot: got %+v", got.ResponseData)
	}
	snap := got.ResponseData.Installment
	if snap == nil || !snap.IsInstallment {
		t.Fatal("snapshot should be flagged as an installment")
	}
	if !snap.Installment.Amount.Equal(decimal.RequireFromString("75.50")) {
		t.Errorf("snapshot amount: got %s, want 75.50", snap.Installment.Amount)
	}
	if got.ResponseMessage != "Installment of 75.5 due for subscriber-"+op.CardNumber+". Confirm to pay." {
		t.Errorf("message: got %q", got.ResponseMessage)
	}
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("ledger rows: got %d, want 0 while parked", len(txns))
	}
	if len(r.rec.ByKind(notify.KindOperationUpdate)) == 0 {
		t.Error("park should notify the user")
	}
}

func TestConfirmInstallment_ChargesFreshlyLoadedAmount(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	// The due amount moved between park and confirm; the charge must
	// follow the portal, not the stale snapshot.
	c.LoadInstallmentFn = func(ctx context.Context, card string) (*upstream.InstallmentInfo, error) {
		return &upstream.InstallmentInfo{
			Found:       true,
			Installment: &model.Installment{Amount: decimal.RequireFromString("80.00"), DueDate: "2025-07-01"},
			Subscriber:  "subscriber-x",
		}, nil
	}
	op := parkedInstallmentOp(t, r, "acct-1")

	if err := r.runAs(t, op, model.OpConfirmInstallment); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if !got.Amount.Equal(decimal.RequireFromString("80.00")) {
		t.Errorf("amount: got %s, want freshly loaded 80.00", got.Amount)
	}

	txns := r.txns(t, op.ID)
	if n := countKind(txns, model.TxnOperationDeduct); n != 1 {
		t.Fatalf("deduct rows: got %d, want 1", n)
	}
	for _, txn := range txns {
		if txn.Kind == model.TxnOperationDeduct && !txn.Amount.Equal(decimal.RequireFromString("80.00")) {
			t.Errorf("deduct amount: got %s, want 80.00", txn.Amount)
		}
	}
	if n := countKind(txns, model.TxnRefund); n != 0 {
		t.Errorf("refund rows: got %d, want 0", n)
	}

	if n := c.CallCount("LoadInstallment"); n != 1 {
		t.Errorf("LoadInstallment calls: got %d, want 1 (fresh load before pay)", n)
	}
	if n := c.CallCount("PayInstallment"); n != 1 {
		t.Errorf("PayInstallment calls: got %d, want 1", n)
	}
	if n := c.CallCount("Login"); n != 0 {
		t.Errorf("Login calls: got %d, want 0 on a restored session", n)
	}
}

func TestConfirmInstallment_PayRefusalChargesNothing(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.PayInstallmentFn = func(ctx context.Context) (*upstream.InstallmentResult, error) {
		return &upstream.InstallmentResult{Success: false, Message: "Payment rejected"}, nil
	}
	op := parkedInstallmentOp(t, r, "acct-1")

	if err := r.runAs(t, op, model.OpConfirmInstallment); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status: got %s, want FAILED", got.Status)
	}
	if !got.Amount.IsZero() {
		t.Errorf("amount: got %s, want zero after a refused pay", got.Amount)
	}
	// Nothing was charged, so there is nothing to refund either.
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("ledger rows: got %d, want 0", len(txns))
	}
}

func TestConfirmInstallment_SettledMeanwhileCompletesWithoutCharge(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.LoadInstallmentFn = func(ctx context.Context, card string) (*upstream.InstallmentInfo, error) {
		return &upstream.InstallmentInfo{Found: false}, nil
	}
	op := parkedInstallmentOp(t, r, "acct-1")

	if err := r.runAs(t, op, model.OpConfirmInstallment); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.ResponseMessage != "The installment is no longer due." {
		t.Errorf("message: got %q", got.ResponseMessage)
	}
	if !got.Amount.IsZero() {
		t.Errorf("amount: got %s, want zero", got.Amount)
	}
	if n := c.CallCount("PayInstallment"); n != 0 {
		t.Errorf("PayInstallment calls: got %d, want 0", n)
	}
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("ledger rows: got %d, want 0", len(txns))
	}
}

func TestConfirmInstallment_ExpiredWindowFailsWithoutCharge(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := parkedInstallmentOp(t, r, "acct-1", func(o *model.Operation) {
		o.FinalConfirmExpiryUnix = time.Now().Unix()
	})

	if err := r.runAs(t, op, model.OpConfirmInstallment); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status: got %s, want FAILED", got.Status)
	}
	if got.Reason != model.RConfirmTimeout {
		t.Errorf("reason: got %s, want %s", got.Reason, model.RConfirmTimeout)
	}
	// The amount never left zero, so the expiry leaves no ledger trace.
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("ledger rows: got %d, want 0", len(txns))
	}
	if n := r.client("acct-1").CallCount("LoadInstallment"); n != 0 {
		t.Errorf("LoadInstallment calls: got %d, want 0 after expiry", n)
	}
}
