// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

func TestCheckAccountBalance_RefreshesAccountRow(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "5.00")
	c := r.client("acct-1")

	var probed string
	var leasedDuringProbe bool
	c.FetchBalanceFn = func(ctx context.Context, probeCard string) (decimal.Decimal, error) {
		probed = probeCard
		leasedDuringProbe = r.mr.Exists("lease:acct-1")
		return decimal.RequireFromString("321.45"), nil
	}
	op := r.seedOperation(t, model.OpCheckAccountBalance, func(o *model.Operation) {
		o.AccountID = "acct-1"
	})

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.ResponseMessage != "Current balance: 321.45" {
		t.Errorf("message: got %q", got.ResponseMessage)
	}
	if got.ResponseData == nil || got.ResponseData.Kind != model.SnapshotBalanceCheck {
		t.Fatalf("snapshot: got %+v", got.ResponseData)
	}
	snap := got.ResponseData.BalanceCheck
	if snap.AccountID != "acct-1" || !snap.Balance.Equal(decimal.RequireFromString("321.45")) {
		t.Errorf("snapshot: got %+v", snap)
	}

	if probed != op.CardNumber {
		t.Errorf("probe card: got %q, want the operation's card %q", probed, op.CardNumber)
	}
	// The probe reads beside lease-holders instead of competing with
	// them.
	if leasedDuringProbe {
		t.Error("balance probe must not hold a pool lease")
	}
	if r.mr.Exists("login-lock:acct-1") {
		t.Error("login lock should be released")
	}

	acct, err := r.st.GetAccount(context.Background(), "acct-1")
	if err != nil || acct == nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("321.45")) {
		t.Errorf("account balance: got %s, want 321.45", acct.Balance)
	}
	if acct.BalanceRefreshedAtUnix == 0 {
		t.Error("balance refresh timestamp missing")
	}
}

func TestCheckAccountBalance_ProbeFallsBackToHistory(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "100.00")
	c := r.client("acct-1")

	now := time.Now()
	r.seedOperation(t, model.OpStartRenewal, func(o *model.Operation) {
		o.Status = model.StatusCompleted
		o.AccountID = "acct-1"
		o.CardNumber = "2220000000"
		o.CompletedAtUnix = now.Add(-time.Hour).Unix()
	})
	r.seedOperation(t, model.OpStartRenewal, func(o *model.Operation) {
		o.Status = model.StatusCompleted
		o.AccountID = "acct-1"
		o.CardNumber = "1110000000"
		o.CompletedAtUnix = now.Add(-time.Minute).Unix()
	})

	var probed string
	c.FetchBalanceFn = func(ctx context.Context, probeCard string) (decimal.Decimal, error) {
		probed = probeCard
		return decimal.RequireFromString("100.00"), nil
	}
	op := r.seedOperation(t, model.OpCheckAccountBalance, func(o *model.Operation) {
		o.AccountID = "acct-1"
		o.CardNumber = ""
	})

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := r.op(t, op.ID).Status; got != model.StatusCompleted {
		t.Fatalf("status: got %s", got)
	}
	if probed != "1110000000" {
		t.Errorf("probe card: got %q, want the most recently served 1110000000", probed)
	}
}

func TestCheckAccountBalance_NoProbeCardFails(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "100.00")
	op := r.seedOperation(t, model.OpCheckAccountBalance, func(o *model.Operation) {
		o.AccountID = "acct-1"
		o.CardNumber = ""
	})

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status: got %s, want FAILED", got.Status)
	}
	if got.Reason != model.RInvariantViolation {
		t.Errorf("reason: got %s, want %s", got.Reason, model.RInvariantViolation)
	}
	if n := r.client("acct-1").CallCount("FetchDealerBalance"); n != 0 {
		t.Errorf("FetchDealerBalance calls: got %d, want 0", n)
	}
}
