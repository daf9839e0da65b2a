// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/upstream"
)

// checkedActivateOp seeds a SIGNAL_ACTIVATE operation carrying the
// snapshot a completed check left behind.
func checkedActivateOp(t *testing.T, r *rig, accountID string, checkedAt time.Time) *model.Operation {
	t.Helper()
	return r.seedOperation(t, model.OpSignalActivate, func(o *model.Operation) {
		o.AccountID = accountID
		o.ResponseData = &model.ResponseData{
			Kind: model.SnapshotSignalCheck,
			SignalCheck: &model.SignalCheckSnapshot{
				CardStatus:       "ACTIVE",
				Contracts:        []string{"base"},
				Session:          liveSession(accountID),
				CheckedAtUnix:    checkedAt.Unix(),
				AwaitingActivate: true,
			},
		}
	})
}

func TestSignalCheck_CompletesWithActivateSnapshot(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := r.seedOperation(t, model.OpSignalCheck)

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.AccountID != "acct-1" {
		t.Errorf("account: got %q, want acct-1", got.AccountID)
	}
	if got.ResponseMessage != "Signal check completed. Ready to activate." {
		t.Errorf("message: got %q", got.ResponseMessage)
	}
	if got.ResponseData == nil || got.ResponseData.Kind != model.SnapshotSignalCheck {
		t.Fatalf("snapshot: got %+v", got.ResponseData)
	}
	snap := got.ResponseData.SignalCheck
	if snap == nil || !snap.AwaitingActivate {
		t.Fatal("snapshot should offer the follow-up activate")
	}
	if snap.CardStatus != "ACTIVE" {
		t.Errorf("card status: got %q", snap.CardStatus)
	}
	if len(snap.Session.Cookies) == 0 {
		t.Error("snapshot should carry the session for the activate to reuse")
	}
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("signal check must not touch the ledger, got %d rows", len(txns))
	}
}

func TestSignalActivate_ReusesCheckedSession(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := checkedActivateOp(t, r, "acct-1", time.Now().Add(-time.Minute))

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.ResponseData != nil {
		t.Errorf("completion should clear the check snapshot, got %+v", got.ResponseData)
	}

	c := r.client("acct-1")
	if n := c.CallCount("ActivateSignalOnly"); n != 1 {
		t.Errorf("ActivateSignalOnly calls: got %d, want 1", n)
	}
	if n := c.CallCount("ActivateSignal"); n != 0 {
		t.Errorf("ActivateSignal calls: got %d, want 0 on resume", n)
	}
	if n := c.CallCount("Login"); n != 0 {
		t.Errorf("Login calls: got %d, want 0 on resume", n)
	}
}

func TestSignalActivate_BusyAccountFallsBackToQueue(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 5, "1000.00")
	r.seedAccount(t, "acct-2", 1, "1000.00")
	op := checkedActivateOp(t, r, "acct-1", time.Now().Add(-time.Minute))

	if _, err := r.pool.AcquireByID(context.Background(), "acct-1", "rival-worker"); err != nil {
		t.Fatalf("rival lease: %v", err)
	}

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.AccountID != "acct-2" {
		t.Errorf("account: got %q, want fallback acct-2", got.AccountID)
	}
	if n := r.client("acct-1").CallCount("ActivateSignalOnly"); n != 0 {
		t.Errorf("busy account should see no calls, got %d", n)
	}
	c2 := r.client("acct-2")
	if n := c2.CallCount("ActivateSignal"); n != 1 {
		t.Errorf("ActivateSignal on fallback: got %d, want 1", n)
	}
	if n := c2.CallCount("Login"); n != 1 {
		t.Errorf("Login on fallback: got %d, want 1", n)
	}
}

func TestSignalActivate_StaleCheckRunsFullFlow(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := checkedActivateOp(t, r, "acct-1", time.Now().Add(-(signalCheckMaxAge + time.Minute)))

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := r.op(t, op.ID).Status; got != model.StatusCompleted {
		t.Fatalf("status: got %s", got)
	}
	c := r.client("acct-1")
	if n := c.CallCount("ActivateSignalOnly"); n != 0 {
		t.Errorf("ActivateSignalOnly calls: got %d, want 0 on a stale check", n)
	}
	if n := c.CallCount("ActivateSignal"); n != 1 {
		t.Errorf("ActivateSignal calls: got %d, want 1", n)
	}
	if n := c.CallCount("Login"); n != 1 {
		t.Errorf("Login calls: got %d, want 1", n)
	}
}

func TestSignalActivate_ActivateOnlyTroubleFallsThrough(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.ActivateSignalOnlyFn = func(ctx context.Context, card string) (*upstream.SignalResult, error) {
		return nil, &upstream.PortalError{Sentinel: upstream.ErrSessionExpired, Operation: "activate_signal_only", Message: "Session Expired"}
	}
	op := checkedActivateOp(t, r, "acct-1", time.Now().Add(-time.Minute))

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := r.op(t, op.ID).Status; got != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED via the full flow", got)
	}
	if n := c.CallCount("ActivateSignalOnly"); n != 1 {
		t.Errorf("ActivateSignalOnly calls: got %d, want 1", n)
	}
	if n := c.CallCount("ActivateSignal"); n != 1 {
		t.Errorf("ActivateSignal calls: got %d, want 1 after the fallback", n)
	}
}

func TestSignalRefresh_SingleShot(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := r.seedOperation(t, model.OpSignalRefresh)

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", got.Status)
	}
	if got.ResponseMessage != "signal sent" {
		t.Errorf("message: got %q", got.ResponseMessage)
	}
	if got.ResponseData != nil {
		t.Errorf("refresh leaves no snapshot, got %+v", got.ResponseData)
	}
	c := r.client("acct-1")
	if n := c.CallCount("ActivateSignal"); n != 1 {
		t.Errorf("ActivateSignal calls: got %d, want 1", n)
	}
	if n := c.CallCount("CheckCardForSignal"); n != 0 {
		t.Errorf("CheckCardForSignal calls: got %d, want 0 in refresh", n)
	}
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("refresh must not touch the ledger, got %d rows", len(txns))
	}
}
