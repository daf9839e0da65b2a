// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	"github.com/renewtv/renewd/internal/domain/operation/lifecycle"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/solver"
	"github.com/renewtv/renewd/internal/upstream"
)

func TestStartRenewal_ParksForPackageSelection(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "5.00")
	op := r.seedOperation(t, model.OpStartRenewal, func(o *model.Operation) {
		o.Amount = decimal.RequireFromString("50.00")
	})

	before := time.Now()
	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusAwaitingPackage {
		t.Fatalf("status: got %s, want AWAITING_PACKAGE", got.Status)
	}
	if got.AccountID != "acct-1" {
		t.Errorf("account: got %q, want acct-1", got.AccountID)
	}
	if len(got.AvailablePackages) != 2 {
		t.Fatalf("packages: got %d, want 2", len(got.AvailablePackages))
	}
	if got.STBNumber != "STB-"+op.CardNumber {
		t.Errorf("stb: got %q", got.STBNumber)
	}
	wantExpiry := before.Add(PackageSelectWindow).Unix()
	if got.FinalConfirmExpiryUnix < wantExpiry || got.FinalConfirmExpiryUnix > wantExpiry+5 {
		t.Errorf("selection deadline: got %d, want about %d", got.FinalConfirmExpiryUnix, wantExpiry)
	}
	if got.ResponseData == nil || got.ResponseData.Kind != model.SnapshotAwaitingPackage {
		t.Fatalf("snapshot: got %+v, want kind %s", got.ResponseData, model.SnapshotAwaitingPackage)
	}
	snap := got.ResponseData.AwaitingPackage
	if snap == nil || len(snap.Session.Cookies) == 0 {
		t.Fatal("snapshot should carry the portal session")
	}
	if !snap.DealerBalance.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("snapshot balance: got %s, want 1000.00", snap.DealerBalance)
	}

	// The lease is handler-scoped; parking releases it.
	if r.mr.Exists("lease:acct-1") {
		t.Error("lease should be released after parking")
	}
	if !r.mr.Exists("session:acct-1") {
		t.Error("login should have published the session to the shared cache")
	}

	acct, err := r.st.GetAccount(context.Background(), "acct-1")
	if err != nil || acct == nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("account balance: got %s, want refreshed 1000.00", acct.Balance)
	}
	if acct.BalanceRefreshedAtUnix == 0 {
		t.Error("balance refresh timestamp missing")
	}

	ctx := context.Background()
	if stb, ok := r.cards.GetSTB(ctx, op.CardNumber); !ok || stb != "STB-"+op.CardNumber {
		t.Errorf("stb cache: got %q ok=%v", stb, ok)
	}
	if pkgs, ok := r.cards.GetPackages(ctx, op.CardNumber); !ok || len(pkgs) != 2 {
		t.Errorf("package cache: got %d ok=%v", len(pkgs), ok)
	}

	c := r.client("acct-1")
	if n := c.CallCount("Login"); n != 1 {
		t.Errorf("Login calls: got %d, want 1", n)
	}
	if n := c.CallCount("CheckCard"); n != 1 {
		t.Errorf("CheckCard calls: got %d, want 1", n)
	}
	if len(r.rec.ByKind(notify.KindOperationUpdate)) == 0 {
		t.Error("park should notify the user")
	}
}

func TestStartRenewal_CachedSTBSkipsCardLookup(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	op := r.seedOperation(t, model.OpStartRenewal)
	r.cards.PutSTB(context.Background(), op.CardNumber, "STB-KNOWN")

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusAwaitingPackage {
		t.Fatalf("status: got %s", got.Status)
	}
	if got.STBNumber != "STB-KNOWN" {
		t.Errorf("stb: got %q, want cached STB-KNOWN", got.STBNumber)
	}
	c := r.client("acct-1")
	if n := c.CallCount("CheckCard"); n != 0 {
		t.Errorf("CheckCard calls: got %d, want 0 with a cached STB", n)
	}
	if n := c.CallCount("LoadPackages"); n != 1 {
		t.Errorf("LoadPackages calls: got %d, want 1", n)
	}
}

func TestStartRenewal_CardLookupFailureIsNonFatal(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.CheckCardFn = func(ctx context.Context, card string) (*upstream.CardInfo, error) {
		return nil, errors.New("card page returned 500")
	}
	op := r.seedOperation(t, model.OpStartRenewal)

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := r.op(t, op.ID)
	if got.Status != model.StatusAwaitingPackage {
		t.Fatalf("status: got %s, want AWAITING_PACKAGE despite card failure", got.Status)
	}
	// The catalogue response still names the receiver.
	if got.STBNumber != "STB-"+op.CardNumber {
		t.Errorf("stb: got %q", got.STBNumber)
	}
}

func TestStartRenewal_RetriesOncePastSessionExpiry(t *testing.T) {
	r := newRig(t, Config{})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")

	var loads atomic.Int32
	c.LoadPackagesFn = func(ctx context.Context, card string, smartcard model.SmartcardType) (*upstream.PackagesResult, error) {
		if loads.Add(1) == 1 {
			// Structured refusal the portal emits when the session died
			// between login and the catalogue page.
			return &upstream.PackagesResult{Success: false, Err: "Session Expired"}, nil
		}
		return &upstream.PackagesResult{
			Success:       true,
			Packages:      []model.Package{{ID: "pkg-1", Name: "Basic", Price: decimal.RequireFromString("49.99")}},
			DealerBalance: decimal.RequireFromString("800.00"),
			BalanceKnown:  true,
		}, nil
	}
	op := r.seedOperation(t, model.OpStartRenewal)

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := r.op(t, op.ID)
	if got.Status != model.StatusAwaitingPackage {
		t.Fatalf("status: got %s", got.Status)
	}
	if n := c.CallCount("LoadPackages"); n != 2 {
		t.Errorf("LoadPackages calls: got %d, want 2 (one retry)", n)
	}
	if n := c.CallCount("Login"); n != 2 {
		t.Errorf("Login calls: got %d, want 2 (initial + re-login)", n)
	}
}

func TestStartRenewal_ManualCaptchaPause(t *testing.T) {
	r := newRig(t, Config{})
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.LoginFn = func(ctx context.Context) (*upstream.LoginResult, error) {
		return &upstream.LoginResult{RequiresCaptcha: true, CaptchaImage: "aW1hZ2U="}, nil
	}
	var submitted atomic.Value
	c.SubmitLoginFn = func(ctx context.Context, solution string) (*upstream.LoginResult, error) {
		submitted.Store(solution)
		return &upstream.LoginResult{Success: true}, nil
	}
	op := r.seedOperation(t, model.OpStartRenewal)

	// Play the user: wait for the pause, then type the solution.
	userDone := make(chan struct{})
	go func() {
		defer close(userDone)
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			cur, err := r.st.GetOperation(context.Background(), op.ID)
			if err == nil && cur != nil && cur.Status == model.StatusAwaitingCaptcha {
				if cur.CaptchaImage != "aW1hZ2U=" {
					t.Errorf("paused operation should carry the challenge image, got %q", cur.CaptchaImage)
				}
				_, _ = r.st.UpdateOperation(context.Background(), op.ID, func(o *model.Operation) error {
					o.CaptchaSolution = "XJ4K9"
					return nil
				})
				return
			}
			time.Sleep(25 * time.Millisecond)
		}
		t.Error("operation never paused for captcha")
	}()

	err := r.run(t, op)
	<-userDone
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusAwaitingPackage {
		t.Fatalf("status: got %s, want AWAITING_PACKAGE after resume", got.Status)
	}
	if got.CaptchaImage != "" || got.CaptchaSolution != "" {
		t.Errorf("challenge material should be cleared, got image=%q solution=%q", got.CaptchaImage, got.CaptchaSolution)
	}
	if v, _ := submitted.Load().(string); v != "XJ4K9" {
		t.Errorf("submitted solution: got %q, want XJ4K9", v)
	}
	if n := c.CallCount("SubmitLogin"); n != 1 {
		t.Errorf("SubmitLogin calls: got %d, want 1", n)
	}
}

func TestStartRenewal_SolverSkipsManualPause(t *testing.T) {
	r := newRig(t, Config{}, func(d *Deps) {
		d.Solver = solver.Func(func(ctx context.Context, image []byte) (string, error) {
			return "AUTO42", nil
		})
	})
	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.LoginFn = func(ctx context.Context) (*upstream.LoginResult, error) {
		return &upstream.LoginResult{RequiresCaptcha: true, CaptchaImage: "aW1hZ2U="}, nil
	}
	var submitted atomic.Value
	c.SubmitLoginFn = func(ctx context.Context, solution string) (*upstream.LoginResult, error) {
		submitted.Store(solution)
		return &upstream.LoginResult{Success: true}, nil
	}
	op := r.seedOperation(t, model.OpStartRenewal)

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := r.op(t, op.ID).Status; got != model.StatusAwaitingPackage {
		t.Fatalf("status: got %s", got)
	}
	if v, _ := submitted.Load().(string); v != "AUTO42" {
		t.Errorf("submitted solution: got %q, want AUTO42", v)
	}
}

func TestStartRenewal_CaptchaTimeoutFailsAndRefunds(t *testing.T) {
	// The poll ticker fires every 2s; a sub-tick timeout expires on the
	// first wakeup.
	r := newRig(t, Config{CaptchaTimeout: 100 * time.Millisecond})
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.LoginFn = func(ctx context.Context) (*upstream.LoginResult, error) {
		return &upstream.LoginResult{RequiresCaptcha: true, CaptchaImage: "aW1hZ2U="}, nil
	}
	op := r.seedOperation(t, model.OpStartRenewal, func(o *model.Operation) {
		o.Amount = decimal.RequireFromString("50.00")
	})

	if err := r.run(t, op); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status: got %s, want FAILED", got.Status)
	}
	if got.Reason != model.RCaptchaTimeout {
		t.Errorf("reason: got %s, want %s", got.Reason, model.RCaptchaTimeout)
	}
	if n := countKind(r.txns(t, op.ID), model.TxnRefund); n != 1 {
		t.Errorf("refund rows: got %d, want 1", n)
	}
}

func TestStartRenewal_CancelDuringCaptchaWait(t *testing.T) {
	r := newRig(t, Config{})
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r.seedAccount(t, "acct-1", 1, "1000.00")
	c := r.client("acct-1")
	c.LoginFn = func(ctx context.Context) (*upstream.LoginResult, error) {
		return &upstream.LoginResult{RequiresCaptcha: true, CaptchaImage: "aW1hZ2U="}, nil
	}
	op := r.seedOperation(t, model.OpStartRenewal)

	// Play the user: wait for the pause, then cancel instead of typing.
	userDone := make(chan struct{})
	go func() {
		defer close(userDone)
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			cur, err := r.st.GetOperation(context.Background(), op.ID)
			if err == nil && cur != nil && cur.Status == model.StatusAwaitingCaptcha {
				if _, terr := store.Transition(context.Background(), r.st, op.ID, lifecycle.Event{Kind: lifecycle.EvCancelled}, time.Now()); terr != nil {
					t.Errorf("cancel: %v", terr)
				}
				return
			}
			time.Sleep(25 * time.Millisecond)
		}
		t.Error("operation never paused for captcha")
	}()

	err := r.run(t, op)
	<-userDone
	if err != nil {
		t.Fatalf("cancelled operation should be acked, got %v", err)
	}

	got := r.op(t, op.ID)
	if got.Status != model.StatusCancelled {
		t.Fatalf("status: got %s, want CANCELLED", got.Status)
	}
	if got.Reason != model.RCancelled {
		t.Errorf("reason: got %s, want %s", got.Reason, model.RCancelled)
	}
	if n := c.CallCount("SubmitLogin"); n != 0 {
		t.Errorf("SubmitLogin calls: got %d, want 0", n)
	}
	if txns := r.txns(t, op.ID); len(txns) != 0 {
		t.Errorf("no money moved yet, so no ledger rows expected, got %d", len(txns))
	}
	if r.mr.Exists("login-lock:acct-1") {
		t.Error("login lock should be released after the abandoned pause")
	}
	if r.mr.Exists("lease:acct-1") {
		t.Error("lease should be released after the abandoned pause")
	}
}
