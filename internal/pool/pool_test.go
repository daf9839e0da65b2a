// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
)

func setupPool(t *testing.T) (*miniredis.Miniredis, *redis.Client, store.Store, *Pool) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	return mr, client, st, New(client, st)
}

func seedAccount(t *testing.T, st store.Store, id string, priority int, balance string) {
	t.Helper()
	err := st.PutAccount(context.Background(), &model.Account{
		ID:       id,
		Username: "dealer-" + id,
		Password: "secret",
		Active:   true,
		Priority: priority,
		Balance:  decimal.RequireFromString(balance),
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func TestAcquire_PrefersHighestPriority(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-low", 1, "500")
	seedAccount(t, st, "acct-high", 9, "500")

	acct, err := p.Acquire(ctx, "worker-1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acct == nil || acct.ID != "acct-high" {
		t.Fatalf("expected acct-high, got %+v", acct)
	}
	if got, _ := mr.Get("lease:acct-high"); got != "worker-1" {
		t.Errorf("lease value: got %q want worker-1", got)
	}
}

func TestAcquire_ExactlyOneWinner(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")

	first, err := p.Acquire(ctx, "worker-a", AcquireOptions{})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first == nil {
		t.Fatal("first acquire should win")
	}

	second, err := p.Acquire(ctx, "worker-b", AcquireOptions{})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatalf("leased account must not be acquirable, got %s", second.ID)
	}
}

func TestAcquire_SkipsExcluded(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 9, "500")
	seedAccount(t, st, "acct-2", 1, "500")

	acct, err := p.Acquire(ctx, "worker-1", AcquireOptions{Exclude: []string{"acct-1"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acct == nil || acct.ID != "acct-2" {
		t.Fatalf("expected acct-2, got %+v", acct)
	}
}

func TestAcquire_SkipsCoolingAccounts(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 9, "500")
	seedAccount(t, st, "acct-2", 1, "500")

	if err := p.MarkFailed(ctx, "acct-1", model.FailLogin); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	acct, err := p.Acquire(ctx, "worker-1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acct == nil || acct.ID != "acct-2" {
		t.Fatalf("cooling account must be skipped, got %+v", acct)
	}

	// Cooldown lapses, the parked account is preferred again.
	if err := p.Release(ctx, "acct-2", "worker-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	mr.FastForward(CooldownAuth + time.Second)

	acct, err = p.Acquire(ctx, "worker-1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire after cooldown: %v", err)
	}
	if acct == nil || acct.ID != "acct-1" {
		t.Fatalf("expected acct-1 after cooldown, got %+v", acct)
	}
}

func TestAcquire_MinBalanceFilters(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-rich", 1, "500")
	seedAccount(t, st, "acct-poor", 9, "20")

	min := decimal.RequireFromString("100")
	acct, err := p.Acquire(ctx, "worker-1", AcquireOptions{MinBalance: &min})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acct == nil || acct.ID != "acct-rich" {
		t.Fatalf("expected acct-rich despite lower priority, got %+v", acct)
	}
}

func TestAcquire_OldestLastUsedWinsAmongEquals(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-a", 5, "500")
	seedAccount(t, st, "acct-b", 5, "500")

	if err := mr.Set("last-used:acct-a", "2000"); err != nil {
		t.Fatalf("seed last-used: %v", err)
	}
	if err := mr.Set("last-used:acct-b", "1000"); err != nil {
		t.Fatalf("seed last-used: %v", err)
	}

	acct, err := p.Acquire(ctx, "worker-1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acct == nil || acct.ID != "acct-b" {
		t.Fatalf("expected least recently used acct-b, got %+v", acct)
	}
}

func TestAcquire_InactiveAndEmptyPool(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	acct, err := p.Acquire(ctx, "worker-1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire empty: %v", err)
	}
	if acct != nil {
		t.Fatalf("empty pool must return nil, got %+v", acct)
	}

	inactive := &model.Account{ID: "acct-off", Active: false, Priority: 9,
		Balance: decimal.RequireFromString("500")}
	if err := st.PutAccount(ctx, inactive); err != nil {
		t.Fatalf("seed: %v", err)
	}

	acct, err = p.Acquire(ctx, "worker-1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acct != nil {
		t.Fatalf("inactive account must be skipped, got %+v", acct)
	}
}

func TestRenewLease_OwnerOnly(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(30 * time.Second)

	ok, err := p.RenewLease(ctx, "acct-1", "worker-b")
	if err != nil {
		t.Fatalf("renew by stranger: %v", err)
	}
	if ok {
		t.Fatal("stranger must not renew the lease")
	}

	ok, err = p.RenewLease(ctx, "acct-1", "worker-a")
	if err != nil {
		t.Fatalf("renew by owner: %v", err)
	}
	if !ok {
		t.Fatal("owner renewal should succeed")
	}
	if ttl := mr.TTL("lease:acct-1"); ttl != LeaseTTL {
		t.Errorf("ttl after renew: got %v want %v", ttl, LeaseTTL)
	}
}

func TestRelease_OwnerOnly(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := p.Release(ctx, "acct-1", "worker-b"); err != nil {
		t.Fatalf("release by stranger: %v", err)
	}
	holder, err := p.LeaseHolder(ctx, "acct-1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder != "worker-a" {
		t.Fatalf("stranger release must be a no-op, holder=%q", holder)
	}

	if err := p.Release(ctx, "acct-1", "worker-a"); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
	holder, err = p.LeaseHolder(ctx, "acct-1")
	if err != nil {
		t.Fatalf("holder after release: %v", err)
	}
	if holder != "" {
		t.Fatalf("expected lease freed, holder=%q", holder)
	}
}

func TestForceRelease_IgnoresOwner(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := p.ForceRelease(ctx, "acct-1"); err != nil {
		t.Fatalf("force release: %v", err)
	}
	holder, err := p.LeaseHolder(ctx, "acct-1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder != "" {
		t.Fatalf("expected lease gone, holder=%q", holder)
	}
}

func TestMarkFailed_CooldownPerKind(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	seedAccount(t, st, "acct-2", 5, "500")

	if err := p.MarkFailed(ctx, "acct-1", model.FailBalance); err != nil {
		t.Fatalf("mark failed balance: %v", err)
	}
	if ttl := mr.TTL("cooldown:acct-1"); ttl != CooldownBalance {
		t.Errorf("balance cooldown ttl: got %v want %v", ttl, CooldownBalance)
	}

	if err := p.MarkFailed(ctx, "acct-2", model.FailCaptcha); err != nil {
		t.Fatalf("mark failed captcha: %v", err)
	}
	if ttl := mr.TTL("cooldown:acct-2"); ttl != CooldownAuth {
		t.Errorf("captcha cooldown ttl: got %v want %v", ttl, CooldownAuth)
	}

	kind, cooling, err := p.Cooldown(ctx, "acct-1")
	if err != nil {
		t.Fatalf("cooldown probe: %v", err)
	}
	if !cooling || kind != model.FailBalance {
		t.Errorf("cooldown probe: kind=%q cooling=%v", kind, cooling)
	}

	// Row mirror carries the cooldown for operators.
	row, err := st.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if row.CooldownUntilUnix == 0 || row.FailReason != string(model.FailBalance) {
		t.Errorf("row mirror not updated: %+v", row)
	}
}

func TestMarkFailed_ClearsLease(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.MarkFailed(ctx, "acct-1", model.FailLogin); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	holder, err := p.LeaseHolder(ctx, "acct-1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder != "" {
		t.Fatalf("mark failed must clear the lease, holder=%q", holder)
	}
}

func TestMarkUsed_StampsAndReleases(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.MarkUsed(ctx, "acct-1"); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	if !mr.Exists("last-used:acct-1") {
		t.Error("expected last-used stamp")
	}
	if mr.Exists("lease:acct-1") {
		t.Error("mark used must clear the lease")
	}
}

func TestLeaseTTL_RecoversCrashedWorker(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-dead", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// worker-dead never renews; the TTL frees the account.
	mr.FastForward(LeaseTTL + time.Second)

	acct, err := p.Acquire(ctx, "worker-live", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if acct == nil {
		t.Fatal("expected expired lease to be acquirable")
	}
}

func TestHeartbeat_KeepsLeaseAlive(t *testing.T) {
	mr, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(50 * time.Second)

	h := p.StartHeartbeat(ctx, "acct-1", "worker-a", 10*time.Millisecond)
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL("lease:acct-1") != LeaseTTL {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat never renewed, ttl=%v", mr.TTL("lease:acct-1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeat_SignalsLostLease(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if _, err := p.Acquire(ctx, "worker-a", AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another worker took over after a TTL lapse.
	if err := p.ForceRelease(ctx, "acct-1"); err != nil {
		t.Fatalf("force release: %v", err)
	}
	if _, err := p.Acquire(ctx, "worker-b", AcquireOptions{}); err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}

	h := p.StartHeartbeat(ctx, "acct-1", "worker-a", 10*time.Millisecond)
	defer h.Stop()

	select {
	case <-h.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expected lost-lease signal")
	}
}

func TestAcquireByID_TargetsOneAccount(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	seedAccount(t, st, "acct-2", 9, "500")

	acct, err := p.AcquireByID(ctx, "acct-1", "worker-a")
	if err != nil {
		t.Fatalf("acquire by id: %v", err)
	}
	if acct == nil || acct.ID != "acct-1" {
		t.Fatalf("expected acct-1, got %+v", acct)
	}

	// Busy for everyone else, re-entrant for the holder.
	if got, err := p.AcquireByID(ctx, "acct-1", "worker-b"); err != nil || got != nil {
		t.Fatalf("expected nil for second worker, got %+v err=%v", got, err)
	}
	if got, err := p.AcquireByID(ctx, "acct-1", "worker-a"); err != nil || got == nil {
		t.Fatalf("expected re-entrant acquire for holder, got %+v err=%v", got, err)
	}

	if err := p.Release(ctx, "acct-1", "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, err := p.AcquireByID(ctx, "acct-1", "worker-b"); err != nil || got == nil {
		t.Fatalf("expected acquire after release, got %+v err=%v", got, err)
	}

	if _, err := p.AcquireByID(ctx, "acct-missing", "worker-a"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestAcquireByID_IgnoresCooldown(t *testing.T) {
	_, _, st, p := setupPool(t)
	ctx := context.Background()

	seedAccount(t, st, "acct-1", 5, "500")
	if err := p.MarkFailed(ctx, "acct-1", model.FailBalance); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Selection skips cooling accounts, but resuming staged work on a
	// known account must still be possible.
	acct, err := p.AcquireByID(ctx, "acct-1", "worker-a")
	if err != nil {
		t.Fatalf("acquire by id: %v", err)
	}
	if acct == nil {
		t.Fatal("expected lease despite cooldown")
	}
}
