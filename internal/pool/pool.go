// SPDX-License-Identifier: MIT

// Package pool hands out exclusive dealer-account leases to workers.
// Lease, cooldown and last-used state live in the shared store so any
// worker process sees the same truth; the account rows themselves come
// from the relational store.
//
// A crashed holder is recovered by the lease TTL. Anything that must
// hold an account longer runs a Heartbeat (heartbeat.go).
package pool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
)

const (
	// LeaseTTL bounds how long a dead worker can block an account.
	LeaseTTL = 60 * time.Second

	// CooldownBalance parks an account long enough for the dealer to
	// top it up; CooldownAuth is short because login trouble is usually
	// transient portal mood.
	CooldownBalance = 30 * time.Minute
	CooldownAuth    = 5 * time.Minute
)

const (
	leaseKeyPrefix    = "lease:"
	cooldownKeyPrefix = "cooldown:"
	lastUsedKeyPrefix = "last-used:"
)

func leaseKey(accountID string) string    { return leaseKeyPrefix + accountID }
func cooldownKey(accountID string) string { return cooldownKeyPrefix + accountID }
func lastUsedKey(accountID string) string { return lastUsedKeyPrefix + accountID }

// CooldownFor maps a failure kind onto its parking duration.
func CooldownFor(kind model.FailKind) time.Duration {
	if kind == model.FailBalance {
		return CooldownBalance
	}
	return CooldownAuth
}

// Renew and release must verify ownership atomically: after a TTL lapse
// another worker may hold the key, and touching their lease would break
// exclusivity.
var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// AcquireOptions narrows candidate selection.
type AcquireOptions struct {
	// Exclude lists account IDs already tried and rejected in this
	// flow (purchase fail-over builds this up).
	Exclude []string
	// MinBalance, when set, requires the last known dealer balance to
	// cover the pending charge.
	MinBalance *decimal.Decimal
}

func (o AcquireOptions) excluded(id string) bool {
	for _, e := range o.Exclude {
		if e == id {
			return true
		}
	}
	return false
}

// Pool selects and leases dealer accounts.
type Pool struct {
	rdb   *redis.Client
	store store.Store
	log   zerolog.Logger
}

func New(rdb *redis.Client, st store.Store) *Pool {
	return &Pool{
		rdb:   rdb,
		store: st,
		log:   logpkg.WithComponent("pool"),
	}
}

// Acquire leases the best available account for the worker: highest
// priority first, oldest-last-used among equals. Returns (nil, nil)
// when no account qualifies.
//
// The lease claim is set-if-absent, so concurrent acquirers of the same
// account get exactly one winner.
func (p *Pool) Acquire(ctx context.Context, workerID string, opts AcquireOptions) (*model.Account, error) {
	acct, err := p.acquire(ctx, workerID, opts)
	switch {
	case err != nil:
		metrics.PoolAcquires.WithLabelValues("error").Inc()
	case acct == nil:
		metrics.PoolAcquires.WithLabelValues("none").Inc()
	default:
		metrics.PoolAcquires.WithLabelValues("acquired").Inc()
	}
	return acct, err
}

func (p *Pool) acquire(ctx context.Context, workerID string, opts AcquireOptions) (*model.Account, error) {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool acquire: list accounts: %w", err)
	}

	type candidate struct {
		acct     *model.Account
		lastUsed int64
	}
	var candidates []candidate

	for _, a := range accounts {
		if !a.Active || opts.excluded(a.ID) {
			continue
		}
		if opts.MinBalance != nil && a.Balance.LessThan(*opts.MinBalance) {
			continue
		}

		cooling, err := p.rdb.Exists(ctx, cooldownKey(a.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("pool acquire: cooldown probe %s: %w", a.ID, err)
		}
		if cooling > 0 {
			continue
		}

		lastUsed, err := p.lastUsedAt(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{acct: a, lastUsed: lastUsed})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].acct.Priority != candidates[j].acct.Priority {
			return candidates[i].acct.Priority > candidates[j].acct.Priority
		}
		if candidates[i].lastUsed != candidates[j].lastUsed {
			return candidates[i].lastUsed < candidates[j].lastUsed
		}
		return candidates[i].acct.ID < candidates[j].acct.ID
	})

	for _, c := range candidates {
		claimed, err := p.rdb.SetNX(ctx, leaseKey(c.acct.ID), workerID, LeaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("pool acquire: claim %s: %w", c.acct.ID, err)
		}
		if claimed {
			p.log.Debug().
				Str(logpkg.FieldAccountID, c.acct.ID).
				Str(logpkg.FieldWorkerID, workerID).
				Int("priority", c.acct.Priority).
				Msg("account leased")
			return c.acct, nil
		}
	}
	return nil, nil
}

// AcquireByID leases one specific account, used when a flow must resume
// on the account that already holds its staged upstream state. Cooldown
// and active flags are not consulted: in-flight work gets to finish on
// the account it started on. Returns (nil, nil) while someone else holds
// the lease.
func (p *Pool) AcquireByID(ctx context.Context, accountID, workerID string) (*model.Account, error) {
	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("pool acquire %s: %w", accountID, err)
	}
	if acct == nil {
		return nil, fmt.Errorf("pool acquire %s: account not found", accountID)
	}
	claimed, err := p.rdb.SetNX(ctx, leaseKey(accountID), workerID, LeaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("pool acquire %s: claim: %w", accountID, err)
	}
	if !claimed {
		// Re-entrant for the same worker: a redelivered job may land on
		// the holder itself.
		holder, herr := p.LeaseHolder(ctx, accountID)
		if herr != nil {
			return nil, herr
		}
		if holder != workerID {
			return nil, nil
		}
	}
	p.log.Debug().
		Str(logpkg.FieldAccountID, accountID).
		Str(logpkg.FieldWorkerID, workerID).
		Msg("account leased by id")
	return acct, nil
}

func (p *Pool) lastUsedAt(ctx context.Context, accountID string) (int64, error) {
	raw, err := p.rdb.Get(ctx, lastUsedKey(accountID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pool acquire: last-used probe %s: %w", accountID, err)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable timestamp sorts as never-used.
		return 0, nil
	}
	return ts, nil
}

// RenewLease extends the worker's lease. Returns false when the lease
// lapsed or belongs to someone else; the caller must then abandon the
// account.
func (p *Pool) RenewLease(ctx context.Context, accountID, workerID string) (bool, error) {
	renewed, err := renewLeaseScript.Run(ctx, p.rdb,
		[]string{leaseKey(accountID)}, workerID, LeaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("pool renew %s: %w", accountID, err)
	}
	return renewed == 1, nil
}

// Release frees the lease if this worker still owns it. After a TTL
// lapse the key may belong to another worker; then this is a no-op.
func (p *Pool) Release(ctx context.Context, accountID, workerID string) error {
	released, err := releaseLeaseScript.Run(ctx, p.rdb,
		[]string{leaseKey(accountID)}, workerID).Int()
	if err != nil {
		return fmt.Errorf("pool release %s: %w", accountID, err)
	}
	if released == 1 {
		p.log.Debug().
			Str(logpkg.FieldAccountID, accountID).
			Str(logpkg.FieldWorkerID, workerID).
			Msg("account released")
	}
	return nil
}

// ForceRelease frees the lease regardless of owner. Used when a cancel
// lands on a different worker than the lease holder.
func (p *Pool) ForceRelease(ctx context.Context, accountID string) error {
	if err := p.rdb.Del(ctx, leaseKey(accountID)).Err(); err != nil {
		return fmt.Errorf("pool force release %s: %w", accountID, err)
	}
	p.log.Debug().Str(logpkg.FieldAccountID, accountID).Msg("account force-released")
	return nil
}

// MarkFailed parks the account for the kind's cooldown period, clears
// the lease, and mirrors the cooldown onto the account row for
// operators.
func (p *Pool) MarkFailed(ctx context.Context, accountID string, kind model.FailKind) error {
	cooldown := CooldownFor(kind)
	if err := p.rdb.Set(ctx, cooldownKey(accountID), string(kind), cooldown).Err(); err != nil {
		return fmt.Errorf("pool mark failed %s: %w", accountID, err)
	}
	if err := p.rdb.Del(ctx, leaseKey(accountID)).Err(); err != nil {
		return fmt.Errorf("pool mark failed %s: clear lease: %w", accountID, err)
	}

	until := time.Now().Add(cooldown)
	_, err := p.store.UpdateAccount(ctx, accountID, func(a *model.Account) error {
		a.CooldownUntilUnix = until.Unix()
		a.FailReason = string(kind)
		a.UpdatedAtUnix = time.Now().Unix()
		return nil
	})
	if err != nil {
		// The shared-store cooldown already protects selection; the row
		// mirror is informational.
		p.log.Warn().Err(err).Str(logpkg.FieldAccountID, accountID).Msg("cooldown row mirror failed")
	}

	p.log.Info().
		Str(logpkg.FieldAccountID, accountID).
		Str(logpkg.FieldReason, string(kind)).
		Dur("cooldown", cooldown).
		Msg("account parked")
	return nil
}

// MarkUsed stamps a successful use and clears the lease. The stamp
// drives oldest-last-used rotation among same-priority accounts.
func (p *Pool) MarkUsed(ctx context.Context, accountID string) error {
	now := time.Now().Unix()
	if err := p.rdb.Set(ctx, lastUsedKey(accountID), strconv.FormatInt(now, 10), 0).Err(); err != nil {
		return fmt.Errorf("pool mark used %s: %w", accountID, err)
	}
	if err := p.rdb.Del(ctx, leaseKey(accountID)).Err(); err != nil {
		return fmt.Errorf("pool mark used %s: clear lease: %w", accountID, err)
	}
	return nil
}

// LeaseHolder reports which worker holds the account, empty when free.
func (p *Pool) LeaseHolder(ctx context.Context, accountID string) (string, error) {
	holder, err := p.rdb.Get(ctx, leaseKey(accountID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pool lease probe %s: %w", accountID, err)
	}
	return holder, nil
}

// Cooldown reports the active cooldown kind for the account, if any.
func (p *Pool) Cooldown(ctx context.Context, accountID string) (model.FailKind, bool, error) {
	raw, err := p.rdb.Get(ctx, cooldownKey(accountID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pool cooldown probe %s: %w", accountID, err)
	}
	return model.FailKind(raw), true, nil
}
