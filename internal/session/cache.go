// SPDX-License-Identifier: MIT

// Package session is the shared store of authenticated portal sessions,
// one per dealer account. Workers and the keep-alive service read and
// write the same keys, so a login performed anywhere benefits everyone.
//
// The login lock in lock.go makes session establishment single-flight
// per account: exactly one worker logs in, the rest wait and read the
// cached result.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
)

// DefaultTTL is one minute longer than the portal's advertised 15-minute
// idle cutoff. The session payload carries its own expiry; the extra
// minute keeps the key alive long enough for readers to observe that
// expiry instead of racing the eviction.
const DefaultTTL = 16 * time.Minute

const sessionKeyPrefix = "session:"

func sessionKey(accountID string) string {
	return sessionKeyPrefix + accountID
}

// Stats is a snapshot of cache traffic counters.
type Stats struct {
	Hits   int64
	Misses int64
	Puts   int64
}

// Cache stores serialized sessions keyed by account ID.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
	ttl time.Duration

	lockPoll time.Duration

	stats struct {
		hits   atomic.Int64
		misses atomic.Int64
		puts   atomic.Int64
	}
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{
		rdb:      rdb,
		log:      logpkg.WithComponent("session-cache"),
		ttl:      DefaultTTL,
		lockPoll: lockPollInterval,
	}
}

func (c *Cache) hit() {
	c.stats.hits.Add(1)
	metrics.SessionCache.WithLabelValues("hit").Inc()
}

func (c *Cache) miss() {
	c.stats.misses.Add(1)
	metrics.SessionCache.WithLabelValues("miss").Inc()
}

// Get returns the cached session for the account, or nil on a miss. A
// stored session whose own expiry has passed counts as a miss and is
// deleted so no later reader can observe it.
func (c *Cache) Get(ctx context.Context, accountID string) (*model.Session, error) {
	data, err := c.rdb.Get(ctx, sessionKey(accountID)).Bytes()
	if err == redis.Nil {
		c.miss()
		return nil, nil
	}
	if err != nil {
		c.miss()
		return nil, fmt.Errorf("session get %s: %w", accountID, err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		c.miss()
		c.log.Warn().Err(err).Str(logpkg.FieldAccountID, accountID).Msg("corrupt session payload, dropping")
		_ = c.rdb.Del(ctx, sessionKey(accountID)).Err()
		return nil, nil
	}

	if !s.Active(time.Now()) {
		c.miss()
		_ = c.rdb.Del(ctx, sessionKey(accountID)).Err()
		return nil, nil
	}

	c.hit()
	return &s, nil
}

// Put stores the session under the account key. A non-positive ttl means
// DefaultTTL.
func (c *Cache) Put(ctx context.Context, accountID string, s *model.Session, ttl time.Duration) error {
	if s == nil {
		return fmt.Errorf("session put %s: nil session", accountID)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session marshal %s: %w", accountID, err)
	}
	if err := c.rdb.Set(ctx, sessionKey(accountID), data, ttl).Err(); err != nil {
		return fmt.Errorf("session put %s: %w", accountID, err)
	}

	c.stats.puts.Add(1)
	c.log.Debug().
		Str(logpkg.FieldAccountID, accountID).
		Dur("ttl", ttl).
		Time("expires_at", time.Unix(s.ExpiresAtUnix, 0)).
		Msg("session cached")
	return nil
}

// Delete drops the cached session. Any worker that detects an invalid
// session calls this so the next reader starts a fresh login instead of
// reusing known-bad state.
func (c *Cache) Delete(ctx context.Context, accountID string) error {
	if err := c.rdb.Del(ctx, sessionKey(accountID)).Err(); err != nil {
		return fmt.Errorf("session delete %s: %w", accountID, err)
	}
	return nil
}

// Extend refreshes the key TTL if the session is still cached. Returns
// false without error when the key is already gone.
func (c *Cache) Extend(ctx context.Context, accountID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	ok, err := c.rdb.Expire(ctx, sessionKey(accountID), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("session extend %s: %w", accountID, err)
	}
	return ok, nil
}

// Stats returns the traffic counters since construction.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.stats.hits.Load(),
		Misses: c.stats.misses.Load(),
		Puts:   c.stats.puts.Load(),
	}
}
