// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
)

// LockTTL bounds how long a crashed login winner can block an account.
// A healthy login finishes well inside it; expiry hands the lock to the
// next contender.
const LockTTL = 60 * time.Second

const (
	loginLockKeyPrefix = "login-lock:"
	lockPollInterval   = 500 * time.Millisecond
)

func loginLockKey(accountID string) string {
	return loginLockKeyPrefix + accountID
}

// Owner comparison and delete must be one atomic step: a plain GET+DEL
// could delete a successor's lock after our own expired.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLoginLock claims the per-account login lock for this worker.
// Returns true iff the caller now owns it and is the one worker allowed
// to drive a login for the account.
func (c *Cache) AcquireLoginLock(ctx context.Context, accountID, workerID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, loginLockKey(accountID), workerID, LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire login lock %s: %w", accountID, err)
	}
	if ok {
		c.log.Debug().
			Str(logpkg.FieldAccountID, accountID).
			Str(logpkg.FieldWorkerID, workerID).
			Msg("login lock acquired")
	} else {
		metrics.LoginLockContention.Inc()
	}
	return ok, nil
}

// ReleaseLoginLock frees the lock if this worker still owns it. Releasing
// a lock owned by someone else is a silent no-op.
func (c *Cache) ReleaseLoginLock(ctx context.Context, accountID, workerID string) error {
	released, err := releaseLockScript.Run(ctx, c.rdb, []string{loginLockKey(accountID)}, workerID).Int()
	if err != nil {
		return fmt.Errorf("release login lock %s: %w", accountID, err)
	}
	if released == 1 {
		c.log.Debug().
			Str(logpkg.FieldAccountID, accountID).
			Str(logpkg.FieldWorkerID, workerID).
			Msg("login lock released")
	}
	return nil
}

// WaitForLoginComplete blocks until the account's login lock disappears
// or the timeout elapses. Returns true when the lock cleared, meaning
// the winner finished (or died and the TTL reaped it) and the session
// cache is worth re-reading.
func (c *Cache) WaitForLoginComplete(ctx context.Context, accountID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.lockPoll)
	defer ticker.Stop()

	for {
		n, err := c.rdb.Exists(ctx, loginLockKey(accountID)).Result()
		if err != nil {
			return false, fmt.Errorf("probe login lock %s: %w", accountID, err)
		}
		if n == 0 {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LoginLockHolder reports which worker currently owns the lock, empty
// when unlocked. Diagnostic only.
func (c *Cache) LoginLockHolder(ctx context.Context, accountID string) (string, error) {
	holder, err := c.rdb.Get(ctx, loginLockKey(accountID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read login lock %s: %w", accountID, err)
	}
	return holder, nil
}
