// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
)

const (
	queueKey = "queue:accounts"

	// DefaultQueueTimeout bounds starvation: a waiter that cannot get
	// an account inside it fails the operation instead of hanging.
	DefaultQueueTimeout = 120 * time.Second

	queuePollInterval = 750 * time.Millisecond
)

// QueueResult reports the outcome of a queued acquisition.
type QueueResult struct {
	// Account is nil when the wait timed out.
	Account  *model.Account
	Waited   time.Duration
	TimedOut bool
}

// Queue adds fair FIFO waiting on top of the pool. Waiters line up by
// operation ID; only the head of the line may attempt acquisition, so
// arrival order and acquisition order match.
type Queue struct {
	pool *Pool
	rdb  *redis.Client
	log  zerolog.Logger
	poll time.Duration
}

func NewQueue(p *Pool) *Queue {
	return &Queue{
		pool: p,
		rdb:  p.rdb,
		log:  logpkg.WithComponent("queue"),
		poll: queuePollInterval,
	}
}

// AcquireWithQueue tries to lease an account, waiting in line when none
// is free. A non-positive timeout means DefaultQueueTimeout.
//
// The immediate attempt is gated on an empty line: once anyone waits,
// newcomers join the tail instead of racing the head.
func (q *Queue) AcquireWithQueue(ctx context.Context, operationID, workerID string, opts AcquireOptions, timeout time.Duration) (QueueResult, error) {
	start := time.Now()
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}

	waiting, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return QueueResult{}, fmt.Errorf("queue length: %w", err)
	}
	if waiting == 0 {
		acct, err := q.pool.Acquire(ctx, workerID, opts)
		if err != nil {
			return QueueResult{}, err
		}
		if acct != nil {
			return QueueResult{Account: acct, Waited: time.Since(start)}, nil
		}
	}

	// A redelivered operation may still have its old entry in the line;
	// drop it before re-joining so the ID appears exactly once.
	if err := q.rdb.LRem(ctx, queueKey, 0, operationID).Err(); err != nil {
		return QueueResult{}, fmt.Errorf("queue dedup: %w", err)
	}
	if err := q.rdb.RPush(ctx, queueKey, operationID).Err(); err != nil {
		return QueueResult{}, fmt.Errorf("queue join: %w", err)
	}
	metrics.QueueDepth.Inc()
	q.log.Debug().
		Str(logpkg.FieldOperationID, operationID).
		Int64("waiters_ahead", waiting).
		Msg("queued for account")

	defer q.leave(operationID)

	deadline := start.Add(timeout)
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		head, err := q.rdb.LIndex(ctx, queueKey, 0).Result()
		switch {
		case err == redis.Nil:
			// Our entry vanished (janitor reconciliation); re-join.
			if err := q.rdb.RPush(ctx, queueKey, operationID).Err(); err != nil {
				return QueueResult{}, fmt.Errorf("queue rejoin: %w", err)
			}
		case err != nil:
			return QueueResult{}, fmt.Errorf("queue head: %w", err)
		case head == operationID:
			acct, err := q.pool.Acquire(ctx, workerID, opts)
			if err != nil {
				return QueueResult{}, err
			}
			if acct != nil {
				waited := time.Since(start)
				q.log.Debug().
					Str(logpkg.FieldOperationID, operationID).
					Str(logpkg.FieldAccountID, acct.ID).
					Int64(logpkg.FieldWaitedMS, waited.Milliseconds()).
					Msg("dequeued with account")
				return QueueResult{Account: acct, Waited: waited}, nil
			}
		}

		if !time.Now().Before(deadline) {
			return QueueResult{Waited: time.Since(start), TimedOut: true}, nil
		}

		select {
		case <-ctx.Done():
			return QueueResult{Waited: time.Since(start)}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// leave removes the operation from the line on every exit path. Uses a
// fresh context: the job context is often already cancelled here.
func (q *Queue) leave(operationID string) {
	metrics.QueueDepth.Dec()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.rdb.LRem(ctx, queueKey, 0, operationID).Err(); err != nil {
		q.log.Warn().Err(err).Str(logpkg.FieldOperationID, operationID).Msg("queue leave failed")
	}
}

// Waiting returns the operation IDs currently in line, head first.
func (q *Queue) Waiting(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue range: %w", err)
	}
	return ids, nil
}

// RemoveStale drops queued IDs the predicate rejects. The janitor calls
// this with "operation still live" so entries from crashed workers
// cannot wedge the head of the line.
func (q *Queue) RemoveStale(ctx context.Context, live func(operationID string) bool) (int, error) {
	ids, err := q.Waiting(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if live(id) {
			continue
		}
		if err := q.rdb.LRem(ctx, queueKey, 0, id).Err(); err != nil {
			return removed, fmt.Errorf("queue remove %s: %w", id, err)
		}
		removed++
		q.log.Info().Str(logpkg.FieldOperationID, id).Msg("stale queue entry removed")
	}
	return removed, nil
}
