// SPDX-License-Identifier: MIT
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
)

const (
	// DefaultStream carries live jobs; DeadStream collects the ones
	// that exhausted their deliveries.
	DefaultStream = "operations"
	DeadStream    = "operations:dead"
	DefaultGroup  = "workers"

	DefaultConcurrency   = 3
	DefaultMaxDeliveries = 5

	// DefaultMinIdle must outlast the slowest legitimate handler run
	// (queue wait, CAPTCHA poll, confirmation window combined), or a
	// second worker will claim a job that is still being worked.
	DefaultMinIdle = 5 * time.Minute

	maxRedeliverBackoff = 30 * time.Minute

	defaultBlock = 5 * time.Second
	readBatch    = 16
	streamMaxLen = 10_000
)

const (
	fieldOp         = "op"
	fieldJob        = "job"
	fieldDeliveries = "deliveries"
	fieldDeadAt     = "dead_at"
)

// RedisOptions tunes a Redis broker. Zero values take the defaults.
type RedisOptions struct {
	Stream        string
	Group         string
	Concurrency   int
	MaxDeliveries int64
	MinIdle       time.Duration
	// Block is the XREADGROUP block interval, which also paces how
	// quickly a shutting-down reader notices its context is gone.
	Block time.Duration
}

// Redis is a Broker on a Redis Stream with one consumer group. Each
// worker process is one consumer; unacknowledged entries are claimed
// back after a per-delivery back-off, and entries that burn through
// MaxDeliveries move to the dead stream.
type Redis struct {
	rdb      *redis.Client
	log      zerolog.Logger
	stream   string
	dead     string
	group    string
	consumer string

	concurrency   int
	maxDeliveries int64
	minIdle       time.Duration
	block         time.Duration
	batch         int64

	closed atomic.Bool

	stats struct {
		published atomic.Int64
		delivered atomic.Int64
		acked     atomic.Int64
		retried   atomic.Int64
		dead      atomic.Int64
	}
}

var _ Broker = (*Redis)(nil)

// Stats is a snapshot of broker counters.
type Stats struct {
	Published int64
	Delivered int64
	Acked     int64
	Retried   int64
	Dead      int64
}

func NewRedis(rdb *redis.Client, consumer string, opts RedisOptions) *Redis {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = DefaultMinIdle
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	return &Redis{
		rdb:           rdb,
		log:           logpkg.WithComponent("broker"),
		stream:        opts.Stream,
		dead:          opts.Stream + ":dead",
		group:         opts.Group,
		consumer:      consumer,
		concurrency:   opts.Concurrency,
		maxDeliveries: opts.MaxDeliveries,
		minIdle:       opts.MinIdle,
		block:         opts.Block,
		batch:         readBatch,
	}
}

func (b *Redis) Publish(ctx context.Context, job Job) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if job.OperationID == "" {
		return errors.New("broker: job without operation id")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: encode job %s: %w", job.OperationID, err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			fieldOp:  job.OperationID,
			fieldJob: payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", job.OperationID, err)
	}
	b.stats.published.Add(1)
	b.log.Debug().
		Str(logpkg.FieldOperationID, job.OperationID).
		Str(logpkg.FieldOpType, string(job.Type)).
		Msg("job published")
	return nil
}

// Consume reads the stream until ctx is cancelled. Deliveries run on
// their own goroutines, bounded by the configured concurrency, and the
// entry is acknowledged only after the handler returns nil. Consume
// does not return until in-flight handlers have drained.
func (b *Redis) Consume(ctx context.Context, h Handler) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}
	b.log.Info().
		Str("stream", b.stream).
		Str("group", b.group).
		Str("consumer", b.consumer).
		Int("concurrency", b.concurrency).
		Msg("consuming jobs")

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.reclaim(ctx, sem, &wg, h)

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				if !b.admit(ctx, sem) {
					// Undispatched entries stay pending and are
					// reclaimed after the back-off.
					return ctx.Err()
				}
				wg.Add(1)
				go func(m redis.XMessage) {
					defer wg.Done()
					defer func() { <-sem }()
					b.dispatch(ctx, m, 1, h)
				}(msg)
			}
		}
	}
}

// Close stops intake. Consumption stops with its context.
func (b *Redis) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Redis) Stats() Stats {
	return Stats{
		Published: b.stats.published.Load(),
		Delivered: b.stats.delivered.Load(),
		Acked:     b.stats.acked.Load(),
		Retried:   b.stats.retried.Load(),
		Dead:      b.stats.dead.Load(),
	}
}

func (b *Redis) ensureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group %s on %s: %w", b.group, b.stream, err)
	}
	return nil
}

func (b *Redis) admit(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// reclaim scans the group's pending entries and takes back the ones
// whose back-off has lapsed. Entries past MaxDeliveries are copied to
// the dead stream and acknowledged instead.
func (b *Redis) reclaim(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, h Handler) {
	entries, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Start:  "-",
		End:    "+",
		Count:  b.batch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			b.log.Warn().Err(err).Msg("pending scan failed")
		}
		return
	}
	for _, e := range entries {
		if e.RetryCount >= b.maxDeliveries {
			b.bury(ctx, e.ID, e.RetryCount)
			continue
		}
		wait := b.redeliverAfter(e.RetryCount)
		if e.Idle < wait {
			continue
		}
		// MinIdle re-checks the idle time atomically, so two workers
		// scanning the same entry cannot both win it.
		claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.stream,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  wait,
			Messages: []string{e.ID},
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				b.log.Warn().Err(err).Str("message_id", e.ID).Msg("claim failed")
			}
			continue
		}
		for _, m := range claimed {
			b.stats.retried.Add(1)
			metrics.BrokerRedeliveries.Inc()
			if !b.admit(ctx, sem) {
				return
			}
			wg.Add(1)
			go func(m redis.XMessage, attempt int64) {
				defer wg.Done()
				defer func() { <-sem }()
				b.dispatch(ctx, m, attempt, h)
			}(m, e.RetryCount+1)
		}
	}
}

// redeliverAfter doubles the base back-off per prior delivery, capped.
func (b *Redis) redeliverAfter(retries int64) time.Duration {
	d := b.minIdle
	for i := int64(1); i < retries; i++ {
		d *= 2
		if d >= maxRedeliverBackoff {
			return maxRedeliverBackoff
		}
	}
	return d
}

func (b *Redis) dispatch(ctx context.Context, m redis.XMessage, attempt int64, h Handler) {
	b.stats.delivered.Add(1)
	job, err := decodeJob(m.Values)
	if err != nil {
		// Undecodable payloads never heal; no point retrying them.
		b.log.Error().Err(err).Str("message_id", m.ID).Msg("undecodable job payload")
		b.bury(ctx, m.ID, attempt)
		return
	}
	log := b.log.With().
		Str(logpkg.FieldOperationID, job.OperationID).
		Str("message_id", m.ID).
		Logger()
	if err := h(ctx, Delivery{ID: m.ID, Job: job, Attempt: attempt}); err != nil {
		log.Warn().Err(err).Int64("attempt", attempt).Msg("job failed, left pending for redelivery")
		return
	}
	if err := b.rdb.XAck(ctx, b.stream, b.group, m.ID).Err(); err != nil {
		log.Error().Err(err).Msg("ack failed; the job may be delivered again")
		return
	}
	b.stats.acked.Add(1)
}

// bury copies an entry to the dead stream and acknowledges it. The
// entry stays pending when the copy fails, so a job is never lost to
// a dead-letter hiccup.
func (b *Redis) bury(ctx context.Context, id string, deliveries int64) {
	msgs, err := b.rdb.XRange(ctx, b.stream, id, id).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn().Err(err).Str("message_id", id).Msg("dead-letter read failed")
		}
		return
	}
	if len(msgs) > 0 {
		vals := make(map[string]any, len(msgs[0].Values)+2)
		for k, v := range msgs[0].Values {
			vals[k] = v
		}
		vals[fieldDeliveries] = deliveries
		vals[fieldDeadAt] = time.Now().UTC().Format(time.RFC3339)
		if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: b.dead, Values: vals}).Err(); err != nil {
			if ctx.Err() == nil {
				b.log.Error().Err(err).Str("message_id", id).Msg("dead-letter write failed")
			}
			return
		}
	}
	if err := b.rdb.XAck(ctx, b.stream, b.group, id).Err(); err != nil {
		if ctx.Err() == nil {
			b.log.Error().Err(err).Str("message_id", id).Msg("dead-letter ack failed")
		}
		return
	}
	b.stats.dead.Add(1)
	metrics.BrokerDeadLetters.Inc()
	b.log.Error().
		Str("message_id", id).
		Int64("deliveries", deliveries).
		Msg("job exhausted its deliveries")
}

func decodeJob(values map[string]any) (Job, error) {
	raw, ok := values[fieldJob]
	if !ok {
		return Job{}, errors.New("missing job field")
	}
	s, ok := raw.(string)
	if !ok {
		return Job{}, fmt.Errorf("job field has type %T", raw)
	}
	var job Job
	if err := json.Unmarshal([]byte(s), &job); err != nil {
		return Job{}, err
	}
	if job.OperationID == "" {
		return Job{}, errors.New("job without operation id")
	}
	return job, nil
}
