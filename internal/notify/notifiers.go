// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	logpkg "github.com/renewtv/renewd/internal/log"
)

// DefaultChannel is the pub/sub channel the platform's delivery tier
// subscribes to.
const DefaultChannel = "notifications"

// Log writes events into the structured log. It is the floor every
// deployment gets even with no delivery tier attached.
type Log struct {
	log zerolog.Logger
}

func NewLog() *Log {
	return &Log{log: logpkg.WithComponent("notify")}
}

func (n *Log) Notify(_ context.Context, ev Event) error {
	e := n.log.Info().Str("kind", string(ev.Kind))
	if ev.OperationID != "" {
		e = e.Str(logpkg.FieldOperationID, ev.OperationID)
	}
	if ev.UserID != "" {
		e = e.Str(logpkg.FieldUserID, ev.UserID)
	}
	if ev.AccountID != "" {
		e = e.Str(logpkg.FieldAccountID, ev.AccountID)
	}
	if ev.Status != "" {
		e = e.Str("status", string(ev.Status))
	}
	if ev.Balance != nil {
		e = e.Str("balance", ev.Balance.String())
	}
	e.Msg(ev.Message)
	return nil
}

// Redis publishes events as JSON on a pub/sub channel for the
// delivery tier to fan out.
type Redis struct {
	rdb     *redis.Client
	channel string
}

func NewRedis(rdb *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{rdb: rdb, channel: channel}
}

func (n *Redis) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByKind returns the recorded events of one kind.
func (r *Recorder) ByKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var (
	_ Notifier = (*Log)(nil)
	_ Notifier = (*Redis)(nil)
	_ Notifier = (*Recorder)(nil)
)
