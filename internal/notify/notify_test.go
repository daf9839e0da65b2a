// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

type notifierFunc func(ctx context.Context, ev Event) error

func (f notifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

func TestRedisNotifier_PublishesJSON(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, DefaultChannel)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedis(rdb, "")
	op := &model.Operation{ID: "op-1", UserID: "user-1", Status: model.StatusAwaitingFinalConfirm}
	if err := n.Notify(ctx, OperationUpdate(op, "waiting for your confirmation")); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.Kind != KindOperationUpdate || got.OperationID != "op-1" || got.UserID != "user-1" {
			t.Errorf("event %+v", got)
		}
		if got.At.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message on the channel")
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	rec := NewRecorder()
	boom := errors.New("smtp down")
	failing := notifierFunc(func(context.Context, Event) error { return boom })

	m := Multi{failing, rec}
	err := m.Notify(context.Background(), Event{Kind: KindLowBalance, AccountID: "acct-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the failure to surface, got %v", err)
	}
	if got := rec.Events(); len(got) != 1 || got[0].AccountID != "acct-1" {
		t.Errorf("later notifiers must still run, recorded %v", got)
	}
}

func TestRecorder_ByKind(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	_ = rec.Notify(ctx, Event{Kind: KindOperationUpdate, OperationID: "op-1"})
	_ = rec.Notify(ctx, Event{Kind: KindLowBalance, AccountID: "acct-1"})
	_ = rec.Notify(ctx, Event{Kind: KindOperationUpdate, OperationID: "op-2"})

	updates := rec.ByKind(KindOperationUpdate)
	if len(updates) != 2 || updates[0].OperationID != "op-1" || updates[1].OperationID != "op-2" {
		t.Errorf("updates %v", updates)
	}
	if alerts := rec.ByKind(KindBalanceShortfall); len(alerts) != 0 {
		t.Errorf("unexpected alerts %v", alerts)
	}
}

func TestEventBuilders(t *testing.T) {
	op := &model.Operation{ID: "op-1", UserID: "user-1", Status: model.StatusCompleted}
	ev := OperationUpdate(op, "done")
	if ev.Status != model.StatusCompleted || ev.Message != "done" {
		t.Errorf("operation update %+v", ev)
	}

	low := LowBalance("acct-1", decimal.RequireFromString("12.50"), decimal.RequireFromString("100"))
	if low.Balance == nil || !low.Balance.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("low balance %+v", low)
	}

	short := BalanceShortfall(op, "acct-1", decimal.RequireFromString("20"), decimal.RequireFromString("50"))
	if short.Kind != KindBalanceShortfall || short.AccountID != "acct-1" {
		t.Errorf("shortfall %+v", short)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLog()
	ev := LowBalance("acct-1", decimal.RequireFromString("5"), decimal.RequireFromString("100"))
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
