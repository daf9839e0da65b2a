// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryBroker_DeliversInOrder(t *testing.T) {
	b := NewMemory(MemoryOptions{Concurrency: 1})
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		if err := b.Publish(ctx, renewalJob(id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	var got []string
	stop := startConsumer(t, b, func(_ context.Context, d Delivery) error {
		mu.Lock()
		got = append(got, d.Job.OperationID)
		mu.Unlock()
		return nil
	})
	defer stop()

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "jobs never delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if got[i] != want {
			t.Fatalf("delivery order %v", got)
		}
	}
}

func TestMemoryBroker_RedeliversOnError(t *testing.T) {
	b := NewMemory(MemoryOptions{Concurrency: 1})
	ctx := context.Background()

	if err := b.Publish(ctx, renewalJob("op-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	var attempts []int64
	stop := startConsumer(t, b, func(_ context.Context, d Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	})
	defer stop()

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, "job never redelivered")

	mu.Lock()
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts %v, want [1 2]", attempts)
	}
	mu.Unlock()

	if dead := b.Dead(); len(dead) != 0 {
		t.Errorf("recovered job must not be dead-lettered: %v", dead)
	}
}

func TestMemoryBroker_DeadAfterMaxDeliveries(t *testing.T) {
	b := NewMemory(MemoryOptions{Concurrency: 1, MaxDeliveries: 2})
	ctx := context.Background()

	if err := b.Publish(ctx, renewalJob("op-doomed")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	stop := startConsumer(t, b, func(_ context.Context, d Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("always broken")
	})
	defer stop()

	waitUntil(t, 2*time.Second, func() bool {
		return len(b.Dead()) == 1
	}, "job never dead-lettered")

	mu.Lock()
	if calls != 2 {
		t.Errorf("handler ran %d times, want exactly 2", calls)
	}
	mu.Unlock()

	if dead := b.Dead(); dead[0].OperationID != "op-doomed" {
		t.Errorf("dead job %+v", dead[0])
	}
	if n := b.Pending(); n != 0 {
		t.Errorf("pending %d, want 0", n)
	}
}

func TestMemoryBroker_BoundedConcurrency(t *testing.T) {
	b := NewMemory(MemoryOptions{Concurrency: 2})
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3", "op-4"} {
		if err := b.Publish(ctx, renewalJob(id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	inflight, peak, done := 0, 0, 0
	stop := startConsumer(t, b, func(_ context.Context, d Delivery) error {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		inflight--
		done++
		mu.Unlock()
		return nil
	})
	defer stop()

	waitUntil(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 4
	}, "jobs never drained")

	mu.Lock()
	defer mu.Unlock()
	if peak != 2 {
		t.Errorf("peak in-flight %d, want 2", peak)
	}
}

func TestMemoryBroker_PublishValidation(t *testing.T) {
	b := NewMemory(MemoryOptions{})
	ctx := context.Background()

	if err := b.Publish(ctx, Job{}); err == nil {
		t.Fatal("expected an error for a job without an operation id")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Publish(ctx, renewalJob("op-1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v, want ErrClosed", err)
	}
}
