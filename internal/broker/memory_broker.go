// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Broker for unit tests and local runs. It
// keeps the delivery contract of the Redis broker (at-least-once,
// bounded concurrency, dead-lettering after MaxDeliveries) but
// redelivers immediately instead of after a timed back-off.
type Memory struct {
	mu     sync.Mutex
	queue  []memEntry
	dead   []Job
	closed bool

	wake chan struct{}
	seq  atomic.Int64

	concurrency   int
	maxDeliveries int64
}

var _ Broker = (*Memory)(nil)

type memEntry struct {
	id       string
	job      Job
	attempts int64
}

// MemoryOptions tunes a memory broker. Zero values take the defaults.
type MemoryOptions struct {
	Concurrency   int
	MaxDeliveries int64
}

func NewMemory(opts MemoryOptions) *Memory {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	return &Memory{
		wake:          make(chan struct{}, 1),
		concurrency:   opts.Concurrency,
		maxDeliveries: opts.MaxDeliveries,
	}
}

func (m *Memory) Publish(_ context.Context, job Job) error {
	if job.OperationID == "" {
		return fmt.Errorf("broker: job without operation id")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, memEntry{
		id:  fmt.Sprintf("mem-%d", m.seq.Add(1)),
		job: job,
	})
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		e, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			m.requeueFront(e)
			return ctx.Err()
		}
		wg.Add(1)
		go func(e memEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			attempt := e.attempts + 1
			if err := h(ctx, Delivery{ID: e.id, Job: e.job, Attempt: attempt}); err != nil {
				m.redeliver(e, attempt)
			}
		}(e)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Dead returns the jobs that exhausted their deliveries.
func (m *Memory) Dead() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.dead...)
}

// Pending returns the number of jobs waiting for a handler.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Memory) pop() (memEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return memEntry{}, false
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	return e, true
}

// requeueFront hands back an entry that was never delivered, keeping
// its place at the head and its attempt count.
func (m *Memory) requeueFront(e memEntry) {
	m.mu.Lock()
	m.queue = append([]memEntry{e}, m.queue...)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) redeliver(e memEntry, attempts int64) {
	m.mu.Lock()
	if attempts >= m.maxDeliveries {
		m.dead = append(m.dead, e.job)
		m.mu.Unlock()
		return
	}
	e.attempts = attempts
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
