// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"time"

	logpkg "github.com/renewtv/renewd/internal/log"
)

// DefaultHeartbeatEvery renews well inside the lease TTL. Renewing at
// exactly the TTL would race expiry on any scheduling hiccup.
const DefaultHeartbeatEvery = LeaseTTL / 3

// Heartbeat keeps one account lease alive for the duration of a job.
type Heartbeat struct {
	lost   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHeartbeat renews the lease every interval until Stop is called,
// the context ends, or the lease is lost. A non-positive interval means
// DefaultHeartbeatEvery.
//
// Lease loss closes Lost(); the job must stop touching the account when
// that fires, because another worker may already hold it.
func (p *Pool) StartHeartbeat(ctx context.Context, accountID, workerID string, every time.Duration) *Heartbeat {
	if every <= 0 {
		every = DefaultHeartbeatEvery
	}

	hbCtx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		lost:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		t := time.NewTicker(every)
		defer t.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				ok, err := p.RenewLease(hbCtx, accountID, workerID)
				if err != nil {
					if hbCtx.Err() != nil {
						return
					}
					// Transient store trouble: the lease may still be
					// ours. Keep trying until the TTL decides.
					p.log.Warn().Err(err).
						Str(logpkg.FieldAccountID, accountID).
						Msg("lease renewal error")
					continue
				}
				if !ok {
					p.log.Warn().
						Str(logpkg.FieldAccountID, accountID).
						Str(logpkg.FieldWorkerID, workerID).
						Msg("account lease lost")
					close(h.lost)
					return
				}
			}
		}
	}()

	return h
}

// Lost is closed when a renewal found the lease gone or owned by
// another worker.
func (h *Heartbeat) Lost() <-chan struct{} {
	return h.lost
}

// Stop ends renewal and waits for the loop to exit. It does not release
// the lease; that stays with the job's release path.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}
