// SPDX-License-Identifier: MIT

package lifecycle

import (
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/metrics"
)

// ApplyTransition mutates op according to tr. Callers go through
// Dispatch; the split exists so the force-fail path can apply its
// synthesized edge through the same bookkeeping. Every applied edge is
// counted here.
func ApplyTransition(op *model.Operation, tr Transition, now time.Time) {
	metrics.Transitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	op.Status = tr.To
	if tr.Reason != "" {
		op.Reason = tr.Reason
	}
	if tr.To == model.StatusCompleted {
		op.CompletedAtUnix = now.Unix()
	}
	if tr.To.IsTerminal() {
		// A terminal operation no longer owes a heartbeat and its
		// confirmation window is moot.
		op.HeartbeatExpiryUnix = 0
		op.FinalConfirmExpiryUnix = 0
	}
	op.UpdatedAtUnix = now.Unix()
}
