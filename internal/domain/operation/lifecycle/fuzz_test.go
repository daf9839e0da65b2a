// SPDX-License-Identifier: MIT

package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

func FuzzDispatchInvariants(f *testing.F) {
	f.Add(0, 0, 0)
	f.Add(1, 8, 3)
	f.Add(6, 9, 0)

	f.Fuzz(func(t *testing.T, statusInt, evInt, reasonInt int) {
		if statusInt < 0 {
			statusInt = -statusInt
		}
		if evInt < 0 {
			evInt = -evInt
		}
		if reasonInt < 0 {
			reasonInt = -reasonInt
		}
		status := allStatuses[statusInt%len(allStatuses)]
		ev := allEvents[evInt%len(allEvents)]
		reasons := []model.ReasonCode{model.RNone, model.RDealerBalance, model.RSessionExpired, model.RCancelled}
		reason := reasons[reasonInt%len(reasons)]

		now := time.Unix(1_700_000_000, 0)
		op := NewOperation("op-fuzz", "user-fuzz", model.OpStartRenewal, "1234567890", now)
		op.Status = status
		op.Reason = model.RQueueTimeout
		op.HeartbeatExpiryUnix = now.Add(time.Minute).Unix()
		before := *op

		tr, err := Dispatch(op, Event{Kind: ev, Reason: reason}, now.Add(time.Second))

		if before.Status.IsTerminal() {
			if !errors.Is(err, ErrTerminalState) {
				t.Fatalf("terminal dispatch must return ErrTerminalState, got %v", err)
			}
			if op.Status != before.Status || op.Reason != before.Reason || op.UpdatedAtUnix != before.UpdatedAtUnix {
				t.Fatalf("terminal record mutated: %+v -> %+v", before, *op)
			}
			return
		}

		if err == nil {
			if _, ok := TransitionFor(before.Status, ev); !ok {
				t.Fatalf("dispatch succeeded without a table edge: %s + %v", before.Status, ev)
			}
			if op.Status != tr.To {
				t.Fatalf("record status %s disagrees with transition target %s", op.Status, tr.To)
			}
		} else {
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("non-terminal dispatch error must be ErrIllegalTransition, got %v", err)
			}
			if op.Status != model.StatusFailed || op.Reason != model.RInvariantViolation {
				t.Fatalf("illegal event must force-fail: status=%s reason=%s", op.Status, op.Reason)
			}
		}

		if op.Status.IsTerminal() && op.HeartbeatExpiryUnix != 0 {
			t.Fatalf("terminal operation still owes a heartbeat: %+v", op)
		}
	})
}
