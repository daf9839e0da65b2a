// SPDX-License-Identifier: MIT

package lifecycle

import (
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// Dispatch applies ev to op. It is the only sanctioned way to change
// an operation's status: the transition table decides legality, the
// event may refine the recorded reason, and terminal statuses are
// absorbing. On an illegal event the operation is force-failed unless
// it is already terminal, in which case it is left untouched.
func Dispatch(op *model.Operation, ev Event, now time.Time) (Transition, error) {
	if op.Status.IsTerminal() {
		return illegalTransition(op, ev, now)
	}

	tr, ok := TransitionFor(op.Status, ev.Kind)
	if !ok {
		return illegalTransition(op, ev, now)
	}

	if ev.Reason != "" {
		tr.Reason = ev.Reason
	}

	ApplyTransition(op, tr, now)
	return tr, nil
}
