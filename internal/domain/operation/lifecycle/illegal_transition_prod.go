// SPDX-License-Identifier: MIT

//go:build !debug

package lifecycle

import (
	"fmt"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// illegalTransition handles events the table rejects. Terminal
// operations are immutable: the record is returned untouched with
// ErrTerminalState so callers can treat the conflict as a duplicate.
// A non-terminal operation hit by an unknown event is in a state the
// code never planned for, so it is forced to FAILED rather than left
// wedged.
func illegalTransition(op *model.Operation, ev Event, now time.Time) (Transition, error) {
	if op.Status.IsTerminal() {
		return Transition{}, fmt.Errorf("%w: %s + %s", ErrTerminalState, op.Status, ev.Kind)
	}

	tr := Transition{
		From:   op.Status,
		To:     model.StatusFailed,
		Event:  ev.Kind,
		Reason: model.RInvariantViolation,
	}
	ApplyTransition(op, tr, now)
	return tr, fmt.Errorf("%w: %s + %s", ErrIllegalTransition, tr.From, ev.Kind)
}
