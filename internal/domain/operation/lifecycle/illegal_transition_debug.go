// SPDX-License-Identifier: MIT

//go:build debug

package lifecycle

import (
	"fmt"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// Debug builds turn illegal transitions into panics so the offending
// call site shows up in the stack trace during development instead of
// a silently force-failed operation.
func illegalTransition(op *model.Operation, ev Event, now time.Time) (Transition, error) {
	panic(fmt.Sprintf("illegal transition: op=%s status=%s event=%s at=%s",
		op.ID, op.Status, ev.Kind, now.UTC().Format(time.RFC3339)))
}
