// SPDX-License-Identifier: MIT

package lifecycle

import "errors"

var (
	// ErrIllegalTransition is returned when an event has no edge from
	// the operation's current status. The operation has been
	// force-failed as a side effect.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrTerminalState is returned when an event targets an operation
	// that already finished. The record is left exactly as it was.
	ErrTerminalState = errors.New("operation already terminal")
)
