// SPDX-License-Identifier: MIT

package lifecycle

import (
	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// Transition is one legal edge of the operation state machine. Reason
// is the default recorded on the operation when the edge fires; an
// Event may override it.
type Transition struct {
	From   model.Status
	To     model.Status
	Event  EventKind
	Reason model.ReasonCode
}

// transitionsTable is the single source of truth for status changes.
// Anything not listed here is rejected by Dispatch. Terminal statuses
// deliberately have no outgoing edges.
var transitionsTable = []Transition{
	// Pickup and resume.
	{From: model.StatusPending, To: model.StatusProcessing, Event: EvJobStarted},
	{From: model.StatusAwaitingCaptcha, To: model.StatusProcessing, Event: EvCaptchaSolved},
	{From: model.StatusAwaitingPackage, To: model.StatusProcessing, Event: EvPackageSelected},

	// Pauses awaiting user input.
	{From: model.StatusProcessing, To: model.StatusAwaitingCaptcha, Event: EvCaptchaRequired, Reason: model.RCaptchaRequired},
	{From: model.StatusProcessing, To: model.StatusAwaitingPackage, Event: EvPackagesLoaded},
	{From: model.StatusProcessing, To: model.StatusAwaitingFinalConfirm, Event: EvPurchasePaused},

	// Final confirmation.
	{From: model.StatusAwaitingFinalConfirm, To: model.StatusCompleting, Event: EvConfirmStarted},

	// Success.
	{From: model.StatusProcessing, To: model.StatusCompleted, Event: EvCompleted},
	{From: model.StatusCompleting, To: model.StatusCompleted, Event: EvCompleted},

	// Failure from any non-terminal status.
	{From: model.StatusPending, To: model.StatusFailed, Event: EvFailed, Reason: model.RUnknown},
	{From: model.StatusProcessing, To: model.StatusFailed, Event: EvFailed, Reason: model.RUnknown},
	{From: model.StatusAwaitingCaptcha, To: model.StatusFailed, Event: EvFailed, Reason: model.RUnknown},
	{From: model.StatusAwaitingPackage, To: model.StatusFailed, Event: EvFailed, Reason: model.RUnknown},
	{From: model.StatusAwaitingFinalConfirm, To: model.StatusFailed, Event: EvFailed, Reason: model.RUnknown},
	{From: model.StatusCompleting, To: model.StatusFailed, Event: EvFailed, Reason: model.RUnknown},

	// Cancellation from any non-terminal status.
	{From: model.StatusPending, To: model.StatusCancelled, Event: EvCancelled, Reason: model.RCancelled},
	{From: model.StatusProcessing, To: model.StatusCancelled, Event: EvCancelled, Reason: model.RCancelled},
	{From: model.StatusAwaitingCaptcha, To: model.StatusCancelled, Event: EvCancelled, Reason: model.RCancelled},
	{From: model.StatusAwaitingPackage, To: model.StatusCancelled, Event: EvCancelled, Reason: model.RCancelled},
	{From: model.StatusAwaitingFinalConfirm, To: model.StatusCancelled, Event: EvCancelled, Reason: model.RCancelled},
	{From: model.StatusCompleting, To: model.StatusCancelled, Event: EvCancelled, Reason: model.RCancelled},

	// Janitor: heartbeat lapsed, owning worker presumed dead. PENDING
	// operations carry no heartbeat and are excluded.
	{From: model.StatusProcessing, To: model.StatusFailed, Event: EvSweepExpired, Reason: model.RHeartbeatExpired},
	{From: model.StatusAwaitingCaptcha, To: model.StatusFailed, Event: EvSweepExpired, Reason: model.RHeartbeatExpired},
	{From: model.StatusAwaitingPackage, To: model.StatusFailed, Event: EvSweepExpired, Reason: model.RHeartbeatExpired},
	{From: model.StatusAwaitingFinalConfirm, To: model.StatusFailed, Event: EvSweepExpired, Reason: model.RHeartbeatExpired},
	{From: model.StatusCompleting, To: model.StatusFailed, Event: EvSweepExpired, Reason: model.RHeartbeatExpired},
}

// TransitionFor looks up the edge for (from, event).
func TransitionFor(from model.Status, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// Decision reports whether an edge exists and, when it does not, why.
type Decision struct {
	Allowed bool
	Reason  string
}

// DecisionFor answers "may event ev fire in status from" without
// touching any record. Derived from transitionsTable so the two can
// never drift apart.
func DecisionFor(from model.Status, ev EventKind) Decision {
	if _, ok := TransitionFor(from, ev); ok {
		return Decision{Allowed: true}
	}
	if from.IsTerminal() {
		return Decision{Allowed: false, Reason: "terminal status is absorbing"}
	}
	return Decision{Allowed: false, Reason: "no transition defined"}
}
