// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"errors"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// EventKind enumerates everything that can happen to an operation. The
// transition table is keyed on (status, event); handlers never write a
// status directly.
type EventKind int

const (
	// EvJobStarted fires when a worker picks the operation up from the
	// broker and begins executing its handler.
	EvJobStarted EventKind = iota
	// EvCaptchaRequired pauses the operation until a human (or the
	// solver) provides a CAPTCHA solution.
	EvCaptchaRequired
	// EvCaptchaSolved resumes a paused operation once a solution has
	// been attached.
	EvCaptchaSolved
	// EvPackagesLoaded parks a renewal after the package catalogue has
	// been fetched and the user must choose one.
	EvPackagesLoaded
	// EvPackageSelected resumes a parked renewal with the chosen
	// package attached.
	EvPackageSelected
	// EvPurchasePaused parks a purchase (or installment) on the final
	// confirmation page awaiting the user's explicit go-ahead.
	EvPurchasePaused
	// EvConfirmStarted marks the irreversible confirm step as running.
	EvConfirmStarted
	// EvCompleted finishes the operation successfully.
	EvCompleted
	// EvFailed finishes the operation with an error. The reason on the
	// event refines the generic table default.
	EvFailed
	// EvCancelled finishes the operation on user request.
	EvCancelled
	// EvSweepExpired is raised by the janitor when the owning worker's
	// heartbeat lapsed and the operation must be force-failed.
	EvSweepExpired
)

func (k EventKind) String() string {
	switch k {
	case EvJobStarted:
		return "job-started"
	case EvCaptchaRequired:
		return "captcha-required"
	case EvCaptchaSolved:
		return "captcha-solved"
	case EvPackagesLoaded:
		return "packages-loaded"
	case EvPackageSelected:
		return "package-selected"
	case EvPurchasePaused:
		return "purchase-paused"
	case EvConfirmStarted:
		return "confirm-started"
	case EvCompleted:
		return "completed"
	case EvFailed:
		return "failed"
	case EvCancelled:
		return "cancelled"
	case EvSweepExpired:
		return "sweep-expired"
	default:
		return "unknown"
	}
}

// Event pairs a kind with an optional reason override. A zero Reason
// keeps whatever default the transition table carries.
type Event struct {
	Kind   EventKind
	Reason model.ReasonCode
}

// EventFromCause maps a handler outcome to the event that terminalizes
// the operation. Callers with a more specific reason should build the
// Event themselves; this covers the context-plumbing cases.
func EventFromCause(cause error) Event {
	switch {
	case cause == nil:
		return Event{Kind: EvCompleted}
	case errors.Is(cause, context.Canceled):
		return Event{Kind: EvCancelled, Reason: model.RCancelled}
	case errors.Is(cause, context.DeadlineExceeded):
		return Event{Kind: EvFailed, Reason: model.RUpstreamTransient}
	default:
		return Event{Kind: EvFailed, Reason: model.RUnknown}
	}
}
