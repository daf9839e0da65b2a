// SPDX-License-Identifier: MIT

package worker

import (
	"errors"
	"fmt"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/upstream"
)

var (
	// ErrOperationCancelled aborts a handler because the user cancelled
	// the operation. It is a normal early return: no refund, no failure
	// transition, the delivery is acked.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrNoAvailableAccounts means the account queue timed out or the
	// pool is exhausted for this operation's requirements.
	ErrNoAvailableAccounts = errors.New("no dealer account available")

	// ErrConfirmationTimeout means the user confirmed after the window
	// closed. The staged purchase is abandoned and the user refunded.
	ErrConfirmationTimeout = errors.New("confirmation window expired")

	// ErrCaptchaTimeout means no CAPTCHA solution arrived within the
	// manual-entry deadline.
	ErrCaptchaTimeout = errors.New("captcha solution timed out")

	// ErrLeaseLost means the account lease lapsed under a live handler.
	// The work cannot be trusted to finish; the operation fails with a
	// refund.
	ErrLeaseLost = errors.New("account lease lost")

	// ErrBadOperationState marks an operation whose persisted state
	// cannot support the requested job: a missing or stale snapshot, a
	// confirm without a staged purchase. These fail with a refund.
	ErrBadOperationState = errors.New("operation state invalid for this job")

	// errDuplicateDelivery is the internal no-op guard: the operation
	// already progressed past (or through) what this delivery would do.
	errDuplicateDelivery = errors.New("duplicate delivery")

	// ErrQueueTimeout is the no-accounts flavour raised when the fair
	// queue wait expired. It matches ErrNoAvailableAccounts in
	// errors.Is checks but records a more precise reason.
	ErrQueueTimeout = fmt.Errorf("%w: account queue wait expired", ErrNoAvailableAccounts)

	// errUnknownOperation means no row exists for the job's operation
	// ID. Retrying cannot help; the delivery is acked and logged.
	errUnknownOperation = errors.New("unknown operation")
)

// reasonFor maps a handler failure onto the persisted reason code.
func reasonFor(err error) model.ReasonCode {
	switch {
	case errors.Is(err, ErrNoAvailableAccounts) && errors.Is(err, upstream.ErrInsufficientBalance):
		// Fail-over ran out of accounts because none could cover the
		// price; the balance is the story, not the pool.
		return model.RDealerBalance
	case errors.Is(err, ErrQueueTimeout):
		return model.RQueueTimeout
	case errors.Is(err, ErrNoAvailableAccounts):
		return model.RNoAccounts
	case errors.Is(err, ErrConfirmationTimeout):
		return model.RConfirmTimeout
	case errors.Is(err, ErrCaptchaTimeout):
		return model.RCaptchaTimeout
	case errors.Is(err, ErrLeaseLost):
		return model.RLeaseLost
	case errors.Is(err, ErrBadOperationState):
		return model.RInvariantViolation
	case errors.Is(err, upstream.ErrInsufficientBalance):
		return model.RDealerBalance
	case errors.Is(err, upstream.ErrCaptchaRequired):
		return model.RCaptchaRequired
	case errors.Is(err, upstream.ErrLoginFailed):
		return model.RLoginFailed
	case errors.Is(err, upstream.ErrSessionExpired):
		return model.RSessionExpired
	case errors.Is(err, upstream.ErrTransient):
		return model.RUpstreamTransient
	default:
		return model.RUnknown
	}
}
