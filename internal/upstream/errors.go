// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/normalize"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrSessionExpired  = errors.New("upstream: session expired")
	ErrCaptchaRequired = errors.New("upstream: login requires captcha")
	ErrLoginFailed     = errors.New("upstream: login failed")
	ErrTransient       = errors.New("upstream: transport failure")

	// ErrInsufficientBalance is raised before a purchase when the
	// dealer's balance cannot cover the package price.
	ErrInsufficientBalance = errors.New("upstream: insufficient dealer balance")
)

// PortalError wraps a sentinel with call context.
type PortalError struct {
	Sentinel  error
	Operation string
	Message   string
	Err       error
}

func (e *PortalError) Error() string {
	msg := fmt.Sprintf("portal: %s: %v", e.Operation, e.Sentinel)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PortalError) Unwrap() error {
	return e.Sentinel
}

// BalanceError reports a dealer-balance shortfall with the amounts, so
// the fail-over loop can ask the pool for an account that can afford
// the package and the admin notification can name the gap.
type BalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("portal: dealer balance %s below required %s", e.Available, e.Required)
}

func (e *BalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// The portal signals an expired session either with these phrases in
// an error message or by silently serving the login page, which
// concrete clients translate into the same phrases. Matching is on
// normalized tokens, so casing and stray invisible characters in the
// scraped text do not matter.
var sessionExpiredPatterns = []string{
	"session expired",
	"login page",
}

// MessageIndicatesSessionExpiry matches the portal's session-expiry
// texts. Used for both thrown errors and structured failures such as
// PackagesResult.Err.
func MessageIndicatesSessionExpiry(msg string) bool {
	m := normalize.Token(msg)
	for _, p := range sessionExpiredPatterns {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// IsSessionExpired reports whether err means the portal session is
// gone, either via the sentinel or via a message match.
func IsSessionExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	return MessageIndicatesSessionExpiry(err.Error())
}

// IsRecoverable classifies errors the purchase fail-over loop may
// retry on another account: session loss, login trouble, balance
// shortfalls and transport flakiness. Anything else is a hard stop.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if IsSessionExpired(err) {
		return true
	}
	if errors.Is(err, ErrCaptchaRequired) ||
		errors.Is(err, ErrLoginFailed) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
