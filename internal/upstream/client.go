// SPDX-License-Identifier: MIT

// Package upstream defines the contract against the dealer portal.
// The portal is a stateful WebForms application: every client instance
// carries the cookie jar and view-state for exactly one dealer
// account, and most calls only make sense in the page order the portal
// itself enforces (load packages, complete purchase, confirm).
//
// The concrete implementation is injected through Factory; everything
// in the worker is written against this interface.
package upstream

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// Credentials identifies one dealer account on the portal.
type Credentials struct {
	Username string
	Password string
	// TOTPSeed is the shared secret for accounts with 2FA enabled;
	// empty for the rest.
	TOTPSeed string
}

// LoginResult reports the outcome of the first login phase.
type LoginResult struct {
	Success bool
	// RequiresCaptcha means the portal rendered a CAPTCHA and the
	// caller must finish with SubmitLogin.
	RequiresCaptcha bool
	// CaptchaImage is the base64-encoded challenge image when
	// RequiresCaptcha is set.
	CaptchaImage string
	Message      string
}

// CardInfo is the check-card answer: the receiver (STB) paired with a
// smartcard.
type CardInfo struct {
	CardNumber string
	STBNumber  string
}

// PackagesResult is the load-packages answer. The portal renders the
// dealer's balance on the same page, so it rides along when present.
//
// Failure can be structured: Success=false with Err carrying the
// portal's message (which may be a session-expiry text) instead of a
// Go error. Callers route both shapes through the session-retry
// wrapper.
type PackagesResult struct {
	Success       bool
	Packages      []model.Package
	STBNumber     string
	DealerBalance decimal.Decimal
	BalanceKnown  bool
	Err           string
}

// PurchaseRequest drives complete-purchase up to, but not including,
// the final Ok button.
type PurchaseRequest struct {
	Package   model.Package
	PromoCode string
	STBNumber string
	// SkipFinalClick stops before the portal's final Ok so the user
	// can approve the charge. The worker always sets it.
	SkipFinalClick bool
}

// PurchasePreview is the paused purchase: the form is filled, the
// session holds the view-state, and ConfirmPurchase or CancelPurchase
// must follow on the same client.
type PurchasePreview struct {
	AwaitingConfirm bool
	Message         string
}

type PurchaseResult struct {
	Success bool
	Message string
}

// SignalStatus is the check-card-for-signal answer.
type SignalStatus struct {
	CardStatus string
	Contracts  []string
	Message    string
}

type SignalResult struct {
	Success bool
	Message string
}

// InstallmentInfo is the load-installment answer. Found=false is a
// normal outcome: the subscriber simply has nothing due.
type InstallmentInfo struct {
	Found         bool
	Installment   *model.Installment
	Subscriber    string
	DealerBalance decimal.Decimal
	BalanceKnown  bool
}

type InstallmentResult struct {
	Success bool
	Message string
}

// Client is a session-bearing portal client for one dealer account.
// Implementations are not required to be safe for general concurrent
// use; the account pool's lease protocol guarantees a single active
// user. Documented exceptions: CheckCard and LoadPackages target
// independent portal pages and must tolerate overlapping with each
// other, because renewals run them in parallel; FetchDealerBalance is
// a read on its own page and must tolerate running beside a
// lease-holder, because balance probes bypass the lease.
type Client interface {
	// Login runs the first phase. When the result carries
	// RequiresCaptcha the login is incomplete until SubmitLogin.
	Login(ctx context.Context) (*LoginResult, error)
	// SubmitLogin completes a two-phase login with the CAPTCHA
	// solution.
	SubmitLogin(ctx context.Context, captchaSolution string) (*LoginResult, error)
	// ValidateSession fetches a cheap page and reports whether the
	// portal kept the session (true) or bounced to login (false).
	ValidateSession(ctx context.Context) (bool, error)

	// CheckCard resolves the receiver number for a card. Failures are
	// non-fatal for renewals; packages work without an STB.
	CheckCard(ctx context.Context, cardNumber string) (*CardInfo, error)
	// LoadPackages lists the renewal packages for a card. May return a
	// structured session-expired failure in PackagesResult.Err rather
	// than a Go error.
	LoadPackages(ctx context.Context, cardNumber string, smartcard model.SmartcardType) (*PackagesResult, error)

	// CompletePurchase fills the purchase form and stops before the
	// final Ok. The paused view-state lives in the session until
	// ConfirmPurchase or CancelPurchase.
	CompletePurchase(ctx context.Context, req PurchaseRequest) (*PurchasePreview, error)
	ConfirmPurchase(ctx context.Context) (*PurchaseResult, error)
	CancelPurchase(ctx context.Context) error

	// Signal flow. ActivateSignal is the single-shot check+activate;
	// the split pair exists for the two-operation flow where a user
	// confirms between check and activate.
	CheckCardForSignal(ctx context.Context, cardNumber string) (*SignalStatus, error)
	ActivateSignalOnly(ctx context.Context, cardNumber string) (*SignalResult, error)
	ActivateSignal(ctx context.Context, cardNumber string) (*SignalResult, error)

	LoadInstallment(ctx context.Context, cardNumber string) (*InstallmentInfo, error)
	// PayInstallment pays the installment loaded by the immediately
	// preceding LoadInstallment on this client.
	PayInstallment(ctx context.Context) (*InstallmentResult, error)

	// FetchDealerBalance scrapes the dealer's balance. probeCard must
	// be a card the account has served before; the balance only
	// renders on card-scoped pages.
	FetchDealerBalance(ctx context.Context, probeCard string) (decimal.Decimal, error)

	// ExportSession serializes the bearer state (cookies, view-state,
	// expiry) for the shared session cache.
	ExportSession() (*model.Session, error)
	// ImportSession restores bearer state exported earlier, possibly
	// by a different worker.
	ImportSession(s *model.Session) error
	// IsSessionActive is a local check against the known expiry; it
	// does not touch the network.
	IsSessionActive() bool
	// InvalidateSession drops local bearer state without logging out.
	InvalidateSession()
	// SessionTimeout is the portal's configured idle cutoff.
	SessionTimeout() time.Duration

	Close() error
}

// Factory builds a Client for an account. proxy may be nil when the
// account has no proxy assigned.
type Factory func(account *model.Account, proxy *model.Proxy) (Client, error)
