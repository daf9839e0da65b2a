// SPDX-License-Identifier: MIT

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotKind discriminates the ResponseData variant. Exactly one payload
// field is set for a given kind.
type SnapshotKind string

const (
	SnapshotNone                 SnapshotKind = ""
	SnapshotAwaitingPackage      SnapshotKind = "awaiting_package"
	SnapshotAwaitingFinalConfirm SnapshotKind = "awaiting_final_confirm"
	SnapshotSignalCheck          SnapshotKind = "signal_check"
	SnapshotInstallment          SnapshotKind = "installment"
	SnapshotBalanceCheck         SnapshotKind = "balance_check"
)

// AwaitingPackageSnapshot carries everything COMPLETE_PURCHASE needs to
// resume on the same account without a fresh login.
type AwaitingPackageSnapshot struct {
	Session       Session         `json:"session"`
	DealerBalance decimal.Decimal `json:"dealerBalance"`
	SavedAtUnix   int64           `json:"savedAtUnix"`
	SmartcardType SmartcardType   `json:"smartcardType"`
}

// AwaitingFinalConfirmSnapshot carries the paused purchase form state for
// CONFIRM_PURCHASE / CANCEL_CONFIRM.
type AwaitingFinalConfirmSnapshot struct {
	Session       Session         `json:"session"`
	DealerBalance decimal.Decimal `json:"dealerBalance"`
	SavedAtUnix   int64           `json:"savedAtUnix"`
}

// SignalCheckSnapshot records a completed signal check that may still be
// followed by an activate.
type SignalCheckSnapshot struct {
	CardStatus       string   `json:"cardStatus"`
	Contracts        []string `json:"contracts,omitempty"`
	Session          Session  `json:"session"`
	CheckedAtUnix    int64    `json:"checkedAtUnix"`
	AwaitingActivate bool     `json:"awaitingActivate"`
}

// InstallmentSnapshot carries the loaded installment for
// CONFIRM_INSTALLMENT. IsInstallment steers the confirm dispatch.
type InstallmentSnapshot struct {
	Installment   *Installment    `json:"installment,omitempty"`
	Subscriber    string          `json:"subscriber,omitempty"`
	DealerBalance decimal.Decimal `json:"dealerBalance"`
	Session       Session         `json:"session"`
	SavedAtUnix   int64           `json:"savedAtUnix"`
	IsInstallment bool            `json:"isInstallment"`
}

// BalanceCheckSnapshot records the dealer balance observed by an on-demand
// balance probe. No session travels with it.
type BalanceCheckSnapshot struct {
	AccountID     string          `json:"accountId"`
	Balance       decimal.Decimal `json:"balance"`
	CheckedAtUnix int64           `json:"checkedAtUnix"`
}

// ResponseData is the tagged stage snapshot persisted on the operation row.
// It replaces the dynamic blob the dashboard used to read: the kind is
// explicit and each stage has its own typed payload.
type ResponseData struct {
	Kind SnapshotKind `json:"kind"`

	AwaitingPackage      *AwaitingPackageSnapshot      `json:"awaitingPackage,omitempty"`
	AwaitingFinalConfirm *AwaitingFinalConfirmSnapshot `json:"awaitingFinalConfirm,omitempty"`
	SignalCheck          *SignalCheckSnapshot          `json:"signalCheck,omitempty"`
	Installment          *InstallmentSnapshot          `json:"installment,omitempty"`
	BalanceCheck         *BalanceCheckSnapshot         `json:"balanceCheck,omitempty"`
}

// SnapshotSession returns the session stored in whichever variant is set.
func (r *ResponseData) SnapshotSession() (Session, bool) {
	if r == nil {
		return Session{}, false
	}
	switch r.Kind {
	case SnapshotAwaitingPackage:
		if r.AwaitingPackage != nil {
			return r.AwaitingPackage.Session, true
		}
	case SnapshotAwaitingFinalConfirm:
		if r.AwaitingFinalConfirm != nil {
			return r.AwaitingFinalConfirm.Session, true
		}
	case SnapshotSignalCheck:
		if r.SignalCheck != nil {
			return r.SignalCheck.Session, true
		}
	case SnapshotInstallment:
		if r.Installment != nil {
			return r.Installment.Session, true
		}
	}
	return Session{}, false
}

// SavedAt returns when the variant was captured, for staleness checks.
func (r *ResponseData) SavedAt() time.Time {
	if r == nil {
		return time.Time{}
	}
	var unix int64
	switch r.Kind {
	case SnapshotAwaitingPackage:
		if r.AwaitingPackage != nil {
			unix = r.AwaitingPackage.SavedAtUnix
		}
	case SnapshotAwaitingFinalConfirm:
		if r.AwaitingFinalConfirm != nil {
			unix = r.AwaitingFinalConfirm.SavedAtUnix
		}
	case SnapshotSignalCheck:
		if r.SignalCheck != nil {
			unix = r.SignalCheck.CheckedAtUnix
		}
	case SnapshotInstallment:
		if r.Installment != nil {
			unix = r.Installment.SavedAtUnix
		}
	case SnapshotBalanceCheck:
		if r.BalanceCheck != nil {
			unix = r.BalanceCheck.CheckedAtUnix
		}
	}
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// OlderThan reports whether the snapshot was captured more than maxAge ago.
// A missing snapshot counts as stale.
func (r *ResponseData) OlderThan(now time.Time, maxAge time.Duration) bool {
	saved := r.SavedAt()
	if saved.IsZero() {
		return true
	}
	return now.Sub(saved) > maxAge
}
