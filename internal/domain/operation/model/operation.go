// SPDX-License-Identifier: MIT

// Package model holds the persisted domain records: operations, dealer
// accounts, ledger transactions and the session snapshots that travel
// between job stages.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Package is a purchasable subscription offering for a card.
type Package struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Installment is a pending monthly payment the portal presents for a card.
type Installment struct {
	Amount      decimal.Decimal `json:"amount"`
	DueDate     string          `json:"dueDate,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Operation is the store source of truth for one unit of user work. Only the
// lifecycle package may move Status; handlers mutate the rest through the
// store's transactional update.
type Operation struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Type       OpType `json:"type"`
	Status     Status `json:"status"`
	CardNumber string `json:"cardNumber"`
	// AccountID is the currently (or last) leased dealer account. Purchase
	// fail-over rewrites it per attempt.
	AccountID string `json:"accountId,omitempty"`

	Amount            decimal.Decimal `json:"amount"`
	SelectedPackage   *Package        `json:"selectedPackage,omitempty"`
	PromoCode         string          `json:"promoCode,omitempty"`
	SmartcardType     SmartcardType   `json:"smartcardType,omitempty"`
	STBNumber         string          `json:"stbNumber,omitempty"`
	AvailablePackages []Package       `json:"availablePackages,omitempty"`

	CaptchaImage    string `json:"captchaImage,omitempty"` // base64 image from the portal
	CaptchaSolution string `json:"captchaSolution,omitempty"`

	ResponseData    *ResponseData `json:"responseData,omitempty"`
	ResponseMessage string        `json:"responseMessage,omitempty"`
	Reason          ReasonCode    `json:"reason,omitempty"`

	HeartbeatAtUnix        int64 `json:"heartbeatAtUnix,omitempty"`
	HeartbeatExpiryUnix    int64 `json:"heartbeatExpiryUnix,omitempty"`
	FinalConfirmExpiryUnix int64 `json:"finalConfirmExpiryUnix,omitempty"`
	CompletedAtUnix        int64 `json:"completedAtUnix,omitempty"`
	CreatedAtUnix          int64 `json:"createdAtUnix"`
	UpdatedAtUnix          int64 `json:"updatedAtUnix"`
}

// ConfirmExpired reports whether the final-confirm window has passed.
// The boundary itself is still inside the window: a confirmation arriving at
// exactly the deadline is rejected, per the documented window semantics.
func (o *Operation) ConfirmExpired(now time.Time) bool {
	return o.FinalConfirmExpiryUnix != 0 && now.Unix() >= o.FinalConfirmExpiryUnix
}

// HeartbeatExpired reports whether the owning worker stopped stamping the
// operation. The janitor uses it to spot orphans, and redelivered confirms
// use it to decide whether a COMPLETING row may be taken over.
func (o *Operation) HeartbeatExpired(now time.Time) bool {
	return o.HeartbeatExpiryUnix != 0 && now.Unix() > o.HeartbeatExpiryUnix
}

// Transaction is one append-only ledger entry for a user balance.
type Transaction struct {
	ID            int64           `json:"id"`
	OperationID   string          `json:"operationId"`
	UserID        string          `json:"userId"`
	Kind          TxnKind         `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAtUnix int64           `json:"createdAtUnix"`
}
