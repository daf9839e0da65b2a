// SPDX-License-Identifier: MIT

package model

// OpType names the user (or admin) intent a job executes. Wire values are
// frozen: the dashboard enqueues them and reporting keys on them.
type OpType string

const (
	OpStartRenewal        OpType = "START_RENEWAL"
	OpCompletePurchase    OpType = "COMPLETE_PURCHASE"
	OpConfirmPurchase     OpType = "CONFIRM_PURCHASE"
	OpCancelConfirm       OpType = "CANCEL_CONFIRM"
	OpSignalCheck         OpType = "SIGNAL_CHECK"
	OpSignalActivate      OpType = "SIGNAL_ACTIVATE"
	OpSignalRefresh       OpType = "SIGNAL_REFRESH"
	OpStartInstallment    OpType = "START_INSTALLMENT"
	OpConfirmInstallment  OpType = "CONFIRM_INSTALLMENT"
	OpCheckAccountBalance OpType = "CHECK_ACCOUNT_BALANCE"
)

// Valid reports whether t is one of the known operation types.
func (t OpType) Valid() bool {
	switch t {
	case OpStartRenewal, OpCompletePurchase, OpConfirmPurchase, OpCancelConfirm,
		OpSignalCheck, OpSignalActivate, OpSignalRefresh,
		OpStartInstallment, OpConfirmInstallment, OpCheckAccountBalance:
		return true
	}
	return false
}

// Status is the client-visible lifecycle of an operation. It only moves
// toward a terminal state; the lifecycle package owns every transition.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusProcessing           Status = "PROCESSING"
	StatusAwaitingCaptcha      Status = "AWAITING_CAPTCHA"
	StatusAwaitingPackage      Status = "AWAITING_PACKAGE"
	StatusCompleting           Status = "COMPLETING"
	StatusAwaitingFinalConfirm Status = "AWAITING_FINAL_CONFIRM"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
)

// IsTerminal returns true if the status is a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsAwaitingUser reports whether the operation is paused for human input.
func (s Status) IsAwaitingUser() bool {
	switch s {
	case StatusAwaitingCaptcha, StatusAwaitingPackage, StatusAwaitingFinalConfirm:
		return true
	}
	return false
}

// ReasonCode is a compact, typed failure/decision signal.
// Keep these stable: metrics + dashboard UX depend on them.
type ReasonCode string

const (
	// RNone is the zero value: the operation has not (yet) recorded a
	// reason. Kept empty so omitempty elides it on the wire.
	RNone               ReasonCode = ""
	RUnknown            ReasonCode = "R_UNKNOWN"
	RCancelled          ReasonCode = "R_CANCELLED"
	RNoAccounts         ReasonCode = "R_NO_ACCOUNTS"
	RQueueTimeout       ReasonCode = "R_QUEUE_TIMEOUT"
	RDealerBalance      ReasonCode = "R_DEALER_BALANCE"
	RSessionExpired     ReasonCode = "R_SESSION_EXPIRED"
	RCaptchaRequired    ReasonCode = "R_CAPTCHA_REQUIRED"
	RCaptchaTimeout     ReasonCode = "R_CAPTCHA_TIMEOUT"
	RLoginFailed        ReasonCode = "R_LOGIN_FAILED"
	RUpstreamTransient  ReasonCode = "R_UPSTREAM_TRANSIENT"
	RConfirmTimeout     ReasonCode = "R_CONFIRM_TIMEOUT"
	RLeaseLost          ReasonCode = "R_LEASE_LOST"
	RHeartbeatExpired   ReasonCode = "R_HEARTBEAT_EXPIRED"
	RDuplicateDelivery  ReasonCode = "R_DUPLICATE_DELIVERY"
	RInvariantViolation ReasonCode = "R_INVARIANT_VIOLATION"
)

// TxnKind labels ledger entries. Append-only; the worker writes REFUND and
// OPERATION_DEDUCT, everything else belongs to the dashboard tier.
type TxnKind string

const (
	TxnDeposit         TxnKind = "DEPOSIT"
	TxnWithdraw        TxnKind = "WITHDRAW"
	TxnRefund          TxnKind = "REFUND"
	TxnOperationDeduct TxnKind = "OPERATION_DEDUCT"
	TxnCorrection      TxnKind = "CORRECTION"
)

// SmartcardType selects the package catalogue variant on the portal.
type SmartcardType string

const (
	SmartcardCisco  SmartcardType = "CISCO"
	SmartcardIrdeto SmartcardType = "IRDETO"
)

// ParseSmartcardType maps free-form input onto a known type, defaulting to
// CISCO, which covers the overwhelming majority of the installed base.
func ParseSmartcardType(raw string) SmartcardType {
	switch SmartcardType(raw) {
	case SmartcardIrdeto:
		return SmartcardIrdeto
	default:
		return SmartcardCisco
	}
}

// FailKind classifies account failures for cooldown sizing.
type FailKind string

const (
	FailBalance FailKind = "INSUFFICIENT_BALANCE"
	FailLogin   FailKind = "LOGIN_FAILED"
	FailCaptcha FailKind = "CAPTCHA_BLOCKED"
	FailOther   FailKind = "OTHER"
)
