// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldOperationID   = "operation_id"
	FieldAccountID     = "account_id"
	FieldWorkerID      = "worker_id"
	FieldCorrelationID = "correlation_id"
	FieldUserID        = "user_id"
	FieldCardNumber    = "card_number"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOpType    = "op_type"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldReason    = "reason"

	// Timing fields
	FieldWaitedMS  = "waited_ms"
	FieldElapsedMS = "elapsed_ms"
)
