// SPDX-License-Identifier: MIT

package lifecycle

import (
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// NewOperation builds a fresh PENDING operation. Every operation in
// the system starts here so the initial status and timestamps cannot
// drift between enqueue paths.
func NewOperation(id, userID string, typ model.OpType, cardNumber string, now time.Time) *model.Operation {
	return &model.Operation{
		ID:            id,
		UserID:        userID,
		Type:          typ,
		Status:        model.StatusPending,
		CardNumber:    cardNumber,
		SmartcardType: model.SmartcardCisco,
		CreatedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
}
