// SPDX-License-Identifier: MIT

// Package broker moves operation jobs from the API that accepts them
// to the workers that run them. Delivery is at-least-once: a job that
// was handed out but never acknowledged comes back later, so handlers
// must tolerate seeing the same operation more than once.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// ErrClosed is returned by Publish once the broker has shut down.
var ErrClosed = errors.New("broker: closed")

// Job is the unit of work handed to a worker. OperationID doubles as
// the idempotency key: a redelivery carries the same ID.
type Job struct {
	OperationID   string              `json:"operation_id"`
	Type          model.OpType        `json:"type"`
	CardNumber    string              `json:"card_number,omitempty"`
	UserID        string              `json:"user_id,omitempty"`
	AccountID     string              `json:"account_id,omitempty"`
	Duration      int                 `json:"duration,omitempty"`
	PromoCode     string              `json:"promo_code,omitempty"`
	Amount        decimal.Decimal     `json:"amount"`
	SmartcardType model.SmartcardType `json:"smartcard_type,omitempty"`
}

// Delivery is one attempt at running a job. Attempt starts at 1 and
// counts every time the broker hands the job to a handler.
type Delivery struct {
	ID      string
	Job     Job
	Attempt int64
}

// Handler runs one delivery. A nil return acknowledges the job; an
// error leaves it with the broker for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Broker is the job transport abstraction.
type Broker interface {
	Publish(ctx context.Context, job Job) error
	// Consume blocks, feeding deliveries to h until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
	Close() error
}
