// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

var allStatuses = []model.Status{
	model.StatusPending,
	model.StatusProcessing,
	model.StatusAwaitingCaptcha,
	model.StatusAwaitingPackage,
	model.StatusCompleting,
	model.StatusAwaitingFinalConfirm,
	model.StatusCompleted,
	model.StatusFailed,
	model.StatusCancelled,
}

var allEvents = []EventKind{
	EvJobStarted,
	EvCaptchaRequired,
	EvCaptchaSolved,
	EvPackagesLoaded,
	EvPackageSelected,
	EvPurchasePaused,
	EvConfirmStarted,
	EvCompleted,
	EvFailed,
	EvCancelled,
	EvSweepExpired,
}

func TestTransitionTable_Coverage(t *testing.T) {
	allowed := map[model.Status]map[EventKind]struct{}{}
	for _, tr := range transitionsTable {
		if tr.From.IsTerminal() {
			t.Fatalf("terminal status must not have outgoing edges: %s", tr.From)
		}
		if tr.Reason == "" && tr.To.IsTerminal() && tr.To != model.StatusCompleted {
			t.Fatalf("edge to %s needs a default reason: %s + %v", tr.To, tr.From, tr.Event)
		}
		if _, ok := allowed[tr.From]; !ok {
			allowed[tr.From] = map[EventKind]struct{}{}
		}
		if _, exists := allowed[tr.From][tr.Event]; exists {
			t.Fatalf("duplicate transition: %s + %v", tr.From, tr.Event)
		}
		allowed[tr.From][tr.Event] = struct{}{}
	}

	for _, status := range allStatuses {
		for _, ev := range allEvents {
			decision := DecisionFor(status, ev)
			if _, ok := allowed[status][ev]; ok {
				require.True(t, decision.Allowed, "allowed edge must be marked allowed for %s + %v", status, ev)
				continue
			}
			require.False(t, decision.Allowed, "missing edge must be marked forbidden for %s + %v", status, ev)
			require.NotEmpty(t, decision.Reason, "forbidden decision must carry a reason for %s + %v", status, ev)
		}
	}
}

func TestDispatch_RenewalWalk(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	op := NewOperation("op-1", "user-1", model.OpStartRenewal, "1234567890", now)

	steps := []struct {
		ev   Event
		want model.Status
	}{
		{Event{Kind: EvJobStarted}, model.StatusProcessing},
		{Event{Kind: EvPackagesLoaded}, model.StatusAwaitingPackage},
		{Event{Kind: EvPackageSelected}, model.StatusProcessing},
		{Event{Kind: EvPurchasePaused}, model.StatusAwaitingFinalConfirm},
		{Event{Kind: EvConfirmStarted}, model.StatusCompleting},
		{Event{Kind: EvCompleted}, model.StatusCompleted},
	}
	for _, step := range steps {
		now = now.Add(time.Second)
		tr, err := Dispatch(op, step.ev, now)
		require.NoError(t, err, "event %v", step.ev.Kind)
		require.Equal(t, step.want, op.Status)
		require.Equal(t, step.want, tr.To)
		require.Equal(t, now.Unix(), op.UpdatedAtUnix)
	}
	require.Equal(t, now.Unix(), op.CompletedAtUnix)
}

func TestDispatch_TerminalIsImmutable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	for _, status := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		for _, ev := range allEvents {
			op := NewOperation("op-1", "user-1", model.OpSignalRefresh, "1234567890", now)
			op.Status = status
			op.Reason = model.RDealerBalance
			before := *op

			_, err := Dispatch(op, Event{Kind: ev}, now.Add(time.Minute))
			require.ErrorIs(t, err, ErrTerminalState, "%s + %v", status, ev)
			require.Equal(t, before, *op, "terminal record must not change: %s + %v", status, ev)
		}
	}
}

func TestDispatch_IllegalEventForcesFailed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	op := NewOperation("op-1", "user-1", model.OpStartRenewal, "1234567890", now)

	tr, err := Dispatch(op, Event{Kind: EvConfirmStarted}, now.Add(time.Second))
	require.ErrorIs(t, err, ErrIllegalTransition)
	require.Equal(t, model.StatusFailed, op.Status)
	require.Equal(t, model.RInvariantViolation, op.Reason)
	require.Equal(t, model.StatusFailed, tr.To)
}

func TestDispatch_EventReasonOverridesDefault(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	op := NewOperation("op-1", "user-1", model.OpCompletePurchase, "1234567890", now)
	op.Status = model.StatusProcessing

	_, err := Dispatch(op, Event{Kind: EvFailed, Reason: model.RDealerBalance}, now)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, op.Status)
	require.Equal(t, model.RDealerBalance, op.Reason)
}

func TestApplyTransition_TerminalClearsDeadlines(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	op := NewOperation("op-1", "user-1", model.OpConfirmPurchase, "1234567890", now)
	op.Status = model.StatusCompleting
	op.HeartbeatExpiryUnix = now.Add(90 * time.Second).Unix()
	op.FinalConfirmExpiryUnix = now.Add(30 * time.Second).Unix()

	_, err := Dispatch(op, Event{Kind: EvCompleted}, now)
	require.NoError(t, err)
	require.Zero(t, op.HeartbeatExpiryUnix)
	require.Zero(t, op.FinalConfirmExpiryUnix)
	require.Equal(t, now.Unix(), op.CompletedAtUnix)
}

func TestEventFromCause(t *testing.T) {
	tests := []struct {
		name       string
		cause      error
		wantKind   EventKind
		wantReason model.ReasonCode
	}{
		{"nil is success", nil, EvCompleted, model.RNone},
		{"context canceled", context.Canceled, EvCancelled, model.RCancelled},
		{"deadline exceeded", context.DeadlineExceeded, EvFailed, model.RUpstreamTransient},
		{"anything else", errors.New("boom"), EvFailed, model.RUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := EventFromCause(tt.cause)
			require.Equal(t, tt.wantKind, ev.Kind)
			require.Equal(t, tt.wantReason, ev.Reason)
		})
	}
}
