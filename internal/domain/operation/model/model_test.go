// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status       Status
		terminal     bool
		awaitingUser bool
	}{
		{StatusPending, false, false},
		{StatusProcessing, false, false},
		{StatusAwaitingCaptcha, false, true},
		{StatusAwaitingPackage, false, true},
		{StatusCompleting, false, false},
		{StatusAwaitingFinalConfirm, false, true},
		{StatusCompleted, true, false},
		{StatusFailed, true, false},
		{StatusCancelled, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.awaitingUser, tt.status.IsAwaitingUser())
		})
	}
}

func TestOpTypeValid(t *testing.T) {
	for _, typ := range []OpType{
		OpStartRenewal, OpCompletePurchase, OpConfirmPurchase, OpCancelConfirm,
		OpSignalCheck, OpSignalActivate, OpSignalRefresh,
		OpStartInstallment, OpConfirmInstallment, OpCheckAccountBalance,
	} {
		assert.True(t, typ.Valid(), "%s must be valid", typ)
	}
	assert.False(t, OpType("MAKE_COFFEE").Valid())
	assert.False(t, OpType("").Valid())
}

func TestParseSmartcardType(t *testing.T) {
	tests := []struct {
		in   string
		want SmartcardType
	}{
		{"CISCO", SmartcardCisco},
		{"cisco", SmartcardCisco},
		{"IRDETO", SmartcardIrdeto},
		{"irdeto", SmartcardIrdeto},
		{"", SmartcardCisco},
		{"vendor-from-the-future", SmartcardCisco},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseSmartcardType(tt.in), "input %q", tt.in)
	}
}

func TestConfirmExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry int64
		want   bool
	}{
		{"no window set", 0, false},
		{"one second left", now.Add(time.Second).Unix(), false},
		{"arrival exactly at the deadline is late", now.Unix(), true},
		{"one second past", now.Add(-time.Second).Unix(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{FinalConfirmExpiryUnix: tt.expiry}
			assert.Equal(t, tt.want, op.ConfirmExpired(now))
		})
	}
}

func TestHeartbeatExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	op := &Operation{}
	assert.False(t, op.HeartbeatExpired(now), "no heartbeat owed")

	op.HeartbeatExpiryUnix = now.Unix()
	assert.False(t, op.HeartbeatExpired(now), "expiry boundary itself is still alive")

	op.HeartbeatExpiryUnix = now.Add(-time.Second).Unix()
	assert.True(t, op.HeartbeatExpired(now))
}

func TestSessionActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var nilSession *Session
	assert.False(t, nilSession.Active(now), "nil session is never active")

	live := &Session{ExpiresAtUnix: now.Add(5 * time.Minute).Unix(), LoginAtUnix: now.Add(-10 * time.Minute).Unix()}
	assert.True(t, live.Active(now))
	assert.Equal(t, 10*time.Minute, live.Age(now))

	dead := &Session{ExpiresAtUnix: now.Unix()}
	assert.False(t, dead.Active(now), "expiry boundary counts as expired")
}

func TestAccountUsable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		account Account
		want    bool
	}{
		{"active, no cooldown", Account{Active: true}, true},
		{"inactive", Account{Active: false}, false},
		{"cooling down", Account{Active: true, CooldownUntilUnix: now.Add(time.Minute).Unix()}, false},
		{"cooldown elapsed", Account{Active: true, CooldownUntilUnix: now.Add(-time.Minute).Unix()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.account.Usable(now))
		})
	}
}

func TestResponseDataSnapshots(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	session := Session{ExpiresAtUnix: now.Add(10 * time.Minute).Unix()}

	var missing *ResponseData
	_, ok := missing.SnapshotSession()
	assert.False(t, ok)
	assert.True(t, missing.OlderThan(now, 30*time.Minute), "missing snapshot counts as stale")

	rd := &ResponseData{
		Kind: SnapshotAwaitingFinalConfirm,
		AwaitingFinalConfirm: &AwaitingFinalConfirmSnapshot{
			Session:     session,
			SavedAtUnix: now.Add(-10 * time.Minute).Unix(),
		},
	}
	got, ok := rd.SnapshotSession()
	assert.True(t, ok)
	assert.Equal(t, session.ExpiresAtUnix, got.ExpiresAtUnix)
	assert.Equal(t, now.Add(-10*time.Minute).Unix(), rd.SavedAt().Unix())
	assert.False(t, rd.OlderThan(now, 30*time.Minute))
	assert.True(t, rd.OlderThan(now, 5*time.Minute))
}

func TestPackagePriceRoundTrips(t *testing.T) {
	p := Package{ID: "pkg-9", Name: "Premium", Price: decimal.RequireFromString("1499.50")}
	assert.True(t, p.Price.Equal(decimal.New(149950, -2)))
}
