// SPDX-License-Identifier: MIT

// Package upstreamtest provides a scriptable in-memory portal client
// for worker and keep-alive tests. Every method records its name, uses
// an optional hook when set, and otherwise answers with a plausible
// success so happy-path tests stay short.
package upstreamtest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/upstream"
)

// ScriptedClient implements upstream.Client.
type ScriptedClient struct {
	mu      sync.Mutex
	calls   []string
	session *model.Session

	AccountID string

	// Hooks. Nil hooks fall back to a canned success.
	LoginFn              func(ctx context.Context) (*upstream.LoginResult, error)
	SubmitLoginFn        func(ctx context.Context, solution string) (*upstream.LoginResult, error)
	ValidateSessionFn    func(ctx context.Context) (bool, error)
	CheckCardFn          func(ctx context.Context, card string) (*upstream.CardInfo, error)
	LoadPackagesFn       func(ctx context.Context, card string, smartcard model.SmartcardType) (*upstream.PackagesResult, error)
	CompletePurchaseFn   func(ctx context.Context, req upstream.PurchaseRequest) (*upstream.PurchasePreview, error)
	ConfirmPurchaseFn    func(ctx context.Context) (*upstream.PurchaseResult, error)
	CancelPurchaseFn     func(ctx context.Context) error
	CheckCardForSignalFn func(ctx context.Context, card string) (*upstream.SignalStatus, error)
	ActivateSignalOnlyFn func(ctx context.Context, card string) (*upstream.SignalResult, error)
	ActivateSignalFn     func(ctx context.Context, card string) (*upstream.SignalResult, error)
	LoadInstallmentFn    func(ctx context.Context, card string) (*upstream.InstallmentInfo, error)
	PayInstallmentFn     func(ctx context.Context) (*upstream.InstallmentResult, error)
	FetchBalanceFn       func(ctx context.Context, probeCard string) (decimal.Decimal, error)

	// SessionTTL backs SessionTimeout and fresh logins. Defaults to
	// 20 minutes.
	SessionTTL time.Duration
}

var _ upstream.Client = (*ScriptedClient)(nil)

// New returns a logged-out scripted client.
func New(accountID string) *ScriptedClient {
	return &ScriptedClient{AccountID: accountID}
}

// NewLoggedIn returns a client that already holds a live session.
func NewLoggedIn(accountID string) *ScriptedClient {
	c := New(accountID)
	c.session = c.freshSession(time.Now())
	return c
}

// Calls returns the ordered method names invoked so far.
func (c *ScriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount counts invocations of one method.
func (c *ScriptedClient) CallCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

func (c *ScriptedClient) record(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *ScriptedClient) ttl() time.Duration {
	if c.SessionTTL > 0 {
		return c.SessionTTL
	}
	return 20 * time.Minute
}

func (c *ScriptedClient) freshSession(now time.Time) *model.Session {
	return &model.Session{
		Cookies:       []model.Cookie{{Name: "ASP.NET_SessionId", Value: "fake-" + c.AccountID, Domain: "portal.example", Path: "/"}},
		ViewState:     "viewstate-" + c.AccountID,
		LoginAtUnix:   now.Unix(),
		ExpiresAtUnix: now.Add(c.ttl()).Unix(),
	}
}

func (c *ScriptedClient) Login(ctx context.Context) (*upstream.LoginResult, error) {
	c.record("Login")
	if c.LoginFn != nil {
		res, err := c.LoginFn(ctx)
		if err == nil && res != nil && res.Success {
			c.setSession(c.freshSession(time.Now()))
		}
		return res, err
	}
	c.setSession(c.freshSession(time.Now()))
	return &upstream.LoginResult{Success: true}, nil
}

func (c *ScriptedClient) SubmitLogin(ctx context.Context, solution string) (*upstream.LoginResult, error) {
	c.record("SubmitLogin")
	if c.SubmitLoginFn != nil {
		res, err := c.SubmitLoginFn(ctx, solution)
		if err == nil && res != nil && res.Success {
			c.setSession(c.freshSession(time.Now()))
		}
		return res, err
	}
	c.setSession(c.freshSession(time.Now()))
	return &upstream.LoginResult{Success: true}, nil
}

func (c *ScriptedClient) ValidateSession(ctx context.Context) (bool, error) {
	c.record("ValidateSession")
	if c.ValidateSessionFn != nil {
		return c.ValidateSessionFn(ctx)
	}
	return c.IsSessionActive(), nil
}

func (c *ScriptedClient) CheckCard(ctx context.Context, card string) (*upstream.CardInfo, error) {
	c.record("CheckCard")
	if c.CheckCardFn != nil {
		return c.CheckCardFn(ctx, card)
	}
	return &upstream.CardInfo{CardNumber: card, STBNumber: "STB-" + card}, nil
}

func (c *ScriptedClient) LoadPackages(ctx context.Context, card string, smartcard model.SmartcardType) (*upstream.PackagesResult, error) {
	c.record("LoadPackages")
	if c.LoadPackagesFn != nil {
		return c.LoadPackagesFn(ctx, card, smartcard)
	}
	return &upstream.PackagesResult{
		Success: true,
		Packages: []model.Package{
			{ID: "pkg-1", Name: "Basic", Price: decimal.RequireFromString("49.99")},
			{ID: "pkg-2", Name: "Premium", Price: decimal.RequireFromString("149.99")},
		},
		STBNumber:     "STB-" + card,
		DealerBalance: decimal.RequireFromString("1000.00"),
		BalanceKnown:  true,
	}, nil
}

func (c *ScriptedClient) CompletePurchase(ctx context.Context, req upstream.PurchaseRequest) (*upstream.PurchasePreview, error) {
	c.record("CompletePurchase")
	if c.CompletePurchaseFn != nil {
		return c.CompletePurchaseFn(ctx, req)
	}
	return &upstream.PurchasePreview{AwaitingConfirm: true, Message: "confirm to finish"}, nil
}

func (c *ScriptedClient) ConfirmPurchase(ctx context.Context) (*upstream.PurchaseResult, error) {
	c.record("ConfirmPurchase")
	if c.ConfirmPurchaseFn != nil {
		return c.ConfirmPurchaseFn(ctx)
	}
	return &upstream.PurchaseResult{Success: true, Message: "purchase complete"}, nil
}

func (c *ScriptedClient) CancelPurchase(ctx context.Context) error {
	c.record("CancelPurchase")
	if c.CancelPurchaseFn != nil {
		return c.CancelPurchaseFn(ctx)
	}
	return nil
}

func (c *ScriptedClient) CheckCardForSignal(ctx context.Context, card string) (*upstream.SignalStatus, error) {
	c.record("CheckCardForSignal")
	if c.CheckCardForSignalFn != nil {
		return c.CheckCardForSignalFn(ctx, card)
	}
	return &upstream.SignalStatus{CardStatus: "ACTIVE", Contracts: []string{"base"}}, nil
}

func (c *ScriptedClient) ActivateSignalOnly(ctx context.Context, card string) (*upstream.SignalResult, error) {
	c.record("ActivateSignalOnly")
	if c.ActivateSignalOnlyFn != nil {
		return c.ActivateSignalOnlyFn(ctx, card)
	}
	return &upstream.SignalResult{Success: true, Message: "signal sent"}, nil
}

func (c *ScriptedClient) ActivateSignal(ctx context.Context, card string) (*upstream.SignalResult, error) {
	c.record("ActivateSignal")
	if c.ActivateSignalFn != nil {
		return c.ActivateSignalFn(ctx, card)
	}
	return &upstream.SignalResult{Success: true, Message: "signal sent"}, nil
}

func (c *ScriptedClient) LoadInstallment(ctx context.Context, card string) (*upstream.InstallmentInfo, error) {
	c.record("LoadInstallment")
	if c.LoadInstallmentFn != nil {
		return c.LoadInstallmentFn(ctx, card)
	}
	return &upstream.InstallmentInfo{
		Found: true,
		Installment: &model.Installment{
			Amount:      decimal.RequireFromString("75.50"),
			DueDate:     "2025-07-01",
			Description: "monthly installment",
		},
		Subscriber:    "subscriber-" + card,
		DealerBalance: decimal.RequireFromString("1000.00"),
		BalanceKnown:  true,
	}, nil
}

func (c *ScriptedClient) PayInstallment(ctx context.Context) (*upstream.InstallmentResult, error) {
	c.record("PayInstallment")
	if c.PayInstallmentFn != nil {
		return c.PayInstallmentFn(ctx)
	}
	return &upstream.InstallmentResult{Success: true, Message: "installment paid"}, nil
}

func (c *ScriptedClient) FetchDealerBalance(ctx context.Context, probeCard string) (decimal.Decimal, error) {
	c.record("FetchDealerBalance")
	if c.FetchBalanceFn != nil {
		return c.FetchBalanceFn(ctx, probeCard)
	}
	return decimal.RequireFromString("1000.00"), nil
}

func (c *ScriptedClient) setSession(s *model.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *ScriptedClient) ExportSession() (*model.Session, error) {
	c.record("ExportSession")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, upstream.ErrSessionExpired
	}
	cpy := *c.session
	return &cpy, nil
}

func (c *ScriptedClient) ImportSession(s *model.Session) error {
	c.record("ImportSession")
	cpy := *s
	c.setSession(&cpy)
	return nil
}

func (c *ScriptedClient) IsSessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Active(time.Now())
}

func (c *ScriptedClient) InvalidateSession() {
	c.record("InvalidateSession")
	c.setSession(nil)
}

func (c *ScriptedClient) SessionTimeout() time.Duration {
	return c.ttl()
}

func (c *ScriptedClient) Close() error {
	c.record("Close")
	return nil
}

// Factory returns an upstream.Factory that hands out the given clients
// by account ID, creating default scripted clients for accounts not in
// the map.
func Factory(clients map[string]*ScriptedClient) upstream.Factory {
	var mu sync.Mutex
	return func(account *model.Account, proxy *model.Proxy) (upstream.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[account.ID]; ok {
			return c, nil
		}
		c := New(account.ID)
		clients[account.ID] = c
		return c, nil
	}
}
