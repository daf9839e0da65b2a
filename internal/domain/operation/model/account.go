// SPDX-License-Identifier: MIT

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a dealer credential pair for the upstream portal. Lease and
// cooldown *selection* state lives in the shared store; the row mirrors
// cooldown for operators and carries everything else.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPSeed string `json:"totpSeed,omitempty"`
	ProxyID  string `json:"proxyId,omitempty"`

	Active   bool `json:"active"`
	Priority int  `json:"priority"`

	Balance                decimal.Decimal `json:"balance"`
	BalanceRefreshedAtUnix int64           `json:"balanceRefreshedAtUnix,omitempty"`

	CooldownUntilUnix int64  `json:"cooldownUntilUnix,omitempty"`
	FailReason        string `json:"failReason,omitempty"`

	CreatedAtUnix int64 `json:"createdAtUnix"`
	UpdatedAtUnix int64 `json:"updatedAtUnix"`
}

// Usable reports whether the pool may consider the account at all.
func (a *Account) Usable(now time.Time) bool {
	return a.Active && now.Unix() >= a.CooldownUntilUnix
}

// Proxy is an outbound proxy endpoint bound to at most one account.
type Proxy struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Cookie is one upstream cookie captured in a session snapshot.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Session is the serializable authenticated upstream state: cookie jar,
// WebForms view-state and the derived expiry.
type Session struct {
	Cookies       []Cookie `json:"cookies"`
	ViewState     string   `json:"viewState"`
	ExpiresAtUnix int64    `json:"expiresAtUnix"`
	LoginAtUnix   int64    `json:"loginAtUnix"`
}

// Active reports whether the session is still usable. An expired session is
// indistinguishable from an absent one everywhere in the system.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.ExpiresAtUnix > now.Unix()
}

// Age returns how long ago the session snapshot was captured.
func (s *Session) Age(now time.Time) time.Duration {
	if s == nil || s.LoginAtUnix == 0 {
		return 0
	}
	return now.Sub(time.Unix(s.LoginAtUnix, 0))
}
