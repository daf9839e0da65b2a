// SPDX-License-Identifier: MIT

// Package registry owns the live portal clients. One client per dealer
// account, built on first use and reused until its cache entry ages out
// or the account is forgotten. Concurrent first requests for the same
// account are collapsed into a single construction.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/viccon/sturdyc"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/netutil"
	"github.com/renewtv/renewd/internal/upstream"
)

const (
	// DefaultCapacity and DefaultTTL bound how many clients stay warm
	// and for how long before the next use rebuilds one.
	DefaultCapacity = 256
	DefaultTTL      = 30 * time.Minute

	numShards          = 4
	evictionPercentage = 10

	clientKeyPrefix = "client"
)

// Options tunes the client cache. Zero values take the defaults.
type Options struct {
	Capacity int
	TTL      time.Duration
}

// Registry hands out upstream clients keyed by account ID. The sturdyc
// layer bounds how many stay warm and de-duplicates concurrent builds;
// the live map keeps ownership of every client so Close can release the
// ones sturdyc silently evicted.
type Registry struct {
	log     zerolog.Logger
	factory upstream.Factory
	cache   *sturdyc.Client[upstream.Client]

	mu     sync.Mutex
	live   map[string]upstream.Client
	closed bool
}

func New(factory upstream.Factory) *Registry {
	return NewWithOptions(factory, Options{})
}

func NewWithOptions(factory upstream.Factory, opts Options) *Registry {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Registry{
		log:     logpkg.WithComponent("registry"),
		factory: factory,
		cache: sturdyc.New[upstream.Client](
			opts.Capacity,
			numShards,
			opts.TTL,
			evictionPercentage,
		),
		live: make(map[string]upstream.Client),
	}
}

func clientKey(accountID string) string {
	return fmt.Sprintf("%s:%s", clientKeyPrefix, accountID)
}

// Client returns the cached portal client for the account, building one
// through the factory on a miss. proxy may be nil for direct egress; a
// non-nil binding is validated and its host rewritten to ASCII (IDNA)
// form before the factory sees it. The returned client is shared:
// callers must hold the account lease before touching it.
func (r *Registry) Client(ctx context.Context, account *model.Account, proxy *model.Proxy) (upstream.Client, error) {
	if account == nil {
		return nil, fmt.Errorf("registry: nil account")
	}
	return r.cache.GetOrFetch(
		ctx,
		clientKey(account.ID),
		func(fetchCtx context.Context) (upstream.Client, error) {
			bound, endpoint, err := normalizeProxy(proxy)
			if err != nil {
				return nil, fmt.Errorf("registry: proxy %s for %s: %w", proxy.ID, account.ID, err)
			}
			c, err := r.factory(account, bound)
			if err != nil {
				return nil, fmt.Errorf("registry: build client for %s: %w", account.ID, err)
			}
			r.adopt(account.ID, c)
			evt := r.log.Debug().Str(logpkg.FieldAccountID, account.ID)
			if bound != nil {
				evt = evt.Str("proxy", endpoint)
			}
			evt.Msg("built upstream client")
			return c, nil
		},
	)
}

// normalizeProxy validates the binding and rewrites the host to its
// IDNA form so every layer below compares and dials the same spelling.
// The returned endpoint has the password masked and is safe to log.
func normalizeProxy(p *model.Proxy) (*model.Proxy, string, error) {
	if p == nil {
		return nil, "", nil
	}
	u, err := netutil.ProxyURL(p.Host, p.Port, p.Username, p.Password)
	if err != nil {
		return nil, "", err
	}
	bound := *p
	bound.Host = u.Hostname()
	return &bound, u.Redacted(), nil
}

// adopt records a freshly built client, closing any predecessor for the
// same account. A predecessor exists when the cache entry expired and a
// later call rebuilt it.
func (r *Registry) adopt(accountID string, c upstream.Client) {
	r.mu.Lock()
	old, had := r.live[accountID]
	r.live[accountID] = c
	closed := r.closed
	r.mu.Unlock()

	if had && old != c {
		old.Close()
	}
	// Close raced with the build: the new client must not outlive the
	// registry.
	if closed {
		c.Close()
	}
}

// Forget drops and closes the account's client. Call it after a
// credential change or when the portal rejected the client's session
// beyond repair so the next Client call starts clean.
func (r *Registry) Forget(accountID string) {
	r.cache.Delete(clientKey(accountID))

	r.mu.Lock()
	c, ok := r.live[accountID]
	delete(r.live, accountID)
	r.mu.Unlock()

	if ok {
		c.Close()
		r.log.Debug().Str(logpkg.FieldAccountID, accountID).Msg("forgot upstream client")
	}
}

// Size reports how many clients the registry currently owns.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close releases every client the registry ever built. The registry is
// unusable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]upstream.Client, 0, len(r.live))
	for _, c := range r.live {
		clients = append(clients, c)
	}
	r.live = make(map[string]upstream.Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	r.log.Debug().Int("clients", len(clients)).Msg("registry closed")
}
