// SPDX-License-Identifier: MIT

// Package keepalive keeps dealer portal sessions warm between jobs.
//
// The portal drops idle sessions after roughly twenty minutes and
// greets cold logins with a CAPTCHA far more often than warm ones. A
// single background instance walks the active accounts on a timer,
// revalidates whatever the session cache holds and logs in again when
// the session has gone stale, so jobs land on accounts that can skip
// the login dance entirely.
//
// The sweep never touches a busy account: a live pool lease or a
// foreign login lock makes it move on. Each cycle starts from the
// store's account list, so the service is safe to stop and restart at
// any time.
package keepalive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/renewtv/renewd/internal/config"
	"github.com/renewtv/renewd/internal/domain/operation/model"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/metrics"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/pool"
	"github.com/renewtv/renewd/internal/session"
	"github.com/renewtv/renewd/internal/solver"
	"github.com/renewtv/renewd/internal/telemetry"
	"github.com/renewtv/renewd/internal/upstream"
	"github.com/renewtv/renewd/internal/upstream/registry"
)

const (
	// metricsKey is where a finished cycle publishes its summary so
	// the ops surface can report keep-alive health without scraping
	// Prometheus.
	metricsKey = "keepalive:metrics"
	metricsTTL = time.Hour
)

// Per-account outcomes. They double as the "outcome" label on
// metrics.KeepaliveSessions.
const (
	outcomeValid     = "valid"     // cached session confirmed, TTL extended
	outcomeRefreshed = "refreshed" // confirmed, but the portal rotated the bearer state
	outcomeRelogin   = "relogin"   // dead or missing session replaced by a fresh login
	outcomeSkipped   = "skipped"   // account busy elsewhere, left alone
	outcomeFailed    = "failed"    // the portal would not cooperate
)

// Config tunes the keep-alive sweep.
type Config struct {
	// WorkerID identifies this instance on login locks.
	WorkerID string
	// Interval is the cycle period when the runtime settings do not
	// override it.
	Interval time.Duration
	// Stagger is the pause between accounts inside one cycle, so the
	// portal never sees a burst of near-simultaneous logins.
	Stagger time.Duration
	// SessionTTL is the cache lifetime for sessions this service
	// saves or extends.
	SessionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "keepalive"
	}
	if c.Interval <= 0 {
		c.Interval = 19 * time.Minute
	}
	if c.Stagger <= 0 {
		c.Stagger = 10 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
	return c
}

// Deps bundles the shared infrastructure the sweep runs on.
type Deps struct {
	Store    store.Store
	Pool     *pool.Pool
	Sessions *session.Cache
	Registry *registry.Registry
	Solver   solver.Solver
	Notifier notify.Notifier
	Redis    *redis.Client
	Settings *config.SettingsHolder
}

// Service is the keep-alive sweep. Run exactly one instance per
// deployment; two would fight over login locks and double the portal
// traffic for nothing.
type Service struct {
	cfg      Config
	store    store.Store
	pool     *pool.Pool
	sessions *session.Cache
	registry *registry.Registry
	solver   solver.Solver
	notifier notify.Notifier
	rdb      *redis.Client
	settings *config.SettingsHolder

	// notified tracks accounts already flagged for a low balance, so
	// the admin hears about each dip once, not every cycle.
	notified map[string]bool

	log    zerolog.Logger
	tracer trace.Tracer
}

// New wires the service. Solver, Notifier and Settings may be nil;
// they default to the disabled solver, the log notifier and the
// compiled-in settings.
func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	if deps.Solver == nil {
		deps.Solver = solver.Disabled{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		pool:     deps.Pool,
		sessions: deps.Sessions,
		registry: deps.Registry,
		solver:   deps.Solver,
		notifier: deps.Notifier,
		rdb:      deps.Redis,
		settings: deps.Settings,
		notified: make(map[string]bool),
		log:      logpkg.WithComponent("keepalive").With().Str(logpkg.FieldWorkerID, cfg.WorkerID).Logger(),
		tracer:   telemetry.Tracer("renewd.keepalive"),
	}
}

// interval reads the cycle period from the runtime settings, falling
// back to the static config. Read fresh every cycle so a settings
// reload takes effect without a restart.
func (s *Service) interval() time.Duration {
	if s.settings == nil {
		return s.cfg.Interval
	}
	return s.settings.Get().KeepaliveInterval(s.cfg.Interval)
}

func (s *Service) threshold() decimal.Decimal {
	if s.settings == nil {
		return config.DefaultSettings().LowBalance()
	}
	return s.settings.Get().LowBalance()
}

// Run sweeps immediately, then on every interval tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.interval()).
		Dur("stagger", s.cfg.Stagger).
		Msg("keep-alive sweep started")

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.RunCycle(ctx)
		t.Reset(s.interval())
	}
}

// Summary is one cycle's tally, published to Redis for the ops
// surface.
type Summary struct {
	Total      int   `json:"total"`
	Success    int   `json:"success"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	DurationMS int64 `json:"durationMs"`
	AtUnix     int64 `json:"atUnix"`
}

// RunCycle walks the active accounts once, highest priority first.
// Exposed so an operator trigger can force a sweep between ticks.
func (s *Service) RunCycle(ctx context.Context) Summary {
	ctx, span := s.tracer.Start(ctx, "renewd.keepalive.cycle")
	defer span.End()

	start := time.Now()
	sum := Summary{AtUnix: start.Unix()}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("account list unavailable, cycle aborted")
		span.RecordError(err)
		return sum
	}
	active := accounts[:0]
	for _, a := range accounts {
		if a.Active {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	for i, acct := range active {
		if i > 0 && !s.pause(ctx) {
			break
		}
		outcome := s.touchAccount(ctx, acct)
		metrics.KeepaliveSessions.WithLabelValues(outcome).Inc()
		sum.Total++
		switch outcome {
		case outcomeSkipped:
			sum.Skipped++
		case outcomeFailed:
			sum.Failed++
		default:
			sum.Success++
		}
		if ctx.Err() != nil {
			break
		}
	}

	sum.DurationMS = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("accounts.total", sum.Total),
		attribute.Int("accounts.failed", sum.Failed),
	)
	metrics.KeepaliveCycles.Inc()
	s.publish(ctx, sum)
	s.log.Info().
		Int("total", sum.Total).
		Int("success", sum.Success).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Int64(logpkg.FieldElapsedMS, sum.DurationMS).
		Msg("keep-alive cycle done")
	return sum
}

// pause waits out the stagger between accounts. Returns false when the
// context died mid-wait.
func (s *Service) pause(ctx context.Context) bool {
	t := time.NewTimer(s.cfg.Stagger)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// touchAccount inspects one account's session and does the least work
// that leaves it warm.
func (s *Service) touchAccount(ctx context.Context, acct *model.Account) string {
	log := s.log.With().Str(logpkg.FieldAccountID, acct.ID).Logger()

	holder, err := s.pool.LeaseHolder(ctx, acct.ID)
	if err != nil {
		log.Warn().Err(err).Msg("lease probe failed")
		return outcomeFailed
	}
	if holder != "" {
		log.Debug().Str("holder", holder).Msg("account leased, skipping")
		return outcomeSkipped
	}
	if holder, err := s.sessions.LoginLockHolder(ctx, acct.ID); err == nil && holder != "" && holder != s.cfg.WorkerID {
		log.Debug().Str("holder", holder).Msg("login in progress elsewhere, skipping")
		return outcomeSkipped
	}

	client, err := s.clientFor(ctx, acct)
	if err != nil {
		log.Warn().Err(err).Msg("portal client unavailable")
		return outcomeFailed
	}

	cached, err := s.sessions.Get(ctx, acct.ID)
	if err != nil {
		log.Warn().Err(err).Msg("session cache read failed")
		return outcomeFailed
	}

	outcome := s.revalidate(ctx, log, acct, client, cached)
	if outcome == outcomeValid || outcome == outcomeRefreshed || outcome == outcomeRelogin {
		s.checkBalance(ctx, acct)
	}
	return outcome
}

// revalidate confirms the cached session upstream, or replaces it with
// a fresh login when there is nothing worth confirming.
func (s *Service) revalidate(ctx context.Context, log zerolog.Logger, acct *model.Account, c upstream.Client, cached *model.Session) string {
	if cached != nil && cached.Active(time.Now()) {
		if err := c.ImportSession(cached); err != nil {
			log.Debug().Err(err).Msg("cached session unusable, logging in")
			return s.relogin(ctx, log, acct, c)
		}
		ok, err := c.ValidateSession(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("session validation failed")
			return outcomeFailed
		}
		if ok {
			return s.resave(ctx, log, acct, c, cached)
		}
		log.Debug().Msg("portal rejected cached session, logging in")
	}
	return s.relogin(ctx, log, acct, c)
}

// resave persists the post-validation bearer state. Validation itself
// is a portal round-trip, so the cookies may have rotated under us; a
// byte-identical session only needs its TTL bumped.
func (s *Service) resave(ctx context.Context, log zerolog.Logger, acct *model.Account, c upstream.Client, cached *model.Session) string {
	fresh, err := c.ExportSession()
	if err != nil {
		log.Warn().Err(err).Msg("session export failed after validation")
		return outcomeFailed
	}
	if sessionsEqual(cached, fresh) {
		if _, err := s.sessions.Extend(ctx, acct.ID, s.cfg.SessionTTL); err != nil {
			log.Warn().Err(err).Msg("session TTL extend failed")
			return outcomeFailed
		}
		return outcomeValid
	}
	if err := s.sessions.Put(ctx, acct.ID, fresh, s.cfg.SessionTTL); err != nil {
		log.Warn().Err(err).Msg("session cache write failed")
		return outcomeFailed
	}
	return outcomeRefreshed
}

// relogin replaces a dead session under the account's login lock. Not
// getting the lock means a worker is logging in right now, which keeps
// the session warm without our help.
func (s *Service) relogin(ctx context.Context, log zerolog.Logger, acct *model.Account, c upstream.Client) string {
	if err := s.sessions.Delete(ctx, acct.ID); err != nil {
		log.Warn().Err(err).Msg("stale session evict failed")
	}

	got, err := s.sessions.AcquireLoginLock(ctx, acct.ID, s.cfg.WorkerID)
	if err != nil {
		log.Warn().Err(err).Msg("login lock unavailable")
		return outcomeFailed
	}
	if !got {
		log.Debug().Msg("login lock contended, skipping")
		return outcomeSkipped
	}
	defer s.releaseLoginLock(acct.ID)

	res, err := c.Login(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("login failed")
		return outcomeFailed
	}
	if res.RequiresCaptcha {
		// No operation to park here: without a solver the account
		// stays cold until a real job pays the CAPTCHA toll.
		sol, serr := s.solver.Solve(ctx, []byte(res.CaptchaImage))
		if serr != nil {
			if errors.Is(serr, solver.ErrNotConfigured) {
				log.Info().Msg("login CAPTCHA and no solver, leaving account cold")
			} else {
				log.Warn().Err(serr).Msg("captcha solver failed")
			}
			return outcomeFailed
		}
		res, err = c.SubmitLogin(ctx, sol)
		if err != nil {
			log.Warn().Err(err).Msg("login submit failed")
			return outcomeFailed
		}
	}
	if !res.Success {
		// Bad credentials will not fix themselves between cycles;
		// park the account so the pool stops offering it.
		if merr := s.pool.MarkFailed(ctx, acct.ID, model.FailLogin); merr != nil {
			log.Warn().Err(merr).Msg("cooldown mark failed")
		}
		log.Warn().Str("message", res.Message).Msg("portal refused login")
		return outcomeFailed
	}

	sess, err := c.ExportSession()
	if err != nil {
		log.Warn().Err(err).Msg("session export failed after login")
		return outcomeFailed
	}
	if err := s.sessions.Put(ctx, acct.ID, sess, s.cfg.SessionTTL); err != nil {
		log.Warn().Err(err).Msg("session cache write failed")
		return outcomeFailed
	}
	log.Info().Msg("session re-established")
	return outcomeRelogin
}

// releaseLoginLock returns the lock on a fresh context so release
// still happens when the cycle's context is already dead.
func (s *Service) releaseLoginLock(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sessions.ReleaseLoginLock(ctx, accountID, s.cfg.WorkerID); err != nil {
		s.log.Warn().Err(err).Str(logpkg.FieldAccountID, accountID).Msg("login lock release failed")
	}
}

// checkBalance raises one admin notification per dip below the
// configured threshold, re-arming once the balance recovers. Accounts
// whose balance has never been scraped are left alone.
func (s *Service) checkBalance(ctx context.Context, acct *model.Account) {
	if acct.BalanceRefreshedAtUnix == 0 {
		return
	}
	th := s.threshold()
	if acct.Balance.GreaterThanOrEqual(th) {
		delete(s.notified, acct.ID)
		return
	}
	if s.notified[acct.ID] {
		return
	}
	if err := s.notifier.Notify(ctx, notify.LowBalance(acct.ID, acct.Balance, th)); err != nil {
		s.log.Warn().Err(err).Str(logpkg.FieldAccountID, acct.ID).Msg("low balance notification undelivered")
		return
	}
	s.notified[acct.ID] = true
}

// publish writes the cycle summary where the ops surface can read it.
func (s *Service) publish(ctx context.Context, sum Summary) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(sum)
	if err != nil {
		s.log.Warn().Err(err).Msg("cycle summary marshal failed")
		return
	}
	if err := s.rdb.Set(ctx, metricsKey, raw, metricsTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("cycle summary publish failed")
	}
}

// LastSummary reads the most recently published cycle summary. A missing key
// means no cycle has completed within the summary TTL; that returns
// (nil, nil), not an error.
func LastSummary(ctx context.Context, rdb *redis.Client) (*Summary, error) {
	raw, err := rdb.Get(ctx, metricsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keepalive summary: %w", err)
	}
	var sum Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, fmt.Errorf("decode keepalive summary: %w", err)
	}
	return &sum, nil
}

// clientFor resolves the account's proxy and hands out its portal
// client from the registry.
func (s *Service) clientFor(ctx context.Context, acct *model.Account) (upstream.Client, error) {
	var proxy *model.Proxy
	if acct.ProxyID != "" {
		p, err := s.store.GetProxy(ctx, acct.ProxyID)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", acct.ProxyID, err)
		}
		proxy = p
	}
	client, err := s.registry.Client(ctx, acct, proxy)
	if err != nil {
		return nil, fmt.Errorf("client for %s: %w", acct.ID, err)
	}
	return client, nil
}

// sessionsEqual reports whether two sessions carry the same bearer
// state. Timestamps are ignored; only what the portal checks counts.
func sessionsEqual(a, b *model.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ViewState != b.ViewState || len(a.Cookies) != len(b.Cookies) {
		return false
	}
	for i := range a.Cookies {
		if a.Cookies[i].Name != b.Cookies[i].Name || a.Cookies[i].Value != b.Cookies[i].Value {
			return false
		}
	}
	return true
}
