// SPDX-License-Identifier: MIT

// The keepalive binary hosts the per-deployment singletons: the session
// keep-alive sweep that touches every dealer account before its portal
// session idles out, and the janitor that reaps stalled operations,
// repairs missing refunds and prunes aged terminal rows. Run exactly
// one instance; a second would fight the first over login locks.
//
// Like the worker, it needs a portal driver blank-imported into the
// build to talk to the portal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renewtv/renewd/internal/config"
	"github.com/renewtv/renewd/internal/domain/operation/store"
	"github.com/renewtv/renewd/internal/health"
	"github.com/renewtv/renewd/internal/keepalive"
	"github.com/renewtv/renewd/internal/ledger"
	logpkg "github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/notify"
	"github.com/renewtv/renewd/internal/ops"
	"github.com/renewtv/renewd/internal/pool"
	redisx "github.com/renewtv/renewd/internal/redis"
	"github.com/renewtv/renewd/internal/session"
	"github.com/renewtv/renewd/internal/solver"
	"github.com/renewtv/renewd/internal/sweeper"
	"github.com/renewtv/renewd/internal/telemetry"
	"github.com/renewtv/renewd/internal/upstream"
	"github.com/renewtv/renewd/internal/upstream/registry"
	"github.com/renewtv/renewd/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	logpkg.Configure(logpkg.Config{Service: "renewd-keepalive"})
	logger := logpkg.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	tele, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "renewd-keepalive",
		ServiceVersion: version.Version,
		Environment:    config.ParseString("ENVIRONMENT", "production"),
		ExporterType:   cfg.OTELExporter,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   cfg.OTELSampleRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("tracer provider failed to start")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	rdb, err := redisx.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "redis.connect_failed").
			Msg("shared store unreachable")
	}
	defer func() { _ = rdb.Close() }()

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("backend", cfg.StoreBackend).
			Msg("operation store failed to open")
	}
	defer func() { _ = st.Close() }()

	settings, err := config.NewSettingsHolder(cfg.SettingsPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "settings.load_failed").
			Str("path", cfg.SettingsPath).
			Msg("runtime settings failed to load")
	}
	defer settings.Stop()
	if err := settings.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("settings file watcher unavailable, reload via SIGHUP still works")
	}
	go reloadOnHUP(ctx, settings)

	factory, err := upstream.Driver(cfg.UpstreamDriver)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "upstream.driver_missing").
			Msg("no matching portal driver is linked into this binary")
	}

	// Keep-alive re-logins have no paused operation to ask a human
	// through, so a missing solver hurts more here than in the worker.
	var solve solver.Solver = solver.Disabled{}
	if settings.Get().CaptchaSolverKey != "" {
		logger.Warn().Msg("captcha_solver_key is set but no solver vendor is linked, CAPTCHA re-logins will fail")
	}

	reg := registry.NewWithOptions(factory, registry.Options{
		Capacity: cfg.RegistryCapacity,
		TTL:      cfg.RegistryTTL,
	})
	defer reg.Close()

	pl := pool.New(rdb, st)
	queue := pool.NewQueue(pl)
	sessions := session.NewCache(rdb)
	led := ledger.New(st)
	notifier := notify.Multi{notify.NewLog(), notify.NewRedis(rdb, "")}

	ka := keepalive.New(keepalive.Config{
		WorkerID:   cfg.WorkerID,
		Interval:   cfg.KeepaliveInterval,
		Stagger:    cfg.KeepaliveStagger,
		SessionTTL: cfg.SessionTTL,
	}, keepalive.Deps{
		Store:    st,
		Pool:     pl,
		Sessions: sessions,
		Registry: reg,
		Solver:   solve,
		Notifier: notifier,
		Redis:    rdb,
		Settings: settings,
	})

	jan := sweeper.New(sweeper.Config{
		Interval:  cfg.SweepInterval,
		Retention: cfg.OperationRetention,
	}, sweeper.Deps{
		Store:    st,
		Ledger:   led,
		Queue:    queue,
		Notifier: notifier,
	})

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewProbeChecker("redis", 2*time.Second, func(pctx context.Context) error {
		return redisx.HealthCheck(pctx, rdb)
	}))
	hm.RegisterChecker(health.NewProbeChecker("store", 2*time.Second, func(pctx context.Context) error {
		_, err := st.GetOperation(pctx, "healthcheck")
		return err
	}))
	hm.RegisterChecker(health.NewFileChecker("settings", cfg.SettingsPath))
	// The interval can be stretched to an hour through the runtime
	// settings, so the age bound tracks the widest case rather than
	// the configured one.
	hm.RegisterChecker(health.NewCycleChecker("keepalive", 3*time.Hour, func(pctx context.Context) (time.Time, error) {
		sum, err := keepalive.LastSummary(pctx, rdb)
		if err != nil {
			return time.Time{}, err
		}
		if sum == nil {
			return time.Time{}, nil
		}
		return time.Unix(sum.AtUnix, 0), nil
	}))

	opsSrv := ops.New(
		ops.Config{Listen: cfg.OpsListen, Version: version.Version},
		ops.Deps{Health: hm, Redis: rdb},
	)

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str(logpkg.FieldWorkerID, cfg.WorkerID).
		Msg("starting renewd keepalive")
	logger.Info().Msgf("→ Store: %s (%s)", cfg.StoreBackend, cfg.StorePath)
	logger.Info().Msgf("→ Keep-alive interval: %s (stagger %s)", cfg.KeepaliveInterval, cfg.KeepaliveStagger)
	logger.Info().Msgf("→ Sweep interval: %s (retention %s)", cfg.SweepInterval, cfg.OperationRetention)
	logger.Info().Msgf("→ Upstream driver: %s", cfg.UpstreamDriver)
	logger.Info().Msgf("→ Ops server: %s", cfg.OpsListen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ka.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	g.Go(func() error { return opsSrv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().
			Err(err).
			Str("event", "keepalive.failed").
			Msg("keepalive exited with error")
	}
	logger.Info().Msg("keepalive exiting")
}

// reloadOnHUP re-reads the runtime settings on SIGHUP, for
// orchestrators that signal instead of touching the settings file.
func reloadOnHUP(ctx context.Context, settings *config.SettingsHolder) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := settings.Reload(ctx); err != nil {
				logger := logpkg.WithComponent("main")
				logger.Warn().Err(err).Msg("SIGHUP settings reload failed")
			}
		}
	}
}
