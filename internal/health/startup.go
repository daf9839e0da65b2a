// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/renewtv/renewd/internal/config"
	"github.com/renewtv/renewd/internal/log"
	"github.com/renewtv/renewd/internal/persistence/sqlite"
)

// PerformStartupChecks validates the environment before a process starts
// serving. It catches the configuration mistakes that would otherwise
// surface minutes later as a crash loop.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkListenAddr(logger, cfg.OpsListen); err != nil {
		return fmt.Errorf("ops listen address check failed: %w", err)
	}
	if err := checkRedisURL(logger, cfg.RedisURL); err != nil {
		return fmt.Errorf("redis url check failed: %w", err)
	}
	if err := checkStorePath(logger, cfg.StoreBackend, cfg.StorePath); err != nil {
		return fmt.Errorf("store path check failed: %w", err)
	}
	if err := checkSettingsDir(logger, cfg.SettingsPath); err != nil {
		return fmt.Errorf("settings path check failed: %w", err)
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		logger.Info().Msg("✓ Ops server disabled (no listen address)")
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("✓ Ops listen address is valid")
	return nil
}

func checkRedisURL(logger zerolog.Logger, rawURL string) error {
	if _, err := redis.ParseURL(rawURL); err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	logger.Info().Msg("✓ Redis URL is valid")
	return nil
}

// checkStorePath verifies the store's directory exists and is writable by
// creating and removing a probe file. Database engines report permission
// problems late and badly; catching them here gives a clear message.
func checkStorePath(logger zerolog.Logger, backend, path string) error {
	if backend == "memory" {
		logger.Warn().Msg("In-memory store selected; operations are lost on restart")
		return nil
	}
	if path == "" {
		return fmt.Errorf("store backend %q requires a store path", backend)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("cannot create store directory %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("store directory is not writable: %s (error: %v)", dir, err)
	}
	_ = os.Remove(testFile)

	if backend == "sqlite" {
		if err := checkSqliteIntegrity(logger, path); err != nil {
			return err
		}
	}

	logger.Info().Str("path", path).Str("backend", backend).Msg("✓ Store directory is writable")
	return nil
}

// checkSqliteIntegrity runs a quick corruption check on an existing
// database file, so a damaged store is refused at boot instead of
// surfacing as scattered query errors under load.
func checkSqliteIntegrity(logger zerolog.Logger, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// First start; the store will create it.
		return nil
	}
	issues, err := sqlite.VerifyIntegrity(path, "quick")
	if err != nil {
		return fmt.Errorf("store integrity check failed to run: %w", err)
	}
	if issues != nil {
		return fmt.Errorf("store database is corrupt: %v", issues)
	}
	logger.Info().Str("path", path).Msg("✓ Store database passed integrity check")
	return nil
}

func checkSettingsDir(logger zerolog.Logger, path string) error {
	if path == "" {
		logger.Info().Msg("✓ Runtime settings disabled (no settings file)")
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("cannot create settings directory %s: %w", dir, err)
	}
	logger.Info().Str("path", path).Msg("✓ Settings path is usable")
	return nil
}
