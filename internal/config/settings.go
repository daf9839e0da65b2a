// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings are operator-tunable values read at runtime. They live in a YAML
// file next to the process and are hot-reloaded on change; a missing file is
// replaced by a default one on first start.
type Settings struct {
	// CaptchaSolverKey enables automatic CAPTCHA solving when non-empty.
	CaptchaSolverKey string `yaml:"captcha_solver_key"`
	// KeepaliveIntervalMinutes is clamped to [1, 60]. Zero means "use the
	// process default".
	KeepaliveIntervalMinutes int `yaml:"keepalive_interval_minutes"`
	// LowBalanceThreshold is a decimal string; accounts whose upstream
	// balance drops below it trigger an admin notification.
	LowBalanceThreshold string `yaml:"low_balance_threshold"`
}

// DefaultSettings returns the settings written on first start.
func DefaultSettings() Settings {
	return Settings{
		CaptchaSolverKey:         "",
		KeepaliveIntervalMinutes: 19,
		LowBalanceThreshold:      "100",
	}
}

// KeepaliveInterval converts the configured minutes into a duration, clamped
// to [1m, 60m]. A zero value falls back to the supplied default.
func (s Settings) KeepaliveInterval(fallback time.Duration) time.Duration {
	if s.KeepaliveIntervalMinutes == 0 {
		return fallback
	}
	m := s.KeepaliveIntervalMinutes
	if m < 1 {
		m = 1
	}
	if m > 60 {
		m = 60
	}
	return time.Duration(m) * time.Minute
}

// LowBalance parses the threshold. Unparseable or empty values fall back to
// the default so a bad edit never disables the notifier entirely.
func (s Settings) LowBalance() decimal.Decimal {
	d, err := decimal.NewFromString(s.LowBalanceThreshold)
	if err != nil {
		d, _ = decimal.NewFromString(DefaultSettings().LowBalanceThreshold)
	}
	return d
}

// LoadSettings reads and parses the settings file.
func LoadSettings(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// EnsureSettings loads the settings file, writing the default file first if
// none exists yet.
func EnsureSettings(path string) (Settings, error) {
	s, err := LoadSettings(path)
	if err == nil {
		return s, nil
	}
	if !os.IsNotExist(err) {
		return Settings{}, err
	}
	if werr := WriteDefaultSettings(path); werr != nil {
		return Settings{}, fmt.Errorf("write default settings: %w", werr)
	}
	return DefaultSettings(), nil
}

// WriteDefaultSettings writes the default settings file atomically so a crash
// mid-write never leaves a truncated file behind.
func WriteDefaultSettings(path string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	out, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	header := "# renewd runtime settings. Edited values apply without restart.\n"
	if _, err := pending.Write(append([]byte(header), out...)); err != nil {
		return fmt.Errorf("write settings data: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace settings file: %w", err)
	}
	return nil
}
