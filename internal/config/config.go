// SPDX-License-Identifier: MIT

// Package config resolves process configuration from the environment and a
// hot-reloadable runtime settings file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config is the full environment-derived configuration for a worker or
// keep-alive process. It is resolved once at startup; values that operators
// change at runtime live in Settings instead.
type Config struct {
	WorkerID      string
	Concurrency   int
	RatePerMinute int

	RedisURL string

	StoreBackend string
	StorePath    string

	SessionTTL      time.Duration
	QueueTimeout    time.Duration
	LoginLockWait   time.Duration
	PreLoginTimeout time.Duration
	CaptchaTimeout  time.Duration

	BrokerStream        string
	BrokerGroup         string
	BrokerMaxDeliveries int
	BrokerMinIdle       time.Duration
	BrokerBlock         time.Duration

	RegistryCapacity int
	RegistryTTL      time.Duration
	UpstreamDriver   string

	KeepaliveInterval  time.Duration
	KeepaliveStagger   time.Duration
	SweepInterval      time.Duration
	OperationRetention time.Duration

	OpsListen    string
	SettingsPath string

	OTELEnabled    bool
	OTELExporter   string
	OTELEndpoint   string
	OTELSampleRate float64
}

// FromEnv resolves the configuration from environment variables, applying
// documented defaults. Precedence: environment > default.
func FromEnv() Config {
	return Config{
		WorkerID:      ParseString("WORKER_ID", defaultWorkerID()),
		Concurrency:   ParseInt("WORKER_CONCURRENCY", 3),
		RatePerMinute: ParseInt("WORKER_RATE_PER_MINUTE", 30),

		RedisURL: ParseString("REDIS_URL", "redis://localhost:6379/0"),

		StoreBackend: ParseString("STORE_BACKEND", "sqlite"),
		StorePath:    ParseString("STORE_PATH", "data/renewd.db"),

		SessionTTL:      ParseDuration("SESSION_TTL", 960*time.Second),
		QueueTimeout:    ParseDuration("QUEUE_TIMEOUT", 120*time.Second),
		LoginLockWait:   ParseDuration("LOGIN_LOCK_WAIT", 30*time.Second),
		PreLoginTimeout: ParseDuration("PRELOGIN_TIMEOUT", 120*time.Second),
		CaptchaTimeout:  ParseDuration("CAPTCHA_TIMEOUT", 120*time.Second),

		BrokerStream:        ParseString("BROKER_STREAM", "operations"),
		BrokerGroup:         ParseString("BROKER_GROUP", "workers"),
		BrokerMaxDeliveries: ParseInt("BROKER_MAX_DELIVERIES", 5),
		BrokerMinIdle:       ParseDuration("BROKER_MIN_IDLE", 30*time.Second),
		BrokerBlock:         ParseDuration("BROKER_BLOCK", 5*time.Second),

		RegistryCapacity: ParseInt("REGISTRY_CAPACITY", 256),
		RegistryTTL:      ParseDuration("REGISTRY_TTL", 30*time.Minute),
		UpstreamDriver:   ParseString("UPSTREAM_DRIVER", "portal"),

		KeepaliveInterval:  ParseDuration("KEEPALIVE_INTERVAL", 600*time.Second),
		KeepaliveStagger:   ParseDuration("KEEPALIVE_STAGGER", 10*time.Second),
		SweepInterval:      ParseDuration("SWEEP_INTERVAL", time.Minute),
		OperationRetention: ParseDuration("OPERATION_RETENTION", 30*24*time.Hour),

		OpsListen:    ParseString("OPS_LISTEN", ":9090"),
		SettingsPath: ParseString("SETTINGS_FILE", "settings.yaml"),

		OTELEnabled:    ParseBool("OTEL_ENABLED", false),
		OTELExporter:   ParseString("OTEL_EXPORTER", "noop"),
		OTELEndpoint:   ParseString("OTEL_ENDPOINT", "localhost:4317"),
		OTELSampleRate: ParseFloat("OTEL_SAMPLE_RATE", 1.0),
	}
}

// Validate rejects configurations that cannot work at all. Values with a
// documented operating range are clamped by their consumers instead.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id must not be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.RatePerMinute < 1 {
		return fmt.Errorf("worker rate per minute must be >= 1, got %d", c.RatePerMinute)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis url must not be empty")
	}
	if c.BrokerMaxDeliveries < 1 {
		return fmt.Errorf("broker max deliveries must be >= 1, got %d", c.BrokerMaxDeliveries)
	}
	switch c.StoreBackend {
	case "sqlite", "badger", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// defaultWorkerID builds a unique worker identity from host, pid and a random
// suffix. Lease and login-lock values embed it, so it must differ across
// restarts of the same host.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
