// SPDX-License-Identifier: MIT

// Package redis owns the shared-store connection. Every cross-process
// coordination primitive (sessions, leases, cooldowns, queues, caches,
// the job stream) runs over the single client built here.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renewtv/renewd/internal/log"
)

// Connect parses the shared-store URL, applies the connection policy and
// verifies reachability before anyone depends on it.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 5

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("redis")
	logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to shared store")

	return client, nil
}

// HealthCheck reports whether the shared store is reachable.
func HealthCheck(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
