// SPDX-License-Identifier: MIT

// Package cardcache memoizes per-card portal lookups: the purchasable
// package list and the STB number. Both are advisory. A miss only costs
// an extra portal round-trip, so storage failures degrade to misses
// instead of failing the job.
package cardcache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	unorm "golang.org/x/text/unicode/norm"

	"github.com/renewtv/renewd/internal/domain/operation/model"
	logpkg "github.com/renewtv/renewd/internal/log"
)

const (
	// PackagesTTL is short: prices and availability shift with portal
	// campaigns. A successful purchase invalidates early.
	PackagesTTL = 10 * time.Minute
	// STBTTL is long: the box bound to a card rarely changes.
	STBTTL = time.Hour
)

const (
	packagesKeyPrefix = "packages:"
	stbKeyPrefix      = "stb:"
)

func packagesKey(card string) string {
	return packagesKeyPrefix + strings.TrimSpace(card)
}

func stbKey(card string) string {
	return stbKeyPrefix + strings.TrimSpace(card)
}

// normalizeName folds a portal display name to NFC. The portal emits
// decomposed sequences for accented package names depending on which
// backend page rendered them; composing here keeps equality checks and
// user display stable.
func normalizeName(s string) string {
	return unorm.NFC.String(strings.TrimSpace(s))
}

type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

func New(rdb *redis.Client) *Cache {
	return &Cache{
		rdb: rdb,
		log: logpkg.WithComponent("cardcache"),
	}
}

// GetPackages returns the cached package list for a card. The second
// return is false on any miss, including storage trouble.
func (c *Cache) GetPackages(ctx context.Context, card string) ([]model.Package, bool) {
	data, err := c.rdb.Get(ctx, packagesKey(card)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("packages cache read failed")
		return nil, false
	}

	var pkgs []model.Package
	if err := json.Unmarshal(data, &pkgs); err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("packages cache payload corrupt")
		_ = c.rdb.Del(ctx, packagesKey(card)).Err()
		return nil, false
	}
	return pkgs, true
}

// PutPackages caches the package list for a card, normalizing display
// names first. Last writer wins; the payload is derived from current
// portal truth either way.
func (c *Cache) PutPackages(ctx context.Context, card string, pkgs []model.Package) {
	normalized := make([]model.Package, len(pkgs))
	for i, p := range pkgs {
		p.Name = normalizeName(p.Name)
		normalized[i] = p
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("packages cache marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, packagesKey(card), data, PackagesTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("packages cache write failed")
	}
}

// InvalidatePackages drops the cached list after a successful purchase:
// the purchase itself changes what the portal will offer next.
func (c *Cache) InvalidatePackages(ctx context.Context, card string) {
	if err := c.rdb.Del(ctx, packagesKey(card)).Err(); err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("packages cache invalidate failed")
	}
}

// GetSTB returns the cached STB number for a card, if known.
func (c *Cache) GetSTB(ctx context.Context, card string) (string, bool) {
	stb, err := c.rdb.Get(ctx, stbKey(card)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("stb cache read failed")
		return "", false
	}
	if stb == "" {
		return "", false
	}
	return stb, true
}

// PutSTB caches the card's STB number. Empty values are not stored.
func (c *Cache) PutSTB(ctx context.Context, card, stb string) {
	stb = strings.TrimSpace(stb)
	if stb == "" {
		return
	}
	if err := c.rdb.Set(ctx, stbKey(card), stb, STBTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str(logpkg.FieldCardNumber, card).Msg("stb cache write failed")
	}
}
