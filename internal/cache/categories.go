// Package cache fronts the category weight table with Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "greenpoint:category"
	// missing marks a code known to be absent from the table.
	missing = "-"
)

// CategorySource is the authoritative category lookup.
type CategorySource interface {
	GetCategory(ctx context.Context, code string) (*domain.Category, error)
}

// Categories is a read-through cache of category weights. Redis errors fall through
// to the source; they never fail a lookup.
type Categories struct {
	client redis.UniversalClient
	source CategorySource
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

func NewCategories(client redis.UniversalClient, source CategorySource, ttl time.Duration, prefix string) *Categories {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Categories{
		client: client,
		source: source,
		ttl:    ttl,
		prefix: prefix,
		log:    logger.Component("category_cache"),
	}
}

func (c *Categories) key(code string) string {
	return c.prefix + ":" + code
}

// GetCategory returns the cached category or loads it from the source.
func (c *Categories) GetCategory(ctx context.Context, code string) (*domain.Category, error) {
	raw, err := c.client.Get(ctx, c.key(code)).Result()
	switch {
	case err == nil:
		if raw == missing {
			return nil, store.ErrCategoryNotFound
		}
		var cat domain.Category
		if jsonErr := json.Unmarshal([]byte(raw), &cat); jsonErr == nil {
			return &cat, nil
		}
		c.log.Warn("discarding undecodable cache entry", "code", code)
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("category cache read failed", "code", code, "error", err)
	}

	cat, err := c.source.GetCategory(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrCategoryNotFound) {
			c.set(ctx, code, missing)
		}
		return nil, err
	}
	if payload, jsonErr := json.Marshal(cat); jsonErr == nil {
		c.set(ctx, code, string(payload))
	}
	return cat, nil
}

// Invalidate drops a cached code, e.g. after its weight changed.
func (c *Categories) Invalidate(ctx context.Context, code string) error {
	return c.client.Del(ctx, c.key(code)).Err()
}

func (c *Categories) set(ctx context.Context, code, value string) {
	if err := c.client.Set(ctx, c.key(code), value, c.ttl).Err(); err != nil {
		c.log.Warn("category cache write failed", "code", code, "error", err)
	}
}
