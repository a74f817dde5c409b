package providers

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/model"
)

// DefaultCacheKey is the redis key holding the cached provider document.
const DefaultCacheKey = "zonemap:providers"

// DefaultCacheTTL is used when NewCachedSource is given a non-positive ttl.
const DefaultCacheTTL = 5 * time.Minute

// CachedSource serves provider lists from redis, falling back to an inner
// Fetcher on a miss. Redis errors are logged and treated as misses, so an
// unavailable cache never fails a fetch.
type CachedSource struct {
	inner  Fetcher
	client *redis.Client
	key    string
	ttl    time.Duration
	log    logging.Logger
}

// NewCachedSource wraps inner with a redis cache.
func NewCachedSource(inner Fetcher, client *redis.Client, ttl time.Duration, log logging.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = logging.Noop()
	}
	return &CachedSource{inner: inner, client: client, key: DefaultCacheKey, ttl: ttl, log: log}
}

// FetchProviders implements Fetcher.
func (c *CachedSource) FetchProviders(ctx context.Context) ([]*model.Provider, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	switch {
	case err == nil:
		list, derr := DecodeDocument(strings.NewReader(raw))
		if derr == nil {
			return list, nil
		}
		c.log.Warn(ctx, "provider cache entry unreadable", logging.Err(derr))
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn(ctx, "provider cache read failed", logging.Err(err))
	}

	list, err := c.inner.FetchProviders(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := EncodeDocument(&buf, list); err != nil {
		c.log.Warn(ctx, "provider cache encode failed", logging.Err(err))
		return list, nil
	}
	if err := c.client.Set(ctx, c.key, buf.String(), c.ttl).Err(); err != nil {
		c.log.Warn(ctx, "provider cache write failed", logging.Err(err))
	}
	return list, nil
}

// Invalidate drops the cached document so the next fetch hits the inner
// source.
func (c *CachedSource) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
