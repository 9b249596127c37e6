package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/metrics"
)

const (
	keyPrefix = "signature:"
	cacheTTL  = time.Hour
)

// UserStore looks a user up in the backing user database.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*auth.UserIdentity, error)
}

// Cache maps a token's signature segment to a user projection with a
// one-hour TTL, writing through to Redis. Concurrent writers may overwrite
// each other; last writer wins.
type Cache struct {
	redis  *circuitbreaker.RedisWrapper
	store  UserStore
	logger *zap.Logger
}

// NewCache creates the write-through identity cache.
func NewCache(redis *circuitbreaker.RedisWrapper, store UserStore, logger *zap.Logger) *Cache {
	return &Cache{redis: redis, store: store, logger: logger}
}

// ResolveToken implements auth.IdentityResolver.
func (c *Cache) ResolveToken(ctx context.Context, signature, email, token string) (*auth.UserIdentity, error) {
	key := keyPrefix + signature

	if data, err := c.redis.Get(ctx, key); err == nil {
		var identity auth.UserIdentity
		if err := json.Unmarshal([]byte(data), &identity); err == nil {
			metrics.IdentityCacheHits.Inc()
			return &identity, nil
		}
		// Corrupt entry; fall through to the store and overwrite.
		c.logger.Warn("Discarding unreadable identity cache entry", zap.String("key", key))
	}
	metrics.IdentityCacheMisses.Inc()

	identity, err := c.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	identity.Token = token

	if data, err := json.Marshal(identity); err == nil {
		if err := c.redis.Set(ctx, key, data, cacheTTL); err != nil {
			// Cache write failure is not a resolution failure.
			c.logger.Warn("Identity cache write failed", zap.Error(err))
		}
	}
	return identity, nil
}
