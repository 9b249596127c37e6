// Package consumer runs the tiered task consumer pool: Kafka readers
// per tier, Redis-backed worker accounting shared across processes, a
// latency recorder, and the stuck-task reconciler.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

// Counters tracks in-flight workers per tier and provider in Redis so
// every consumer process sees the same view. Counters are advisory:
// the reconciler repairs drift from crashed workers.
type Counters struct {
	redis     *circuitbreaker.RedisWrapper
	providers []string // known providers, for tier totals
}

func NewCounters(rw *circuitbreaker.RedisWrapper, providers []string) *Counters {
	return &Counters{redis: rw, providers: providers}
}

func counterKey(tier tasks.Tier, provider string) string {
	return fmt.Sprintf("%s_%s_call_workers", tier, provider)
}

// TierCount sums the per-provider counters of one tier.
func (c *Counters) TierCount(ctx context.Context, tier tasks.Tier) (int64, error) {
	var total int64
	for _, p := range c.providers {
		n, err := c.get(ctx, counterKey(tier, p))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ProviderCount reads one tier+provider counter.
func (c *Counters) ProviderCount(ctx context.Context, tier tasks.Tier, provider string) (int64, error) {
	return c.get(ctx, counterKey(tier, provider))
}

// Claim increments the counter for a dispatched task.
func (c *Counters) Claim(ctx context.Context, tier tasks.Tier, provider string) error {
	_, err := c.redis.IncrBy(ctx, counterKey(tier, provider), 1)
	return err
}

// Release decrements on completion or abort, clamping at zero.
func (c *Counters) Release(ctx context.Context, tier tasks.Tier, provider string) error {
	n, err := c.redis.DecrBy(ctx, counterKey(tier, provider), 1)
	if err != nil {
		return err
	}
	if n < 0 {
		// A crashed process released more than it claimed.
		return c.redis.Set(ctx, counterKey(tier, provider), 0, 0)
	}
	return nil
}

func (c *Counters) get(ctx context.Context, key string) (int64, error) {
	raw, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds %q: %w", key, raw, err)
	}
	return n, nil
}
