package consumer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *circuitbreaker.RedisWrapper) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, circuitbreaker.NewRedisWrapper(client, zap.NewNop())
}

func TestCountersClaimRelease(t *testing.T) {
	_, rw := testRedis(t)
	c := NewCounters(rw, []string{"livekit", "plivo"})
	ctx := context.Background()

	n, err := c.ProviderCount(ctx, tasks.TierNormal, "livekit")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "missing key reads as zero")

	require.NoError(t, c.Claim(ctx, tasks.TierNormal, "livekit"))
	require.NoError(t, c.Claim(ctx, tasks.TierNormal, "livekit"))

	n, err = c.ProviderCount(ctx, tasks.TierNormal, "livekit")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, c.Release(ctx, tasks.TierNormal, "livekit"))
	n, err = c.ProviderCount(ctx, tasks.TierNormal, "livekit")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCountersTierSumsProviders(t *testing.T) {
	_, rw := testRedis(t)
	c := NewCounters(rw, []string{"livekit", "plivo"})
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, tasks.TierNormal, "livekit"))
	require.NoError(t, c.Claim(ctx, tasks.TierNormal, "plivo"))
	require.NoError(t, c.Claim(ctx, tasks.TierNormal, "plivo"))
	// A different tier must not leak into the total.
	require.NoError(t, c.Claim(ctx, tasks.TierBulk, "plivo"))

	n, err := c.TierCount(ctx, tasks.TierNormal)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = c.TierCount(ctx, tasks.TierBulk)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCountersReleaseClampsAtZero(t *testing.T) {
	_, rw := testRedis(t)
	c := NewCounters(rw, []string{"livekit"})
	ctx := context.Background()

	// Release without a claim: a crashed process double-released.
	require.NoError(t, c.Release(ctx, tasks.TierBulk, "livekit"))

	n, err := c.ProviderCount(ctx, tasks.TierBulk, "livekit")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = c.TierCount(ctx, tasks.TierBulk)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
