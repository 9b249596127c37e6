package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *circuitbreaker.RedisWrapper) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, circuitbreaker.NewRedisWrapper(client, zap.NewNop())
}

func TestEmbedServedFromRedisCache(t *testing.T) {
	mr, rw := testRedis(t)
	// API key is never used when the cache hits.
	e := NewEmbedder("test-key-unused", rw, zap.NewNop())

	want := []float32{0.1, 0.2, 0.3}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	require.NoError(t, mr.Set(embedKey("hello world"), string(raw)))

	got, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEmbedLRUSurvivesRedisEviction(t *testing.T) {
	mr, rw := testRedis(t)
	e := NewEmbedder("test-key-unused", rw, zap.NewNop())

	want := []float32{0.5, 0.5}
	raw, _ := json.Marshal(want)
	require.NoError(t, mr.Set(embedKey("cached text"), string(raw)))

	_, err := e.Embed(context.Background(), "cached text")
	require.NoError(t, err)

	// Redis loses the key; the in-process LRU still answers.
	mr.Del(embedKey("cached text"))
	got, err := e.Embed(context.Background(), "cached text")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEmbedLRUEvictsOldest(t *testing.T) {
	e := NewEmbedder("test-key-unused", nil, zap.NewNop())

	for i := 0; i < embedLRUSize+10; i++ {
		e.lruPut(fmt.Sprintf("key-%d", i), []float32{float32(i)})
	}
	assert.Equal(t, embedLRUSize, e.lru.Len())

	_, ok := e.lruGet("key-0")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = e.lruGet(fmt.Sprintf("key-%d", embedLRUSize+9))
	assert.True(t, ok)
}

func TestEmbedKeyIsStable(t *testing.T) {
	assert.Equal(t, embedKey("same text"), embedKey("same text"))
	assert.NotEqual(t, embedKey("one"), embedKey("two"))
	assert.Contains(t, embedKey("x"), "embedding:")
}
