package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
)

type countingStore struct {
	identity *auth.UserIdentity
	err      error
	calls    int
}

func (s *countingStore) GetByEmail(_ context.Context, _ string) (*auth.UserIdentity, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.identity
	return &cp, nil
}

func newTestCache(t *testing.T, store UserStore) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rw := circuitbreaker.NewRedisWrapper(client, zap.NewNop())
	return NewCache(rw, store, zap.NewNop()), mr
}

func TestResolveTokenMissThenHit(t *testing.T) {
	store := &countingStore{identity: &auth.UserIdentity{ID: "u1", Email: "a@b.co", Active: true}}
	cache, mr := newTestCache(t, store)
	ctx := context.Background()

	identity, err := cache.ResolveToken(ctx, "sigA", "a@b.co", "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.ID)
	assert.Equal(t, "tok", identity.Token)
	assert.Equal(t, 1, store.calls)

	// Second resolution served from Redis without touching the store.
	identity, err = cache.ResolveToken(ctx, "sigA", "a@b.co", "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.ID)
	assert.Equal(t, 1, store.calls)

	ttl := mr.TTL("signature:sigA")
	assert.Equal(t, time.Hour, ttl)
}

func TestResolveTokenExpiryForcesStoreLookup(t *testing.T) {
	store := &countingStore{identity: &auth.UserIdentity{ID: "u1", Email: "a@b.co"}}
	cache, mr := newTestCache(t, store)
	ctx := context.Background()

	_, err := cache.ResolveToken(ctx, "sigB", "a@b.co", "tok")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, err = cache.ResolveToken(ctx, "sigB", "a@b.co", "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestResolveTokenUnknownUser(t *testing.T) {
	store := &countingStore{err: errors.New("no row")}
	cache, _ := newTestCache(t, store)

	_, err := cache.ResolveToken(context.Background(), "sigC", "ghost@b.co", "tok")
	require.Error(t, err)
}
