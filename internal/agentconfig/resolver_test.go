package agentconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	byHandle map[string]*AgentConfig
	bySpace  map[string]*AgentConfig
	byPhone  map[string]*AgentConfig
	byID     map[string]*AgentConfig
}

func (f *fakeStore) lookup(m map[string]*AgentConfig, key string) (*AgentConfig, error) {
	if cfg, ok := m[key]; ok {
		return cfg, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) ByHandle(_ context.Context, h string) (*AgentConfig, error) {
	return f.lookup(f.byHandle, h)
}
func (f *fakeStore) LatestBySpace(_ context.Context, s string) (*AgentConfig, error) {
	return f.lookup(f.bySpace, s)
}
func (f *fakeStore) ByPhone(_ context.Context, p string) (*AgentConfig, error) {
	return f.lookup(f.byPhone, p)
}
func (f *fakeStore) ByID(_ context.Context, id string) (*AgentConfig, error) {
	return f.lookup(f.byID, id)
}

type fakeBindings map[string]string

func (f fakeBindings) AgentForSession(_ context.Context, sid string) (string, error) {
	if id, ok := f[sid]; ok {
		return id, nil
	}
	return "", errors.New("no binding")
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+919876543210", NormalizePhone("+91 98765 43210"))
	assert.Equal(t, "+919876543210", NormalizePhone("919876543210"))
	assert.Equal(t, "+4155550123", NormalizePhone("(415) 555-0123"))
	assert.Equal(t, "", NormalizePhone("no digits"))
}

func TestResolveHandleWinsFirst(t *testing.T) {
	store := &fakeStore{
		byHandle: map[string]*AgentConfig{"support-bot": {AgentID: "a1"}},
		bySpace:  map[string]*AgentConfig{"sp1": {AgentID: "a2"}},
	}
	r := NewResolver(store, nil, zap.NewNop())

	cfg, err := r.Resolve(context.Background(), SessionMetadata{
		AgentHandle: "support-bot",
		SpaceToken:  "sp1",
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", cfg.AgentID)
}

func TestResolveSpaceToken(t *testing.T) {
	store := &fakeStore{bySpace: map[string]*AgentConfig{"sp1": {AgentID: "a2"}}}
	r := NewResolver(store, nil, zap.NewNop())

	cfg, err := r.Resolve(context.Background(), SessionMetadata{SpaceToken: "sp1"})
	require.NoError(t, err)
	assert.Equal(t, "a2", cfg.AgentID)
}

func TestResolveInboundPhoneNormalizedFirst(t *testing.T) {
	store := &fakeStore{byPhone: map[string]*AgentConfig{"+919876543210": {AgentID: "a3"}}}
	r := NewResolver(store, nil, zap.NewNop())

	cfg, err := r.Resolve(context.Background(), SessionMetadata{
		InboundSIP:   true,
		DialedNumber: "+91 98765 43210",
	})
	require.NoError(t, err)
	assert.Equal(t, "a3", cfg.AgentID)
}

func TestResolveInboundPhoneFallsBackToRaw(t *testing.T) {
	store := &fakeStore{byPhone: map[string]*AgentConfig{"91-98765-43210": {AgentID: "a4"}}}
	r := NewResolver(store, nil, zap.NewNop())

	cfg, err := r.Resolve(context.Background(), SessionMetadata{
		InboundSIP:   true,
		DialedNumber: "91-98765-43210",
	})
	require.NoError(t, err)
	assert.Equal(t, "a4", cfg.AgentID)
}

func TestResolveInboundPhoneNotFound(t *testing.T) {
	r := NewResolver(&fakeStore{byPhone: map[string]*AgentConfig{}}, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), SessionMetadata{
		InboundSIP:   true,
		DialedNumber: "+1 555 000 0000",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSessionBinding(t *testing.T) {
	store := &fakeStore{byID: map[string]*AgentConfig{"a5": {AgentID: "a5"}}}
	r := NewResolver(store, fakeBindings{"sess1": "a5"}, zap.NewNop())

	cfg, err := r.Resolve(context.Background(), SessionMetadata{SessionID: "sess1"})
	require.NoError(t, err)
	assert.Equal(t, "a5", cfg.AgentID)
}

func TestResolveNothingMatches(t *testing.T) {
	r := NewResolver(&fakeStore{}, fakeBindings{}, zap.NewNop())
	_, err := r.Resolve(context.Background(), SessionMetadata{SessionID: "unknown"})
	assert.ErrorIs(t, err, ErrNotFound)
}
