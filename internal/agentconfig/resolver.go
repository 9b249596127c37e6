package agentconfig

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrNotFound short-circuits call setup; the resolver never guesses.
var ErrNotFound = errors.New("agent config not found")

// Store loads agent configurations from persistent storage.
type Store interface {
	ByHandle(ctx context.Context, handle string) (*AgentConfig, error)
	LatestBySpace(ctx context.Context, spaceToken string) (*AgentConfig, error)
	ByPhone(ctx context.Context, phone string) (*AgentConfig, error)
	ByID(ctx context.Context, agentID string) (*AgentConfig, error)
}

// Bindings resolves a persisted session→agent binding.
type Bindings interface {
	AgentForSession(ctx context.Context, sessionID string) (string, error)
}

// Resolver derives the agent config for a session. Resolution order,
// first hit wins: SDK metadata handle, space token, inbound dialled
// number, persisted session binding.
type Resolver struct {
	store    Store
	bindings Bindings
	logger   *zap.Logger
}

// NewResolver creates a resolver over the given store and session bindings.
func NewResolver(store Store, bindings Bindings, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, bindings: bindings, logger: logger}
}

// Resolve returns the agent config for meta or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, meta SessionMetadata) (*AgentConfig, error) {
	if meta.AgentHandle != "" {
		return r.store.ByHandle(ctx, meta.AgentHandle)
	}

	if meta.SpaceToken != "" {
		return r.store.LatestBySpace(ctx, meta.SpaceToken)
	}

	if meta.InboundSIP && meta.DialedNumber != "" {
		normalized := NormalizePhone(meta.DialedNumber)
		cfg, err := r.store.ByPhone(ctx, normalized)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Junction rows predating normalization may hold the raw form.
		cfg, err = r.store.ByPhone(ctx, meta.DialedNumber)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		r.logger.Info("No agent bound to dialled number",
			zap.String("dialed", meta.DialedNumber),
			zap.String("normalized", normalized),
		)
		return nil, ErrNotFound
	}

	if meta.SessionID != "" && r.bindings != nil {
		agentID, err := r.bindings.AgentForSession(ctx, meta.SessionID)
		if err == nil && agentID != "" {
			return r.store.ByID(ctx, agentID)
		}
	}

	return nil, ErrNotFound
}

// NormalizePhone strips everything but digits and prepends "+".
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}
