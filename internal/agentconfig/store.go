package agentconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/db"
)

const sessionBindingPrefix = "session_agent:"

// SQLStore loads agent configs from the agents table. The provider and
// feature settings live in a JSON config column; identity columns are
// relational for lookup.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store over the shared pool.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

const agentColumns = `id, handle, name, company_name, space_token, config`

func (s *SQLStore) ByHandle(ctx context.Context, handle string) (*AgentConfig, error) {
	return s.one(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE handle = $1 LIMIT 1`, handle)
}

func (s *SQLStore) LatestBySpace(ctx context.Context, spaceToken string) (*AgentConfig, error) {
	return s.one(ctx,
		`SELECT `+agentColumns+` FROM agents
		  WHERE space_token = $1 ORDER BY created_at DESC LIMIT 1`, spaceToken)
}

func (s *SQLStore) ByPhone(ctx context.Context, phone string) (*AgentConfig, error) {
	return s.one(ctx,
		`SELECT `+agentColumns+` FROM agents a
		   JOIN agent_phone_numbers apn ON apn.agent_id = a.id
		  WHERE apn.phone_number = $1 LIMIT 1`, phone)
}

func (s *SQLStore) ByID(ctx context.Context, agentID string) (*AgentConfig, error) {
	return s.one(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 LIMIT 1`, agentID)
}

func (s *SQLStore) one(ctx context.Context, query string, args ...interface{}) (*AgentConfig, error) {
	rows, err := s.pool.QueryMaps(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]

	cfg := &AgentConfig{}
	if raw, ok := row["config"].([]byte); ok {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode agent config: %w", err)
		}
	}
	cfg.AgentID = str(row["id"])
	cfg.Handle = str(row["handle"])
	cfg.Name = str(row["name"])
	cfg.CompanyName = str(row["company_name"])
	cfg.SpaceToken = str(row["space_token"])
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Tone == "" {
		cfg.Tone = "professional"
	}
	return cfg, nil
}

func str(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// RedisBindings resolves persisted session→agent bindings from Redis.
type RedisBindings struct {
	redis *circuitbreaker.RedisWrapper
}

// NewRedisBindings creates the binding lookup.
func NewRedisBindings(redis *circuitbreaker.RedisWrapper) *RedisBindings {
	return &RedisBindings{redis: redis}
}

// AgentForSession returns the bound agent id or an error on no binding.
func (b *RedisBindings) AgentForSession(ctx context.Context, sessionID string) (string, error) {
	return b.redis.Get(ctx, sessionBindingPrefix+sessionID)
}
