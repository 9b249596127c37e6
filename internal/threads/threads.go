package threads

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/db"
)

// Privacy tiers.
const (
	PrivacyPublic  = "public"
	PrivacySpace   = "space"
	PrivacyPrivate = "private"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrAccessDenied   = errors.New("thread access denied")
)

// Thread is a conversation scope: participants, access policy, privacy
// tier, and an optional space and agent binding.
type Thread struct {
	ID      string
	SpaceID string
	AgentID string
	Privacy string
}

// Service validates thread access against the participant grants table.
type Service struct {
	pool   *db.Pool
	logger *zap.Logger
}

// NewService creates the thread access service.
func NewService(pool *db.Pool, logger *zap.Logger) *Service {
	return &Service{pool: pool, logger: logger}
}

// Get loads a thread record.
func (s *Service) Get(ctx context.Context, threadID string) (*Thread, error) {
	rows, err := s.pool.QueryMaps(ctx,
		`SELECT id, space_id, agent_id, privacy FROM threads WHERE id = $1`, threadID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	row := rows[0]
	return &Thread{
		ID:      str(row["id"]),
		SpaceID: str(row["space_id"]),
		AgentID: str(row["agent_id"]),
		Privacy: str(row["privacy"]),
	}, nil
}

// CheckAccess enforces the access policy for a websocket participant.
// A participant's presence implies a non-revoked grant; anonymous
// identities never obtain write access to non-public threads.
func (s *Service) CheckAccess(ctx context.Context, threadID string, user *auth.UserIdentity) error {
	thread, err := s.Get(ctx, threadID)
	if err != nil {
		return err
	}

	if thread.Privacy == PrivacyPublic {
		return nil
	}
	if user.Anonymous {
		return fmt.Errorf("%w: anonymous users cannot join %s threads", ErrAccessDenied, thread.Privacy)
	}

	rows, err := s.pool.QueryMaps(ctx,
		`SELECT 1 FROM thread_participants
		  WHERE thread_id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		threadID, user.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: no grant for user %s", ErrAccessDenied, user.ID)
	}
	return nil
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
