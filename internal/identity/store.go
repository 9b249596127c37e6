package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/db"
)

// ErrUserNotFound indicates the email has no active user record.
var ErrUserNotFound = errors.New("user not found")

// SQLUserStore reads the user projection from the platform user table.
type SQLUserStore struct {
	pool *db.Pool
}

// NewSQLUserStore creates a store over the shared pool.
func NewSQLUserStore(pool *db.Pool) *SQLUserStore {
	return &SQLUserStore{pool: pool}
}

// GetByEmail assembles the cached identity projection.
func (s *SQLUserStore) GetByEmail(ctx context.Context, email string) (*auth.UserIdentity, error) {
	rows, err := s.pool.QueryMaps(ctx,
		`SELECT id, email, username, first_name, last_name, is_active
		   FROM users WHERE email = $1 LIMIT 1`, email)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	row := rows[0]

	identity := &auth.UserIdentity{
		ID:        asString(row["id"]),
		Email:     asString(row["email"]),
		Username:  asString(row["username"]),
		FirstName: asString(row["first_name"]),
		LastName:  asString(row["last_name"]),
	}
	if active, ok := row["is_active"].(bool); ok {
		identity.Active = active
	}
	identity.FullName = joinName(identity.FirstName, identity.LastName)
	return identity, nil
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
