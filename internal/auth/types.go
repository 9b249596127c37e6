package auth

import "fmt"

// UserIdentity is the resolved identity attached to a websocket session or
// HTTP request.
type UserIdentity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
	Active    bool   `json:"active"`
	Anonymous bool   `json:"anonymous"`
	Token     string `json:"token,omitempty"`
}

// Stable authorization failure codes surfaced at protocol boundaries.
const (
	CodeInvalidScheme     = "invalid_scheme"
	CodeTokenExpired      = "token_expired"
	CodeInvalidSignature  = "invalid_signature"
	CodeMalformedToken    = "malformed_token"
	CodeUnknownUser       = "unknown_user"
	CodeMissingCredential = "missing_credential"
)

// AuthError is a tagged authorization failure with a stable code and a
// short human-readable reason.
type AuthError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func newAuthError(code, reason string) *AuthError {
	return &AuthError{Code: code, Reason: reason}
}
