package auth

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// IdentityResolver maps a validated token to a stored user identity. The
// production implementation is the write-through identity cache; tests
// substitute a fake.
type IdentityResolver interface {
	// ResolveToken returns the identity for the token whose signature
	// segment is signature and whose verified claims include email.
	ResolveToken(ctx context.Context, signature, email, token string) (*UserIdentity, error)
}

// Validator decodes and validates bearer credentials carried on the
// websocket upgrade or an HTTP request.
type Validator struct {
	signingKey      []byte
	anonymousDomain string
	resolver        IdentityResolver
	logger          *zap.Logger
}

// NewValidator creates a validator signing-key checked against secret.
func NewValidator(secret, anonymousDomain string, resolver IdentityResolver, logger *zap.Logger) *Validator {
	return &Validator{
		signingKey:      []byte(secret),
		anonymousDomain: anonymousDomain,
		resolver:        resolver,
		logger:          logger,
	}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email  string `json:"email"`
	UserID string `json:"user_id"`
}

// Validate resolves a UserIdentity from the Authorization header or, for
// unauthenticated sessions, the session_user query parameter. Recognized
// schemes are "JWT <token>" and "Bearer <token>".
func (v *Validator) Validate(ctx context.Context, authHeader string, query url.Values) (*UserIdentity, *AuthError) {
	if authHeader != "" {
		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || token == "" {
			return nil, newAuthError(CodeInvalidScheme, "malformed authorization header")
		}
		switch scheme {
		case "JWT", "Bearer":
			return v.validateToken(ctx, token)
		default:
			return nil, newAuthError(CodeInvalidScheme, fmt.Sprintf("unsupported scheme %q", scheme))
		}
	}

	if sessionUser := query.Get("session_user"); sessionUser != "" {
		return v.anonymousIdentity(sessionUser), nil
	}

	return nil, newAuthError(CodeMissingCredential, "no credential supplied")
}

func (v *Validator) validateToken(ctx context.Context, token string) (*UserIdentity, *AuthError) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "token is expired"):
			return nil, newAuthError(CodeTokenExpired, "token expiry is in the past")
		case strings.Contains(err.Error(), "signature is invalid"):
			return nil, newAuthError(CodeInvalidSignature, "token signature could not be verified")
		default:
			return nil, newAuthError(CodeMalformedToken, "token could not be decoded")
		}
	}
	if !parsed.Valid {
		return nil, newAuthError(CodeInvalidSignature, "token is not valid")
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil || exp.Before(time.Now()) {
		return nil, newAuthError(CodeTokenExpired, "token expiry is in the past")
	}

	// The signature segment keys the identity cache.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, newAuthError(CodeMalformedToken, "token is not a compact JWS")
	}

	identity, err := v.resolver.ResolveToken(ctx, parts[2], claims.Email, token)
	if err != nil {
		v.logger.Warn("Token valid but user resolution failed",
			zap.String("email", claims.Email),
			zap.Error(err),
		)
		return nil, newAuthError(CodeUnknownUser, "Invalid Token / User")
	}
	return identity, nil
}

// anonymousIdentity derives a deterministic synthetic identity from the
// caller-chosen session handle.
func (v *Validator) anonymousIdentity(sessionUser string) *UserIdentity {
	h := fnv.New64a()
	h.Write([]byte(sessionUser))
	id := fmt.Sprintf("%x", h.Sum64())
	return &UserIdentity{
		ID:        id,
		Email:     fmt.Sprintf("anonymous.%s@%s", id, v.anonymousDomain),
		Username:  sessionUser,
		FullName:  "Anonymous User",
		Active:    true,
		Anonymous: true,
	}
}
