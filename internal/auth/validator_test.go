package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-signing-secret"

type fakeResolver struct {
	identity *UserIdentity
	err      error
	lastSig  string
}

func (f *fakeResolver) ResolveToken(_ context.Context, sig, email, token string) (*UserIdentity, error) {
	f.lastSig = sig
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

func signToken(t *testing.T, email string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"email": email,
		"exp":   exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestValidateJWTScheme(t *testing.T) {
	resolver := &fakeResolver{identity: &UserIdentity{ID: "u1", Email: "a@b.co", Active: true}}
	v := NewValidator(testSecret, "unpod.tv", resolver, zap.NewNop())

	token := signToken(t, "a@b.co", time.Now().Add(time.Hour))
	identity, authErr := v.Validate(context.Background(), "JWT "+token, nil)
	require.Nil(t, authErr)
	assert.Equal(t, "u1", identity.ID)
	assert.NotEmpty(t, resolver.lastSig)
}

func TestValidateBearerScheme(t *testing.T) {
	resolver := &fakeResolver{identity: &UserIdentity{ID: "u2"}}
	v := NewValidator(testSecret, "unpod.tv", resolver, zap.NewNop())

	token := signToken(t, "a@b.co", time.Now().Add(time.Hour))
	identity, authErr := v.Validate(context.Background(), "Bearer "+token, nil)
	require.Nil(t, authErr)
	assert.Equal(t, "u2", identity.ID)
}

func TestValidateExpiredToken(t *testing.T) {
	v := NewValidator(testSecret, "unpod.tv", &fakeResolver{}, zap.NewNop())

	token := signToken(t, "a@b.co", time.Now().Add(-time.Hour))
	_, authErr := v.Validate(context.Background(), "JWT "+token, nil)
	require.NotNil(t, authErr)
	assert.Equal(t, CodeTokenExpired, authErr.Code)
}

func TestValidateBadSignature(t *testing.T) {
	v := NewValidator(testSecret, "unpod.tv", &fakeResolver{}, zap.NewNop())

	claims := jwt.MapClaims{"email": "a@b.co", "exp": time.Now().Add(time.Hour).Unix()}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, authErr := v.Validate(context.Background(), "JWT "+forged, nil)
	require.NotNil(t, authErr)
	assert.Equal(t, CodeInvalidSignature, authErr.Code)
}

func TestValidateUnknownUser(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("no such user")}
	v := NewValidator(testSecret, "unpod.tv", resolver, zap.NewNop())

	token := signToken(t, "ghost@b.co", time.Now().Add(time.Hour))
	_, authErr := v.Validate(context.Background(), "JWT "+token, nil)
	require.NotNil(t, authErr)
	assert.Equal(t, CodeUnknownUser, authErr.Code)
	assert.Equal(t, "Invalid Token / User", authErr.Reason)
}

func TestValidateUnsupportedScheme(t *testing.T) {
	v := NewValidator(testSecret, "unpod.tv", &fakeResolver{}, zap.NewNop())
	_, authErr := v.Validate(context.Background(), "Basic dXNlcjpwYXNz", nil)
	require.NotNil(t, authErr)
	assert.Equal(t, CodeInvalidScheme, authErr.Code)
}

func TestValidateAnonymousSession(t *testing.T) {
	v := NewValidator(testSecret, "unpod.tv", &fakeResolver{}, zap.NewNop())

	query := url.Values{"session_user": []string{"guest42"}}
	identity, authErr := v.Validate(context.Background(), "", query)
	require.Nil(t, authErr)
	assert.True(t, identity.Anonymous)
	assert.Equal(t, "Anonymous User", identity.FullName)
	assert.Equal(t, "anonymous."+identity.ID+"@unpod.tv", identity.Email)

	// Deterministic: same handle, same identity.
	again, _ := v.Validate(context.Background(), "", query)
	assert.Equal(t, identity.ID, again.ID)
}

func TestValidateNoCredential(t *testing.T) {
	v := NewValidator(testSecret, "unpod.tv", &fakeResolver{}, zap.NewNop())
	_, authErr := v.Validate(context.Background(), "", url.Values{})
	require.NotNil(t, authErr)
	assert.Equal(t, CodeMissingCredential, authErr.Code)
}
