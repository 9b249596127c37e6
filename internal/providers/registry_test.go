package providers

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/config"
)

type fakeSTT struct{ name string }

func (fakeSTT) Open(context.Context, Config) (STTSession, error) { return nil, nil }

func TestRegistryExactMatchWinsOverWildcard(t *testing.T) {
	r := NewRegistry()
	exact, wild := fakeSTT{name: "exact"}, fakeSTT{name: "wild"}
	r.RegisterSTT("deepgram:nova-3", exact)
	r.RegisterSTT("deepgram:*", wild)

	got, err := r.STT("deepgram:nova-3")
	require.NoError(t, err)
	assert.Equal(t, exact, got)
}

func TestRegistryWildcardCoversAnyModel(t *testing.T) {
	r := NewRegistry()
	r.RegisterSTT("openai:*", fakeSTT{})

	_, err := r.STT("openai:whisper-1")
	assert.NoError(t, err)
	_, err = r.STT("openai:gpt-4o-transcribe")
	assert.NoError(t, err)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.STT("acme:model")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = r.LLM("acme:model")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = r.TTS("acme:model")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSplit(t *testing.T) {
	p, m := Split("anthropic:claude-sonnet-4-20250514")
	assert.Equal(t, "anthropic", p)
	assert.Equal(t, "claude-sonnet-4-20250514", m)
}

func TestDefaultRegistryGatesLiveKitOnInfraMode(t *testing.T) {
	logger := zap.NewNop()

	cfg := &config.Config{}
	cfg.Providers.LiveKitInferKey = "key"
	cfg.Providers.LiveKitInferSecret = "secret"
	cfg.Providers.LiveKitURL = "wss://example.livekit.cloud"

	r := Default(cfg, logger)
	_, err := r.LLM("livekit-inference:any")
	assert.ErrorIs(t, err, ErrUnknownProvider, "not in inference mode")

	cfg.Providers.InfraMode = "inference"
	r = Default(cfg, logger)
	_, err = r.LLM("livekit-inference:any")
	assert.NoError(t, err)
}

func TestLiveKitAccessTokenSignedWithSecret(t *testing.T) {
	signed, err := livekitAccessToken("api-key", "api-secret", time.Hour)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (interface{}, error) {
		return []byte("api-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "api-key", claims["iss"])
}

func TestLiveKitGatewayURL(t *testing.T) {
	base, err := livekitGatewayURL("wss://example.livekit.cloud/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.livekit.cloud/v1", base)

	_, err = livekitGatewayURL("")
	assert.Error(t, err)
}
