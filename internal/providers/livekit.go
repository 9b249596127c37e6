package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const livekitTokenTTL = time.Hour

// NewLiveKitLLM builds the livekit-inference passthrough: an
// OpenAI-compatible gateway addressed with a token signed from the
// LiveKit inference key pair. Only wired when the process runs with
// AGENT_INFRA_MODE=inference.
func NewLiveKitLLM(serverURL, apiKey, apiSecret string, logger *zap.Logger) (LargeLanguageModel, error) {
	token, err := livekitAccessToken(apiKey, apiSecret, livekitTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("livekit inference token: %w", err)
	}
	base, err := livekitGatewayURL(serverURL)
	if err != nil {
		return nil, err
	}
	return NewOpenAI(token, base, logger).LLM(), nil
}

// livekitAccessToken signs a short-lived HS256 token the gateway
// accepts as a bearer credential.
func livekitAccessToken(apiKey, apiSecret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": apiKey,
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(apiSecret))
	if err != nil {
		return "", err
	}
	return signed, nil
}

// livekitGatewayURL maps a LiveKit server URL (ws:// or wss://) onto
// the HTTPS inference gateway base.
func livekitGatewayURL(serverURL string) (string, error) {
	if serverURL == "" {
		return "", fmt.Errorf("livekit inference: server url not configured")
	}
	base := serverURL
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	return strings.TrimRight(base, "/") + "/v1", nil
}
