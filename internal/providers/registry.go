package providers

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/config"
)

// Registry maps provider:model identifiers to adapters. Lookup tries
// the exact key first, then the provider wildcard "provider:*".
type Registry struct {
	stt map[string]SpeechToText
	llm map[string]LargeLanguageModel
	tts map[string]TextToSpeech
}

func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]SpeechToText),
		llm: make(map[string]LargeLanguageModel),
		tts: make(map[string]TextToSpeech),
	}
}

func (r *Registry) RegisterSTT(key string, p SpeechToText)       { r.stt[key] = p }
func (r *Registry) RegisterLLM(key string, p LargeLanguageModel) { r.llm[key] = p }
func (r *Registry) RegisterTTS(key string, p TextToSpeech)       { r.tts[key] = p }

// STT resolves a speech-to-text adapter for id ("provider:model").
func (r *Registry) STT(id string) (SpeechToText, error) {
	if p, ok := r.stt[id]; ok {
		return p, nil
	}
	if p, ok := r.stt[wildcard(id)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("stt %q: %w", id, ErrUnknownProvider)
}

// LLM resolves a language-model adapter for id.
func (r *Registry) LLM(id string) (LargeLanguageModel, error) {
	if p, ok := r.llm[id]; ok {
		return p, nil
	}
	if p, ok := r.llm[wildcard(id)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("llm %q: %w", id, ErrUnknownProvider)
}

// TTS resolves a text-to-speech adapter for id.
func (r *Registry) TTS(id string) (TextToSpeech, error) {
	if p, ok := r.tts[id]; ok {
		return p, nil
	}
	if p, ok := r.tts[wildcard(id)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("tts %q: %w", id, ErrUnknownProvider)
}

func wildcard(id string) string {
	provider, _, _ := strings.Cut(id, ":")
	return provider + ":*"
}

// Split breaks a "provider:model" identifier into its parts.
func Split(id string) (provider, model string) {
	provider, model, _ = strings.Cut(id, ":")
	return provider, model
}

// Default builds the registry for the recognized provider set. The
// livekit-inference passthrough is registered only when the process
// runs in inference infra mode and the key pair is present.
func Default(cfg *config.Config, logger *zap.Logger) *Registry {
	r := NewRegistry()
	p := cfg.Providers

	if p.DeepgramAPIKey != "" {
		r.RegisterSTT("deepgram:nova-3", NewDeepgramSTT(p.DeepgramAPIKey, logger))
	}
	if p.OpenAIAPIKey != "" {
		oa := NewOpenAI(p.OpenAIAPIKey, "", logger)
		r.RegisterSTT("openai:*", oa)
		r.RegisterLLM("openai:*", oa.LLM())
		r.RegisterTTS("openai:*", oa.TTS())
	}
	if p.AnthropicAPIKey != "" {
		r.RegisterLLM("anthropic:*", NewAnthropicLLM(p.AnthropicAPIKey, logger))
	}
	if p.GoogleAPIKey != "" {
		r.RegisterLLM("google:*", NewGoogleLLM(p.GoogleAPIKey, logger))
	}
	if p.GroqAPIKey != "" {
		r.RegisterLLM("groq:*", NewGroqLLM(p.GroqAPIKey, logger))
	}
	if p.CartesiaAPIKey != "" {
		r.RegisterTTS("cartesia:sonic-3", NewCartesiaTTS(p.CartesiaAPIKey, logger))
	}
	if p.InfraMode == "inference" && p.LiveKitInferKey != "" && p.LiveKitInferSecret != "" {
		lk, err := NewLiveKitLLM(p.LiveKitURL, p.LiveKitInferKey, p.LiveKitInferSecret, logger)
		if err != nil {
			logger.Warn("livekit inference passthrough disabled", zap.Error(err))
		} else {
			r.RegisterLLM("livekit-inference:*", lk)
		}
	}
	return r
}
