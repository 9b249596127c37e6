// Package providers defines the speech-to-text, language-model, and
// text-to-speech adapter contracts and the concrete adapters for the
// recognized provider set. Adapters are opened per call; a Session owns
// its network connection and is closed when the call ends.
package providers

import (
	"context"
	"errors"
	"time"
)

// ErrNoAudioFrames reports a synthesis attempt that completed without
// producing any audio. Callers may retry once with transliterated input.
var ErrNoAudioFrames = errors.New("no audio frames were pushed")

// ErrUnknownProvider reports a provider:model identifier with no
// registered adapter.
var ErrUnknownProvider = errors.New("unknown provider")

// Config parameterizes a single adapter session.
type Config struct {
	Provider string
	Model    string
	Voice    string // TTS voice identifier
	Language string // BCP-47-ish; "multi" is allowed for deepgram

	SampleRate     int           // PCM sample rate for audio transport
	SilenceTimeout time.Duration // STT: finalize after this much silence
	ChunkTimeout   time.Duration // TTS: deadline per audio chunk
	TotalTimeout   time.Duration // LLM: deadline for the full generation
}

// Message is one turn of LLM context.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Transcript is one recognition result. Final marks the end of an
// utterance; interim results carry Final=false and may be revised.
type Transcript struct {
	Text  string
	Final bool
	Err   error
}

// TextChunk is one streamed LLM delta. The terminal chunk has Done=true
// and, when the provider reports it, token usage.
type TextChunk struct {
	Text   string
	Done   bool
	Tokens int // completion tokens, terminal chunk only
	Err    error
}

// AudioChunk is one streamed TTS frame.
type AudioChunk struct {
	Data []byte
	Err  error
}

// STTSession streams caller audio in and transcripts out. SendAudio is
// safe to call until Close; Results is closed after the final
// transcript or an error.
type STTSession interface {
	SendAudio(ctx context.Context, frame []byte) error
	Results() <-chan Transcript
	Close() error
}

// LLMSession generates one streamed completion per Generate call.
// The returned channel is closed after the terminal chunk.
type LLMSession interface {
	Generate(ctx context.Context, msgs []Message) (<-chan TextChunk, error)
	Close() error
}

// TTSSession synthesizes one utterance per Synthesize call. The channel
// is closed after the last frame; a stream that ends without frames
// carries ErrNoAudioFrames.
type TTSSession interface {
	Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error)
	Close() error
}

// SpeechToText opens streaming recognition sessions.
type SpeechToText interface {
	Open(ctx context.Context, cfg Config) (STTSession, error)
}

// LargeLanguageModel opens generation sessions.
type LargeLanguageModel interface {
	Open(ctx context.Context, cfg Config) (LLMSession, error)
}

// TextToSpeech opens synthesis sessions.
type TextToSpeech interface {
	Open(ctx context.Context, cfg Config) (TTSSession, error)
}
