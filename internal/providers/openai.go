package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI serves all three adapter roles through the OpenAI API:
// Whisper-style transcription, streamed chat completion, and speech
// synthesis. The same type also backs OpenAI-compatible endpoints
// (Groq, livekit-inference) via a custom base URL.
type OpenAI struct {
	client *openai.Client
	logger *zap.Logger
}

func NewOpenAI(apiKey, baseURL string, logger *zap.Logger) *OpenAI {
	c := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		c.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(c), logger: logger}
}

// NewGroqLLM targets Groq's OpenAI-compatible endpoint.
func NewGroqLLM(apiKey string, logger *zap.Logger) LargeLanguageModel {
	return NewOpenAI(apiKey, "https://api.groq.com/openai/v1", logger).LLM()
}

// The three adapter interfaces all name their factory method Open, so
// the shared client exposes one view per role.

type openaiLLMFactory struct{ o *OpenAI }

func (f openaiLLMFactory) Open(ctx context.Context, cfg Config) (LLMSession, error) {
	return f.o.openLLM(ctx, cfg)
}

type openaiTTSFactory struct{ o *OpenAI }

func (f openaiTTSFactory) Open(ctx context.Context, cfg Config) (TTSSession, error) {
	return f.o.openTTS(ctx, cfg)
}

// LLM returns the language-model view of the client.
func (o *OpenAI) LLM() LargeLanguageModel { return openaiLLMFactory{o} }

// TTS returns the synthesis view of the client.
func (o *OpenAI) TTS() TextToSpeech { return openaiTTSFactory{o} }

// --- STT ---

// openaiSTT buffers audio frames and transcribes a segment after the
// configured silence window elapses without new audio.
type openaiSTT struct {
	parent  *OpenAI
	cfg     Config
	results chan Transcript

	mu     sync.Mutex
	buf    bytes.Buffer
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup
}

func (o *OpenAI) Open(ctx context.Context, cfg Config) (STTSession, error) {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 5 * time.Second
	}
	s := &openaiSTT{parent: o, cfg: cfg, results: make(chan Transcript, 8)}
	return s, nil
}

func (s *openaiSTT) SendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stt session closed")
	}
	s.buf.Write(frame)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.SilenceTimeout, s.finalizeSegment)
	} else {
		s.timer.Reset(s.cfg.SilenceTimeout)
	}
	return nil
}

// finalizeSegment runs on the silence timer: the buffered audio is one
// utterance.
func (s *openaiSTT) finalizeSegment() {
	s.mu.Lock()
	if s.closed || s.buf.Len() == 0 {
		s.mu.Unlock()
		return
	}
	audio := make([]byte, s.buf.Len())
	copy(audio, s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := s.parent.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    s.cfg.Model,
			Reader:   bytes.NewReader(audio),
			FilePath: "audio.wav",
			Language: s.cfg.Language,
		})
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			s.results <- Transcript{Err: fmt.Errorf("openai transcription: %w", err)}
			return
		}
		if resp.Text != "" {
			s.results <- Transcript{Text: resp.Text, Final: true}
		}
	}()
}

func (s *openaiSTT) Results() <-chan Transcript { return s.results }

func (s *openaiSTT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.results)
	return nil
}

// --- LLM ---

type openaiLLM struct {
	parent *OpenAI
	cfg    Config
}

func (o *OpenAI) openLLM(_ context.Context, cfg Config) (LLMSession, error) {
	return &openaiLLM{parent: o, cfg: cfg}, nil
}

func (l *openaiLLM) Generate(ctx context.Context, msgs []Message) (<-chan TextChunk, error) {
	req := openai.ChatCompletionRequest{
		Model:         l.cfg.Model,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	stream, err := l.parent.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}

	out := make(chan TextChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		tokens := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- TextChunk{Done: true, Tokens: tokens}
				return
			}
			if err != nil {
				out <- TextChunk{Err: fmt.Errorf("openai chat stream: %w", err)}
				return
			}
			if resp.Usage != nil {
				tokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				out <- TextChunk{Text: resp.Choices[0].Delta.Content}
			}
		}
	}()
	return out, nil
}

func (l *openaiLLM) Close() error { return nil }

// --- TTS ---

type openaiTTS struct {
	parent *OpenAI
	cfg    Config
}

func (o *OpenAI) openTTS(_ context.Context, cfg Config) (TTSSession, error) {
	return &openaiTTS{parent: o, cfg: cfg}, nil
}

func (t *openaiTTS) Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error) {
	resp, err := t.parent.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(t.cfg.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(t.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}

	out := make(chan AudioChunk, 16)
	go func() {
		defer close(out)
		defer resp.Close()
		pushed := false
		buf := make([]byte, 4096)
		for {
			n, err := resp.Read(buf)
			if n > 0 {
				pushed = true
				frame := make([]byte, n)
				copy(frame, buf[:n])
				select {
				case out <- AudioChunk{Data: frame}:
				case <-ctx.Done():
					return
				}
			}
			if errors.Is(err, io.EOF) {
				if !pushed {
					out <- AudioChunk{Err: ErrNoAudioFrames}
				}
				return
			}
			if err != nil {
				out <- AudioChunk{Err: fmt.Errorf("openai speech read: %w", err)}
				return
			}
		}
	}()
	return out, nil
}

func (t *openaiTTS) Close() error { return nil }
