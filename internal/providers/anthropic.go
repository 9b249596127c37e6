package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	anthropicMessagesURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion     = "2023-06-01"
	anthropicMaxTokens   = 1024
)

// AnthropicLLM streams completions from the Anthropic Messages API over
// server-sent events.
type AnthropicLLM struct {
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

func NewAnthropicLLM(apiKey string, logger *zap.Logger) *AnthropicLLM {
	return &AnthropicLLM{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

type anthropicSession struct {
	parent *AnthropicLLM
	cfg    Config
}

func (a *AnthropicLLM) Open(_ context.Context, cfg Config) (LLMSession, error) {
	return &anthropicSession{parent: a, cfg: cfg}, nil
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
}

// anthropicEvent covers the SSE payload variants we consume:
// content_block_delta carries text, message_delta carries usage, error
// carries a failure.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *anthropicSession) Generate(ctx context.Context, msgs []Message) (<-chan TextChunk, error) {
	req := anthropicRequest{
		Model:     s.cfg.Model,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}
	// The Messages API takes the system prompt as a top-level field.
	for _, m := range msgs {
		if m.Role == "system" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicMessagesURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.parent.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := s.parent.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := make(chan TextChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		tokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					select {
					case out <- TextChunk{Text: ev.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					tokens = ev.Usage.OutputTokens
				}
			case "error":
				out <- TextChunk{Err: fmt.Errorf("anthropic stream: %s: %s", ev.Error.Type, ev.Error.Message)}
				return
			case "message_stop":
				out <- TextChunk{Done: true, Tokens: tokens}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- TextChunk{Err: fmt.Errorf("anthropic stream read: %w", err)}
			return
		}
		out <- TextChunk{Done: true, Tokens: tokens}
	}()
	return out, nil
}

func (s *anthropicSession) Close() error { return nil }
