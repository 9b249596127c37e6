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

const googleGenerateURLFmt = "https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?alt=sse"

// GoogleLLM streams completions from the Gemini generateContent API.
type GoogleLLM struct {
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

func NewGoogleLLM(apiKey string, logger *zap.Logger) *GoogleLLM {
	return &GoogleLLM{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

type googleSession struct {
	parent *GoogleLLM
	cfg    Config
}

func (g *GoogleLLM) Open(_ context.Context, cfg Config) (LLMSession, error) {
	return &googleSession{parent: g, cfg: cfg}, nil
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (s *googleSession) Generate(ctx context.Context, msgs []Message) (<-chan TextChunk, error) {
	var req googleRequest
	for _, m := range msgs {
		switch m.Role {
		case "system":
			req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: m.Content}}}
		case "assistant":
			req.Contents = append(req.Contents, googleContent{Role: "model", Parts: []googlePart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("google marshal: %w", err)
	}
	url := fmt.Sprintf(googleGenerateURLFmt, s.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", s.parent.apiKey)

	resp, err := s.parent.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("google status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
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
			var chunk googleResponse
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &chunk); err != nil {
				continue
			}
			if chunk.UsageMetadata.CandidatesTokenCount > 0 {
				tokens = chunk.UsageMetadata.CandidatesTokenCount
			}
			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case out <- TextChunk{Text: part.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- TextChunk{Err: fmt.Errorf("google stream read: %w", err)}
			return
		}
		out <- TextChunk{Done: true, Tokens: tokens}
	}()
	return out, nil
}

func (s *googleSession) Close() error { return nil }
