package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
)

// SearchClient talks to the external search service. All calls run
// through the HTTP circuit breaker; an open breaker degrades retrieval
// to the local index rather than failing the call.
type SearchClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func NewSearchClient(baseURL string, logger *zap.Logger) *SearchClient {
	return &SearchClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: 10 * time.Second}, "search-service", logger),
		logger:  logger,
	}
}

type searchRequest struct {
	Query  string   `json:"query"`
	Tokens []string `json:"tokens"`
	Limit  int      `json:"limit"`
}

type searchResponse struct {
	Documents []struct {
		ID        string    `json:"id"`
		Content   string    `json:"content"`
		Token     string    `json:"token"`
		Embedding []float32 `json:"embedding"`
		Score     float64   `json:"score"`
	} `json:"documents"`
}

// Search queries the service across the given knowledge-base tokens.
func (c *SearchClient) Search(ctx context.Context, query string, tokens []string, limit int) ([]Doc, error) {
	return c.post(ctx, "/api/v1/search", searchRequest{Query: query, Tokens: tokens, Limit: limit})
}

// Fetch pulls a bounded page of documents for pre-warming, without a
// query.
func (c *SearchClient) Fetch(ctx context.Context, tokens []string, limit int) ([]Doc, error) {
	return c.post(ctx, "/api/v1/documents", searchRequest{Tokens: tokens, Limit: limit})
}

func (c *SearchClient) post(ctx context.Context, path string, req searchRequest) ([]Doc, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("search request marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search service call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search service status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("search response decode: %w", err)
	}
	docs := make([]Doc, 0, len(parsed.Documents))
	for _, d := range parsed.Documents {
		docs = append(docs, Doc{ID: d.ID, Content: d.Content, Token: d.Token, Embedding: d.Embedding, Score: d.Score})
	}
	return docs, nil
}
