package knowledge

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
)

const (
	embedModel     = openai.SmallEmbedding3
	embedCacheTTL  = 24 * time.Hour
	embedLRUSize   = 512
	embedKeyPrefix = "embedding:"
)

// EmbeddingClient is what the retriever needs from an embedder.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embedder resolves texts to vectors with a two-level cache: an
// in-process LRU in front of a shared Redis cache, with the OpenAI
// embeddings API behind both.
type Embedder struct {
	client *openai.Client
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger

	mu    sync.Mutex
	lru   *list.List // front = most recent; values are *lruEntry
	byKey map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
}

func NewEmbedder(apiKey string, redis *circuitbreaker.RedisWrapper, logger *zap.Logger) *Embedder {
	return &Embedder{
		client: openai.NewClient(apiKey),
		redis:  redis,
		logger: logger,
		lru:    list.New(),
		byKey:  make(map[string]*list.Element),
	}
}

// Embed returns the embedding for text, consulting the LRU, then
// Redis, then the API. Cache write failures are logged, not surfaced.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedKey(text)

	if vec, ok := e.lruGet(key); ok {
		return vec, nil
	}

	if e.redis != nil {
		if raw, err := e.redis.Get(ctx, key); err == nil {
			var vec []float32
			if err := json.Unmarshal([]byte(raw), &vec); err == nil {
				e.lruPut(key, vec)
				return vec, nil
			}
		}
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: embedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: empty response")
	}
	vec := resp.Data[0].Embedding

	e.lruPut(key, vec)
	if e.redis != nil {
		if raw, err := json.Marshal(vec); err == nil {
			if err := e.redis.Set(ctx, key, raw, embedCacheTTL); err != nil {
				e.logger.Debug("embedding cache write failed", zap.Error(err))
			}
		}
	}
	return vec, nil
}

func (e *Embedder) lruGet(key string) ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.byKey[key]; ok {
		e.lru.MoveToFront(el)
		return el.Value.(*lruEntry).vec, true
	}
	return nil, false
}

func (e *Embedder) lruPut(key string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.byKey[key]; ok {
		e.lru.MoveToFront(el)
		el.Value.(*lruEntry).vec = vec
		return
	}
	e.byKey[key] = e.lru.PushFront(&lruEntry{key: key, vec: vec})
	for e.lru.Len() > embedLRUSize {
		oldest := e.lru.Back()
		e.lru.Remove(oldest)
		delete(e.byKey, oldest.Value.(*lruEntry).key)
	}
}

func embedKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embedKeyPrefix + hex.EncodeToString(sum[:16])
}
