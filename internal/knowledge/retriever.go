package knowledge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/metrics"
)

// SearchService is the remote side of retrieval; *SearchClient
// satisfies it.
type SearchService interface {
	Search(ctx context.Context, query string, tokens []string, limit int) ([]Doc, error)
	Fetch(ctx context.Context, tokens []string, limit int) ([]Doc, error)
}

// RetrieverConfig carries the retrieval thresholds.
type RetrieverConfig struct {
	MinScore        float64 // dense floor for local hits
	MinRemoteScore  float64 // score floor for remote hits
	FilterThreshold int     // below this many local hits, go remote
	PrewarmLimit    int
	MaxDocs         int
}

func (c *RetrieverConfig) applyDefaults() {
	if c.FilterThreshold <= 0 {
		c.FilterThreshold = 3
	}
	if c.PrewarmLimit <= 0 {
		c.PrewarmLimit = 100
	}
	if c.MaxDocs <= 0 {
		c.MaxDocs = 5
	}
}

// Retriever answers get-docs queries for one session: local index
// first, remote fallback when the local index is thin, hybrid rerank
// on the union.
type Retriever struct {
	search SearchService
	embed  EmbeddingClient
	index  *Index
	cfg    RetrieverConfig
	logger *zap.Logger

	mu     sync.Mutex
	tokens []string
}

func NewRetriever(search SearchService, embed EmbeddingClient, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	cfg.applyDefaults()
	return &Retriever{
		search: search,
		embed:  embed,
		index:  NewIndex(),
		cfg:    cfg,
		logger: logger,
	}
}

// Prewarm fetches a bounded page of documents for the given
// knowledge-base tokens and indexes them locally. Errors degrade to
// remote-only retrieval, they do not fail the session.
func (r *Retriever) Prewarm(ctx context.Context, tokens []string) {
	r.mu.Lock()
	r.tokens = append([]string(nil), tokens...)
	r.mu.Unlock()

	docs, err := r.search.Fetch(ctx, tokens, r.cfg.PrewarmLimit)
	if err != nil {
		r.logger.Warn("knowledge prewarm failed", zap.Error(err))
		return
	}
	r.indexWithEmbeddings(ctx, docs)
	r.logger.Info("knowledge index prewarmed",
		zap.Int("docs", r.index.Len()), zap.Strings("tokens", tokens))
}

// GetDocs satisfies the session's KnowledgeSource contract.
func (r *Retriever) GetDocs(ctx context.Context, query string) []string {
	docs := r.Query(ctx, query)
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Content)
	}
	return out
}

// Query returns the reranked documents for query, best first.
func (r *Retriever) Query(ctx context.Context, query string) []Doc {
	started := time.Now()
	defer func() {
		metrics.KnowledgeQueryDuration.Observe(float64(time.Since(started).Milliseconds()))
	}()

	var queryVec []float32
	if r.embed != nil {
		vec, err := r.embed.Embed(ctx, query)
		if err != nil {
			r.logger.Warn("query embedding failed, remote-only retrieval", zap.Error(err))
		} else {
			queryVec = vec
		}
	}

	var candidates []Doc
	if queryVec != nil {
		for _, d := range r.index.Search(queryVec, r.cfg.MaxDocs*3) {
			if d.Score >= r.cfg.MinScore {
				candidates = append(candidates, d)
			}
		}
	}
	if len(candidates) > 0 {
		metrics.KnowledgeQueries.WithLabelValues("local").Inc()
	}

	if len(candidates) < r.cfg.FilterThreshold {
		remote := r.queryRemote(ctx, query, queryVec)
		candidates = append(candidates, remote...)
		if len(remote) > 0 {
			metrics.KnowledgeQueries.WithLabelValues("remote").Inc()
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	candidates = dedupeByID(candidates)
	reranked := Rerank(query, candidates)
	if len(reranked) > r.cfg.MaxDocs {
		reranked = reranked[:r.cfg.MaxDocs]
	}
	return reranked
}

// queryRemote issues the fallback search and folds its results into
// the local index for later turns.
func (r *Retriever) queryRemote(ctx context.Context, query string, queryVec []float32) []Doc {
	r.mu.Lock()
	tokens := r.tokens
	r.mu.Unlock()

	remote, err := r.search.Search(ctx, query, tokens, r.cfg.MaxDocs*2)
	if err != nil {
		r.logger.Warn("remote knowledge query failed", zap.Error(err))
		return nil
	}
	kept := remote[:0]
	for _, d := range remote {
		if d.Score >= r.cfg.MinRemoteScore {
			kept = append(kept, d)
		}
	}
	r.indexWithEmbeddings(ctx, kept)

	// Re-score against the query vector so local and remote hits are
	// comparable going into the reranker.
	if queryVec != nil {
		for i := range kept {
			if len(kept[i].Embedding) > 0 {
				kept[i].Score = Cosine(queryVec, kept[i].Embedding)
			}
		}
	}
	return kept
}

// indexWithEmbeddings backfills missing embeddings before insertion;
// docs that cannot be embedded are indexed anyway for lexical rerank.
func (r *Retriever) indexWithEmbeddings(ctx context.Context, docs []Doc) {
	for i := range docs {
		if len(docs[i].Embedding) > 0 || r.embed == nil {
			continue
		}
		vec, err := r.embed.Embed(ctx, docs[i].Content)
		if err != nil {
			r.logger.Debug("doc embedding failed", zap.String("doc", docs[i].ID), zap.Error(err))
			continue
		}
		docs[i].Embedding = vec
	}
	r.index.Add(docs...)
}

func dedupeByID(docs []Doc) []Doc {
	seen := make(map[string]struct{}, len(docs))
	out := docs[:0]
	for _, d := range docs {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}
