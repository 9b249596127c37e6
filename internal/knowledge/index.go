// Package knowledge retrieves reference documents for a live call:
// a pre-warmed in-memory vector index backed by the external search
// service, with a hybrid dense+lexical reranker on top.
package knowledge

import (
	"math"
	"sort"
	"sync"
)

// Doc is one retrievable document.
type Doc struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Token     string    `json:"token"` // owning knowledge-base token
	Embedding []float32 `json:"embedding,omitempty"`
	Score     float64   `json:"score,omitempty"`
}

// Index is an in-memory vector store scoped to one session. Writes and
// reads may interleave: pre-warm runs while queries arrive.
type Index struct {
	mu   sync.RWMutex
	docs map[string]Doc
}

func NewIndex() *Index {
	return &Index{docs: make(map[string]Doc)}
}

// Add inserts or replaces documents by id.
func (ix *Index) Add(docs ...Doc) {
	ix.mu.Lock()
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		ix.docs[d.ID] = d
	}
	ix.mu.Unlock()
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search returns up to k documents by cosine similarity to the query
// embedding. Documents without an embedding are skipped.
func (ix *Index) Search(query []float32, k int) []Doc {
	ix.mu.RLock()
	out := make([]Doc, 0, len(ix.docs))
	for _, d := range ix.docs {
		if len(d.Embedding) == 0 {
			continue
		}
		d.Score = Cosine(query, d.Embedding)
		out = append(out, d)
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// All returns a snapshot of every indexed document.
func (ix *Index) All() []Doc {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Doc, 0, len(ix.docs))
	for _, d := range ix.docs {
		out = append(out, d)
	}
	return out
}

// Cosine returns the cosine similarity of two vectors, 0 when either
// is empty or zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
