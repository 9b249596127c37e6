package knowledge

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEmbed maps any text mentioning fees onto one axis and everything
// else onto the other, so dense similarity is predictable.
type fakeEmbed struct{}

func (fakeEmbed) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "fee") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

type fakeSearch struct {
	mu       sync.Mutex
	searches int
	fetches  int
	docs     []Doc
}

func (f *fakeSearch) Search(_ context.Context, _ string, _ []string, _ int) ([]Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return append([]Doc(nil), f.docs...), nil
}

func (f *fakeSearch) Fetch(_ context.Context, _ []string, limit int) ([]Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.docs) > limit {
		return append([]Doc(nil), f.docs[:limit]...), nil
	}
	return append([]Doc(nil), f.docs...), nil
}

func (f *fakeSearch) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

func newTestRetriever(search *fakeSearch) *Retriever {
	return NewRetriever(search, fakeEmbed{}, RetrieverConfig{
		MinScore:        0.2,
		MinRemoteScore:  0.0,
		FilterThreshold: 1,
		PrewarmLimit:    10,
		MaxDocs:         3,
	}, zap.NewNop())
}

func TestPrewarmIndexesAndServesLocally(t *testing.T) {
	search := &fakeSearch{docs: []Doc{
		{ID: "fees", Content: feeDoc},
		{ID: "contact", Content: contactDoc},
	}}
	r := newTestRetriever(search)

	r.Prewarm(context.Background(), []string{"kb-1"})
	assert.Equal(t, 2, r.index.Len())

	got := r.Query(context.Background(), "fees for GS course")
	require.NotEmpty(t, got)
	assert.Equal(t, "fees", got[0].ID)
	assert.Contains(t, got[0].Content, "45,000")
	assert.Zero(t, search.searchCount(), "local hits must not go remote")
}

func TestRemoteFallbackWhenLocalIndexThin(t *testing.T) {
	search := &fakeSearch{docs: []Doc{
		{ID: "fees", Content: feeDoc, Embedding: []float32{1, 0}, Score: 0.9},
	}}
	r := newTestRetriever(search)

	got := r.Query(context.Background(), "fees for GS course")
	require.NotEmpty(t, got)
	assert.Equal(t, 1, search.searchCount())

	// Remote results were folded into the local index: the same query
	// is now served without another remote call.
	got = r.Query(context.Background(), "fees for GS course")
	require.NotEmpty(t, got)
	assert.Equal(t, 1, search.searchCount())
}

func TestGetDocsReturnsContents(t *testing.T) {
	search := &fakeSearch{docs: []Doc{{ID: "fees", Content: feeDoc}}}
	r := newTestRetriever(search)
	r.Prewarm(context.Background(), []string{"kb-1"})

	docs := r.GetDocs(context.Background(), "fees for GS course")
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0], "45,000")
}

func TestEmptyCorpusYieldsNoDocs(t *testing.T) {
	r := newTestRetriever(&fakeSearch{})
	assert.Empty(t, r.Query(context.Background(), "fees for GS course"))
}

func TestIndexSearchRanksByCosine(t *testing.T) {
	ix := NewIndex()
	ix.Add(
		Doc{ID: "a", Embedding: []float32{1, 0}},
		Doc{ID: "b", Embedding: []float32{0.7, 0.7}},
		Doc{ID: "c", Embedding: []float32{0, 1}},
	)

	got := ix.Search([]float32{1, 0}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}
