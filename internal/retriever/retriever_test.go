package retriever_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejas242/sift/internal/bm25"
	"github.com/tejas242/sift/internal/hnsw"
	"github.com/tejas242/sift/internal/retriever"
	"github.com/tejas242/sift/internal/store"
)

// buildFusionFixture builds a small three-document corpus with chunk id,
// BM25 doc id, and HNSW node id kept in lockstep (id 0 = d1, id 1 = d2,
// id 2 = d3), matching the invariant the indexer itself maintains.
func buildFusionFixture(t *testing.T) retriever.Source {
	t.Helper()

	st := store.New()
	id1 := st.Append(store.IndexedChunk{Path: "d1.txt", Text: "cosine similarity measures angle", LineNum: 1})
	id2 := st.Append(store.IndexedChunk{Path: "d2.txt", Text: "cosine angle vector", LineNum: 1})
	id3 := st.Append(store.IndexedChunk{Path: "d3.txt", Text: "pasta recipe", LineNum: 1})
	require.Equal(t, uint32(0), id1)
	require.Equal(t, uint32(1), id2)
	require.Equal(t, uint32(2), id3)

	b := bm25.New()
	b.Add(id1, "cosine similarity measures angle")
	b.Add(id2, "cosine angle vector")
	b.Add(id3, "pasta recipe")
	b.Build()

	g := hnsw.New(16, 200, 50)
	// d1 is an exact vector match for the query, d2 a close second, d3
	// orthogonal — by construction, vector-only ranking must place d3
	// outside the top 2.
	vecs := [][]float32{
		{1, 0, 0}, // d1
		{0.8, 0.6, 0}, // d2
		{0, 0, 1}, // d3
	}
	for i, v := range vecs {
		nodeID, err := insertAndCheck(g, v)
		require.NoError(t, err)
		require.Equal(t, uint32(i), nodeID)
	}

	return retriever.Source{Graph: g, BM25: b, Store: st}
}

func insertAndCheck(g *hnsw.Graph, v []float32) (uint32, error) {
	before := g.Len()
	if err := g.Insert(v); err != nil {
		return 0, err
	}
	return uint32(before), nil
}

func TestFusionBM25OnlyMatchesBM25Ranking(t *testing.T) {
	src := buildFusionFixture(t)
	query := []float32{1, 0, 0}

	// d3 shares no terms with the query, so BM25 scores it 0 and leaves it
	// out, and its vector similarity of 0 is below vectorFloor; only d2/d1
	// surface.
	hits, err := retriever.SearchWithWeights(src, query, "cosine angle", 3, 0.0, 1.0)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	paths := make([]string, len(hits))
	for i, h := range hits {
		paths[i] = h.Chunk.Path
	}
	assert.Equal(t, []string{"d2.txt", "d1.txt"}, paths)
}

func TestFusionVectorOnlyExcludesUnrelatedDoc(t *testing.T) {
	src := buildFusionFixture(t)
	query := []float32{1, 0, 0}

	hits, err := retriever.SearchWithWeights(src, query, "cosine angle", 2, 1.0, 0.0)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	for _, h := range hits {
		assert.NotEqual(t, "d3.txt", h.Chunk.Path, "orthogonal document must not appear in vector-only top 2")
	}
}

func TestSearchDedupsToOneHitPerPath(t *testing.T) {
	src := buildFusionFixture(t)
	hits, err := retriever.Search(src, []float32{1, 0, 0}, "cosine angle", 10)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, h := range hits {
		require.False(t, seen[h.Chunk.Path], "duplicate path %s in fused results", h.Chunk.Path)
		seen[h.Chunk.Path] = true
	}
}

func TestSearchOnEmptyStoreReturnsNoResults(t *testing.T) {
	src := retriever.Source{Graph: hnsw.New(16, 200, 50), BM25: bm25.New(), Store: store.New()}
	hits, err := retriever.Search(src, []float32{1, 0, 0}, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
