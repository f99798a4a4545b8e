package bm25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBM25RanksByTermOverlapAndLength checks a small three-document corpus:
// d1 = "cosine similarity measures angle", d2 = "cosine angle vector",
// d3 = "pasta recipe" — query "cosine angle" must rank d2 > d1 > d3.
func TestBM25RanksByTermOverlapAndLength(t *testing.T) {
	idx := New()
	idx.Add(1, "cosine similarity measures angle")
	idx.Add(2, "cosine angle vector")
	idx.Add(3, "pasta recipe")
	idx.Build()

	s1 := idx.Score("cosine angle", 1)
	s2 := idx.Score("cosine angle", 2)
	s3 := idx.Score("cosine angle", 3)

	assert.Greater(t, s2, s1, "d2 should outrank d1 (shorter doc, same term hits)")
	assert.Greater(t, s1, s3, "d1 should outrank d3 (no query terms at all)")
	assert.Zero(t, s3, "a document sharing no terms with the query scores exactly 0")
}

func TestIDFNeverNegative(t *testing.T) {
	idx := New()
	idx.Add(1, "the quick brown fox")
	idx.Add(2, "the lazy dog")
	idx.Add(3, "the fox and the dog")
	idx.Build()

	for _, term := range []string{"the", "fox", "dog", "quick", "nonexistent"} {
		require.GreaterOrEqual(t, idx.idf[term], float32(0), "idf(%q) must be >= 0", term)
	}
}

func TestAddReplacesExistingDocument(t *testing.T) {
	idx := New()
	idx.Add(1, "alpha beta")
	idx.Build()
	require.Equal(t, 1, idx.Len())

	idx.Add(1, "gamma delta")
	idx.Build()

	assert.Zero(t, idx.Score("alpha beta", 1), "old terms must no longer match after replacement")
	assert.Greater(t, idx.Score("gamma delta", 1), float32(0))
}

func TestRemoveDropsDocument(t *testing.T) {
	idx := New()
	idx.Add(1, "alpha beta")
	idx.Add(2, "alpha gamma")
	idx.Build()

	idx.Remove(1)
	idx.Build()

	assert.Equal(t, 1, idx.Len())
	_, ok := idx.docs[1]
	assert.False(t, ok)
}

func TestSearchAllRespectsThreshold(t *testing.T) {
	idx := New()
	idx.Add(1, "match these words exactly")
	idx.Add(2, "nothing relevant here")
	idx.Build()

	hits := idx.SearchAll("match words", 0)
	assert.Contains(t, hits, uint32(1))
	assert.NotContains(t, hits, uint32(2))
}

func TestEmptyIndexScoresZero(t *testing.T) {
	idx := New()
	idx.Build()
	assert.Zero(t, idx.Score("anything", 0))
	assert.Zero(t, idx.AvgDocLength())
}
