// Package retriever fuses HNSW vector search with BM25 lexical search
// into one ranked result list: query-adaptive weights, independent score
// normalization per side, union by chunk id, and a minimum-score threshold
// for lexical-only hits so noise doesn't leak into results a vector search
// found nothing for.
package retriever

import (
	"sort"

	"github.com/tejas242/sift/internal/bm25"
	"github.com/tejas242/sift/internal/hnsw"
	"github.com/tejas242/sift/internal/store"
)

// bm25OnlyThreshold is the minimum fused score a lexical-only hit needs
// to surface, so noise from an unrelated BM25 match doesn't leak in.
const bm25OnlyThreshold = 0.1

// vectorFloor drops HNSW hits whose raw cosine similarity falls below
// this before normalization, so a weak vector match doesn't get rescaled
// into a false positive by min-max/rank normalization.
const vectorFloor = 0.1

// vectorSearchEf is the per-call candidate pool size handed to the HNSW
// graph for hybrid retrieval.
const vectorSearchEf = 100

// scored pairs a chunk id with a score; used for both the vector and
// BM25 result lists so normalize can operate on either.
type scored struct {
	id    uint32
	score float32
}

// Hit is one fused, scored, snippeted search result.
type Hit struct {
	Chunk   store.IndexedChunk
	Score   float32
	Snippet string
}

// Source provides the data the retriever fuses: a vector index, a BM25
// index, and the chunk store both index chunk ids against.
type Source struct {
	Graph *hnsw.Graph
	BM25  *bm25.Index
	Store *store.Store
}

// Search runs hybrid retrieval for query and returns up to k fused hits,
// sorted by descending combined score, deduplicated to one hit per file
// path (the highest-scoring chunk from that file wins).
func Search(src Source, queryVec []float32, query string, k int) ([]Hit, error) {
	vWeight, bWeight := Weights(query)
	return SearchWithWeights(src, queryVec, query, k, vWeight, bWeight)
}

// SearchWithWeights is Search with the vector/BM25 fusion weights fixed
// by the caller instead of derived from query.Analyze (the CLI's
// `--vector-weight`/`--bm25-weight` override flags).
func SearchWithWeights(src Source, queryVec []float32, query string, k int, vWeight, bWeight float32) ([]Hit, error) {
	if src.Store.Len() == 0 {
		return nil, nil
	}

	internalLimit := k * 5
	if internalLimit > src.Store.Len() {
		internalLimit = src.Store.Len()
	}

	vecResults, err := src.Graph.Search(queryVec, internalLimit, vectorSearchEf)
	if err != nil {
		return nil, err
	}

	vecScored := make([]scored, 0, len(vecResults))
	for _, r := range vecResults {
		if r.Score < vectorFloor {
			continue
		}
		vecScored = append(vecScored, scored{id: r.ID, score: r.Score})
	}
	normalize(vecScored)

	bm25Raw := src.BM25.SearchAll(query, 0)
	bm25Scored := make([]scored, 0, len(bm25Raw))
	for id, s := range bm25Raw {
		bm25Scored = append(bm25Scored, scored{id: id, score: s})
	}
	sort.Slice(bm25Scored, func(i, j int) bool { return bm25Scored[i].score > bm25Scored[j].score })
	if len(bm25Scored) > internalLimit {
		bm25Scored = bm25Scored[:internalLimit]
	}
	normalize(bm25Scored)

	bm25ByID := make(map[uint32]float32, len(bm25Scored))
	for _, s := range bm25Scored {
		bm25ByID[s.id] = s.score
	}

	combined := make(map[uint32]float32)
	for _, s := range vecScored {
		b := bm25ByID[s.id]
		combined[s.id] = vWeight*s.score + bWeight*b
	}
	for _, s := range bm25Scored {
		if _, ok := combined[s.id]; ok {
			continue
		}
		c := bWeight * s.score
		if c >= bm25OnlyThreshold {
			combined[s.id] = c
		}
	}

	ranked := make([]scored, 0, len(combined))
	for id, sc := range combined {
		ranked = append(ranked, scored{id: id, score: sc})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	hits := make([]Hit, 0, k)
	seenPath := make(map[string]bool)
	for _, r := range ranked {
		if len(hits) >= k {
			break
		}
		chunk, ok := src.Store.Get(r.id)
		if !ok {
			continue
		}
		if seenPath[chunk.Path] {
			continue
		}
		seenPath[chunk.Path] = true
		hits = append(hits, Hit{
			Chunk:   chunk,
			Score:   r.score,
			Snippet: Snippet(chunk.Text, query, chunk.LineNum),
		})
	}
	return hits, nil
}

// normalize rescales scores to [0,1]. When scores are clustered within
// 0.01 of each other, min-max normalization barely separates them, so
// rank order is used instead, mapped to [0.5, 1.0] so top-ranked entries
// still read as high-confidence.
func normalize(s []scored) {
	if len(s) <= 1 {
		return
	}
	minS, maxS := s[0].score, s[0].score
	for _, v := range s {
		if v.score < minS {
			minS = v.score
		}
		if v.score > maxS {
			maxS = v.score
		}
	}
	rng := maxS - minS
	if rng < 0.01 {
		sort.Slice(s, func(i, j int) bool { return s[i].score > s[j].score })
		n := float32(len(s))
		for i := range s {
			s[i].score = 1.0 - (float32(i)/n)*0.5
		}
		return
	}
	if rng > 0 {
		for i := range s {
			s[i].score = (s[i].score - minS) / rng
		}
	}
}
