// Package bm25 scores chunks against a query with Okapi BM25, tokenizing
// on whitespace and lowercasing only — no stemming, no stopword removal.
// Grounded on the original vectordb's BM25 index: same constants, same
// IDF formula, same scoring loop, generalized from one document per file
// to one document per chunk so it can be fused against HNSW results at
// chunk granularity.
package bm25

import (
	"math"
	"strings"
	"sync"
)

// K1 and B are Okapi BM25's standard tuning constants.
const (
	K1 = 1.5
	B  = 0.75
)

type docData struct {
	termFreqs map[string]int
	length    int
}

// Index is a BM25 index over chunk text, keyed by the same chunk id used
// by the HNSW graph and the chunk store.
type Index struct {
	mu          sync.RWMutex
	docs        map[uint32]docData
	docFreq     map[string]int // term -> number of docs containing it
	idf         map[string]float32
	totalLength int
	built       bool
}

// New returns an empty Index. Add documents then call Build before
// Score.
func New() *Index {
	return &Index{
		docs:    make(map[uint32]docData),
		docFreq: make(map[string]int),
	}
}

// Tokenize lowercases and splits on whitespace. Exposed so the retriever's
// query analysis can reuse the exact same tokenization the index was
// built with.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Add registers (or replaces) the document at id. Call Build after adding
// all documents and before any Score call.
func (idx *Index) Add(id uint32, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.docs[id]; ok {
		idx.totalLength -= old.length
		for term := range old.termFreqs {
			idx.docFreq[term]--
			if idx.docFreq[term] <= 0 {
				delete(idx.docFreq, term)
			}
		}
	}

	tokens := Tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	for term := range tf {
		idx.docFreq[term]++
	}

	idx.docs[id] = docData{termFreqs: tf, length: len(tokens)}
	idx.totalLength += len(tokens)
	idx.built = false
}

// Remove deletes a document from the index (used when a chunk's owning
// file is deleted or modified ahead of re-chunking).
func (idx *Index) Remove(id uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.docs[id]
	if !ok {
		return
	}
	idx.totalLength -= old.length
	for term := range old.termFreqs {
		idx.docFreq[term]--
		if idx.docFreq[term] <= 0 {
			delete(idx.docFreq, term)
		}
	}
	delete(idx.docs, id)
	idx.built = false
}

// Build (re)computes IDF scores from the current document set. O(terms).
func (idx *Index) Build() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := float32(len(idx.docs))
	idf := make(map[string]float32, len(idx.docFreq))
	for term, freq := range idx.docFreq {
		// log( (N - n + 0.5) / (n + 0.5) + 1 )
		idf[term] = float32(math.Log(float64((n-float32(freq)+0.5)/(float32(freq)+0.5) + 1.0)))
	}
	idx.idf = idf
	idx.built = true
}

// AvgDocLength returns the mean token count across documents, or 0 if
// empty.
func (idx *Index) AvgDocLength() float32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.docs) == 0 {
		return 0
	}
	return float32(idx.totalLength) / float32(len(idx.docs))
}

// Len returns the number of documents in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Score computes the BM25 score of doc id against query. Returns 0 if id
// is unknown or the query shares no terms with it — never negative.
func (idx *Index) Score(query string, id uint32) float32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	doc, ok := idx.docs[id]
	if !ok {
		return 0
	}
	avgDL := idx.avgDocLengthLocked()
	if avgDL == 0 {
		return 0
	}
	docLen := float32(doc.length)

	var score float32
	for _, term := range Tokenize(query) {
		tf, ok := doc.termFreqs[term]
		if !ok {
			continue
		}
		idfScore, ok := idx.idf[term]
		if !ok {
			continue
		}
		tff := float32(tf)
		numerator := tff * (K1 + 1.0)
		denominator := tff + K1*(1.0-B+B*(docLen/avgDL))
		score += idfScore * (numerator / denominator)
	}
	if score < 0 {
		return 0
	}
	return score
}

func (idx *Index) avgDocLengthLocked() float32 {
	if len(idx.docs) == 0 {
		return 0
	}
	return float32(idx.totalLength) / float32(len(idx.docs))
}

// SearchAll scores every document with a nonzero score against query and
// returns the ids above threshold, unsorted — the retriever sorts after
// fusing with vector scores.
func (idx *Index) SearchAll(query string, threshold float32) map[uint32]float32 {
	idx.mu.RLock()
	ids := make([]uint32, 0, len(idx.docs))
	for id := range idx.docs {
		ids = append(ids, id)
	}
	idx.mu.RUnlock()

	out := make(map[uint32]float32)
	for _, id := range ids {
		s := idx.Score(query, id)
		if s > threshold {
			out[id] = s
		}
	}
	return out
}
