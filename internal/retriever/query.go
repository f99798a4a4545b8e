package retriever

import "strings"

// Analysis classifies a query so the retriever can pick vector/BM25
// fusion weights automatically: quoted spans and short identifier-like
// tokens favor lexical matching, longer natural-language phrasing favors
// the embedding.
type Analysis struct {
	HasQuotedPhrase bool
	TokenCount      int
	AvgTokenLen     float64
	LooksLikeCode   bool // snake_case/camelCase/dotted identifiers present
}

// Analyze inspects query and returns its Analysis.
func Analyze(query string) Analysis {
	q := strings.TrimSpace(query)
	a := Analysis{HasQuotedPhrase: strings.Contains(q, `"`)}

	tokens := strings.Fields(q)
	a.TokenCount = len(tokens)

	var totalLen int
	for _, t := range tokens {
		totalLen += len(t)
		if looksLikeIdentifier(t) {
			a.LooksLikeCode = true
		}
	}
	if a.TokenCount > 0 {
		a.AvgTokenLen = float64(totalLen) / float64(a.TokenCount)
	}
	return a
}

func looksLikeIdentifier(tok string) bool {
	if strings.Contains(tok, "_") || strings.Contains(tok, ".") || strings.Contains(tok, "::") {
		return true
	}
	hasLower, hasUpper := false, false
	for _, r := range tok {
		if r >= 'a' && r <= 'z' {
			hasLower = true
		}
		if r >= 'A' && r <= 'Z' {
			hasUpper = true
		}
	}
	return hasLower && hasUpper
}

// Weights classifies the query and returns (vectorWeight, bm25Weight).
// Weights sum to 1.0 across three bands: vector-dominant for long
// natural-language queries, BM25-dominant for short/code-like/quoted
// queries, balanced otherwise.
func Weights(query string) (vector, bm25 float32) {
	a := Analyze(query)

	switch {
	case a.HasQuotedPhrase || (a.TokenCount <= 2 && a.LooksLikeCode):
		// BM25-dominant: exact-phrase or short identifier lookups.
		return 0.25, 0.75
	case a.TokenCount >= 6 && !a.LooksLikeCode:
		// Vector-dominant: long natural-language questions.
		return 0.75, 0.25
	default:
		// Balanced.
		return 0.6, 0.4
	}
}
