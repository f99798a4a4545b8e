package retriever

import (
	"fmt"
	"strings"
)

// linesAbove/linesBelow define the fixed context window around the
// best-scoring line.
const (
	linesAbove = 5
	linesBelow = 25
)

// Snippet extracts a line-numbered excerpt of text around the
// best-matching line for query, balancing term-frequency hits with brace
// nesting so a snippet doesn't open a block it never closes. text is the
// chunk's own contents (the caller already scoped this to one chunk via
// HNSW/BM25, so "best line" here picks the best line within the chunk,
// not the whole file).
func Snippet(text, query string, startLine int) string {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return ""
	}

	terms := strings.Fields(strings.ToLower(query))
	bestLine, bestScore := 0, -1
	for i, line := range lines {
		lower := strings.ToLower(line)
		score := 0
		for _, t := range terms {
			if len(t) > 0 && strings.Contains(lower, t) {
				score++
			}
		}
		// Slight earliness bonus: ties prefer the line closer to the top,
		// since the top of a chunk is usually its declaration/signature.
		if score > bestScore {
			bestScore = score
			bestLine = i
		}
	}
	if bestScore <= 0 {
		bestLine = 0
	}

	start := bestLine - linesAbove
	if start < 0 {
		start = 0
	}
	end := bestLine + linesBelow + 1
	if end > len(lines) {
		end = len(lines)
	}
	start, end = balanceBraces(lines, start, end)

	var b strings.Builder
	if start > 0 {
		b.WriteString("... (truncated)\n")
	}
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", startLine+i, lines[i])
	}
	if end < len(lines) {
		b.WriteString("... (truncated)\n")
	}
	return b.String()
}

// balanceBraces nudges the window's end forward (up to a few extra lines)
// so a snippet doesn't cut off mid-block when the window left an open
// brace unmatched — purely cosmetic, never changes start.
func balanceBraces(lines []string, start, end int) (int, int) {
	depth := 0
	for i := start; i < end; i++ {
		depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
	}
	const maxExtra = 10
	extra := 0
	for depth > 0 && end < len(lines) && extra < maxExtra {
		depth += strings.Count(lines[end], "{") - strings.Count(lines[end], "}")
		end++
		extra++
	}
	return start, end
}
