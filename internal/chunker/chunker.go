// Package chunker splits source files into retrieval units using one of
// two strategies chosen by extension: code files get a fixed line-window
// with overlap (so a chunk never straddles an arbitrary byte boundary
// mid-token), everything else gets paragraph chunking on blank lines. Both
// strategies stream from a single os.ReadFile and never split outside a
// line boundary, so StartByte/EndByte and LineNum stay exact for snippet
// extraction later.
package chunker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// codeExtensions selects line-window chunking for common source languages.
var codeExtensions = map[string]bool{
	".rs": true, ".go": true, ".js": true, ".ts": true, ".py": true,
	".rb": true, ".java": true, ".cs": true, ".cpp": true, ".c": true, ".h": true,
}

// paragraphExtensions selects paragraph chunking for prose and structured
// data formats.
var paragraphExtensions = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".yaml": true,
	".yml": true, ".toml": true, ".kdl": true, ".conf": true,
}

// SupportedExtensions is the union indexed by IsSupportedFile and the
// watcher, kept as a package var (rather than a function) so callers can
// look an extension up directly.
var SupportedExtensions = unionExtensions()

func unionExtensions() map[string]bool {
	out := make(map[string]bool, len(codeExtensions)+len(paragraphExtensions))
	for e := range codeExtensions {
		out[e] = true
	}
	for e := range paragraphExtensions {
		out[e] = true
	}
	return out
}

// Chunk represents one retrieval unit of a source file.
type Chunk struct {
	Path      string
	Text      string
	LineNum   int // 1-indexed start line
	StartByte int64
	EndByte   int64
	Index     int // chunk index within the file
}

// Options controls line-window chunking. Paragraph chunking has no
// tunables beyond the blank-line split itself.
type Options struct {
	// WindowLines is the number of lines per code chunk.
	WindowLines int
	// OverlapLines is how many trailing lines of a window carry into the
	// next one.
	OverlapLines int
}

// DefaultOptions returns the default line-window parameters.
func DefaultOptions() Options {
	return Options{WindowLines: 20, OverlapLines: 5}
}

// IsSupportedFile reports whether path has a recognized extension and does
// not look like binary content (first 512 bytes sniffed for NUL).
func IsSupportedFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !SupportedExtensions[ext] {
		return false
	}
	return !isBinary(path)
}

// IsCodeFile reports whether ext uses line-window chunking rather than
// paragraph chunking.
func IsCodeFile(path string) bool {
	return codeExtensions[strings.ToLower(filepath.Ext(path))]
}

// LooksBinary exposes the NUL-byte sniff used by IsSupportedFile for
// callers that need to bypass the extension allowlist during discovery.
func LooksBinary(path string) bool {
	return isBinary(path)
}

func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return true
	}
	return bytes.IndexByte(buf[:n], 0) != -1
}

// ChunkFile reads path and chunks it per IsCodeFile's strategy selection.
// Empty files (after trimming whitespace) yield zero chunks, not an error.
func ChunkFile(path string, opts Options) ([]Chunk, error) {
	if opts.WindowLines <= 0 {
		opts = DefaultOptions()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	if IsCodeFile(path) {
		return lineWindowChunks(data, path, opts), nil
	}
	return paragraphChunks(data, path), nil
}

// lineWindowChunks splits data into fixed windows of opts.WindowLines
// lines, advancing by (WindowLines - OverlapLines) lines each step so
// consecutive chunks share OverlapLines lines of context. Mirrors the
// original vectordb chunker's "sliding window over lines" for code,
// generalized from its single hard-coded window size to Options.
func lineWindowChunks(data []byte, path string, opts Options) []Chunk {
	lines := splitLinesKeepOffsets(data)
	if len(lines) == 0 {
		return nil
	}

	stride := opts.WindowLines - opts.OverlapLines
	if stride <= 0 {
		stride = opts.WindowLines
	}

	var chunks []Chunk
	idx := 0
	for start := 0; start < len(lines); start += stride {
		end := start + opts.WindowLines
		if end > len(lines) {
			end = len(lines)
		}

		startByte := lines[start].offset
		var endByte int64
		if end < len(lines) {
			endByte = lines[end].offset
		} else {
			endByte = int64(len(data))
		}

		text := string(data[startByte:endByte])
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Path:      path,
				Text:      strings.TrimRight(text, "\n"),
				LineNum:   start + 1,
				StartByte: startByte,
				EndByte:   endByte,
				Index:     idx,
			})
			idx++
		}

		if end >= len(lines) {
			break
		}
	}
	return chunks
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n+`)

// paragraphChunks splits data on blank-line boundaries (\n\s*\n), one
// chunk per paragraph, preserving the original file's line numbers.
// Oversize paragraphs are not further split.
func paragraphChunks(data []byte, path string) []Chunk {
	text := string(data)
	locs := paragraphBreak.FindAllStringIndex(text, -1)

	var chunks []Chunk
	idx := 0
	start := 0
	lineNum := 1
	for _, loc := range locs {
		piece := text[start:loc[0]]
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, Chunk{
				Path:      path,
				Text:      strings.TrimSpace(piece),
				LineNum:   lineNum,
				StartByte: int64(start),
				EndByte:   int64(loc[0]),
				Index:     idx,
			})
			idx++
		}
		lineNum += strings.Count(text[start:loc[1]], "\n")
		start = loc[1]
	}
	if start < len(text) {
		piece := text[start:]
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, Chunk{
				Path:      path,
				Text:      strings.TrimSpace(piece),
				LineNum:   lineNum,
				StartByte: int64(start),
				EndByte:   int64(len(text)),
				Index:     idx,
			})
		}
	}
	return chunks
}

type lineOffset struct {
	offset int64
}

// splitLinesKeepOffsets returns the byte offset of the start of each line
// in data (including a final entry only if data doesn't end with \n, in
// which case the trailing partial line is still addressable).
func splitLinesKeepOffsets(data []byte) []lineOffset {
	var lines []lineOffset
	lines = append(lines, lineOffset{offset: 0})
	for i, b := range data {
		if b == '\n' && i+1 < len(data) {
			lines = append(lines, lineOffset{offset: int64(i + 1)})
		}
	}
	return lines
}
