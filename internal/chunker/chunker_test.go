package chunker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLineWindowChunksCode(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 50; i++ {
		b.WriteString("line ")
		b.WriteString(strings.Repeat("x", 3))
		b.WriteByte('\n')
	}
	chunks := lineWindowChunks([]byte(b.String()), "f.go", DefaultOptions())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple windows for 50 lines, got %d", len(chunks))
	}
	// Stride is WindowLines - OverlapLines = 15; second window starts at line 16.
	if chunks[1].LineNum != 16 {
		t.Errorf("expected second chunk to start at line 16, got %d", chunks[1].LineNum)
	}
}

func TestLineWindowChunksSmallFile(t *testing.T) {
	text := "package main\n\nfunc main() {}\n"
	chunks := lineWindowChunks([]byte(text), "f.go", DefaultOptions())
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for a 3-line file, got %d", len(chunks))
	}
	if chunks[0].LineNum != 1 {
		t.Errorf("expected chunk to start at line 1, got %d", chunks[0].LineNum)
	}
}

func TestParagraphChunks(t *testing.T) {
	text := "first paragraph\nstill first\n\nsecond paragraph\n\n\nthird paragraph"
	chunks := paragraphChunks([]byte(text), "f.md")
	if len(chunks) != 3 {
		t.Fatalf("expected 3 paragraphs, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].LineNum != 1 {
		t.Errorf("expected first paragraph at line 1, got %d", chunks[0].LineNum)
	}
	if chunks[1].LineNum != 4 {
		t.Errorf("expected second paragraph at line 4, got %d", chunks[1].LineNum)
	}
}

func TestIsSupportedFile(t *testing.T) {
	dir := t.TempDir()
	tf := filepath.Join(dir, "test.go")
	if err := os.WriteFile(tf, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsSupportedFile(tf) {
		t.Error("expected .go file to be supported")
	}
	if !IsCodeFile(tf) {
		t.Error("expected .go file to use line-window chunking")
	}

	bf := filepath.Join(dir, "test.md")
	if err := os.WriteFile(bf, []byte{0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(bf) {
		t.Error("expected NUL-containing file to be treated as binary")
	}

	uf := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(uf, []byte{0x89, 0x50, 0x4E, 0x47}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(uf) {
		t.Error("expected .png file to be unsupported")
	}
}

func TestChunkFileEmptyYieldsZeroChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.go")
	if err := os.WriteFile(path, []byte("   \n\n  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	chunks, err := ChunkFile(path, DefaultOptions())
	if err != nil {
		t.Fatalf("ChunkFile error: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected 0 chunks for a whitespace-only file, got %d", len(chunks))
	}
}

func TestChunkFileMarkdownUsesParagraphs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := "# Title\n\nBody paragraph one.\n\nBody paragraph two.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	chunks, err := ChunkFile(path, DefaultOptions())
	if err != nil {
		t.Fatalf("ChunkFile error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 paragraph chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Path != path {
			t.Errorf("chunk %d: wrong path", i)
		}
		if strings.TrimSpace(c.Text) == "" {
			t.Errorf("chunk %d: empty text", i)
		}
	}
}
