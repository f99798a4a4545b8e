// Package index_test exercises the Indexer against a fake embedding
// provider so these tests never need a real ONNX model on disk.
package index_test

import (
	"context"
	"crypto/sha1"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tejas242/sift/internal/index"
)

// fakeProvider maps text to a deterministic unit vector derived from its
// SHA1 hash, so re-embedding the same content always yields the same
// vector without loading a real model — enough to exercise the indexer's
// cache, store, and rebuild wiring end to end.
type fakeProvider struct {
	dim      int
	tag      string
	embedCnt int
}

func (f *fakeProvider) Dimension() int   { return f.dim }
func (f *fakeProvider) ModelTag() string { return f.tag }

func (f *fakeProvider) EmbedCtx(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		f.embedCnt++
		out[i] = f.vectorFor(t)
	}
	return out, nil
}

func (f *fakeProvider) EmbedQueryCtx(ctx context.Context, query string) ([]float32, error) {
	return f.vectorFor(query), nil
}

func (f *fakeProvider) vectorFor(text string) []float32 {
	sum := sha1.Sum([]byte(text))
	v := make([]float32, f.dim)
	var norm float64
	for i := range v {
		x := float64(sum[i%len(sum)]) - 128
		v[i] = float32(x)
		norm += x * x
	}
	if norm < 1e-9 {
		norm = 1
	}
	inv := float32(1.0 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexDirSkipsHiddenDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "visible.go"), "package main\n\nfunc main() {}\n")
	writeFile(t, filepath.Join(root, ".hidden", "secret.go"), "package hidden\n")

	dataDir := t.TempDir()
	provider := &fakeProvider{dim: 16, tag: "fake-v1"}
	ix, err := index.Open(dataDir, provider, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := ix.IndexDir(context.Background(), root, index.FullIndexOptions{}); err != nil {
		t.Fatalf("IndexDir: %v", err)
	}
	if err := ix.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt: %v", err)
	}

	stats := ix.Stats()
	if stats.NumFiles != 1 {
		t.Errorf("expected 1 indexed file (hidden dir skipped), got %d", stats.NumFiles)
	}
}

// TestReindexNoChangesIsStable checks that re-running index with no file
// changes does not increase chunk count and does not re-embed (cache hit
// skips the embedder entirely).
func TestReindexNoChangesIsStable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "package a\n\nfunc Add(x, y int) int {\n\treturn x + y\n}\n")

	dataDir := t.TempDir()
	provider := &fakeProvider{dim: 16, tag: "fake-v1"}
	ix, err := index.Open(dataDir, provider, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := ix.IndexDir(context.Background(), root, index.FullIndexOptions{}); err != nil {
		t.Fatalf("IndexDir #1: %v", err)
	}
	if err := ix.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt: %v", err)
	}
	firstChunks := ix.Stats().NumChunks
	firstEmbeds := provider.embedCnt
	if firstChunks == 0 {
		t.Fatal("expected at least one chunk after initial index")
	}

	// Re-open against the same data dir (simulates a fresh process) and
	// re-index the unchanged directory.
	ix2, err := index.Open(dataDir, provider, 0)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if err := ix2.IndexDir(context.Background(), root, index.FullIndexOptions{}); err != nil {
		t.Fatalf("IndexDir #2: %v", err)
	}
	if err := ix2.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt #2: %v", err)
	}

	if got := ix2.Stats().NumChunks; got != firstChunks {
		t.Errorf("chunk count changed on unmodified re-index: %d -> %d", firstChunks, got)
	}
	if provider.embedCnt != firstEmbeds {
		t.Errorf("expected cache hit to skip re-embedding, but embed count grew %d -> %d", firstEmbeds, provider.embedCnt)
	}
}

// TestSyncDeleteRemovesChunks covers the "delete then sync" testable
// property: removing a file and syncing purges exactly that file's chunks.
func TestSyncDeleteRemovesChunks(t *testing.T) {
	root := t.TempDir()
	pathA := filepath.Join(root, "a.go")
	pathB := filepath.Join(root, "b.go")
	writeFile(t, pathA, "package a\n\nfunc A() {}\n")
	writeFile(t, pathB, "package a\n\nfunc B() {}\n")

	dataDir := t.TempDir()
	provider := &fakeProvider{dim: 16, tag: "fake-v1"}
	ix, err := index.Open(dataDir, provider, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix.IndexDir(context.Background(), root, index.FullIndexOptions{}); err != nil {
		t.Fatalf("IndexDir: %v", err)
	}
	if err := ix.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt: %v", err)
	}
	before := ix.Stats().NumFiles
	if before != 2 {
		t.Fatalf("expected 2 files indexed, got %d", before)
	}

	changed, err := ix.Sync(context.Background(), nil, nil, []string{pathA})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !changed {
		t.Error("expected Sync to report a change after deletion")
	}
	if err := ix.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt after delete: %v", err)
	}

	after := ix.Stats().NumFiles
	if after != 1 {
		t.Errorf("expected 1 file remaining after deleting a.go, got %d", after)
	}
	for _, c := range ix.Source().Store.All() {
		if c.Path == pathA {
			t.Errorf("chunk from deleted file %s still present", pathA)
		}
	}
}

// TestDimensionChangeForcesRebuild checks that swapping to a provider
// with a different dimension discards the old HNSW state on next Open
// and forces a full re-embed.
func TestDimensionChangeForcesRebuild(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "package a\n\nfunc A() {}\n")

	dataDir := t.TempDir()
	p4 := &fakeProvider{dim: 4, tag: "fake-v1"}
	ix, err := index.Open(dataDir, p4, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix.IndexDir(context.Background(), root, index.FullIndexOptions{}); err != nil {
		t.Fatalf("IndexDir: %v", err)
	}
	if err := ix.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt: %v", err)
	}

	p8 := &fakeProvider{dim: 8, tag: "fake-v2"}
	ix2, err := index.Open(dataDir, p8, 0)
	if err != nil {
		t.Fatalf("re-Open with new dimension: %v", err)
	}
	if err := ix2.IndexDir(context.Background(), root, index.FullIndexOptions{}); err != nil {
		t.Fatalf("IndexDir after dimension change: %v", err)
	}
	if err := ix2.EnsureBuilt(); err != nil {
		t.Fatalf("EnsureBuilt after dimension change: %v", err)
	}

	for _, c := range ix2.Source().Store.All() {
		if len(c.Embedding) != 8 {
			t.Errorf("chunk embedding dimension %d, want 8 after model swap", len(c.Embedding))
		}
	}
}
