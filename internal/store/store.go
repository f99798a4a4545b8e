// Package store holds the chunk metadata log: one IndexedChunk per chunk
// id, where the chunk id is always the row's position (and, by
// construction, the HNSW node id for the same chunk). Persisted as JSON
// with tmp-then-rename atomicity so a crash mid-flush never corrupts a
// previously good file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tejas242/sift/internal/atomicfile"
	"github.com/tejas242/sift/internal/siftdb"
)

// IndexedChunk stores provenance for one indexed chunk. The chunk's id
// (its position in Store.chunks) doubles as the HNSW node id and the BM25
// document id — the three stores are always built in lockstep.
type IndexedChunk struct {
	RepoID     string    `json:"repo_id"`
	Branch     string    `json:"branch"`
	Path       string    `json:"path"`
	LineNum    int       `json:"line_num"`
	StartByte  int64     `json:"start_byte"`
	EndByte    int64     `json:"end_byte"`
	ChunkIndex int       `json:"chunk_index"`
	// Text is the chunk's full extracted text, not a preview — both BM25
	// scoring and snippet extraction need the whole window, not just its
	// first bytes. Callers that want a short preview (TUI result list)
	// truncate at render time instead.
	Text       string    `json:"text"`
	ContentKey uint64    `json:"content_key"`
	Mtime      time.Time `json:"mtime"`
	// Embedding is kept alongside the chunk's metadata (not just in the
	// HNSW graph) so a rebuild — triggered by deletions and appends to the
	// store, not just a dimension change — can reinsert every chunk's
	// vector without re-running inference. The HNSW index only *borrows*
	// this slice by copying it in at insert time.
	Embedding []float32 `json:"embedding"`
}

// Store is an append-only log of IndexedChunk, identity-indexed by slice
// position.
type Store struct {
	chunks []IndexedChunk
}

// New returns an empty Store.
func New() *Store { return &Store{} }

// Append adds a chunk and returns its id.
func (s *Store) Append(c IndexedChunk) uint32 {
	s.chunks = append(s.chunks, c)
	return uint32(len(s.chunks) - 1)
}

// Get returns the chunk at id, or false if id is out of range.
func (s *Store) Get(id uint32) (IndexedChunk, bool) {
	if int(id) >= len(s.chunks) {
		return IndexedChunk{}, false
	}
	return s.chunks[id], true
}

// All returns every chunk in id order. Callers must not mutate the result.
func (s *Store) All() []IndexedChunk { return s.chunks }

// Len returns the number of chunks.
func (s *Store) Len() int { return len(s.chunks) }

// Reset clears the store back to empty, used ahead of a full rebuild.
func (s *Store) Reset() { s.chunks = s.chunks[:0] }

// RemovePaths drops every chunk whose Path is in paths, compacting ids.
// Because chunk id doubles as HNSW node id and BM25 doc id, callers must
// rebuild both alongside a RemovePaths call — this method alone does not
// keep those structures in sync.
func (s *Store) RemovePaths(paths map[string]bool) {
	filtered := s.chunks[:0]
	for _, c := range s.chunks {
		if !paths[c.Path] {
			filtered = append(filtered, c)
		}
	}
	s.chunks = filtered
}

// Paths returns the distinct set of file paths currently represented.
func (s *Store) Paths() map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range s.chunks {
		set[c.Path] = struct{}{}
	}
	return set
}

// Save persists the store to path atomically.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s.chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	return atomicfile.Write(path, data, 0o644)
}

// Load reads a store previously written by Save. Returns an empty Store,
// no error, if path does not exist.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var chunks []IndexedChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, siftdb.New(siftdb.KindCorruptPersistence, "store.Load", path, err)
	}
	return &Store{chunks: chunks}, nil
}
