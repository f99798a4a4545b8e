// Package cache memoizes chunk embeddings keyed by (path, chunk index,
// content hash, model tag) so re-indexing an unchanged file never re-runs
// ONNX inference. Mirrors the original vectordb embedding cache: TTL plus
// model-type invalidation, atomic tmp-then-rename persistence.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tejas242/sift/internal/atomicfile"
)

// DefaultTTL matches the original cache's one-hour freshness window.
const DefaultTTL = time.Hour

type entry struct {
	Embedding  []float32 `json:"embedding"`
	Timestamp  int64     `json:"timestamp"`
	ContentKey uint64    `json:"content_key"`
	ModelTag   string    `json:"model_tag"`
}

type file struct {
	Entries map[string]entry `json:"entries"`
}

// Cache is a process-local embedding cache backed by a JSON file.
type Cache struct {
	mu       sync.RWMutex
	path     string
	ttl      time.Duration
	entries  map[string]entry
	modelTag string
}

// Open loads (or initializes empty) a cache at path for the given model
// tag. A corrupted cache file is treated as empty rather than a hard
// error, matching the original's tolerant startup behavior.
func Open(path, modelTag string) (*Cache, error) {
	return OpenWithTTL(path, modelTag, DefaultTTL)
}

// OpenWithTTL is Open with an explicit TTL, exposed for tests.
func OpenWithTTL(path, modelTag string, ttl time.Duration) (*Cache, error) {
	entries := map[string]entry{}
	if data, err := os.ReadFile(path); err == nil {
		var f file
		if err := json.Unmarshal(data, &f); err == nil {
			entries = f.Entries
		}
		// A corrupt cache file degrades to empty rather than failing Open.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if entries == nil {
		entries = map[string]entry{}
	}
	return &Cache{path: path, ttl: ttl, entries: entries, modelTag: modelTag}, nil
}

// key identifies one cached embedding slot.
func key(path string, chunkIndex int) string {
	return fmt.Sprintf("%s#%d", path, chunkIndex)
}

// Get returns the cached embedding for (path, chunkIndex) if present, not
// expired, content-matching, and from the current model. The caller's
// vector slice is returned directly and must not be mutated.
func (c *Cache) Get(path string, chunkIndex int, contentKey uint64) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(path, chunkIndex)]
	if !ok {
		return nil, false
	}
	if time.Now().Unix()-e.Timestamp >= int64(c.ttl.Seconds()) {
		return nil, false
	}
	if e.ContentKey != contentKey || e.ModelTag != c.modelTag {
		return nil, false
	}
	return e.Embedding, true
}

// Put records an embedding. Callers should batch many Puts and call Save
// once per file/commit rather than saving on every insert.
func (c *Cache) Put(path string, chunkIndex int, contentKey uint64, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(path, chunkIndex)] = entry{
		Embedding:  vec,
		Timestamp:  time.Now().Unix(),
		ContentKey: contentKey,
		ModelTag:   c.modelTag,
	}
}

// Invalidate drops every entry for path, used when a file is re-chunked
// with a different chunk count (stale chunk-index slots would otherwise
// linger forever).
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		_ = e
		if len(k) >= len(path)+1 && k[:len(path)] == path && k[len(path)] == '#' {
			delete(c.entries, k)
		}
	}
}

// Prune drops every entry whose model tag differs from modelTag, for use
// right after switching embedding models — ahead of the full re-embed a
// dimension change triggers anyway, but it keeps the cache file from
// accumulating entries that can never hit again.
func (c *Cache) Prune(modelTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.ModelTag != modelTag {
			delete(c.entries, k)
		}
	}
}

// Clean evicts expired entries and entries from another model. It is a
// separate sweep, not run on every Get, to keep lookups cheap.
func (c *Cache) Clean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Unix()
	ttlSecs := int64(c.ttl.Seconds())
	for k, e := range c.entries {
		if now-e.Timestamp >= ttlSecs || e.ModelTag != c.modelTag {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Save persists the cache atomically.
func (c *Cache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.MarshalIndent(file{Entries: c.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	return atomicfile.Write(c.path, data, 0o644)
}

// ContentKey computes the cheap content-change fingerprint used across
// sift: mtime (unix seconds) times 31 plus size, matching the original
// cache's get_file_hash. Not cryptographic — collisions are acceptable
// since a miss only costs a re-embed, never incorrect results.
func ContentKey(mtimeUnix int64, size int64) uint64 {
	return uint64(mtimeUnix)*31 + uint64(size)
}
