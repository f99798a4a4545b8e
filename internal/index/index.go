// Package index implements sift's Indexer: it discovers files under a
// directory, chunks them, embeds cache misses, and keeps a chunk store,
// BM25 index, and HNSW graph in lockstep so that a chunk's store
// position is always both its HNSW node id and its BM25 document id.
//
// One Indexer owns one data directory. The repo manager (internal/repo)
// is what points an Indexer at a given repository+branch's subdirectory
// and decides full vs incremental vs cross-branch sync; this package
// only knows about "a directory of files" and "a directory of persisted
// state," not about Git at all.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tejas242/sift/internal/bm25"
	"github.com/tejas242/sift/internal/cache"
	"github.com/tejas242/sift/internal/chunker"
	"github.com/tejas242/sift/internal/hnsw"
	"github.com/tejas242/sift/internal/retriever"
	"github.com/tejas242/sift/internal/siftdb"
	"github.com/tejas242/sift/internal/store"
)

// Provider is the embedding capability the Indexer needs. *embed.Provider
// satisfies it; tests substitute a fake to avoid loading an ONNX model.
type Provider interface {
	Dimension() int
	EmbedCtx(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQueryCtx(ctx context.Context, query string) ([]float32, error)
	ModelTag() string
}

const (
	dbFile    = "db.json"
	hnswFile  = "hnsw_index.json"
	cacheFile = "cache.json"

	// defaultMaxFileBytes skips pathological single files (generated
	// bundles, lockfiles) that would otherwise dominate a chunking pass.
	defaultMaxFileBytes = 2 << 20 // 2MiB
)

// Stats summarizes an Indexer's current state for the `sift stats` command.
type Stats struct {
	NumChunks   int
	NumFiles    int
	Dimension   int
	GraphLayers int
	Dirty       bool
	LastUpdated time.Time
	ModelTag    string
}

// ProgressFunc is invoked once per discovered file as indexing proceeds.
type ProgressFunc func(done, total int, path string, skipped bool)

// FullIndexOptions controls one directory walk's file discovery.
type FullIndexOptions struct {
	// Extensions restricts discovery to this set (dot-prefixed, lowercase,
	// e.g. ".go"). Empty means "use chunker's built-in code+paragraph set."
	Extensions map[string]bool
	// FastMode, combined with an empty Extensions set, discards the
	// extension allowlist and falls back to the binary-content sniff alone.
	FastMode bool
	Progress ProgressFunc
}

// Indexer owns one data directory: a chunk store, an HNSW graph, a BM25
// index, and an embedding cache, all derived from files under one or
// more indexed roots. Safe for concurrent Search callers; mutating
// calls (IndexDir, Sync) take the exclusive lock only while they change
// the store, cache and graph; file scanning and embedding run without it.
type Indexer struct {
	mu       sync.RWMutex
	dir      string
	store    *store.Store
	graph    *hnsw.Graph
	bm25     *bm25.Index
	cache    *cache.Cache
	provider Provider

	maxFileBytes int64
	dirty        bool
	lastUpdated  time.Time
}

// Open loads (or initializes) the indexer's state under dir. A
// provider/model-tag mismatch against the persisted HNSW config forces
// every subsequent IndexDir call to treat all files as cache misses
// until the next successful rebuild.
func Open(dir string, provider Provider, maxFileBytes int64) (*Indexer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxFileBytes
	}

	st, err := store.Load(filepath.Join(dir, dbFile))
	if err != nil {
		if siftdb.Is(err, siftdb.KindCorruptPersistence) {
			// Recovery policy: drop the bad file and start fresh rather
			// than fail Open outright. The HNSW graph and BM25 index get
			// rebuilt from this empty store below, so nothing downstream
			// observes stale state.
			log.Warn().Err(err).Str("path", dbFile).Msg("chunk store corrupt, starting fresh")
			st = store.New()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load chunk store: %w", err)
		}
	}

	graph, err := hnsw.Load(filepath.Join(dir, hnswFile))
	if err != nil {
		if siftdb.Is(err, siftdb.KindCorruptPersistence) {
			log.Warn().Err(err).Str("path", hnswFile).Msg("hnsw index corrupt, rebuilding")
			graph = hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load hnsw index: %w", err)
		} else {
			graph = hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
		}
	}

	c, err := cache.Open(filepath.Join(dir, cacheFile), provider.ModelTag())
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	idx := &Indexer{
		dir:          dir,
		store:        st,
		graph:        graph,
		bm25:         bm25.New(),
		cache:        c,
		provider:     provider,
		maxFileBytes: maxFileBytes,
	}
	idx.rebuildBM25Locked()

	if graph.Len() > 0 && graph.Dimension() != provider.Dimension() {
		// Dimension changed under us (model swap). Force a full
		// re-embed on the next IndexDir by wiping the chunk store and
		// pruning every stale cache entry now, rather than threading a
		// "force miss" flag through every file decision.
		c.Prune(provider.ModelTag())
		st.Reset()
		idx.dirty = true
	}
	if graph.Len() != st.Len() {
		idx.dirty = true
	}

	return idx, nil
}

// Close releases nothing the Indexer itself owns directly — it exists
// for symmetry with Provider.Close and future resource additions.
func (ix *Indexer) Close() {}

// Stats reports the indexer's current state without requiring a rebuild.
func (ix *Indexer) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		NumChunks:   ix.store.Len(),
		NumFiles:    len(ix.store.Paths()),
		Dimension:   ix.provider.Dimension(),
		GraphLayers: ix.graph.Stats().MaxLayer + 1,
		Dirty:       ix.dirty,
		LastUpdated: ix.lastUpdated,
		ModelTag:    ix.provider.ModelTag(),
	}
}

// Source returns a retriever.Source over this indexer's current chunk
// store, BM25 index, and HNSW graph. Callers should call EnsureBuilt
// first so chunk ids are valid.
func (ix *Indexer) Source() retriever.Source {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return retriever.Source{Graph: ix.graph, BM25: ix.bm25, Store: ix.store}
}

// Provider exposes the embedding provider for query embedding.
func (ix *Indexer) Provider() Provider { return ix.provider }

// EnsureBuilt rebuilds the HNSW graph (and BM25 index) from the chunk
// store if either was never built or was marked dirty by a prior
// mutation. Safe to call before every search.
func (ix *Indexer) EnsureBuilt() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.dirty {
		return nil
	}
	return ix.rebuildLocked()
}

// rebuildLocked wipes the graph, reinserts every chunk's embedding in
// store order (so node id == store position == chunk id), rebuilds
// BM25, and persists all three. Caller must hold ix.mu.
func (ix *Indexer) rebuildLocked() error {
	dim := ix.provider.Dimension()
	fresh := hnsw.NewWithConfig(hnsw.Config{
		M:              hnsw.DefaultM,
		EfConstruction: hnsw.DefaultEfConstruction,
		EfSearch:       hnsw.DefaultEfSearch,
		NumLayers:      hnsw.DefaultNumLayers(ix.store.Len()),
		Dimension:      dim,
	})

	for _, c := range ix.store.All() {
		if len(c.Embedding) != dim {
			return siftdb.New(siftdb.KindDimensionMismatch, "rebuild", ix.dir,
				fmt.Errorf("chunk %s#%d has embedding dim %d, want %d", c.Path, c.ChunkIndex, len(c.Embedding), dim))
		}
		if err := fresh.Insert(c.Embedding); err != nil {
			return fmt.Errorf("rebuild insert: %w", err)
		}
	}

	ix.rebuildBM25Locked()
	ix.graph = fresh
	ix.dirty = false
	ix.lastUpdated = time.Now()
	return ix.persistLocked()
}

// rebuildBM25Locked rebuilds the BM25 index wholesale from the current
// chunk store. BM25 is built on demand rather than incrementally
// maintained, so a full rebuild after any store mutation is the only
// path and not a shortcut.
func (ix *Indexer) rebuildBM25Locked() {
	idx := bm25.New()
	for id, c := range ix.store.All() {
		idx.Add(uint32(id), c.Text)
	}
	idx.Build()
	ix.bm25 = idx
}

// persistLocked writes the chunk store, HNSW graph, and embedding cache
// to disk. Each uses its own atomic tmp-then-rename write, so a crash
// mid-flush leaves at most one file behind its siblings rather than any
// file corrupted.
func (ix *Indexer) persistLocked() error {
	if err := ix.store.Save(filepath.Join(ix.dir, dbFile)); err != nil {
		return fmt.Errorf("persist chunk store: %w", err)
	}
	if err := ix.graph.Save(filepath.Join(ix.dir, hnswFile)); err != nil {
		return fmt.Errorf("persist hnsw index: %w", err)
	}
	if err := ix.cache.Save(); err != nil {
		return fmt.Errorf("persist embedding cache: %w", err)
	}
	return nil
}

// IndexDir walks rootDir and indexes every eligible file it finds,
// treating it as a fresh full index: every discovered file participates
// in the cache-aware hit/miss decision, but files under rootDir that
// were previously indexed and no longer exist are not pruned here (full
// index assumes a clean slate or an explicit prior Reset — deletions
// are the incremental path's job).
func (ix *Indexer) IndexDir(ctx context.Context, rootDir string, opts FullIndexOptions) error {
	paths, err := discoverFiles(rootDir, opts)
	if err != nil {
		return fmt.Errorf("discover files: %w", err)
	}
	return ix.indexPaths(ctx, paths, opts.Progress)
}

// Sync applies an incremental change set covering both the incremental
// and cross-branch diff paths: added/modified files are cache-aware
// indexed, deleted files are purged, and the HNSW graph is rebuilt if
// anything changed. Returns true when any path was deleted or submitted
// for indexing, even if every submitted file was an unchanged cache hit.
func (ix *Indexer) Sync(ctx context.Context, added, modified, deleted []string) (bool, error) {
	changed := len(deleted) > 0

	if len(deleted) > 0 {
		ix.mu.Lock()
		set := make(map[string]bool, len(deleted))
		for _, p := range deleted {
			set[p] = true
			ix.cache.Invalidate(p)
		}
		ix.store.RemovePaths(set)
		ix.dirty = true
		ix.mu.Unlock()
	}

	toIndex := append(append([]string{}, added...), modified...)
	if len(toIndex) == 0 {
		if changed {
			ix.mu.Lock()
			defer ix.mu.Unlock()
			if err := ix.rebuildLocked(); err != nil {
				return false, err
			}
		}
		return changed, nil
	}

	if err := ix.indexPaths(ctx, toIndex, nil); err != nil {
		return false, err
	}
	return true, nil
}

// indexPaths is the shared cache-aware indexing body for both IndexDir
// and Sync: parallel file scan (chunk + hash) sized to NumCPU, embed
// cache misses, then a single collector-thread append phase.
func (ix *Indexer) indexPaths(ctx context.Context, paths []string, progress ProgressFunc) error {
	if len(paths) == 0 {
		return nil
	}

	scanned := make([]scanResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.NumCPU()))

	var done int32
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			scanned[i] = ix.scanFile(gctx, p)
			if progress != nil {
				n := atomic.AddInt32(&done, 1)
				progress(int(n), len(paths), p, scanned[i].skip)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return ix.collect(ctx, scanned)
}

// scanResult is one file's chunking+cache-decision outcome, produced by
// the parallel scan phase and consumed by the single-threaded collector.
type scanResult struct {
	path       string
	skip       bool // oversized, unreadable, or no chunks
	hit        bool // cache hit: leave existing chunks alone
	chunks     []chunker.Chunk
	contentKey uint64
}

// scanFile chunks one file and decides cache hit/miss. It does not
// touch the chunk store, cache, BM25 index, or HNSW graph — those
// mutations are serialized in collect.
func (ix *Indexer) scanFile(ctx context.Context, path string) scanResult {
	if ctx.Err() != nil {
		return scanResult{path: path, skip: true}
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > ix.maxFileBytes {
		return scanResult{path: path, skip: true}
	}

	contentKey := cache.ContentKey(info.ModTime().Unix(), info.Size())

	ix.mu.RLock()
	_, hit := ix.cache.Get(path, 0, contentKey)
	ix.mu.RUnlock()
	if hit {
		return scanResult{path: path, hit: true, contentKey: contentKey}
	}

	chunks, err := chunker.ChunkFile(path, chunker.DefaultOptions())
	if err != nil || len(chunks) == 0 {
		return scanResult{path: path, skip: true}
	}
	return scanResult{path: path, chunks: chunks, contentKey: contentKey}
}

// collect embeds every miss's chunk texts, then serially purges stale
// chunks and appends new ones, updates the cache, and triggers a
// rebuild. Chunk-store and cache updates happen under the indexer's
// lock; embedding happens via the batch processor (already internally
// concurrent) beforehand.
func (ix *Indexer) collect(ctx context.Context, scanned []scanResult) error {
	var misses []scanResult
	for _, s := range scanned {
		if !s.skip && !s.hit {
			misses = append(misses, s)
		}
	}

	// Embed every miss's chunks in one pass. Texts are flattened across
	// files so the batch processor sees maximum opportunity to band by
	// sequence length; per-file span lengths let us split results back
	// out afterward without losing order.
	var texts []string
	spans := make([]int, 0, len(misses))
	for _, s := range misses {
		spans = append(spans, len(s.chunks))
		for _, c := range s.chunks {
			texts = append(texts, c.Text)
		}
	}
	var vecs [][]float32
	if len(texts) > 0 {
		var err error
		vecs, err = ix.provider.EmbedCtx(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	changedPaths := make(map[string]bool, len(misses))
	for _, s := range misses {
		changedPaths[s.path] = true
	}
	if len(changedPaths) > 0 {
		ix.store.RemovePaths(changedPaths)
		for p := range changedPaths {
			ix.cache.Invalidate(p)
		}
	}

	offset := 0
	for mi, s := range misses {
		n := spans[mi]
		fileVecs := vecs[offset : offset+n]
		offset += n

		for i, c := range s.chunks {
			ix.store.Append(store.IndexedChunk{
				Path:       c.Path,
				LineNum:    c.LineNum,
				StartByte:  c.StartByte,
				EndByte:    c.EndByte,
				ChunkIndex: c.Index,
				Text:       c.Text,
				ContentKey: s.contentKey,
				Mtime:      time.Now(),
				Embedding:  fileVecs[i],
			})
			ix.cache.Put(c.Path, c.Index, s.contentKey, fileVecs[i])
		}
	}

	if len(misses) == 0 {
		return nil
	}
	ix.dirty = true
	return ix.rebuildLocked()
}

// discoverFiles walks rootDir, skipping dot-directories and symlinks,
// collecting paths eligible under opts.
func discoverFiles(rootDir string, opts FullIndexOptions) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != rootDir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || strings.HasPrefix(name, ".") {
			return nil
		}
		if eligibleFile(path, opts) {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

func eligibleFile(path string, opts FullIndexOptions) bool {
	if len(opts.Extensions) == 0 {
		if opts.FastMode {
			return !chunker.LooksBinary(path)
		}
		return chunker.IsSupportedFile(path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return opts.Extensions[ext] && !chunker.LooksBinary(path)
}
