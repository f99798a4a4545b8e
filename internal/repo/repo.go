// Package repo manages sift's multi-repository registry: a
// repositories.json keyed by a deterministic id, one indexed_commits
// entry per branch, and the full/incremental/cross-branch sync
// orchestration that decides which of those paths an Indexer should
// take.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/tejas242/sift/internal/atomicfile"
	"github.com/tejas242/sift/internal/gitrepo"
	"github.com/tejas242/sift/internal/index"
	"github.com/tejas242/sift/internal/siftdb"
)

// lockRetryInterval paces TryLockContext's internal retry loop while
// waiting for another process to release the registry lock.
const lockRetryInterval = 50 * time.Millisecond

// GitCapability is the Git surface the manager needs. *gitrepo.Repo
// satisfies it; tests substitute a fake so sync logic doesn't require a
// real checkout.
type GitCapability interface {
	CurrentBranch(ctx context.Context) (string, error)
	CurrentCommit(ctx context.Context) (string, error)
	CommonAncestor(ctx context.Context, a, b string) (string, error)
	Diff(ctx context.Context, from, to string) ([]gitrepo.Change, error)
}

// Record is one registered repository.
type Record struct {
	ID             string            `json:"id"`
	CanonicalPath  string            `json:"canonical_path"`
	Name           string            `json:"name"`
	ActiveBranch   string            `json:"active_branch"`
	IndexedCommits map[string]string `json:"indexed_commits"` // branch -> commit hash
	ModelTag       string            `json:"model_tag,omitempty"`
}

// registryFile is repositories.json's on-disk shape.
type registryFile struct {
	Repos        map[string]Record `json:"repos"`
	ActiveRepoID string            `json:"active_repo_id"`
}

// Manager owns the repository registry persisted at <dataDir>/repositories.json
// and, for each repo+branch, an isolated data subdirectory at
// <dataDir>/repositories/<name>/<branch>/ holding that Indexer's own
// db.json/hnsw_index.json/cache.json. An advisory flock on the registry
// file enforces a single-writer contract across processes: true
// multi-writer concurrency is out of scope; a second `sift sync` waits on
// the lock, retrying every lockRetryInterval until its context ends,
// rather than corrupt state.
type Manager struct {
	mu           sync.Mutex
	dataDir      string
	registryPath string
	lock         *flock.Flock
	reg          registryFile
}

// Open loads (or initializes) the registry under dataDir.
func Open(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dataDir, err)
	}
	registryPath := filepath.Join(dataDir, "repositories.json")

	m := &Manager{
		dataDir:      dataDir,
		registryPath: registryPath,
		lock:         flock.New(registryPath + ".lock"),
		reg:          registryFile{Repos: map[string]Record{}},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", m.registryPath, err)
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return siftdb.New(siftdb.KindCorruptPersistence, "repo.Open", m.registryPath, err)
	}
	if rf.Repos == nil {
		rf.Repos = map[string]Record{}
	}
	m.reg = rf
	return nil
}

// save persists the registry atomically. Caller must hold m.mu.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return atomicfile.Write(m.registryPath, data, 0o644)
}

// DeriveID computes a repository's deterministic id from its canonical
// path, optionally salted by name, so the same filesystem location
// always resolves to the same id. Uses xxhash, already in the
// dependency graph for the embedder's tokenizer cache keys.
func DeriveID(canonicalPath, name string) string {
	h := xxhash.Sum64String(canonicalPath + "\x00" + name)
	base := filepath.Base(canonicalPath)
	return fmt.Sprintf("%s-%016x", base, h)
}

// Add registers a new repository rooted at dir under the given display
// name (defaulting to the directory's base name). Fails if a repo with
// the same derived id is already registered.
func (m *Manager) Add(dir, name string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	abs, err := filepath.Abs(dir)
	if err != nil {
		return Record{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return Record{}, fmt.Errorf("canonicalize %s: %w", dir, err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	id := DeriveID(abs, name)
	if _, exists := m.reg.Repos[id]; exists {
		return Record{}, fmt.Errorf("repository %s already registered", name)
	}

	rec := Record{
		ID:             id,
		CanonicalPath:  abs,
		Name:           name,
		ActiveBranch:   "",
		IndexedCommits: map[string]string{},
	}
	m.reg.Repos[id] = rec
	if m.reg.ActiveRepoID == "" {
		m.reg.ActiveRepoID = id
	}
	return rec, m.save()
}

// Remove unregisters a repository and deletes its per-branch data
// subdirectories. The original checkout on disk is untouched.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.findByNameLocked(name)
	if !ok {
		return siftdb.New(siftdb.KindNotFound, "repo.Remove", name, fmt.Errorf("no such repository"))
	}
	delete(m.reg.Repos, rec.ID)
	if m.reg.ActiveRepoID == rec.ID {
		m.reg.ActiveRepoID = ""
		for id := range m.reg.Repos {
			m.reg.ActiveRepoID = id
			break
		}
	}
	_ = os.RemoveAll(filepath.Join(m.dataDir, "repositories", rec.Name))
	return m.save()
}

// List returns every registered repository.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.reg.Repos))
	for _, r := range m.reg.Repos {
		out = append(out, r)
	}
	return out
}

// Active returns the currently active repository, if any.
func (m *Manager) Active() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg.ActiveRepoID == "" {
		return Record{}, false
	}
	rec, ok := m.reg.Repos[m.reg.ActiveRepoID]
	return rec, ok
}

// Switch makes name the active repository and, if branch is non-empty,
// records it as that repository's active branch.
func (m *Manager) Switch(name, branch string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.findByNameLocked(name)
	if !ok {
		return Record{}, siftdb.New(siftdb.KindNotFound, "repo.Switch", name, fmt.Errorf("no such repository"))
	}
	if branch != "" {
		rec.ActiveBranch = branch
	}
	m.reg.ActiveRepoID = rec.ID
	m.reg.Repos[rec.ID] = rec
	return rec, m.save()
}

func (m *Manager) findByNameLocked(name string) (Record, bool) {
	for _, r := range m.reg.Repos {
		if r.Name == name || r.ID == name {
			return r, true
		}
	}
	return Record{}, false
}

// DataDir returns the per-repo/branch data subdirectory an Indexer
// should Open for rec at branch: repositories/<name>/<branch>/.
func (m *Manager) DataDir(rec Record, branch string) string {
	return filepath.Join(m.dataDir, "repositories", rec.Name, branch)
}

// Lock acquires the registry's cross-process advisory lock via
// gofrs/flock, enforcing the single-writer contract. Callers should
// defer Unlock.
func (m *Manager) Lock(ctx context.Context) error {
	ok, err := m.lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	if !ok {
		return siftdb.New(siftdb.KindLocked, "repo.Lock", m.registryPath, fmt.Errorf("held by another process"))
	}
	return nil
}

// Unlock releases the registry lock acquired by Lock.
func (m *Manager) Unlock() error {
	return m.lock.Unlock()
}

// SyncPlan describes what Sync decided to do, for CLI/TUI reporting.
type SyncPlan struct {
	Kind     SyncKind
	Branch   string
	FromHash string
	ToHash   string
	Changed  bool
}

// SyncKind names which of the three sync paths ran.
type SyncKind int

const (
	SyncFull SyncKind = iota
	SyncIncremental
	SyncCrossBranch
)

func (k SyncKind) String() string {
	switch k {
	case SyncFull:
		return "full"
	case SyncIncremental:
		return "incremental"
	case SyncCrossBranch:
		return "cross-branch"
	default:
		return "unknown"
	}
}

// Sync brings rec's indexed state for its current branch up to HEAD,
// choosing among full/incremental/cross-branch, then opens (or reuses)
// that branch's Indexer to actually apply the change and records the
// resulting commit hash in indexed_commits.
//
// provider is passed straight to index.Open; maxFileBytes 0 uses the
// indexer's default.
func (m *Manager) Sync(ctx context.Context, rec Record, git GitCapability, provider index.Provider, maxFileBytes int64) (*index.Indexer, SyncPlan, error) {
	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		return nil, SyncPlan{}, fmt.Errorf("current branch: %w", err)
	}
	head, err := git.CurrentCommit(ctx)
	if err != nil {
		return nil, SyncPlan{}, fmt.Errorf("current commit: %w", err)
	}

	ix, err := index.Open(m.DataDir(rec, branch), provider, maxFileBytes)
	if err != nil {
		return nil, SyncPlan{}, fmt.Errorf("open indexer for %s/%s: %w", rec.Name, branch, err)
	}

	m.mu.Lock()
	last, hasLast := rec.IndexedCommits[branch]
	m.mu.Unlock()

	plan := SyncPlan{Branch: branch, ToHash: head}

	switch {
	case hasLast && last == head:
		plan.Kind = SyncIncremental
		plan.FromHash = last
		log.Debug().Str("repo", rec.Name).Str("branch", branch).Str("commit", head).Msg("sync: already at head")
		// Nothing changed; still run EnsureBuilt in case a prior run
		// was interrupted after mutating the store but before rebuild.
		if err := ix.EnsureBuilt(); err != nil {
			return nil, plan, err
		}
		return ix, plan, nil

	case hasLast:
		plan.Kind = SyncIncremental
		plan.FromHash = last
		changes, err := git.Diff(ctx, last, head)
		if err != nil {
			return nil, plan, fmt.Errorf("diff %s..%s: %w", last, head, err)
		}
		log.Info().Str("repo", rec.Name).Str("branch", branch).Int("changes", len(changes)).Msg("sync: incremental")
		changed, err := applyChanges(ctx, ix, rec.CanonicalPath, changes)
		if err != nil {
			return nil, plan, err
		}
		plan.Changed = changed

	default:
		// No indexed_commit for this branch. If another branch has one,
		// try a cross-branch diff from their common ancestor; otherwise
		// fall back to a full index.
		_, fromHash, ok := m.anyOtherIndexedBranch(rec, branch)
		ancestor := ""
		if ok {
			ancestor, err = git.CommonAncestor(ctx, fromHash, head)
		}
		if ok && err == nil && ancestor != "" {
			plan.Kind = SyncCrossBranch
			plan.FromHash = ancestor
			log.Info().Str("repo", rec.Name).Str("branch", branch).Str("ancestor", ancestor).Msg("sync: cross-branch")
			changes, derr := git.Diff(ctx, ancestor, head)
			if derr != nil {
				return nil, plan, fmt.Errorf("diff %s..%s: %w", ancestor, head, derr)
			}
			changed, aerr := applyChanges(ctx, ix, rec.CanonicalPath, changes)
			if aerr != nil {
				return nil, plan, aerr
			}
			plan.Changed = changed
		} else {
			plan.Kind = SyncFull
			log.Info().Str("repo", rec.Name).Str("branch", branch).Msg("sync: full index")
			if err := ix.IndexDir(ctx, rec.CanonicalPath, index.FullIndexOptions{}); err != nil {
				return nil, plan, fmt.Errorf("full index: %w", err)
			}
			plan.Changed = true
		}
	}

	m.mu.Lock()
	if rec.IndexedCommits == nil {
		rec.IndexedCommits = map[string]string{}
	}
	rec.IndexedCommits[branch] = head
	rec.ActiveBranch = branch
	m.reg.Repos[rec.ID] = rec
	saveErr := m.save()
	m.mu.Unlock()
	if saveErr != nil {
		return ix, plan, saveErr
	}

	return ix, plan, nil
}

// anyOtherIndexedBranch returns a branch (other than exclude) that
// already has an indexed_commit on rec, for the cross-branch path.
func (m *Manager) anyOtherIndexedBranch(rec Record, exclude string) (branch, hash string, ok bool) {
	for b, h := range rec.IndexedCommits {
		if b != exclude && h != "" {
			return b, h, true
		}
	}
	return "", "", false
}

// applyChanges maps gitrepo.Change into the file sets index.Indexer.Sync
// expects. gitrepo.Diff returns repo-relative paths, but the indexer
// stores chunks keyed by the absolute path it walked during the initial
// full index, so every changed path is rejoined against canonicalPath
// before being handed to Sync.
func applyChanges(ctx context.Context, ix *index.Indexer, canonicalPath string, changes []gitrepo.Change) (bool, error) {
	var added, modified, deleted []string
	for _, c := range changes {
		abs := filepath.Join(canonicalPath, c.Path)
		switch c.Kind {
		case gitrepo.Added:
			added = append(added, abs)
		case gitrepo.Deleted:
			deleted = append(deleted, abs)
		default:
			modified = append(modified, abs)
		}
	}
	return ix.Sync(ctx, added, modified, deleted)
}
