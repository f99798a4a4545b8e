package repo_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tejas242/sift/internal/gitrepo"
	"github.com/tejas242/sift/internal/repo"
)

// fakeGit is a GitCapability double driven entirely by its fields, so
// sync-path tests never need a real checkout.
type fakeGit struct {
	branch   string
	commit   string
	ancestor string
	changes  []gitrepo.Change
}

func (g *fakeGit) CurrentBranch(ctx context.Context) (string, error) { return g.branch, nil }
func (g *fakeGit) CurrentCommit(ctx context.Context) (string, error) { return g.commit, nil }
func (g *fakeGit) CommonAncestor(ctx context.Context, a, b string) (string, error) {
	return g.ancestor, nil
}
func (g *fakeGit) Diff(ctx context.Context, from, to string) ([]gitrepo.Change, error) {
	return g.changes, nil
}

// fakeProvider is a minimal index.Provider: deterministic fixed-size
// vectors, no model required.
type fakeProvider struct {
	dim int
	tag string
}

func (f fakeProvider) Dimension() int   { return f.dim }
func (f fakeProvider) ModelTag() string { return f.tag }
func (f fakeProvider) EmbedCtx(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}
func (f fakeProvider) EmbedQueryCtx(ctx context.Context, query string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRegistryAddListActiveSwitchRemove(t *testing.T) {
	dataDir := t.TempDir()
	repoRoot := t.TempDir()
	writeFile(t, filepath.Join(repoRoot, "main.go"), "package main\n")

	m, err := repo.Open(dataDir)
	require.NoError(t, err)

	rec, err := m.Add(repoRoot, "demo")
	require.NoError(t, err)
	require.Equal(t, "demo", rec.Name)

	_, err = m.Add(repoRoot, "demo")
	require.Error(t, err, "re-adding the same repo must fail")

	list := m.List()
	require.Len(t, list, 1)

	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, rec.ID, active.ID)

	switched, err := m.Switch("demo", "feature")
	require.NoError(t, err)
	require.Equal(t, "feature", switched.ActiveBranch)

	require.NoError(t, m.Remove("demo"))
	require.Empty(t, m.List())
}

// TestSyncLifecycle walks a single repo through every branch of the sync
// decision: full index (no prior commit), incremental (prior commit on
// the same branch, changed and unchanged head), and cross-branch (no
// prior commit on this branch, but another branch has one, reconciled
// through a common ancestor).
func TestSyncLifecycle(t *testing.T) {
	dataDir := t.TempDir()
	repoRoot := t.TempDir()
	writeFile(t, filepath.Join(repoRoot, "a.go"), "package a\n\nfunc A() {}\n")

	m, err := repo.Open(dataDir)
	require.NoError(t, err)
	rec, err := m.Add(repoRoot, "demo")
	require.NoError(t, err)

	provider := fakeProvider{dim: 8, tag: "fake-v1"}
	ctx := context.Background()

	// 1. No indexed_commit for "main" yet: full index.
	git := &fakeGit{branch: "main", commit: "c1"}
	ix, plan, err := m.Sync(ctx, rec, git, provider, 0)
	require.NoError(t, err)
	require.Equal(t, repo.SyncFull, plan.Kind)
	require.True(t, plan.Changed)
	require.Equal(t, 1, ix.Stats().NumFiles)

	rec = mustFind(t, m, "demo")
	require.Equal(t, "c1", rec.IndexedCommits["main"])

	// 2. Same branch, same head: incremental path, nothing to apply.
	ix, plan, err = m.Sync(ctx, rec, git, provider, 0)
	require.NoError(t, err)
	require.Equal(t, repo.SyncIncremental, plan.Kind)
	require.False(t, plan.Changed)
	require.Equal(t, 1, ix.Stats().NumFiles)

	// 3. Same branch, new head: incremental path applies a real diff.
	writeFile(t, filepath.Join(repoRoot, "b.go"), "package a\n\nfunc B() {}\n")
	git = &fakeGit{branch: "main", commit: "c2", changes: []gitrepo.Change{
		{Path: "b.go", Kind: gitrepo.Added},
	}}
	ix, plan, err = m.Sync(ctx, rec, git, provider, 0)
	require.NoError(t, err)
	require.Equal(t, repo.SyncIncremental, plan.Kind)
	require.True(t, plan.Changed)
	require.Equal(t, 2, ix.Stats().NumFiles)

	rec = mustFind(t, m, "demo")
	require.Equal(t, "c2", rec.IndexedCommits["main"])

	// 4. A different branch with no indexed_commit of its own, but
	// "main" has one: cross-branch sync reconciles through the common
	// ancestor instead of falling back to a full re-index.
	featureGit := &fakeGit{
		branch:   "feature",
		commit:   "c3",
		ancestor: "c2",
		changes: []gitrepo.Change{
			{Path: "a.go", Kind: gitrepo.Modified},
		},
	}
	_, plan, err = m.Sync(ctx, rec, featureGit, provider, 0)
	require.NoError(t, err)
	require.Equal(t, repo.SyncCrossBranch, plan.Kind)
	require.Equal(t, "c2", plan.FromHash)

	rec = mustFind(t, m, "demo")
	require.Equal(t, "c3", rec.IndexedCommits["feature"])
	require.Equal(t, "feature", rec.ActiveBranch)
}

func mustFind(t *testing.T, m *repo.Manager, name string) repo.Record {
	t.Helper()
	for _, r := range m.List() {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("repository %s not found", name)
	return repo.Record{}
}
