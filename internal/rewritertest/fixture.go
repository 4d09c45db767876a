// Package rewritertest provides a small on-disk repo-builder used only
// by _test.go files across git-meta: create a working repo,
// write files, stage and commit, declare submodules. It is a thin
// fixture helper, not a general-purpose git testing framework.
package rewritertest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/submodule"
)

// Sig is a deterministic author/committer signature for reproducible
// test fixtures.
func Sig(name string) object.Signature {
	return object.Signature{Name: name, Email: name + "@example.test", When: time.Unix(1700000000, 0)}
}

// Repo is a working repository rooted in a t.TempDir(), wrapping a
// gitadapter.Repository with convenience methods for building fixtures.
type Repo struct {
	T    *testing.T
	Path string
	*gitadapter.Repository
}

// NewRepo initializes a fresh, empty repository under t.TempDir().
func NewRepo(t *testing.T, name string) *Repo {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	r, err := gitadapter.Init(dir)
	require.NoError(t, err)
	return &Repo{T: t, Path: dir, Repository: r}
}

// WriteFile writes content to path relative to the repo root.
func (r *Repo) WriteFile(path, content string) {
	r.T.Helper()
	full := filepath.Join(r.Path, path)
	require.NoError(r.T, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(r.T, os.WriteFile(full, []byte(content), 0o644))
}

// Commit stages every path given (relative to repo root) and commits
// them with message, returning the new commit sha as a string.
func (r *Repo) Commit(message string, paths ...string) string {
	r.T.Helper()
	wt, err := r.Worktree()
	require.NoError(r.T, err)
	for _, p := range paths {
		_, err := wt.Add(p)
		require.NoError(r.T, err)
	}
	sig := Sig("tester")
	sha, err := wt.Commit(message, &git.CommitOptions{Author: &sig})
	require.NoError(r.T, err)
	return sha.String()
}

// CommitStaged records a new commit directly from the repo's current
// index (bypassing Worktree.Add, which cannot stage a bare gitlink
// path that has no corresponding submodule checkout on disk), leaving
// the worktree files untouched. Use this after DeclareSubmodule.
func (r *Repo) CommitStaged(message string) string {
	r.T.Helper()
	idx, err := r.Index()
	require.NoError(r.T, err)
	tree, err := r.BuildTreeFromIndex(idx)
	require.NoError(r.T, err)
	var parents []plumbing.Hash
	if sha, _, err := r.HeadCommit(); err == nil {
		parents = []plumbing.Hash{sha}
	}
	sha, err := r.CreateCommit(tree, parents, Sig("tester"), message)
	require.NoError(r.T, err)
	name := plumbing.ReferenceName("refs/heads/master")
	if symbolic, err := r.Reference(plumbing.HEAD, false); err == nil && symbolic.Type() == plumbing.SymbolicReference {
		name = symbolic.Target()
	} else if resolved, err := r.Head(); err == nil {
		name = resolved.Name()
	}
	require.NoError(r.T, r.SetRef(name, sha))
	return sha.String()
}

// DeclareSubmodule writes/updates .gitmodules to declare name at path
// pointed at url, and stages a gitlink entry at path pinned to sha, but
// does not commit -- callers call CommitStaged next.
func (r *Repo) DeclareSubmodule(name, path, url, sha string) {
	r.T.Helper()
	idx, err := r.Index()
	require.NoError(r.T, err)
	mods, err := submodule.AtIndex(r.Storer, idx)
	require.NoError(r.T, err)
	mods.Set(&submodule.Declaration{Name: name, Path: path, URL: url})
	content, err := submodule.Marshal(mods)
	require.NoError(r.T, err)
	r.WriteFile(".gitmodules", string(content))

	blobHash, err := r.StoreBlob(content)
	require.NoError(r.T, err)
	gitadapter.StageEntry(idx, ".gitmodules", filemode.Regular, blobHash)
	gitadapter.StageEntry(idx, path, filemode.Submodule, plumbing.NewHash(sha))
	require.NoError(r.T, r.SetIndex(idx))
}

// HeadSha returns the current HEAD commit sha as a string.
func (r *Repo) HeadSha() string {
	r.T.Helper()
	sha, _, err := r.HeadCommit()
	require.NoError(r.T, err)
	return sha.String()
}
