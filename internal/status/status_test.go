package status_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/rewritertest"
	"github.com/twosigma/git-meta/internal/status"
)

func TestGetRelation(t *testing.T) {
	repo := rewritertest.NewRepo(t, "meta")
	repo.WriteFile("a.txt", "1")
	c1 := plumbing.NewHash(repo.Commit("first", "a.txt"))
	repo.WriteFile("a.txt", "2")
	c2 := plumbing.NewHash(repo.Commit("second", "a.txt"))

	require.Equal(t, status.Same, status.GetRelation(repo.Repository, c1, c1))
	require.Equal(t, status.Ahead, status.GetRelation(repo.Repository, c2, c1))
	require.Equal(t, status.Behind, status.GetRelation(repo.Repository, c1, c2))
}

func TestEnsureCleanRejectsStagedChanges(t *testing.T) {
	repo := rewritertest.NewRepo(t, "meta")
	repo.WriteFile("a.txt", "1")
	repo.Commit("first", "a.txt")
	repo.WriteFile("a.txt", "2")

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)

	rs, err := status.GetRepoStatus(repo.Repository)
	require.NoError(t, err)
	require.Error(t, status.EnsureClean(rs))
}

func TestEnsureCleanRejectsDirtyOpenSubmodule(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subSha)
	meta.CommitStaged("add libA")
	_, err := meta.EnsureRemote("origin", "file://"+meta.Path)
	require.NoError(t, err)

	op, err := opener.New(meta.Repository, config.DefaultConfig())
	require.NoError(t, err)
	_, err = op.OpenAt("libA", "libA", sub.Path, subSha)
	require.NoError(t, err)

	rs, err := status.BuildMetaStatus(meta.Repository, op)
	require.NoError(t, err)
	require.NoError(t, status.EnsureClean(rs), "a freshly-opened submodule matching its pin is clean")

	require.NoError(t, os.WriteFile(filepath.Join(meta.Path, "libA", "f.txt"), []byte("dirty"), 0o644))

	rs, err = status.BuildMetaStatus(meta.Repository, op)
	require.NoError(t, err)
	err = status.EnsureClean(rs)
	require.Error(t, err, "a dirty open submodule must make the meta-repo not clean")
	require.Contains(t, err.Error(), "libA")
}

func TestSequencerStateValidation(t *testing.T) {
	_, err := status.NewSequencerState(status.SequencerCherryPick, "", "target", []string{"a"}, "a", "")
	require.Error(t, err, "original head is required")

	_, err = status.NewSequencerState(status.SequencerCherryPick, "orig", "target", []string{"a"}, "b", "")
	require.Error(t, err, "current commit must be among the listed commits")

	s, err := status.NewSequencerState(status.SequencerCherryPick, "orig", "target", []string{"a", "b"}, "b", "msg")
	require.NoError(t, err)
	require.Equal(t, "b", s.CurrentCommit)
}
