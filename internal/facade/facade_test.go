package facade_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/facade"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/rewritertest"
)

// TestIncludeAndCommitRoundTrip exercises the full declare-stage-commit
// lifecycle through the facade: Include stages a new submodule
// declaration and gitlink pin, and Commit records it as long as nothing
// outside .gitmodules is staged.
func TestIncludeAndCommitRoundTrip(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	root := filepath.Join(t.TempDir(), "meta")
	require.NoError(t, os.MkdirAll(root, 0o755))

	f, err := facade.Init(root, config.DefaultConfig())
	require.NoError(t, err)

	rs, err := f.Status()
	require.NoError(t, err)
	require.True(t, rs.IsClean())

	require.NoError(t, f.Include("libA", "libA", sub.Path, subSha))

	sig := rewritertest.Sig("tester")
	newHead, err := f.Commit("add libA", sig, false)
	require.NoError(t, err)
	require.False(t, newHead.IsZero())

	rs, err = f.Status()
	require.NoError(t, err)
	require.True(t, rs.IsClean())
	require.Len(t, rs.Submodules(), 1)

	ss, _ := rs.Submodule("libA")
	require.NotNil(t, ss)
}

// TestIncludeRejectsDuplicateName verifies that declaring the same
// submodule name twice is rejected rather than silently overwriting.
func TestIncludeRejectsDuplicateName(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	root := filepath.Join(t.TempDir(), "meta")
	require.NoError(t, os.MkdirAll(root, 0o755))
	f, err := facade.Init(root, config.DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, f.Include("libA", "libA", sub.Path, subSha))
	require.Error(t, f.Include("libA", "libA", sub.Path, subSha))
}

// TestCommitAllStagesOpenSubmodulePin verifies that "commit -a" picks up
// an open submodule's own HEAD advancing and re-pins it, without the
// caller having to stage the gitlink move by hand.
func TestCommitAllStagesOpenSubmodulePin(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	root := filepath.Join(t.TempDir(), "meta")
	require.NoError(t, os.MkdirAll(root, 0o755))
	f, err := facade.Init(root, config.DefaultConfig())
	require.NoError(t, err)

	_, err = f.Meta.EnsureRemote("origin", "file:///does/not/matter")
	require.NoError(t, err)
	op, err := opener.New(f.Meta, f.Config)
	require.NoError(t, err)
	f.Opener = op

	require.NoError(t, f.Include("libA", "libA", sub.Path, subSha))
	sig := rewritertest.Sig("tester")
	_, err = f.Commit("add libA", sig, false)
	require.NoError(t, err)

	require.NoError(t, f.Open(context.Background(), []string{"libA"}))

	subRepo, ok := f.Opener.Open("libA")
	require.True(t, ok)
	wt, err := subRepo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "libA", "f.txt"), []byte("v2"), 0o644))
	_, err = wt.Add("f.txt")
	require.NoError(t, err)
	advancedSha, err := wt.Commit("advance libA", &git.CommitOptions{Author: &sig})
	require.NoError(t, err)

	newHead, err := f.Commit("pick up libA advance", sig, true)
	require.NoError(t, err)
	require.False(t, newHead.IsZero())

	rs, err := f.Status()
	require.NoError(t, err)
	ss, _ := rs.Submodule("libA")
	require.NotNil(t, ss)
	require.Equal(t, advancedSha.String(), ss.Commit.Sha, "commit -a must have re-pinned libA to its open HEAD")
}
