package opener_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/rewritertest"
)

func newMeta(t *testing.T) *rewritertest.Repo {
	t.Helper()
	meta := rewritertest.NewRepo(t, "meta")
	_, err := meta.EnsureRemote("origin", "file:///does/not/matter")
	require.NoError(t, err)
	return meta
}

// TestOpenAtIsIdempotent verifies that a second OpenAt call for the same
// submodule returns the cached repo without re-fetching or re-checking
// out: after the submodule's origin gains a new commit, a second OpenAt
// naming that new sha must leave the opened repo at its original HEAD.
func TestOpenAtIsIdempotent(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("a.txt", "v1")
	subSha := sub.Commit("v1", "a.txt")

	meta := newMeta(t)
	op, err := opener.New(meta.Repository, config.DefaultConfig())
	require.NoError(t, err)

	repo1, err := op.OpenAt("libA", "libA", sub.Path, subSha)
	require.NoError(t, err)

	sub.WriteFile("a.txt", "v2")
	newSha := sub.Commit("v2", "a.txt")

	repo2, err := op.OpenAt("libA", "libA", sub.Path, newSha)
	require.NoError(t, err)

	head1, _, err := repo1.HeadCommit()
	require.NoError(t, err)
	head2, _, err := repo2.HeadCommit()
	require.NoError(t, err)
	require.Equal(t, head1, head2, "second OpenAt must return the cached repo untouched, not re-checkout at newSha")
	require.NotEqual(t, newSha, head2.String())
}

// TestCloseRejectsDirtySubmodule verifies Close refuses to remove a
// submodule with uncommitted workdir changes unless force is set.
func TestCloseRejectsDirtySubmodule(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("a.txt", "v1")
	subSha := sub.Commit("v1", "a.txt")

	meta := newMeta(t)
	op, err := opener.New(meta.Repository, config.DefaultConfig())
	require.NoError(t, err)

	_, err = op.OpenAt("libA", "libA", sub.Path, subSha)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(meta.Path, "libA", "a.txt"), []byte("dirty"), 0o644))

	err = op.Close(context.Background(), "libA", "libA", false)
	require.Error(t, err, "a dirty submodule must not be closed without force")

	require.NoError(t, op.Close(context.Background(), "libA", "libA", true))
	_, ok := op.Open("libA")
	require.False(t, ok, "submodule directory must be gone after a forced close")
}

// TestCloseManyRunsHookOnceWithClosedSubset verifies CloseMany invokes
// the post-close-submodule hook exactly once, with only the submodules
// that actually closed, and continues past a per-entry failure rather
// than aborting the whole batch.
func TestCloseManyRunsHookOnceWithClosedSubset(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook script below assumes a POSIX shell")
	}
	subA := rewritertest.NewRepo(t, "subA")
	subA.WriteFile("a.txt", "v1")
	subASha := subA.Commit("v1", "a.txt")

	subB := rewritertest.NewRepo(t, "subB")
	subB.WriteFile("b.txt", "v1")
	subBSha := subB.Commit("v1", "b.txt")

	meta := newMeta(t)

	hookOut := filepath.Join(meta.Path, "hook-calls.txt")
	hookScript := filepath.Join(meta.Path, "hook.sh")
	require.NoError(t, os.WriteFile(hookScript, []byte("#!/bin/sh\necho \"$@\" >> \""+hookOut+"\"\n"), 0o755))

	cfg := config.DefaultConfig()
	cfg.PostCloseSubmoduleHook = hookScript
	op, err := opener.New(meta.Repository, cfg)
	require.NoError(t, err)

	_, err = op.OpenAt("libA", "libA", subA.Path, subASha)
	require.NoError(t, err)
	_, err = op.OpenAt("libB", "libB", subB.Path, subBSha)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(meta.Path, "libB", "b.txt"), []byte("dirty"), 0o644))

	err = op.CloseMany(context.Background(), []opener.CloseEntry{
		{Name: "libA", Path: "libA"},
		{Name: "libB", Path: "libB"},
	}, false)
	require.Error(t, err, "libB is dirty, so the batch must report a failure")

	_, okA := op.Open("libA")
	require.False(t, okA, "libA must have closed despite libB failing")
	_, okB := op.Open("libB")
	require.True(t, okB, "libB must remain open since it was dirty")

	out, err := os.ReadFile(hookOut)
	require.NoError(t, err)
	require.Equal(t, "libA\n", string(out), "hook must run exactly once, with only the successfully-closed names")
}
