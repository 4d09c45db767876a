package syncrefs

import (
	"context"
	"testing"

	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/rewritertest"
)

func TestSyntheticRefName(t *testing.T) {
	sha := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.Equal(t, plumbing.ReferenceName("refs/commits/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), SyntheticRefName(sha))
}

func TestCollectReachableShas(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subSha)
	head := meta.CommitStaged("add libA")

	pushes, err := collectReachableShas(meta.Repository, plumbing.NewHash(head), plumbing.ZeroHash)
	require.NoError(t, err)
	require.Len(t, pushes, 1)
	require.Equal(t, "libA", pushes[0].Name)
	require.Equal(t, subSha, pushes[0].Sha.String())
}

func TestCollectReachableShasIgnoresUndeclaredGitlinkPaths(t *testing.T) {
	meta := rewritertest.NewRepo(t, "meta")
	meta.WriteFile("README.md", "hello")
	meta.Commit("init", "README.md")

	head := meta.HeadSha()
	pushes, err := collectReachableShas(meta.Repository, plumbing.NewHash(head), plumbing.ZeroHash)
	require.NoError(t, err)
	require.Empty(t, pushes)
}

// TestCollectReachableShasWalksFullRange covers a commit range of more
// than one commit: base pins libA and libB to their first shas, middle
// advances libA, head advances libB. Walking the whole history must
// return both shas of each submodule, and walking must not run past
// stopAt.
func TestCollectReachableShasWalksFullRange(t *testing.T) {
	subA := rewritertest.NewRepo(t, "subA")
	subA.WriteFile("a.txt", "v1")
	subASha1 := subA.Commit("v1", "a.txt")
	subA.WriteFile("a.txt", "v2")
	subASha2 := subA.Commit("v2", "a.txt")

	subB := rewritertest.NewRepo(t, "subB")
	subB.WriteFile("b.txt", "v1")
	subBSha1 := subB.Commit("v1", "b.txt")
	subB.WriteFile("b.txt", "v2")
	subBSha2 := subB.Commit("v2", "b.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", subA.Path, subASha1)
	meta.DeclareSubmodule("libB", "libB", subB.Path, subBSha1)
	meta.CommitStaged("base")

	meta.DeclareSubmodule("libA", "libA", subA.Path, subASha2)
	middle := meta.CommitStaged("advance libA")

	meta.DeclareSubmodule("libB", "libB", subB.Path, subBSha2)
	head := meta.CommitStaged("advance libB")

	pushes, err := collectReachableShas(meta.Repository, plumbing.NewHash(head), plumbing.ZeroHash)
	require.NoError(t, err)
	byName := map[string][]string{}
	for _, p := range pushes {
		byName[p.Name] = append(byName[p.Name], p.Sha.String())
	}
	require.ElementsMatch(t, []string{subASha1, subASha2}, byName["libA"])
	require.ElementsMatch(t, []string{subBSha1, subBSha2}, byName["libB"])

	// Bounding the walk at middle must drop base's and middle's
	// contributions and still see every commit strictly after middle,
	// i.e. just head's own edit.
	pushesSinceMiddle, err := collectReachableShas(meta.Repository, plumbing.NewHash(head), plumbing.NewHash(middle))
	require.NoError(t, err)
	require.Len(t, pushesSinceMiddle, 1)
	require.Equal(t, "libB", pushesSinceMiddle[0].Name)
	require.Equal(t, subBSha2, pushesSinceMiddle[0].Sha.String())
}

// TestPushIsAtomicOnSubPushFailure exercises the two-phase guarantee: if
// a submodule's synthetic-ref push fails, the meta-ref on the remote
// must be left exactly where it was, never advanced partway.
func TestPushIsAtomicOnSubPushFailure(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subSha)
	head := meta.CommitStaged("add libA")

	metaRemote := rewritertest.NewRepo(t, "metaRemote")
	_, err := meta.EnsureRemote("origin", "file://"+metaRemote.Path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	op, err := opener.New(meta.Repository, cfg)
	require.NoError(t, err)

	subRepo, err := op.OpenAt("libA", "libA", sub.Path, subSha)
	require.NoError(t, err)

	// Break libA's origin after opening it, so the synthetic-ref push
	// fails the way a remote outage mid-push would, without touching
	// anything about the meta-repo's own remote.
	require.NoError(t, subRepo.DeleteRemote("origin"))
	_, err = subRepo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{"file:///does/not/exist"}})
	require.NoError(t, err)

	ref := plumbing.ReferenceName("refs/heads/master")
	err = Push(context.Background(), meta.Repository, op, "origin", ref, ref, plumbing.NewHash(head), false, cfg)
	require.Error(t, err, "a broken submodule remote must fail the push before the meta-ref is touched")

	_, refErr := metaRemote.Reference(ref, true)
	require.Error(t, refErr, "meta-ref must never have been pushed to the remote")
}
