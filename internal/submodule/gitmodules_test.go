package submodule_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/rewritertest"
	"github.com/twosigma/git-meta/internal/submodule"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m, err := submodule.Unmarshal(nil)
	require.NoError(t, err)
	require.Empty(t, m.Names())

	m.Set(&submodule.Declaration{Name: "libA", Path: "vendor/libA", URL: "https://example.test/libA.git"})
	m.Set(&submodule.Declaration{Name: "libB", Path: "libB", URL: "../libB.git", Branch: "release"})

	content, err := submodule.Marshal(m)
	require.NoError(t, err)

	roundTripped, err := submodule.Unmarshal(content)
	require.NoError(t, err)
	require.Equal(t, []string{"libA", "libB"}, roundTripped.Names())

	d, ok := roundTripped.ByName("libB")
	require.True(t, ok)
	require.Equal(t, "libB", d.Path)
	require.Equal(t, "../libB.git", d.URL)
	require.Equal(t, "release", d.Branch)

	byPath, ok := roundTripped.ByPath("vendor/libA")
	require.True(t, ok)
	require.Equal(t, "libA", byPath.Name)
}

func TestAtTreeAndAtCommit(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subSha := sub.Commit("v1", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subSha)
	meta.CommitStaged("add libA")

	head, _, err := meta.HeadCommit()
	require.NoError(t, err)
	commit, err := meta.CommitAt(head)
	require.NoError(t, err)

	mods, err := submodule.AtCommit(commit)
	require.NoError(t, err)
	require.Equal(t, []string{"libA"}, mods.Names())

	tree, err := commit.Tree()
	require.NoError(t, err)
	links, err := submodule.GitlinksAtTree(tree)
	require.NoError(t, err)
	require.Equal(t, subSha, links["libA"].String())
}

func TestAtTreeWithNoGitmodulesIsEmptyNotError(t *testing.T) {
	meta := rewritertest.NewRepo(t, "meta")
	meta.WriteFile("README.md", "hello")
	meta.Commit("init", "README.md")

	head, _, err := meta.HeadCommit()
	require.NoError(t, err)
	commit, err := meta.CommitAt(head)
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	mods, err := submodule.AtTree(tree)
	require.NoError(t, err)
	require.Empty(t, mods.Names())
}

func TestRemove(t *testing.T) {
	m, err := submodule.Unmarshal(nil)
	require.NoError(t, err)
	m.Set(&submodule.Declaration{Name: "libA", Path: "libA", URL: "u"})
	m.Remove("libA")
	require.Empty(t, m.Names())
	_, ok := m.ByPath("libA")
	require.False(t, ok)
}
