package revrange_test

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/revrange"
	"github.com/twosigma/git-meta/internal/rewritertest"
)

func linearRepo(t *testing.T) (*rewritertest.Repo, string, string, string) {
	t.Helper()
	repo := rewritertest.NewRepo(t, "repo")
	repo.WriteFile("f.txt", "v1")
	c1 := repo.Commit("c1", "f.txt")
	repo.WriteFile("f.txt", "v2")
	c2 := repo.Commit("c2", "f.txt")
	repo.WriteFile("f.txt", "v3")
	c3 := repo.Commit("c3", "f.txt")
	return repo, c1, c2, c3
}

func hashStrings(commits []*object.Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.Hash.String()
	}
	return out
}

func hashSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func TestResolvePlainRevision(t *testing.T) {
	repo, _, c2, _ := linearRepo(t)
	commits, err := revrange.Resolve(repo.Repository, []string{c2})
	require.NoError(t, err)
	require.Equal(t, []string{c2}, hashStrings(commits))
}

func TestResolveDotDotRangeExcludesLeftInclusive(t *testing.T) {
	repo, c1, c2, c3 := linearRepo(t)
	commits, err := revrange.Resolve(repo.Repository, []string{c1 + ".." + c3})
	require.NoError(t, err)
	require.Equal(t, []string{c2, c3}, hashStrings(commits), "range must exclude the left endpoint and be ordered oldest first")
}

func TestResolveTripleDotUsesMergeBase(t *testing.T) {
	repo, c1, c2, _ := linearRepo(t)

	require.NoError(t, repo.ResetHard(plumbing.NewHash(c1)))
	repo.WriteFile("g.txt", "branch-v1")
	branchSha := repo.Commit("branch", "g.txt")

	commits, err := revrange.Resolve(repo.Repository, []string{c2 + "..." + branchSha})
	require.NoError(t, err)
	got := hashSet(hashStrings(commits))
	require.Len(t, commits, 2)
	require.True(t, got[c2], "symmetric difference must include the left side's unique commit")
	require.True(t, got[branchSha], "symmetric difference must include the right side's unique commit")
}

func TestResolveCaretAtIncludesParentsIndividually(t *testing.T) {
	repo, _, c2, c3 := linearRepo(t)
	commits, err := revrange.Resolve(repo.Repository, []string{c3 + "^@"})
	require.NoError(t, err)
	require.Equal(t, []string{c2}, hashStrings(commits), "c3^@ must include only c3's parent(s), not their ancestry")
}

func TestResolveCaretBangExcludesParentAncestry(t *testing.T) {
	repo, _, _, c3 := linearRepo(t)
	commits, err := revrange.Resolve(repo.Repository, []string{c3 + "^!"})
	require.NoError(t, err)
	require.Equal(t, []string{c3}, hashStrings(commits), "c3^! must include only c3 itself")
}

func TestResolveCaretDashNEquivalentToParentRange(t *testing.T) {
	repo, _, _, c3 := linearRepo(t)
	commits, err := revrange.Resolve(repo.Repository, []string{c3 + "^-1"})
	require.NoError(t, err)
	require.Equal(t, []string{c3}, hashStrings(commits))
}

func TestResolveLeadingCaretExcludesAncestry(t *testing.T) {
	repo, c1, c2, c3 := linearRepo(t)
	commits, err := revrange.Resolve(repo.Repository, []string{c1, c2, c3, "^" + c1})
	require.NoError(t, err)
	require.Equal(t, []string{c2, c3}, hashStrings(commits), "excluding c1's ancestry must drop c1 while keeping c2/c3")
}

func TestIsRangeToken(t *testing.T) {
	require.True(t, revrange.IsRangeToken("a..b"))
	require.True(t, revrange.IsRangeToken("a...b"))
	require.True(t, revrange.IsRangeToken("^a"))
	require.True(t, revrange.IsRangeToken("a^@"))
	require.True(t, revrange.IsRangeToken("a^!"))
	require.True(t, revrange.IsRangeToken("a^-2"))
	require.False(t, revrange.IsRangeToken("deadbeef"))
}
