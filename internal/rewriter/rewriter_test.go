package rewriter_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/rewriter"
	"github.com/twosigma/git-meta/internal/rewritertest"
	"github.com/twosigma/git-meta/internal/status"
)

// TestCherryPickFastForwardsSubmodulePin exercises the simple case:
// cherry-picking a commit that only advances a submodule's pin along a
// line the meta-repo's current HEAD already agrees with (ours ==
// ancestor) applies as a clean fast-forward, no sequencer involved.
func TestCherryPickFastForwardsSubmodulePin(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subC1 := sub.Commit("v1", "f.txt")
	sub.WriteFile("f.txt", "v2")
	subC2 := sub.Commit("v2", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subC1)
	commitA := meta.CommitStaged("add libA")

	meta.DeclareSubmodule("libA", "libA", sub.Path, subC2)
	commitB := meta.CommitStaged("advance libA")

	require.NoError(t, meta.ResetHard(plumbing.NewHash(commitA)))
	_, err := meta.EnsureRemote("origin", "file://"+meta.Path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	op, err := opener.New(meta.Repository, cfg)
	require.NoError(t, err)

	target, err := meta.CommitAt(plumbing.NewHash(commitB))
	require.NoError(t, err)

	// Committer times have one-second resolution; without this pause the
	// rewrite of commitB onto its own parent can reproduce commitB exactly.
	time.Sleep(time.Second)

	newHead, err := rewriter.CherryPick(context.Background(), meta.Repository, op,
		[]*object.Commit{target}, "", cfg.FetchAttempts, 1)
	require.NoError(t, err)
	require.NotEqual(t, commitB, newHead.String(), "the rewritten commit gets its own committer timestamp")

	rs, err := status.GetRepoStatus(meta.Repository)
	require.NoError(t, err)
	require.Nil(t, rs.Sequencer, "a clean fast-forward leaves no sequencer behind once it finishes")

	headCommit, err := meta.CommitAt(newHead)
	require.NoError(t, err)
	require.Equal(t, "advance libA", headCommit.Message)

	headTree, err := headCommit.Tree()
	require.NoError(t, err)
	entry, err := headTree.FindEntry("libA")
	require.NoError(t, err)
	require.Equal(t, subC2, entry.Hash.String(), "the rewritten commit carries the target's submodule pin")
}

// TestCherryPickConflictOpensSequencer exercises the conflicting case:
// cherry-picking a commit whose submodule pin diverges from both the
// ancestor and the current HEAD's pin must stop with a conflict and
// leave a resumable sequencer state behind instead of silently picking
// a side.
func TestCherryPickConflictOpensSequencer(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subC1 := sub.Commit("v1", "f.txt")
	sub.WriteFile("f.txt", "v2")
	subC2 := sub.Commit("v2", "f.txt")
	sub.WriteFile("f.txt", "v3")
	subC3 := sub.Commit("v3", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subC1)
	commitA := meta.CommitStaged("add libA")

	meta.DeclareSubmodule("libA", "libA", sub.Path, subC2)
	commitB := meta.CommitStaged("advance libA to v2")

	require.NoError(t, meta.ResetHard(plumbing.NewHash(commitA)))
	meta.DeclareSubmodule("libA", "libA", sub.Path, subC3)
	meta.CommitStaged("advance libA to v3 on a divergent line")
	_, err := meta.EnsureRemote("origin", "file://"+meta.Path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	op, err := opener.New(meta.Repository, cfg)
	require.NoError(t, err)

	target, err := meta.CommitAt(plumbing.NewHash(commitB))
	require.NoError(t, err)

	_, err = rewriter.CherryPick(context.Background(), meta.Repository, op,
		[]*object.Commit{target}, "", cfg.FetchAttempts, 1)
	require.Error(t, err)

	rs, err := status.GetRepoStatus(meta.Repository)
	require.NoError(t, err)
	require.NotNil(t, rs.Sequencer, "a conflicting cherry-pick must leave a resumable sequencer")
	require.Equal(t, status.SequencerCherryPick, rs.Sequencer.Type)

	require.NoError(t, rewriter.Abort(meta.Repository))
	rs, err = status.GetRepoStatus(meta.Repository)
	require.NoError(t, err)
	require.Nil(t, rs.Sequencer, "abort must clear the sequencer")
}

// TestContinueFinalizesResolvedSubmoduleConflict exercises the
// conflict-then-resolve-then-continue path: a submodule-level conflict
// must be resolvable by committing a resolution inside the opened
// submodule and running Continue, which reads that resolution back
// instead of recomputing the original diff (which would reproduce the
// same conflict forever).
func TestContinueFinalizesResolvedSubmoduleConflict(t *testing.T) {
	sub := rewritertest.NewRepo(t, "sub")
	sub.WriteFile("f.txt", "v1")
	subC1 := sub.Commit("v1", "f.txt")
	sub.WriteFile("f.txt", "v2")
	subC2 := sub.Commit("v2", "f.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subC1)
	commitA := meta.CommitStaged("add libA")

	meta.DeclareSubmodule("libA", "libA", sub.Path, subC2)
	commitB := meta.CommitStaged("advance libA to v2")

	require.NoError(t, meta.ResetHard(plumbing.NewHash(commitA)))
	sub.WriteFile("f.txt", "v3-divergent")
	subC3 := sub.Commit("v3-divergent", "f.txt")
	meta.DeclareSubmodule("libA", "libA", sub.Path, subC3)
	meta.CommitStaged("advance libA to v3 on a divergent line")
	_, err := meta.EnsureRemote("origin", "file://"+meta.Path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	op, err := opener.New(meta.Repository, cfg)
	require.NoError(t, err)

	target, err := meta.CommitAt(plumbing.NewHash(commitB))
	require.NoError(t, err)

	_, err = rewriter.CherryPick(context.Background(), meta.Repository, op,
		[]*object.Commit{target}, "", cfg.FetchAttempts, 1)
	require.Error(t, err, "f.txt was edited on both sides, this must conflict")

	rs, err := status.GetRepoStatus(meta.Repository)
	require.NoError(t, err)
	require.NotNil(t, rs.Sequencer)
	require.Equal(t, "libA", rs.Sequencer.ConflictSubmodule, "the conflict must be recorded as submodule-level")

	// Resolve the conflict the way a user would: edit and commit inside
	// the already-open submodule.
	subRepo, ok := op.Open("libA")
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(subRepo.Path, "f.txt"), []byte("resolved"), 0o644))
	wt, err := subRepo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("f.txt")
	require.NoError(t, err)
	sig := rewritertest.Sig("tester")
	resolvedSha, err := wt.Commit("resolve conflict", &git.CommitOptions{Author: &sig})
	require.NoError(t, err)

	newHead, err := rewriter.Continue(context.Background(), meta.Repository, op, cfg.FetchAttempts, 1)
	require.NoError(t, err, "continue must finalize the resolved submodule state instead of recomputing the diff")

	rs, err = status.GetRepoStatus(meta.Repository)
	require.NoError(t, err)
	require.Nil(t, rs.Sequencer, "a successful continue clears the sequencer")

	headCommit, err := meta.CommitAt(newHead)
	require.NoError(t, err)
	headTree, err := headCommit.Tree()
	require.NoError(t, err)
	entry, err := headTree.FindEntry("libA")
	require.NoError(t, err)
	require.Equal(t, resolvedSha.String(), entry.Hash.String(), "the finalized commit must carry the resolved submodule sha")
}

// TestCherryPickRecordsOriginalHeadBeforeFirstCommit exercises the
// kill-mid-sequence case: cherry-picking [target1, target2] where
// target1 applies cleanly and target2 conflicts must still record the
// sequencer's ORIGINAL_HEAD as the HEAD from before target1 ran, not the
// HEAD produced by target1 -- proving the sequencer was persisted
// before the loop touched anything, not only once the conflict in
// target2 was hit.
func TestCherryPickRecordsOriginalHeadBeforeFirstCommit(t *testing.T) {
	subA := rewritertest.NewRepo(t, "subA")
	subA.WriteFile("a.txt", "v1")
	subAc1 := subA.Commit("v1", "a.txt")
	subA.WriteFile("a.txt", "v2")
	subAc2 := subA.Commit("v2", "a.txt")

	subB := rewritertest.NewRepo(t, "subB")
	subB.WriteFile("b.txt", "v1")
	subBc1 := subB.Commit("v1", "b.txt")
	subB.WriteFile("b.txt", "v2-mainline")
	subBc2 := subB.Commit("v2-mainline", "b.txt")
	require.NoError(t, subB.ResetHard(plumbing.NewHash(subBc1)))
	subB.WriteFile("b.txt", "v2-divergent")
	subBc3 := subB.Commit("v2-divergent", "b.txt")

	meta := rewritertest.NewRepo(t, "meta")
	meta.DeclareSubmodule("libA", "libA", subA.Path, subAc1)
	meta.DeclareSubmodule("libB", "libB", subB.Path, subBc1)
	commitA := meta.CommitStaged("base")

	meta.DeclareSubmodule("libA", "libA", subA.Path, subAc2)
	target1Sha := meta.CommitStaged("advance libA")

	meta.DeclareSubmodule("libB", "libB", subB.Path, subBc2)
	target2Sha := meta.CommitStaged("advance libB")

	require.NoError(t, meta.ResetHard(plumbing.NewHash(commitA)))
	meta.DeclareSubmodule("libB", "libB", subB.Path, subBc3)
	originalHead := meta.CommitStaged("diverge libB independently")
	_, err := meta.EnsureRemote("origin", "file://"+meta.Path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	op, err := opener.New(meta.Repository, cfg)
	require.NoError(t, err)
	target1, err := meta.CommitAt(plumbing.NewHash(target1Sha))
	require.NoError(t, err)
	target2, err := meta.CommitAt(plumbing.NewHash(target2Sha))
	require.NoError(t, err)

	_, err = rewriter.CherryPick(context.Background(), meta.Repository, op,
		[]*object.Commit{target1, target2}, "", cfg.FetchAttempts, 1)
	require.Error(t, err, "libB diverged independently, so the second commit must conflict")

	rs, err := status.GetRepoStatus(meta.Repository)
	require.NoError(t, err)
	require.NotNil(t, rs.Sequencer)
	require.Equal(t, originalHead, rs.Sequencer.OriginalHead,
		"ORIGINAL_HEAD must be the HEAD before the first commit, proving the sequencer was written before the loop started")
	require.Equal(t, target2Sha, rs.Sequencer.CurrentCommit,
		"CURRENT_COMMIT must have advanced past the cleanly-applied first commit")
	require.Equal(t, "libB", rs.Sequencer.ConflictSubmodule)
}
