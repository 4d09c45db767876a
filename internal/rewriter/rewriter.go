// Package rewriter implements the L4 cherry-pick/rebase engine: the
// cross-repo commit rewriter that backs cherry-pick, pull, merge and
// rebase, plus the on-disk resumable sequencer that survives a conflict
// across process invocations.
package rewriter

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/giterrors"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/reflog"
	"github.com/twosigma/git-meta/internal/status"
	"github.com/twosigma/git-meta/internal/submodule"
)

const sequencerDirName = "meta_sequencer"

// simpleEdit is a fast-forward submodule pointer move: ours == ancestor,
// so the new pin is simply theirs, no nested cherry-pick required.
type simpleEdit struct {
	Path string
	Sha  plumbing.Hash
}

// nonTrivialEdit is a submodule pointer move where both sides advanced:
// resolving it requires cherry-picking ancestor..theirs onto ours inside
// the submodule itself.
type nonTrivialEdit struct {
	Name, Path                string
	OldSha, NewSha, AncestorSha plumbing.Hash
}

// changeSet is the classified result of computeChanges.
type changeSet struct {
	simple        []simpleEdit
	nonTrivial    []nonTrivialEdit
	gitmodulesNew []byte // nil if .gitmodules is unchanged by this commit
}

// computeChanges diffs target against its first parent to see what it
// changed, then classifies each changed path against the meta-repo's
// current HEAD tree: ours==theirs is already applied (a no-op,
// supporting idempotent continue/push); for a gitlink, ours==ancestor is
// a clean fast-forward and anything else a non-trivial edit resolved by
// a nested cherry-pick; .gitmodules is merged per submodule name; any
// other path is a MetaFileChange error when ours==ancestor and a
// meta-level conflict otherwise.
func computeChanges(repo *gitadapter.Repository, oursTree *object.Tree, target *object.Commit) (*changeSet, error) {
	targetTree, err := target.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "target tree")
	}

	var ancestorTree *object.Tree
	if target.NumParents() > 0 {
		parent, err := target.Parent(0)
		if err != nil {
			return nil, errors.Wrap(err, "target parent")
		}
		ancestorTree, err = parent.Tree()
		if err != nil {
			return nil, errors.Wrap(err, "target parent tree")
		}
	}

	changes, err := diffTrees(ancestorTree, targetTree)
	if err != nil {
		return nil, errors.Wrap(err, "diff target against its parent")
	}

	cs := &changeSet{}
	var metaFileChanges []string
	var metaConflicts []string

	for _, ch := range changes {
		path := ch.path
		ancestorEntry := findEntry(ancestorTree, path)
		theirEntry := findEntry(targetTree, path)
		oursEntry := findEntry(oursTree, path)

		ancestorHash := entryHash(ancestorEntry)
		theirHash := entryHash(theirEntry)
		oursHash := entryHash(oursEntry)

		isGitlink := modeIs(ancestorEntry, filemode.Submodule) || modeIs(theirEntry, filemode.Submodule) || modeIs(oursEntry, filemode.Submodule)
		isGitmodules := path == ".gitmodules"

		if oursHash == theirHash {
			continue // already applied
		}

		if isGitlink {
			if oursHash == ancestorHash {
				cs.simple = append(cs.simple, simpleEdit{Path: path, Sha: theirHash})
			} else {
				cs.nonTrivial = append(cs.nonTrivial, nonTrivialEdit{
					Name: filepath.Base(path), Path: path,
					OldSha: oursHash, NewSha: theirHash, AncestorSha: ancestorHash,
				})
			}
			continue
		}

		if isGitmodules {
			ancestorBlob, err := blobBytes(repo, ancestorEntry)
			if err != nil {
				return nil, err
			}
			oursBlob, err := blobBytes(repo, oursEntry)
			if err != nil {
				return nil, err
			}
			theirBlob, err := blobBytes(repo, theirEntry)
			if err != nil {
				return nil, err
			}
			merged, conflictNames, err := resolveUrlsConflicts(ancestorBlob, oursBlob, theirBlob)
			if err != nil {
				return nil, err
			}
			if len(conflictNames) > 0 {
				metaConflicts = append(metaConflicts, ".gitmodules: "+strings.Join(conflictNames, ", "))
			}
			cs.gitmodulesNew = merged
			continue
		}

		if oursHash == ancestorHash {
			// we never touched this path; it is a file change a meta-repo
			// commit should never carry in the first place.
			metaFileChanges = append(metaFileChanges, path)
			continue
		}
		metaConflicts = append(metaConflicts, path)
	}

	if len(metaFileChanges) > 0 {
		return nil, giterrors.NewUserError(giterrors.MetaFileChange,
			"commit modifies non-submodule content outside .gitmodules", metaFileChanges...)
	}
	if len(metaConflicts) > 0 {
		return nil, giterrors.NewMetaConflict("conflicting meta-repo file changes: " + strings.Join(metaConflicts, ", "))
	}
	return cs, nil
}

type treeChange struct{ path string }

// diffTrees enumerates every path that differs between a and b (either
// may be nil, meaning an empty tree), without depending on go-git's
// higher-level Tree.Diff (kept minimal and exercised directly against
// plumbing here, matching gitadapter's policy of a thin typed surface).
func diffTrees(a, b *object.Tree) ([]treeChange, error) {
	var rec func(t *object.Tree, prefix string, out map[string]bool) error
	rec = func(t *object.Tree, prefix string, out map[string]bool) error {
		if t == nil {
			return nil
		}
		for _, e := range t.Entries {
			p := e.Name
			if prefix != "" {
				p = prefix + "/" + e.Name
			}
			if e.Mode == filemode.Dir {
				sub, err := t.Tree(e.Name)
				if err != nil {
					return errors.Wrapf(err, "load subtree %s", p)
				}
				if err := rec(sub, p, out); err != nil {
					return err
				}
				continue
			}
			out[p] = true
		}
		return nil
	}

	aPaths := map[string]bool{}
	bPaths := map[string]bool{}
	if err := rec(a, "", aPaths); err != nil {
		return nil, err
	}
	if err := rec(b, "", bPaths); err != nil {
		return nil, err
	}

	all := map[string]bool{}
	for p := range aPaths {
		all[p] = true
	}
	for p := range bPaths {
		all[p] = true
	}
	var changes []treeChange
	for p := range all {
		ae := findEntry(a, p)
		be := findEntry(b, p)
		if entryHash(ae) != entryHash(be) || modeOf(ae) != modeOf(be) {
			changes = append(changes, treeChange{path: p})
		}
	}
	return changes, nil
}

func findEntry(t *object.Tree, path string) *object.TreeEntry {
	if t == nil {
		return nil
	}
	e, err := t.FindEntry(path)
	if err != nil {
		return nil
	}
	return e
}

func entryHash(e *object.TreeEntry) plumbing.Hash {
	if e == nil {
		return plumbing.ZeroHash
	}
	return e.Hash
}

func modeOf(e *object.TreeEntry) filemode.FileMode {
	if e == nil {
		return 0
	}
	return e.Mode
}

func modeIs(e *object.TreeEntry, m filemode.FileMode) bool {
	return e != nil && e.Mode == m
}

func blobBytes(repo *gitadapter.Repository, e *object.TreeEntry) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	blob, err := object.GetBlob(repo.Storer, e.Hash)
	if err != nil {
		return nil, errors.Wrap(err, "load blob")
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

// containsUrlChanges reports whether target's .gitmodules edit changes
// any declared submodule URL relative to its parent -- URL changes are
// unsupported mid-rewrite since the already-open submodule was cloned
// from the old URL.
func containsUrlChanges(repo *gitadapter.Repository, target *object.Commit) (bool, []string, error) {
	if target.NumParents() == 0 {
		return false, nil, nil
	}
	parent, err := target.Parent(0)
	if err != nil {
		return false, nil, err
	}
	oldMods, err := submodule.AtCommit(parent)
	if err != nil {
		return false, nil, err
	}
	newMods, err := submodule.AtCommit(target)
	if err != nil {
		return false, nil, err
	}
	var changed []string
	for _, name := range newMods.Names() {
		nd, _ := newMods.ByName(name)
		if od, ok := oldMods.ByName(name); ok && od.URL != nd.URL {
			changed = append(changed, name)
		}
	}
	return len(changed) > 0, changed, nil
}

// resolveUrlsConflicts merges .gitmodules declarations per submodule
// name across a three-way comparison: a name touched by only one side
// takes that side's declaration (added, edited or removed
// independently); a name touched identically by both is a no-op;
// a name edited differently on both sides is a genuine conflict,
// reported by name but still resolved last-one-wins (theirs) in the
// returned content, matching ordinary git's behavior for a
// non-content-addressed config file -- the gitlink pins themselves are
// resolved independently by pickSubs/changeSubmodules.
func resolveUrlsConflicts(ancestor, ours, theirs []byte) ([]byte, []string, error) {
	ancestorMods, err := submodule.Unmarshal(ancestor)
	if err != nil {
		return nil, nil, err
	}
	oursMods, err := submodule.Unmarshal(ours)
	if err != nil {
		return nil, nil, err
	}
	theirsMods, err := submodule.Unmarshal(theirs)
	if err != nil {
		return nil, nil, err
	}

	names := map[string]bool{}
	for _, n := range ancestorMods.Names() {
		names[n] = true
	}
	for _, n := range oursMods.Names() {
		names[n] = true
	}
	for _, n := range theirsMods.Names() {
		names[n] = true
	}

	merged, err := submodule.Unmarshal(nil)
	if err != nil {
		return nil, nil, err
	}
	var conflicts []string
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)
	for _, name := range ordered {
		ancestorDecl, _ := ancestorMods.ByName(name)
		oursDecl, _ := oursMods.ByName(name)
		theirsDecl, _ := theirsMods.ByName(name)

		oChanged := !declEqual(ancestorDecl, oursDecl)
		tChanged := !declEqual(ancestorDecl, theirsDecl)

		var resolved *submodule.Declaration
		switch {
		case !oChanged:
			resolved = theirsDecl
		case !tChanged:
			resolved = oursDecl
		case declEqual(oursDecl, theirsDecl):
			resolved = oursDecl
		default:
			conflicts = append(conflicts, name)
			resolved = theirsDecl
		}
		if resolved != nil {
			merged.Set(resolved)
		}
	}

	content, err := submodule.Marshal(merged)
	if err != nil {
		return nil, nil, err
	}
	return content, conflicts, nil
}

// declEqual reports whether two submodule declarations (either of which
// may be nil, meaning the name is absent at that point) describe the
// same path/url/branch.
func declEqual(a, b *submodule.Declaration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Path == b.Path && a.URL == b.URL && a.Branch == b.Branch
}

// pickSubs resolves every non-trivial submodule edit by cherry-picking
// the commits after its recorded ancestor, up to and including the new
// target sha, onto its old (ours) sha, inside the submodule opened at
// that old sha (the new sha is fetched if missing). It mutates nothing
// in the meta-repo; callers splice the resulting shas in via
// changeSubmodules.
func pickSubs(ctx context.Context, op *opener.Opener, mods *submodule.Modules, edits []nonTrivialEdit, attempts int, backoffMs int) (map[string]plumbing.Hash, error) {
	results := map[string]plumbing.Hash{}
	for _, e := range edits {
		decl, ok := mods.ByPath(e.Path)
		if !ok {
			return nil, giterrors.NewInternalError("no .gitmodules declaration for changed gitlink "+e.Path, nil)
		}
		sub, err := op.OpenAt(decl.Name, decl.Path, decl.URL, e.OldSha.String())
		if err != nil {
			return nil, err
		}
		if err := gitadapter.RetryBackoff(attempts, time.Duration(backoffMs)*time.Millisecond, func() error {
			return sub.FetchSha("origin", e.NewSha)
		}); err != nil {
			return nil, giterrors.NewIOError("fetch "+e.NewSha.String()+" for submodule "+decl.Name, err)
		}
		if e.AncestorSha.IsZero() || e.AncestorSha == e.NewSha {
			results[e.Path] = e.NewSha
			continue
		}
		newSha, err := cherryPickRange(sub, e.AncestorSha, e.NewSha, e.OldSha)
		if err != nil {
			var ce *giterrors.ConflictError
			if errors.As(err, &ce) {
				return nil, giterrors.NewSubmoduleConflict(decl.Name, decl.Path, e.NewSha.String(), e.OldSha.String(), ce.Msg)
			}
			return nil, errors.Wrapf(err, "cherry-pick in submodule %s", decl.Name)
		}
		results[e.Path] = newSha
	}
	return results, nil
}

// cherryPickRange applies every commit strictly after ancestor up to and
// including target, in first-parent order, onto onto, returning the
// resulting sha. It uses the same change/splice approach as the
// meta-level rewrite, generalized to arbitrary blob paths: this is
// deliberately not a full textual merge (go-git exposes no merge-tree
// primitive), so a path edited on both sides of a given step surfaces as
// a ConflictError rather than being content-merged.
func cherryPickRange(repo *gitadapter.Repository, ancestor, target, onto plumbing.Hash) (plumbing.Hash, error) {
	var commits []*object.Commit
	err := repo.WalkHistory(target, ancestor, func(c *object.Commit) bool {
		commits = append(commits, c)
		return true
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	// WalkHistory visits newest-first; apply oldest-first.
	cur := onto
	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		curTree, err := repo.TreeAt(cur)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		targetTree, err := c.Tree()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		var parentTree *object.Tree
		if c.NumParents() > 0 {
			p, err := c.Parent(0)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			parentTree, err = p.Tree()
			if err != nil {
				return plumbing.ZeroHash, err
			}
		}
		changes, err := diffTrees(parentTree, targetTree)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		var edits []treeEdit
		for _, ch := range changes {
			ae := findEntry(parentTree, ch.path)
			te := findEntry(targetTree, ch.path)
			oe := findEntry(curTree, ch.path)
			if entryHash(oe) == entryHash(te) && modeOf(oe) == modeOf(te) {
				continue
			}
			if entryHash(oe) != entryHash(ae) || modeOf(oe) != modeOf(ae) {
				return plumbing.ZeroHash, giterrors.NewMetaConflict("conflicting change at " + ch.path)
			}
			edits = append(edits, treeEdit{Path: ch.path, Mode: modeOf(te), Hash: entryHash(te)})
		}
		newTreeHash, err := applyTreeEdits(repo.Storer, curTree, edits)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		newSha, err := repo.CreateCommit(newTreeHash, []plumbing.Hash{cur}, c.Author, c.Message)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		cur = newSha
	}
	return cur, nil
}

// changeSubmodules splices the resolved simple and non-trivial submodule
// pins, plus any resolved .gitmodules content, into base, returning the
// new tree hash.
func changeSubmodules(repo *gitadapter.Repository, base *object.Tree, cs *changeSet, picked map[string]plumbing.Hash) (plumbing.Hash, error) {
	var edits []treeEdit
	for _, s := range cs.simple {
		edits = append(edits, treeEdit{Path: s.Path, Mode: filemode.Submodule, Hash: s.Sha})
	}
	for path, sha := range picked {
		edits = append(edits, treeEdit{Path: path, Mode: filemode.Submodule, Hash: sha})
	}
	if cs.gitmodulesNew != nil {
		obj := repo.Storer.NewEncodedObject()
		obj.SetType(plumbing.BlobObject)
		w, err := obj.Writer()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if _, err := w.Write(cs.gitmodulesNew); err != nil {
			return plumbing.ZeroHash, err
		}
		w.Close()
		sha, err := repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		edits = append(edits, treeEdit{Path: ".gitmodules", Mode: filemode.Regular, Hash: sha})
	}
	return applyTreeEdits(repo.Storer, base, edits)
}

// rewriteCommit rewrites a single target commit onto the meta-repo's
// current HEAD, resolving its submodule changes, and returns the new
// commit sha.
func rewriteCommit(ctx context.Context, repo *gitadapter.Repository, op *opener.Opener, target *object.Commit, message string, cfg fetchCfg) (plumbing.Hash, error) {
	headSha, _, err := repo.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headTree, err := repo.TreeAt(headSha)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if changed, names, err := containsUrlChanges(repo, target); err != nil {
		return plumbing.ZeroHash, err
	} else if changed {
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.UrlChangeUnsupported,
			"submodule URL changed mid-rewrite", names...)
	}

	cs, err := computeChanges(repo, headTree, target)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	mods, err := submodule.AtTree(headTree)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	picked, err := pickSubs(ctx, op, mods, cs.nonTrivial, cfg.attempts, cfg.backoffMs)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	newTree, err := changeSubmodules(repo, headTree, cs, picked)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if message == "" {
		message = target.Message
	}
	msg := target.Author
	return repo.CreateCommit(newTree, []plumbing.Hash{headSha}, msg, message)
}

type fetchCfg struct {
	attempts  int
	backoffMs int
}

// --- Sequencer persistence -------------------------------------------------

func sequencerPath(repoPath string) string { return filepath.Join(repoPath, sequencerDirName) }

func writeSequencer(repoPath string, s *status.SequencerState) error {
	dir := sequencerPath(repoPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return giterrors.NewIOError("create sequencer dir", err)
	}
	write := func(name, content string) error {
		tmp := filepath.Join(dir, name+".tmp")
		final := filepath.Join(dir, name)
		if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, final)
	}
	if err := write("TYPE", string(s.Type)); err != nil {
		return giterrors.NewIOError("write sequencer TYPE", err)
	}
	if err := write("ORIGINAL_HEAD", s.OriginalHead); err != nil {
		return giterrors.NewIOError("write sequencer ORIGINAL_HEAD", err)
	}
	if err := write("TARGET", s.Target); err != nil {
		return giterrors.NewIOError("write sequencer TARGET", err)
	}
	if err := write("COMMITS", strings.Join(s.Commits, "\n")); err != nil {
		return giterrors.NewIOError("write sequencer COMMITS", err)
	}
	if err := write("CURRENT_COMMIT", s.CurrentCommit); err != nil {
		return giterrors.NewIOError("write sequencer CURRENT_COMMIT", err)
	}
	if err := write("MESSAGE", s.Message); err != nil {
		return giterrors.NewIOError("write sequencer MESSAGE", err)
	}
	if err := write("CONFLICT_SUBMODULE", s.ConflictSubmodule); err != nil {
		return giterrors.NewIOError("write sequencer CONFLICT_SUBMODULE", err)
	}
	if err := write("CONFLICT_PATH", s.ConflictPath); err != nil {
		return giterrors.NewIOError("write sequencer CONFLICT_PATH", err)
	}
	if err := write("CONFLICT_OLD_SHA", s.ConflictOldSha); err != nil {
		return giterrors.NewIOError("write sequencer CONFLICT_OLD_SHA", err)
	}
	return nil
}

// conflictFields extracts the submodule-conflict context (if any) from
// err to attach to a persisted sequencer.
func conflictFields(err error) (submodule, path, oldSha string) {
	var ce *giterrors.ConflictError
	if errors.As(err, &ce) {
		return ce.Submodule, ce.Path, ce.OldSha
	}
	return "", "", ""
}

func clearSequencer(repoPath string) error {
	if err := os.RemoveAll(sequencerPath(repoPath)); err != nil {
		return giterrors.NewIOError("clear sequencer", err)
	}
	return nil
}

// --- Top-level operations ---------------------------------------------------

// CherryPick applies targets, in order, onto the meta-repo's current
// HEAD. On the first conflict it persists a sequencer recording its
// progress and returns a *giterrors.ConflictError; the caller resumes
// with Continue or undoes with Abort.
func CherryPick(ctx context.Context, repo *gitadapter.Repository, op *opener.Opener, targets []*object.Commit, message string, attempts int, backoffMs int) (plumbing.Hash, error) {
	if len(targets) == 0 {
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.BadRange, "no commits to cherry-pick")
	}
	headSha, _, err := repo.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	shas := make([]string, len(targets))
	for i, c := range targets {
		shas[i] = c.Hash.String()
	}

	cfg := fetchCfg{attempts: attempts, backoffMs: backoffMs}

	// Persist a sequencer before touching anything: a kill between two
	// cleanly-applied commits in a longer sequence still leaves a
	// resumable/abortable record, not just a conflict leaving one.
	seq, err := status.NewSequencerState(status.SequencerCherryPick, headSha.String(),
		targets[len(targets)-1].Hash.String(), shas, targets[0].Hash.String(), message)
	if err != nil {
		return plumbing.ZeroHash, giterrors.NewInternalError("build sequencer state", err)
	}
	if err := writeSequencer(repo.Path, seq); err != nil {
		return plumbing.ZeroHash, err
	}

	cur := headSha
	for i, target := range targets {
		newSha, err := rewriteCommit(ctx, repo, op, target, message, cfg)
		if err != nil {
			if isConflict(err) {
				next := *seq
				next.CurrentCommit = target.Hash.String()
				next.ConflictSubmodule, next.ConflictPath, next.ConflictOldSha = conflictFields(err)
				if werr := writeSequencer(repo.Path, &next); werr != nil {
					return plumbing.ZeroHash, werr
				}
				log.WithField("commit", target.Hash.String()).Warn("cherry-pick stopped on conflict")
				return plumbing.ZeroHash, err
			}
			return plumbing.ZeroHash, err
		}
		if err := repo.SetRef(headRefName(repo), newSha); err != nil {
			return plumbing.ZeroHash, giterrors.NewIOError("move HEAD", err)
		}
		if err := repo.ResetHard(newSha); err != nil {
			return plumbing.ZeroHash, giterrors.NewIOError("checkout rewritten commit", err)
		}
		_ = reflog.Record(repo.Path, newSha.String(), "cherry-pick: "+target.Message)
		cur = newSha
		if i+1 < len(targets) {
			next := *seq
			next.CurrentCommit = targets[i+1].Hash.String()
			if werr := writeSequencer(repo.Path, &next); werr != nil {
				return plumbing.ZeroHash, werr
			}
		}
	}
	if err := clearSequencer(repo.Path); err != nil {
		return plumbing.ZeroHash, err
	}
	return cur, nil
}

// Continue resumes a persisted sequencer after the caller has resolved
// the conflict it stopped on. Unlike a fresh rewriteCommit, it does not
// recompute the original three-way diff against CurrentCommit -- that
// diff is exactly what conflicted, and recomputing it reproduces the
// same conflict every time. Instead it finalizes the current step from
// whatever the caller actually resolved:
//
//   - a submodule-level conflict (seq.ConflictSubmodule set) is
//     finalized by reading the resolved submodule's current HEAD
//     directly -- the user is expected to have staged and committed a
//     resolution inside the opened submodule -- and splicing that sha
//     in as the gitlink pin;
//   - a meta-level conflict (.gitmodules or a file conflict) is
//     finalized by building a commit straight from the meta-repo's own
//     current index, using the suspended message, since the user
//     resolves those directly in the meta-repo's working tree.
//
// Once the current step is finalized, any remaining commits in the
// sequence are rewritten normally.
func Continue(ctx context.Context, repo *gitadapter.Repository, op *opener.Opener, attempts int, backoffMs int) (plumbing.Hash, error) {
	seq, err := loadSequencer(repo.Path)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if seq == nil {
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.OperationInProgress, "no operation in progress to continue")
	}

	cfg := fetchCfg{attempts: attempts, backoffMs: backoffMs}
	idx := indexOf(seq.Commits, seq.CurrentCommit)
	if idx < 0 {
		return plumbing.ZeroHash, giterrors.NewInternalError("sequencer CURRENT_COMMIT not in COMMITS", nil)
	}

	target, err := repo.CommitAt(plumbing.NewHash(seq.Commits[idx]))
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var newSha plumbing.Hash
	if seq.ConflictSubmodule != "" {
		newSha, err = continueSubmoduleConflict(repo, op, seq, target)
	} else {
		newSha, err = continueMetaConflict(repo, seq, target)
	}
	if err != nil {
		if isConflict(err) {
			next := *seq
			next.ConflictSubmodule, next.ConflictPath, next.ConflictOldSha = conflictFields(err)
			if werr := writeSequencer(repo.Path, &next); werr != nil {
				return plumbing.ZeroHash, werr
			}
		}
		return plumbing.ZeroHash, err
	}
	if err := repo.SetRef(headRefName(repo), newSha); err != nil {
		return plumbing.ZeroHash, giterrors.NewIOError("move HEAD", err)
	}
	if err := repo.ResetHard(newSha); err != nil {
		return plumbing.ZeroHash, giterrors.NewIOError("checkout rewritten commit", err)
	}
	_ = reflog.Record(repo.Path, newSha.String(), "continue: "+target.Message)
	cur := newSha

	for i := idx + 1; i < len(seq.Commits); i++ {
		t, err := repo.CommitAt(plumbing.NewHash(seq.Commits[i]))
		if err != nil {
			return plumbing.ZeroHash, err
		}
		rewrittenSha, err := rewriteCommit(ctx, repo, op, t, seq.Message, cfg)
		if err != nil {
			if isConflict(err) {
				next := *seq
				next.CurrentCommit = seq.Commits[i]
				next.ConflictSubmodule, next.ConflictPath, next.ConflictOldSha = conflictFields(err)
				if werr := writeSequencer(repo.Path, &next); werr != nil {
					return plumbing.ZeroHash, werr
				}
				return plumbing.ZeroHash, err
			}
			return plumbing.ZeroHash, err
		}
		if err := repo.SetRef(headRefName(repo), rewrittenSha); err != nil {
			return plumbing.ZeroHash, giterrors.NewIOError("move HEAD", err)
		}
		if err := repo.ResetHard(rewrittenSha); err != nil {
			return plumbing.ZeroHash, giterrors.NewIOError("checkout rewritten commit", err)
		}
		_ = reflog.Record(repo.Path, rewrittenSha.String(), "continue: "+t.Message)
		cur = rewrittenSha
	}
	if err := clearSequencer(repo.Path); err != nil {
		return plumbing.ZeroHash, err
	}
	return cur, nil
}

// continueSubmoduleConflict finalizes the sequencer's current commit
// when it stopped on a submodule-level conflict: it reads the
// conflicted submodule's HEAD directly rather than recomputing the
// cherry-pick that conflicted. If the submodule is still sitting at its
// pre-conflict HEAD, nothing has been resolved yet and the same
// conflict is returned.
func continueSubmoduleConflict(repo *gitadapter.Repository, op *opener.Opener, seq *status.SequencerState, target *object.Commit) (plumbing.Hash, error) {
	sub, ok := op.Open(seq.ConflictSubmodule)
	if !ok {
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.OperationInProgress,
			"submodule "+seq.ConflictSubmodule+" is not open; reopen it and resolve its conflict before continuing")
	}
	resolvedSha, _, err := sub.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "HEAD of submodule %s", seq.ConflictSubmodule)
	}
	if resolvedSha.String() == seq.ConflictOldSha {
		return plumbing.ZeroHash, giterrors.NewSubmoduleConflict(seq.ConflictSubmodule, seq.ConflictPath, "", seq.ConflictOldSha,
			"submodule is still at its pre-conflict HEAD; commit a resolution inside it before continuing")
	}

	headSha, _, err := repo.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headTree, err := repo.TreeAt(headSha)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	edits := []treeEdit{{Path: seq.ConflictPath, Mode: filemode.Submodule, Hash: resolvedSha}}
	newTreeHash, err := applyTreeEdits(repo.Storer, headTree, edits)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	message := seq.Message
	if message == "" {
		message = target.Message
	}
	return repo.CreateCommit(newTreeHash, []plumbing.Hash{headSha}, target.Author, message)
}

// continueMetaConflict finalizes the sequencer's current commit when it
// stopped on a meta-level conflict (a divergent .gitmodules edit or a
// non-submodule file conflict): it builds the commit directly from
// whatever is now staged in the meta-repo's own index, using the
// suspended message, rather than recomputing the original diff.
func continueMetaConflict(repo *gitadapter.Repository, seq *status.SequencerState, target *object.Commit) (plumbing.Hash, error) {
	idx, err := repo.Index()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	treeHash, err := repo.BuildTreeFromIndex(idx)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headSha, _, err := repo.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	message := seq.Message
	if message == "" {
		message = target.Message
	}
	return repo.CreateCommit(treeHash, []plumbing.Hash{headSha}, target.Author, message)
}

// Abort resets the meta-repo back to the sequencer's original HEAD and
// discards the sequencer.
func Abort(repo *gitadapter.Repository) error {
	seq, err := loadSequencer(repo.Path)
	if err != nil {
		return err
	}
	if seq == nil {
		return giterrors.NewUserError(giterrors.OperationInProgress, "no operation in progress to abort")
	}
	if err := repo.ResetHard(plumbing.NewHash(seq.OriginalHead)); err != nil {
		return giterrors.NewIOError("reset to original HEAD", err)
	}
	_ = reflog.Record(repo.Path, seq.OriginalHead, "abort: restored original HEAD")
	return clearSequencer(repo.Path)
}

func loadSequencer(repoPath string) (*status.SequencerState, error) {
	// internal/status already knows how to parse the on-disk layout;
	// reuse it rather than duplicating the format here.
	r, err := gitadapter.Open(repoPath)
	if err != nil {
		return nil, err
	}
	rs, err := status.GetRepoStatus(r)
	if err != nil {
		return nil, err
	}
	return rs.Sequencer, nil
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func isConflict(err error) bool {
	var ce *giterrors.ConflictError
	return errors.As(err, &ce)
}

func headRefName(repo *gitadapter.Repository) plumbing.ReferenceName {
	ref, err := repo.Head()
	if err != nil {
		return plumbing.HEAD
	}
	return ref.Name()
}
