package status

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"

	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/giterrors"
	"github.com/twosigma/git-meta/internal/submodule"
)

// SequencerType distinguishes the kind of resumable operation a
// persisted sequencer describes.
type SequencerType string

const (
	SequencerCherryPick SequencerType = "CherryPick"
	SequencerRebase     SequencerType = "Rebase"
	SequencerMerge      SequencerType = "Merge"
)

// SequencerState mirrors the on-disk meta_sequencer/ directory: the
// operation in progress, its original HEAD, its target, the full list
// of commits being applied, which one is current, and the override
// message (empty for none) used for every commit the operation rewrites.
type SequencerState struct {
	Type          SequencerType
	OriginalHead  string
	Target        string
	Commits       []string
	CurrentCommit string
	Message       string

	// ConflictSubmodule, ConflictPath and ConflictOldSha are set when
	// CurrentCommit stopped on a submodule-level conflict (as opposed to
	// a meta-level one): the submodule's name, declared path, and its
	// sha before the step that conflicted, respectively. All three are
	// empty for a meta-level conflict or before any conflict occurs.
	ConflictSubmodule string
	ConflictPath      string
	ConflictOldSha    string
}

// NewSequencerState validates and builds a SequencerState.
func NewSequencerState(typ SequencerType, originalHead, target string, commits []string, current, message string) (*SequencerState, error) {
	if originalHead == "" {
		return nil, errors.New("sequencer must record an original HEAD")
	}
	if len(commits) == 0 {
		return nil, errors.New("sequencer must have at least one commit to apply")
	}
	found := false
	for _, c := range commits {
		if c == current {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("current commit %s is not among sequencer commits", current)
	}
	return &SequencerState{
		Type: typ, OriginalHead: originalHead, Target: target,
		Commits: append([]string(nil), commits...), CurrentCommit: current, Message: message,
	}, nil
}

// getRelation classifies the ancestry of a relative to b: Same if equal,
// Ahead if b is an ancestor of a (a is strictly ahead), Behind if a is an
// ancestor of b, Unrelated if neither, and Unknown if either sha cannot
// be resolved locally (the caller should fetch and retry before treating
// Unknown as Unrelated).
func getRelation(repo *gitadapter.Repository, a, b plumbing.Hash) CommitRelation {
	if a == b {
		return Same
	}
	if a == plumbing.ZeroHash || b == plumbing.ZeroHash {
		return Unknown
	}
	if !repo.HasObject(a) || !repo.HasObject(b) {
		return Unknown
	}
	bIsAncestorOfA, err := repo.IsAncestor(b, a)
	if err != nil {
		return Unknown
	}
	if bIsAncestorOfA {
		return Ahead
	}
	aIsAncestorOfB, err := repo.IsAncestor(a, b)
	if err != nil {
		return Unknown
	}
	if aIsAncestorOfB {
		return Behind
	}
	return Unrelated
}

// GetRelation is the exported form of getRelation for callers in other
// packages (internal/rewriter, internal/syncrefs).
func GetRelation(repo *gitadapter.Repository, a, b plumbing.Hash) CommitRelation {
	return getRelation(repo, a, b)
}

func classifyWorktreeCode(code git.StatusCode) (FileStatusKind, bool) {
	switch code {
	case git.Unmodified:
		return "", false
	case git.Untracked, git.Added:
		return Added, true
	case git.Modified:
		return Modified, true
	case git.Deleted:
		return Removed, true
	case git.Renamed:
		return Renamed, true
	case git.Copied:
		return Added, true
	case git.UpdatedButUnmerged:
		return ConflictedK, true
	default:
		return Modified, true
	}
}

// sequencerDir is the on-disk directory name holding persisted sequencer
// state, relative to a repository's root.
const sequencerDir = "meta_sequencer"

func readSequencer(repoPath string) (*SequencerState, error) {
	dir := filepath.Join(repoPath, sequencerDir)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}
	read := func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", err
		}
		return trimTrailingNewline(string(b)), nil
	}
	typ, err := read("TYPE")
	if err != nil {
		return nil, errors.Wrap(err, "read sequencer TYPE")
	}
	if typ == "" {
		return nil, nil
	}
	origHead, err := read("ORIGINAL_HEAD")
	if err != nil {
		return nil, err
	}
	target, err := read("TARGET")
	if err != nil {
		return nil, err
	}
	commitsRaw, err := read("COMMITS")
	if err != nil {
		return nil, err
	}
	current, err := read("CURRENT_COMMIT")
	if err != nil {
		return nil, err
	}
	message, err := read("MESSAGE")
	if err != nil {
		return nil, err
	}
	conflictSubmodule, err := read("CONFLICT_SUBMODULE")
	if err != nil {
		return nil, err
	}
	conflictPath, err := read("CONFLICT_PATH")
	if err != nil {
		return nil, err
	}
	conflictOldSha, err := read("CONFLICT_OLD_SHA")
	if err != nil {
		return nil, err
	}
	var commits []string
	for _, line := range splitLines(commitsRaw) {
		if line != "" {
			commits = append(commits, line)
		}
	}
	s, err := NewSequencerState(SequencerType(typ), origHead, target, commits, current, message)
	if err != nil {
		return nil, err
	}
	s.ConflictSubmodule = conflictSubmodule
	s.ConflictPath = conflictPath
	s.ConflictOldSha = conflictOldSha
	return s, nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, trimTrailingNewline(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, trimTrailingNewline(s[start:]))
	}
	return out
}

// getRepoStatus builds a RepoStatus for a single, already-open
// repository: its branch/HEAD, its staged and workdir file changes (via
// go-git's worktree status), and any in-progress sequencer. It does not
// populate submodule entries -- callers that need those (the meta-repo)
// layer getSubmoduleStatus results on top.
func getRepoStatus(repo *gitadapter.Repository) (*RepoStatus, error) {
	b := NewBuilder()

	sha, branch, err := repo.HeadCommit()
	if err != nil {
		b.SetHeadCommit("")
	} else {
		b.SetHeadCommit(sha.String())
		b.SetBranch(branch)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, giterrors.NewIOError("open worktree", err)
	}
	wstatus, err := wt.Status()
	if err != nil {
		return nil, giterrors.NewIOError("worktree status", err)
	}
	paths := make([]string, 0, len(wstatus))
	for p := range wstatus {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fs := wstatus[p]
		if kind, ok := classifyWorktreeCode(fs.Staging); ok {
			b.AddStaged(p, FileStatus{Kind: kind})
		}
		if kind, ok := classifyWorktreeCode(fs.Worktree); ok {
			b.AddWorkdir(p, FileStatus{Kind: kind})
		}
	}

	if sq, err := readSequencer(repo.Path); err != nil {
		return nil, errors.Wrap(err, "read sequencer state")
	} else if sq != nil {
		b.SetSequencer(sq)
	}

	return b.Build()
}

// GetRepoStatus is the exported entry point other packages call.
func GetRepoStatus(repo *gitadapter.Repository) (*RepoStatus, error) {
	return getRepoStatus(repo)
}

// SubAccessor abstracts looking up an already-open sub-repo by name, so
// getSubmoduleStatus does not need to depend on internal/opener (which
// itself depends on internal/status); internal/opener supplies the real
// implementation.
type SubAccessor interface {
	Open(name string) (*gitadapter.Repository, bool)
}

// getSubmoduleStatus builds the SubmoduleStatus for one declared
// submodule of the meta-repo: its HEAD-commit pin (commit), its staged
// pin (index), and -- if it is currently open -- its own RepoStatus and
// the relation of its HEAD to the staged pin (workdir).
func getSubmoduleStatus(
	name string,
	headDesc *SubmoduleDesc, // nil if the submodule does not exist at HEAD
	indexDesc *SubmoduleDesc, // nil if the submodule is being removed
	open SubAccessor,
) (*SubmoduleStatus, error) {
	var commit *CommitURL
	if headDesc != nil {
		commit = &CommitURL{Sha: headDesc.Sha, URL: headDesc.URL}
	}

	var index *IndexURL
	if indexDesc != nil {
		rel := Same
		if headDesc == nil {
			rel = Ahead // newly added relative to (absent) HEAD
		} else if headDesc.Sha != indexDesc.Sha {
			rel = Unrelated // caller may refine via getRelation once both repos are reachable
		}
		index = &IndexURL{Sha: indexDesc.Sha, URL: indexDesc.URL, Relation: rel}
	}

	var workdir *Workdir
	if index != nil && open != nil {
		if sub, ok := open.Open(name); ok {
			subStatus, err := getRepoStatus(sub)
			if err != nil {
				return nil, errors.Wrapf(err, "status of open submodule %s", name)
			}
			headSha, _, err := sub.HeadCommit()
			if err != nil {
				return nil, errors.Wrapf(err, "HEAD of open submodule %s", name)
			}
			pinned := plumbing.NewHash(index.Sha)
			rel := getRelation(sub, headSha, pinned)
			if rel == Unknown {
				rel = Unrelated
			}
			workdir = &Workdir{Status: subStatus, Relation: rel}
		}
	}

	return NewSubmoduleStatus(commit, index, workdir)
}

// GetSubmoduleStatus is the exported entry point.
func GetSubmoduleStatus(name string, headDesc, indexDesc *SubmoduleDesc, open SubAccessor) (*SubmoduleStatus, error) {
	return getSubmoduleStatus(name, headDesc, indexDesc, open)
}

// BuildMetaStatus assembles the full RepoStatus for the meta-repo: the
// plain repo status plus one SubmoduleStatus per name declared at either
// HEAD or the index (a name present in only one of the two is being
// added or removed).
func BuildMetaStatus(repo *gitadapter.Repository, open SubAccessor) (*RepoStatus, error) {
	base, err := getRepoStatus(repo)
	if err != nil {
		return nil, err
	}

	sha, _, err := repo.HeadCommit()
	var headMods *submodule.Modules
	var headLinks map[string]plumbing.Hash
	if err == nil {
		headCommit, cerr := repo.CommitAt(sha)
		if cerr != nil {
			return nil, errors.Wrap(cerr, "load HEAD commit")
		}
		headMods, err = submodule.AtCommit(headCommit)
		if err != nil {
			return nil, errors.Wrap(err, "parse HEAD .gitmodules")
		}
		headTree, terr := headCommit.Tree()
		if terr != nil {
			return nil, errors.Wrap(terr, "load HEAD tree")
		}
		headLinks, err = submodule.GitlinksAtTree(headTree)
		if err != nil {
			return nil, errors.Wrap(err, "gitlinks at HEAD")
		}
	} else {
		headMods = nil
		headLinks = map[string]plumbing.Hash{}
	}

	idx, err := repo.Index()
	if err != nil {
		return nil, errors.Wrap(err, "read index")
	}
	indexMods, err := submodule.AtIndex(repo.Storer, idx)
	if err != nil {
		return nil, errors.Wrap(err, "parse staged .gitmodules")
	}
	indexLinks := submodule.GitlinksAtIndex(idx)

	names := map[string]bool{}
	if headMods != nil {
		for _, n := range headMods.Names() {
			names[n] = true
		}
	}
	for _, n := range indexMods.Names() {
		names[n] = true
	}
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	b := NewBuilder().SetBranch(base.CurrentBranch).SetHeadCommit(base.HeadCommit).
		SetRebase(base.Rebase).SetSequencer(base.Sequencer)
	for _, e := range base.Staged() {
		b.AddStaged(e.Path, e.Status)
	}
	for _, e := range base.WorkdirEntries() {
		b.AddWorkdir(e.Path, e.Status)
	}

	for _, name := range ordered {
		var headDesc, idxDesc *SubmoduleDesc
		if headMods != nil {
			if d, ok := headMods.ByName(name); ok {
				sha := headLinks[d.Path]
				headDesc = &SubmoduleDesc{URL: d.URL, Sha: sha.String()}
			}
		}
		if d, ok := indexMods.ByName(name); ok {
			sha := indexLinks[d.Path]
			idxDesc = &SubmoduleDesc{URL: d.URL, Sha: sha.String()}
		}
		ss, err := getSubmoduleStatus(name, headDesc, idxDesc, open)
		if err != nil {
			return nil, err
		}
		b.AddSubmodule(name, ss)
	}

	return b.Build()
}

// ensureClean requires that the repo have no staged changes and no
// modified/removed/conflicted workdir entries (untracked files are
// tolerated), and recurses into every open submodule's own status: a
// submodule with dirty local edits makes the meta-repo not clean either.
// Maps to a giterrors.UserError{Kind: NotClean} on violation.
func ensureClean(rs *RepoStatus) error {
	if !rs.IsClean() {
		return giterrors.NewUserError(giterrors.NotClean, "repository has uncommitted changes")
	}
	for _, e := range rs.Submodules() {
		if e.Status.Workdir == nil {
			continue
		}
		if err := ensureClean(e.Status.Workdir.Status); err != nil {
			return giterrors.NewUserError(giterrors.NotClean, "submodule has uncommitted changes: "+e.Name)
		}
	}
	return nil
}

// EnsureClean is the exported entry point.
func EnsureClean(rs *RepoStatus) error { return ensureClean(rs) }

// ensureConsistent requires that every submodule's index pin matches its
// open workdir HEAD (when open), and that no path is conflicted. A
// meta-repo whose staged state does not match what is checked out on
// disk cannot safely be rewritten or pushed.
func ensureConsistent(rs *RepoStatus) error {
	var bad []string
	for _, e := range rs.Submodules() {
		if e.Status.Workdir != nil && e.Status.Workdir.Relation != Same {
			bad = append(bad, e.Name)
		}
	}
	for _, e := range rs.Staged() {
		if e.Status.Kind == ConflictedK {
			bad = append(bad, e.Path)
		}
	}
	if len(bad) > 0 {
		return giterrors.NewUserError(giterrors.Inconsistent, "index and workdir disagree", bad...)
	}
	return nil
}

// EnsureConsistent is the exported entry point.
func EnsureConsistent(rs *RepoStatus) error { return ensureConsistent(rs) }

// ensureReady requires both ensureClean and ensureConsistent, and that
// no sequencer is already in progress (an operation cannot start a new
// rewrite while one is being continued or aborted).
func ensureReady(rs *RepoStatus) error {
	if rs.Sequencer != nil {
		return giterrors.NewUserError(giterrors.OperationInProgress,
			"a "+string(rs.Sequencer.Type)+" is already in progress, run continue or abort")
	}
	if err := ensureClean(rs); err != nil {
		return err
	}
	return ensureConsistent(rs)
}

// EnsureReady is the exported entry point.
func EnsureReady(rs *RepoStatus) error { return ensureReady(rs) }
