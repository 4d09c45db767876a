// Package status implements the L2 status engine: RepoStatus/SubmoduleStatus
// construction and the getRepoStatus/getSubmoduleStatus/getRelation
// operations, plus the ensureClean/ensureConsistent/ensureReady predicates.
//
// Every exported type in this file is immutable once constructed: fields
// are set by a validating constructor and never mutated afterward. Callers
// that need a changed value build a new one.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// FileStatusKind tags a single-sided file change.
type FileStatusKind string

const (
	Modified    FileStatusKind = "Modified"
	Added       FileStatusKind = "Added"
	Removed     FileStatusKind = "Removed"
	ConflictedK FileStatusKind = "Conflicted"
	Renamed     FileStatusKind = "Renamed"
	TypeChanged FileStatusKind = "TypeChanged"
)

// FileStatus is a tagged variant: a path is either a plain FileStatusKind
// change, or (when Kind == ConflictedK) carries a *Conflict describing the
// three-way state. Renamed changes additionally record the prior path.
type FileStatus struct {
	Kind     FileStatusKind
	Conflict *Conflict // set iff Kind == ConflictedK
	OldPath  string    // set iff Kind == Renamed
}

// CommitRelation is the relative ordering of two commits.
type CommitRelation string

const (
	Same      CommitRelation = "Same"
	Ahead     CommitRelation = "Ahead"
	Behind    CommitRelation = "Behind"
	Unrelated CommitRelation = "Unrelated"
	Unknown   CommitRelation = "Unknown"
)

// FileMode tags the mode half of a ConflictEntry.
type FileMode string

const (
	ModeRegular    FileMode = "Regular"
	ModeExecutable FileMode = "Executable"
	ModeSymlink    FileMode = "Symlink"
	ModeGitlink    FileMode = "Gitlink"
	ModeTree       FileMode = "Tree"
)

// ConflictEntry is one side of a three-way conflict: the recorded mode
// and object id. A ConflictEntry is only ever embedded as an *optional*
// member of a Conflict; there is no "absent" ConflictEntry value, a nil
// pointer models absence instead.
type ConflictEntry struct {
	Mode     FileMode
	ObjectID string
}

// Conflict is a three-way conflict: any of Ancestor/Our/Their may be nil,
// encoding an add/add, edit/delete or delete/edit collision.
type Conflict struct {
	Ancestor *ConflictEntry
	Our      *ConflictEntry
	Their    *ConflictEntry
}

// NewConflict validates that at least one side is present -- a Conflict
// with every side absent does not describe anything.
func NewConflict(ancestor, our, their *ConflictEntry) (*Conflict, error) {
	if ancestor == nil && our == nil && their == nil {
		return nil, errors.New("conflict must have at least one side present")
	}
	return &Conflict{Ancestor: ancestor, Our: our, Their: their}, nil
}

// SubmoduleDesc is the declared origin URL and pinned commit for one
// submodule, as recorded at a single point (HEAD, index, or a target
// commit being examined).
type SubmoduleDesc struct {
	URL string
	Sha string
}

// SubmoduleChange is the transition a meta commit induces on one
// submodule: its prior pinned sha, its new pinned sha, and (for a
// non-trivial change) the three-way merge-base sha.
type SubmoduleChange struct {
	OldSha      string
	NewSha      string
	AncestorSha string // empty means "no common ancestor known"
}

// CommitURL pairs a commit sha with the url for a HEAD-side reference.
type CommitURL struct {
	Sha string
	URL string
}

// IndexURL additionally carries the relation between the index and HEAD
// values for a submodule.
type IndexURL struct {
	Sha      string
	URL      string
	Relation CommitRelation
}

// Workdir describes the open sub-repo's own status plus how its HEAD
// relates to what the index expects.
type Workdir struct {
	Status   *RepoStatus
	Relation CommitRelation
}

// SubmoduleStatus is the per-submodule status value, combining its
// pin at HEAD, at the index, and (if open) in its own working tree.
// All three components are optional; NewSubmoduleStatus enforces the
// invariants that relate their presence to one another.
type SubmoduleStatus struct {
	Commit  *CommitURL
	Index   *IndexURL
	Workdir *Workdir
}

// NewSubmoduleStatus validates and builds a SubmoduleStatus.
//
//   - If index is absent the submodule is being removed; workdir must
//     also be absent.
//   - If commit is absent the submodule is being added; index must be
//     present.
//   - If index and commit are both present, their relation must be Same
//     iff their shas are equal: modification implies the sha or url
//     differs, never a raw FileStatus/string comparison.
//   - workdir's relation must be Same iff the open repo's head equals
//     index.sha; Unknown is forbidden there, since the workdir is by
//     definition local and always resolvable.
func NewSubmoduleStatus(commit *CommitURL, index *IndexURL, workdir *Workdir) (*SubmoduleStatus, error) {
	if index == nil && workdir != nil {
		return nil, errors.New("submodule being removed cannot have a workdir")
	}
	if commit == nil && index == nil {
		return nil, errors.New("submodule being added must have an index entry")
	}
	if commit != nil && index != nil {
		wantSame := commit.Sha == index.Sha
		gotSame := index.Relation == Same
		if wantSame != gotSame {
			return nil, errors.Errorf("index/commit relation %s inconsistent with sha equality (commit=%s index=%s)", index.Relation, commit.Sha, index.Sha)
		}
	}
	if workdir != nil {
		if workdir.Relation == Unknown {
			return nil, errors.New("workdir relation may not be Unknown: an open sub-repo's HEAD is always locally resolvable")
		}
		if index == nil {
			return nil, errors.New("workdir present without an index entry")
		}
		if workdir.Status != nil && (workdir.Status.HeadCommit == index.Sha) != (workdir.Relation == Same) {
			return nil, errors.Errorf("workdir relation %s inconsistent with sha equality (head=%s index=%s)", workdir.Relation, workdir.Status.HeadCommit, index.Sha)
		}
	}
	return &SubmoduleStatus{Commit: commit, Index: index, Workdir: workdir}, nil
}

// RebaseInfo describes an in-progress rebase detached from the
// cherry-pick sequencer (e.g. one driven directly by the underlying
// adapter rather than git-meta's own engine).
type RebaseInfo struct {
	HeadName     string
	OriginalHead string
	Onto         string
}

// orderedEntry is a path/value pair preserved in insertion (lexicographic)
// order, used for both the staged and workdir maps.
type orderedEntry[V any] struct {
	Path  string
	Value V
}

// RepoStatus is the immutable snapshot of a meta-repo's state: its
// current branch and HEAD, its staged and working-tree changes, and its
// submodules' own statuses.
type RepoStatus struct {
	CurrentBranch string // empty if detached
	HeadCommit    string // empty if no HEAD
	staged        []orderedEntry[FileStatus]
	workdir       []orderedEntry[FileStatus]
	submodules    []orderedEntry[*SubmoduleStatus]
	Rebase        *RebaseInfo
	Sequencer     *SequencerState
}

// Builder accumulates entries for a RepoStatus before Build validates and
// freezes them. Entries must be added in lexicographic path/name order;
// Build returns an error otherwise, since RepoStatus makes that ordering
// part of its contract (a stable tie-break for any path that appears in
// more than one of staged/workdir/submodules).
type Builder struct {
	s   RepoStatus
	err error
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) SetBranch(name string) *Builder     { b.s.CurrentBranch = name; return b }
func (b *Builder) SetHeadCommit(sha string) *Builder   { b.s.HeadCommit = sha; return b }
func (b *Builder) SetRebase(r *RebaseInfo) *Builder     { b.s.Rebase = r; return b }
func (b *Builder) SetSequencer(sq *SequencerState) *Builder { b.s.Sequencer = sq; return b }

func (b *Builder) AddStaged(path string, fs FileStatus) *Builder {
	if b.err == nil && !afterLast(b.s.staged, path) {
		b.err = errors.Errorf("staged entries must be added in order, got %q out of order", path)
	}
	b.s.staged = append(b.s.staged, orderedEntry[FileStatus]{path, fs})
	return b
}

func (b *Builder) AddWorkdir(path string, fs FileStatus) *Builder {
	if b.err == nil && !afterLast(b.s.workdir, path) {
		b.err = errors.Errorf("workdir entries must be added in order, got %q out of order", path)
	}
	b.s.workdir = append(b.s.workdir, orderedEntry[FileStatus]{path, fs})
	return b
}

func (b *Builder) AddSubmodule(name string, ss *SubmoduleStatus) *Builder {
	if b.err == nil && !afterLastSub(b.s.submodules, name) {
		b.err = errors.Errorf("submodule entries must be added in order, got %q out of order", name)
	}
	b.s.submodules = append(b.s.submodules, orderedEntry[*SubmoduleStatus]{name, ss})
	return b
}

func afterLast[V any](xs []orderedEntry[V], path string) bool {
	if len(xs) == 0 {
		return true
	}
	return xs[len(xs)-1].Path < path
}
func afterLastSub(xs []orderedEntry[*SubmoduleStatus], path string) bool { return afterLast(xs, path) }

func (b *Builder) Build() (*RepoStatus, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := b.s
	return &s, nil
}

// Staged returns the staged path->status map in lexicographic order.
func (s *RepoStatus) Staged() []struct {
	Path   string
	Status FileStatus
} {
	out := make([]struct {
		Path   string
		Status FileStatus
	}, len(s.staged))
	for i, e := range s.staged {
		out[i] = struct {
			Path   string
			Status FileStatus
		}{e.Path, e.Value}
	}
	return out
}

// WorkdirEntries returns the workdir path->status map in lexicographic order.
func (s *RepoStatus) WorkdirEntries() []struct {
	Path   string
	Status FileStatus
} {
	out := make([]struct {
		Path   string
		Status FileStatus
	}, len(s.workdir))
	for i, e := range s.workdir {
		out[i] = struct {
			Path   string
			Status FileStatus
		}{e.Path, e.Value}
	}
	return out
}

// Submodules returns the name->SubmoduleStatus map in lexicographic order.
func (s *RepoStatus) Submodules() []struct {
	Name   string
	Status *SubmoduleStatus
} {
	out := make([]struct {
		Name   string
		Status *SubmoduleStatus
	}, len(s.submodules))
	for i, e := range s.submodules {
		out[i] = struct {
			Name   string
			Status *SubmoduleStatus
		}{e.Path, e.Value}
	}
	return out
}

// Submodule looks up a single submodule's status by name.
func (s *RepoStatus) Submodule(name string) (*SubmoduleStatus, bool) {
	for _, e := range s.submodules {
		if e.Path == name {
			return e.Value, true
		}
	}
	return nil, false
}

// IsClean reports whether staged is empty and every workdir entry is
// Added (an untracked file): untracked files and submodule changes never
// make a repo "dirty" for this predicate.
func (s *RepoStatus) IsClean() bool {
	if len(s.staged) != 0 {
		return false
	}
	for _, e := range s.workdir {
		if e.Value.Kind != Added {
			return false
		}
	}
	return true
}

func (s *RepoStatus) String() string {
	return fmt.Sprintf("RepoStatus{branch=%s head=%s staged=%d workdir=%d submodules=%d}",
		s.CurrentBranch, s.HeadCommit, len(s.staged), len(s.workdir), len(s.submodules))
}
