// Package facade composes internal/status, internal/opener,
// internal/rewriter and internal/syncrefs into one method per CLI verb:
// status, branch, checkout, commit, open, close, push, pull, merge,
// cherry-pick, clone, init and include. cmd/git-meta wires each onto a
// cobra subcommand; this package owns no flag parsing of its own.
package facade

import (
	"context"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/giterrors"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/revrange"
	"github.com/twosigma/git-meta/internal/rewriter"
	"github.com/twosigma/git-meta/internal/status"
	"github.com/twosigma/git-meta/internal/submodule"
	"github.com/twosigma/git-meta/internal/syncrefs"
)

// Facade is the entry point for one invocation against a meta-repo
// rooted at Root.
type Facade struct {
	Meta   *gitadapter.Repository
	Opener *opener.Opener
	Config *config.Config
}

// Open opens the meta-repo at root and builds the Facade for it. A
// missing origin remote does not fail Open itself -- status, branch and
// checkout don't need one -- but f.Opener stays nil, and any command
// that actually needs to open a submodule fails at that point instead.
func Open(root string, cfg *config.Config) (*Facade, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	meta, err := gitadapter.Open(root)
	if err != nil {
		return nil, giterrors.NewUserError(giterrors.NotARepo, "not a git-meta repository: "+root)
	}
	op, err := opener.New(meta, cfg)
	if err != nil {
		var ue *giterrors.UserError
		if errors.As(err, &ue) && ue.Kind == giterrors.Misconfigured {
			return &Facade{Meta: meta, Config: cfg}, nil
		}
		return nil, err
	}
	return &Facade{Meta: meta, Opener: op, Config: cfg}, nil
}

// Init creates a new meta-repo at root.
func Init(root string, cfg *config.Config) (*Facade, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	meta, err := gitadapter.Init(root)
	if err != nil {
		return nil, giterrors.NewIOError("init", err)
	}
	return &Facade{Meta: meta, Config: cfg}, nil
}

// Clone clones url into root and opens it as a meta-repo.
func Clone(root, url string, cfg *config.Config) (*Facade, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	meta, err := gitadapter.Clone(root, url)
	if err != nil {
		return nil, giterrors.NewIOError("clone", err)
	}
	op, err := opener.New(meta, cfg)
	if err != nil {
		return nil, err
	}
	return &Facade{Meta: meta, Opener: op, Config: cfg}, nil
}

// Status returns the full meta-repo status, including every declared
// submodule's per-submodule status.
func (f *Facade) Status() (*status.RepoStatus, error) {
	return status.BuildMetaStatus(f.Meta, f.subAccessor())
}

// noOpener is the SubAccessor used when this Facade has no Opener (the
// meta-repo has no origin remote configured yet): every submodule
// reports as not-open rather than panicking on a nil *opener.Opener.
type noOpener struct{}

func (noOpener) Open(string) (*gitadapter.Repository, bool) { return nil, false }

func (f *Facade) subAccessor() status.SubAccessor {
	if f.Opener != nil {
		return f.Opener
	}
	return noOpener{}
}

// requireOpener returns f.Opener or a clear UserError if the meta-repo
// has no origin remote configured, for commands that must actually open
// a submodule.
func (f *Facade) requireOpener() (*opener.Opener, error) {
	if f.Opener != nil {
		return f.Opener, nil
	}
	return nil, giterrors.NewUserError(giterrors.Misconfigured, "meta-repo has no origin remote")
}

// Branch creates (or, if force is set, overwrites) a local branch named
// name at the current HEAD.
func (f *Facade) Branch(name string, force bool) error {
	head, _, err := f.Meta.HeadCommit()
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(name)
	if !force {
		if _, err := f.Meta.RefHash(ref); err == nil {
			return giterrors.NewUserError(giterrors.Misconfigured, "branch already exists: "+name)
		}
	}
	return f.Meta.SetRef(ref, head)
}

// ListBranches returns every local branch name, sorted.
func (f *Facade) ListBranches() ([]string, error) {
	iter, err := f.Meta.References()
	if err != nil {
		return nil, giterrors.NewIOError("list branches", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() {
			names = append(names, ref.Name().Short())
		}
		return nil
	})
	if err != nil {
		return nil, giterrors.NewIOError("list branches", err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBranch removes a local branch. It refuses to delete the branch
// HEAD currently sits on.
func (f *Facade) DeleteBranch(name string) error {
	ref := plumbing.NewBranchReferenceName(name)
	if _, err := f.Meta.RefHash(ref); err != nil {
		return giterrors.NewUserError(giterrors.UnknownRef, "no such branch: "+name)
	}
	if _, branch, err := f.Meta.HeadCommit(); err == nil && branch == name {
		return giterrors.NewUserError(giterrors.Misconfigured, "cannot delete the current branch: "+name)
	}
	if err := f.Meta.Storer.RemoveReference(ref); err != nil {
		return giterrors.NewIOError("delete branch "+name, err)
	}
	return nil
}

// CheckoutSubmoduleMode controls which declared submodules Checkout
// opens at their new pin after moving HEAD.
type CheckoutSubmoduleMode string

const (
	CheckoutNone   CheckoutSubmoduleMode = ""     // don't touch submodules (default)
	CheckoutAll    CheckoutSubmoduleMode = "all"  // open every declared submodule
	CheckoutSome   CheckoutSubmoduleMode = "some" // re-open whatever was already open
	CheckoutCreate CheckoutSubmoduleMode = "create" // open newly-declared submodules only
)

// Checkout moves HEAD (and resets the worktree) to the given revision.
// The meta-repo must be clean and consistent first. mode controls
// whether, and which, submodules are opened at their pin under the new
// HEAD once it lands.
func (f *Facade) Checkout(rev string, mode CheckoutSubmoduleMode) error {
	rs, err := f.Status()
	if err != nil {
		return err
	}
	if err := status.EnsureReady(rs); err != nil {
		return err
	}
	sha, err := f.Meta.ResolveRevision(rev)
	if err != nil {
		return giterrors.NewUserError(giterrors.UnknownRef, "unknown revision "+rev)
	}

	var beforeMods *submodule.Modules
	var openBefore map[string]bool
	if mode != CheckoutNone {
		beforeMods, err = f.currentModules()
		if err != nil {
			return err
		}
		openBefore = map[string]bool{}
		if f.Opener != nil {
			for _, name := range beforeMods.Names() {
				if _, ok := f.Opener.Open(name); ok {
					openBefore[name] = true
				}
			}
		}
	}

	if err := f.Meta.ResetHard(sha); err != nil {
		return err
	}
	if mode == CheckoutNone {
		return nil
	}

	afterMods, err := f.currentModules()
	if err != nil {
		return err
	}
	afterLinks, err := f.currentLinks()
	if err != nil {
		return err
	}
	op, err := f.requireOpener()
	if err != nil {
		return err
	}
	for _, name := range afterMods.Names() {
		switch mode {
		case CheckoutAll:
		case CheckoutSome:
			if !openBefore[name] {
				continue
			}
		case CheckoutCreate:
			if _, existed := beforeMods.ByName(name); existed {
				continue
			}
		default:
			return giterrors.NewUserError(giterrors.Misconfigured, "unknown checkout submodule mode: "+string(mode))
		}
		decl, _ := afterMods.ByName(name)
		pin, ok := afterLinks[decl.Path]
		if !ok {
			continue
		}
		if _, err := op.OpenAt(name, decl.Path, decl.URL, pin.String()); err != nil {
			return err
		}
	}
	return nil
}

// Commit records a new meta-commit over the currently staged gitlink and
// .gitmodules changes. It refuses to run while any non-submodule content
// is staged, since a meta-repo commit only ever pins submodules. When all
// is set, every open submodule's current HEAD is first re-staged as its
// gitlink pin, the way "git commit -a" auto-stages a tracked file's
// working-tree modification before building the tree.
func (f *Facade) Commit(message string, author object.Signature, all bool) (plumbing.Hash, error) {
	if all {
		if err := f.stageOpenSubmodulePins(); err != nil {
			return plumbing.ZeroHash, err
		}
	}
	rs, err := f.Status()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	links, err := f.currentLinks()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	for _, e := range rs.Staged() {
		if _, isGitlink := links[e.Path]; isGitlink || e.Path == ".gitmodules" {
			continue
		}
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.MetaFileChange,
			"staged change outside .gitmodules and submodule pins: "+e.Path)
	}
	idx, err := f.Meta.Index()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	tree, err := f.Meta.BuildTreeFromIndex(idx)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headSha, _, err := f.Meta.HeadCommit()
	var parents []plumbing.Hash
	if err == nil {
		parents = []plumbing.Hash{headSha}
	}
	sha, err := f.Meta.CreateCommit(tree, parents, author, message)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := f.Meta.SetRef(headRefName(f.Meta), sha); err != nil {
		return plumbing.ZeroHash, giterrors.NewIOError("move HEAD", err)
	}
	return sha, f.Meta.ResetHard(sha)
}

// Open opens (clones/fetches and checks out) every submodule declared
// at the given checkout paths.
func (f *Facade) Open(ctx context.Context, paths []string) error {
	mods, err := f.currentModules()
	if err != nil {
		return err
	}
	links, err := f.currentLinks()
	if err != nil {
		return err
	}
	op, err := f.requireOpener()
	if err != nil {
		return err
	}
	for _, path := range paths {
		decl, ok := mods.ByPath(path)
		if !ok {
			return giterrors.NewUserError(giterrors.UnknownRef, "no submodule declared at path: "+path)
		}
		sha, ok := links[decl.Path]
		if !ok {
			return giterrors.NewInternalError("submodule declared but has no gitlink pin: "+decl.Name, nil)
		}
		if _, err := op.OpenAt(decl.Name, decl.Path, decl.URL, sha.String()); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every submodule declared at the given checkout paths,
// refusing to if any has uncommitted local state unless force is set.
// Every entry is attempted even if one fails; the post-close-submodule
// hook runs once for the whole batch of names that actually closed.
func (f *Facade) Close(ctx context.Context, paths []string, force bool) error {
	mods, err := f.currentModules()
	if err != nil {
		return err
	}
	entries := make([]opener.CloseEntry, 0, len(paths))
	for _, path := range paths {
		decl, ok := mods.ByPath(path)
		if !ok {
			return giterrors.NewUserError(giterrors.UnknownRef, "no submodule declared at path: "+path)
		}
		entries = append(entries, opener.CloseEntry{Name: decl.Name, Path: decl.Path})
	}
	op, err := f.requireOpener()
	if err != nil {
		return err
	}
	return op.CloseMany(ctx, entries, force)
}

// Include declares a new submodule at path, pointed at url and pinned to
// sha, staging the .gitmodules and gitlink changes (a subsequent Commit
// records them).
func (f *Facade) Include(name, path, url, sha string) error {
	mods, err := f.currentModules()
	if err != nil {
		return err
	}
	if _, exists := mods.ByName(name); exists {
		return giterrors.NewUserError(giterrors.Misconfigured, "submodule already declared: "+name)
	}
	mods.Set(&submodule.Declaration{Name: name, Path: path, URL: url})
	content, err := submodule.Marshal(mods)
	if err != nil {
		return err
	}
	idx, err := f.Meta.Index()
	if err != nil {
		return err
	}
	blobHash, err := f.Meta.StoreBlob(content)
	if err != nil {
		return err
	}
	gitadapter.StageEntry(idx, ".gitmodules", filemode.Regular, blobHash)
	gitadapter.StageEntry(idx, path, filemode.Submodule, plumbing.NewHash(sha))
	return f.Meta.SetIndex(idx)
}

// CherryPick applies the given revisions onto the current meta HEAD.
// Each token may name a single revision or use the range/exclusion
// grammar revrange understands ("a..b", "a...b", "^@", "^!", "^-N", a
// leading "^"), in which case it expands to every commit in that range.
func (f *Facade) CherryPick(ctx context.Context, revs []string, message string) (plumbing.Hash, error) {
	rs, err := f.Status()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := status.EnsureReady(rs); err != nil {
		return plumbing.ZeroHash, err
	}
	targets, err := revrange.Resolve(f.Meta, revs)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if len(targets) == 0 {
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.BadRange, "no commits resolved from the given revisions")
	}
	op, err := f.requireOpener()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return rewriter.CherryPick(ctx, f.Meta, op, targets, message, f.Config.FetchAttempts, int(f.Config.FetchBackoff.Milliseconds()))
}

// PullOptions overrides Pull's defaults: which remote to fetch from and
// which of its branches to merge.
type PullOptions struct {
	Remote    string // defaults to "origin"
	SrcBranch string // required
}

// Pull fetches srcBranch from remote (default: "origin") and merges it
// (as a linear sequence of cherry-picks of everything not already an
// ancestor of HEAD) onto the current meta HEAD -- git-meta has no
// merge-commit concept of its own, so pull/merge both bottom out in
// CherryPick.
func (f *Facade) Pull(ctx context.Context, opts PullOptions) (plumbing.Hash, error) {
	remoteName := opts.Remote
	if remoteName == "" {
		remoteName = "origin"
	}
	ref := plumbing.NewBranchReferenceName(opts.SrcBranch)
	if err := f.Meta.FetchRef(remoteName, ref); err != nil {
		return plumbing.ZeroHash, giterrors.NewIOError("fetch "+opts.SrcBranch, err)
	}
	remoteSha, err := f.Meta.RefHash(ref)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	remoteCommit, err := f.Meta.CommitAt(remoteSha)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	op, err := f.requireOpener()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	localHead, _, err := f.Meta.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := syncrefs.EnsureAnchored(ctx, f.Meta, op, remoteCommit, localHead, f.Config); err != nil {
		return plumbing.ZeroHash, err
	}
	return f.Merge(ctx, opts.SrcBranch)
}

// Merge cherry-picks every commit reachable from rev that is not already
// an ancestor of HEAD.
func (f *Facade) Merge(ctx context.Context, rev string) (plumbing.Hash, error) {
	rs, err := f.Status()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := status.EnsureReady(rs); err != nil {
		return plumbing.ZeroHash, err
	}
	targetSha, err := f.Meta.ResolveRevision(rev)
	if err != nil {
		return plumbing.ZeroHash, giterrors.NewUserError(giterrors.UnknownRef, "unknown revision "+rev)
	}
	headSha, _, err := f.Meta.HeadCommit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	rel := status.GetRelation(f.Meta, headSha, targetSha)
	if rel == status.Same || rel == status.Ahead {
		return headSha, nil // nothing to do
	}
	var commits []*object.Commit
	err = f.Meta.WalkHistory(targetSha, headSha, func(c *object.Commit) bool {
		commits = append(commits, c)
		return true
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	// WalkHistory visits newest first; cherry-pick oldest first.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	if len(commits) == 0 {
		return headSha, nil
	}
	op, err := f.requireOpener()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return rewriter.CherryPick(ctx, f.Meta, op, commits, "", f.Config.FetchAttempts, int(f.Config.FetchBackoff.Milliseconds()))
}

// Continue resumes an in-progress sequencer.
func (f *Facade) Continue(ctx context.Context) (plumbing.Hash, error) {
	op, err := f.requireOpener()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return rewriter.Continue(ctx, f.Meta, op, f.Config.FetchAttempts, int(f.Config.FetchBackoff.Milliseconds()))
}

// AbortSequencer discards the in-progress sequencer and restores HEAD.
func (f *Facade) AbortSequencer() error {
	return rewriter.Abort(f.Meta)
}

// PushOptions overrides Push's defaults: which remote to push to, which
// local branch to push from, which remote branch to push onto, and
// whether to force-update a diverged remote ref.
type PushOptions struct {
	Remote       string // defaults to "origin"
	SrcBranch    string // defaults to HEAD's branch
	RemoteBranch string // defaults to SrcBranch
	Force        bool
}

// Push pushes srcBranch (default: HEAD's branch) to remote (default:
// "origin") under remoteBranch (default: srcBranch), anchoring every
// referenced submodule commit first.
func (f *Facade) Push(ctx context.Context, opts PushOptions) error {
	remoteName := opts.Remote
	if remoteName == "" {
		remoteName = "origin"
	}
	srcBranch := opts.SrcBranch
	if srcBranch == "" {
		_, branch, err := f.Meta.HeadCommit()
		if err != nil {
			return err
		}
		if branch == "" {
			return giterrors.NewUserError(giterrors.NoHead, "HEAD is detached, nothing to push")
		}
		srcBranch = branch
	}
	remoteBranch := opts.RemoteBranch
	if remoteBranch == "" {
		remoteBranch = srcBranch
	}
	local := plumbing.NewBranchReferenceName(srcBranch)
	head, err := f.Meta.RefHash(local)
	if err != nil {
		return giterrors.NewUserError(giterrors.UnknownRef, "unknown branch "+srcBranch)
	}
	op, err := f.requireOpener()
	if err != nil {
		return err
	}
	remote := plumbing.NewBranchReferenceName(remoteBranch)
	log.WithFields(log.Fields{"remote": remoteName, "local": local, "remote-ref": remote}).Debug("pushing meta-ref")
	return syncrefs.Push(ctx, f.Meta, op, remoteName, local, remote, head, opts.Force, f.Config)
}

// SyncRefs anchors every submodule commit reachable from the current
// meta HEAD onto their own remotes, without pushing the meta-ref
// itself. Useful to pre-anchor a branch still being worked on, or to
// retry anchoring after a prior Push's sub-push phase failed.
func (f *Facade) SyncRefs(ctx context.Context) error {
	head, _, err := f.Meta.HeadCommit()
	if err != nil {
		return err
	}
	op, err := f.requireOpener()
	if err != nil {
		return err
	}
	return syncrefs.SyncRefs(ctx, f.Meta, op, head, f.Config)
}

// stageOpenSubmodulePins re-stages the gitlink pin of every open
// submodule whose own HEAD has moved past what the index currently
// records, mirroring "git commit -a"'s auto-staging of modified tracked
// files -- here, a submodule's "modification" is its open working tree
// pointing somewhere other than its staged pin.
func (f *Facade) stageOpenSubmodulePins() error {
	if f.Opener == nil {
		return nil
	}
	mods, err := f.currentModules()
	if err != nil {
		return err
	}
	idx, err := f.Meta.Index()
	if err != nil {
		return err
	}
	links := submodule.GitlinksAtIndex(idx)
	for _, name := range mods.Names() {
		decl, _ := mods.ByName(name)
		sub, ok := f.Opener.Open(name)
		if !ok {
			continue
		}
		headSha, _, err := sub.HeadCommit()
		if err != nil {
			continue
		}
		if pinned, ok := links[decl.Path]; ok && pinned == headSha {
			continue
		}
		gitadapter.StageEntry(idx, decl.Path, filemode.Submodule, headSha)
	}
	return f.Meta.SetIndex(idx)
}

func (f *Facade) currentModules() (*submodule.Modules, error) {
	idx, err := f.Meta.Index()
	if err != nil {
		return nil, err
	}
	return submodule.AtIndex(f.Meta.Storer, idx)
}

func (f *Facade) currentLinks() (map[string]plumbing.Hash, error) {
	idx, err := f.Meta.Index()
	if err != nil {
		return nil, err
	}
	return submodule.GitlinksAtIndex(idx), nil
}

func headRefName(repo *gitadapter.Repository) plumbing.ReferenceName {
	ref, err := repo.Head()
	if err != nil {
		return plumbing.HEAD
	}
	return ref.Name()
}

