// Package gitadapter is the thin, typed surface over go-git that every
// higher layer of git-meta uses instead of touching go-git directly: open
// a repo, read/write the index, look up refs/commits/trees, walk history,
// check ancestry, fetch, push, reset, and create commits.
package gitadapter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Repository wraps a go-git repository with its on-disk path, since go-git
// itself does not expose the path it was opened from.
type Repository struct {
	*git.Repository
	Path string
}

// Open opens an existing repository rooted at path.
func Open(path string) (*Repository, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &Repository{Repository: r, Path: path}, nil
}

// Init creates a new, non-bare repository rooted at path.
func Init(path string) (*Repository, error) {
	r, err := git.PlainInit(path, false)
	if err != nil {
		return nil, errors.Wrapf(err, "init %s", path)
	}
	return &Repository{Repository: r, Path: path}, nil
}

// Clone clones url into path and returns the resulting repository.
func Clone(path, url string) (*Repository, error) {
	r, err := git.PlainClone(path, false, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, errors.Wrapf(err, "clone %s into %s", url, path)
	}
	return &Repository{Repository: r, Path: path}, nil
}

// HeadCommit returns the sha the repository's HEAD points to, and the
// branch name HEAD is on (empty if detached).
func (r *Repository) HeadCommit() (plumbing.Hash, string, error) {
	ref, err := r.Head()
	if err != nil {
		return plumbing.ZeroHash, "", errors.Wrap(err, "resolve HEAD")
	}
	branch := ""
	if ref.Name().IsBranch() {
		branch = ref.Name().Short()
	}
	return ref.Hash(), branch, nil
}

// CommitAt loads the commit object for sha.
func (r *Repository) CommitAt(sha plumbing.Hash) (*object.Commit, error) {
	c, err := r.CommitObject(sha)
	if err != nil {
		return nil, errors.Wrapf(err, "load commit %s", sha)
	}
	return c, nil
}

// TreeAt loads the tree for a commit sha.
func (r *Repository) TreeAt(sha plumbing.Hash) (*object.Tree, error) {
	c, err := r.CommitAt(sha)
	if err != nil {
		return nil, err
	}
	t, err := c.Tree()
	if err != nil {
		return nil, errors.Wrapf(err, "load tree for %s", sha)
	}
	return t, nil
}

// ResolveRevision resolves a revision string (branch, tag, short sha,
// HEAD~N, ...) to a commit sha.
func (r *Repository) ResolveRevision(rev string) (plumbing.Hash, error) {
	h, err := r.Repository.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "resolve revision %q", rev)
	}
	return *h, nil
}

// HasObject reports whether sha is present in the repository's object
// store, without distinguishing object type.
func (r *Repository) HasObject(sha plumbing.Hash) bool {
	_, err := r.Storer.EncodedObject(plumbing.AnyObject, sha)
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant by
// walking first-parent-and-merge history. Returns an error if either sha
// is not locally present, which callers translate into status.Unknown.
func (r *Repository) IsAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	dc, err := r.CommitAt(descendant)
	if err != nil {
		return false, err
	}
	ac, err := r.CommitAt(ancestor)
	if err != nil {
		return false, err
	}
	return ac.IsAncestor(dc)
}

// MergeBase returns the best common ancestor of a and b, or ZeroHash if
// they share no history.
func (r *Repository) MergeBase(a, b plumbing.Hash) (plumbing.Hash, error) {
	ca, err := r.CommitAt(a)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	cb, err := r.CommitAt(b)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "merge-base")
	}
	if len(bases) == 0 {
		return plumbing.ZeroHash, nil
	}
	return bases[0].Hash, nil
}

// WalkHistory visits commit, then its ancestors in first-parent order,
// stopping at (and not visiting) stopAt, until visit returns false or
// history is exhausted.
func (r *Repository) WalkHistory(from plumbing.Hash, stopAt plumbing.Hash, visit func(*object.Commit) bool) error {
	cur, err := r.CommitAt(from)
	if err != nil {
		return err
	}
	for {
		if cur.Hash == stopAt {
			return nil
		}
		if !visit(cur) {
			return nil
		}
		if cur.NumParents() == 0 {
			return nil
		}
		cur, err = cur.Parent(0)
		if err != nil {
			return errors.Wrap(err, "walk history")
		}
	}
}

// Index reads the repository's current index.
func (r *Repository) Index() (*index.Index, error) {
	idx, err := r.Storer.Index()
	if err != nil {
		return nil, errors.Wrap(err, "read index")
	}
	return idx, nil
}

// SetIndex overwrites the repository's index.
func (r *Repository) SetIndex(idx *index.Index) error {
	if err := r.Storer.SetIndex(idx); err != nil {
		return errors.Wrap(err, "write index")
	}
	return nil
}

// SetRef points name at sha, creating or overwriting it.
func (r *Repository) SetRef(name plumbing.ReferenceName, sha plumbing.Hash) error {
	return r.Storer.SetReference(plumbing.NewHashReference(name, sha))
}

// RefHash reads the sha a reference currently points to.
func (r *Repository) RefHash(name plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := r.Reference(name, true)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// ResetHard moves HEAD and the current branch (if any) to sha and
// resets the worktree to match it.
func (r *Repository) ResetHard(sha plumbing.Hash) error {
	w, err := r.Worktree()
	if err != nil {
		return errors.Wrap(err, "worktree")
	}
	if err := w.Reset(&git.ResetOptions{Commit: sha, Mode: git.HardReset}); err != nil {
		return errors.Wrapf(err, "reset --hard %s", sha)
	}
	return nil
}

// EnsureRemote creates remote origin->url if it does not already exist,
// or returns the existing one.
func (r *Repository) EnsureRemote(name, url string) (*git.Remote, error) {
	rem, err := r.Remote(name)
	if err == nil {
		return rem, nil
	}
	return r.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
}

// RemoteURL returns the first configured URL for a remote.
func (r *Repository) RemoteURL(name string) (string, error) {
	rem, err := r.Remote(name)
	if err != nil {
		return "", errors.Wrapf(err, "remote %s", name)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", errors.Errorf("remote %s has no URL", name)
	}
	return urls[0], nil
}

// RemoteRefHash looks up a ref's current position on a remote without
// fetching any objects (an ls-remote), returning plumbing.ZeroHash if the
// remote has no such ref yet.
func (r *Repository) RemoteRefHash(remoteName string, ref plumbing.ReferenceName) (plumbing.Hash, error) {
	rem, err := r.Remote(remoteName)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "remote %s", remoteName)
	}
	refs, err := rem.List(&git.ListOptions{})
	if err == transport.ErrEmptyRemoteRepository {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "list refs on %s", remoteName)
	}
	for _, r := range refs {
		if r.Name() == ref {
			return r.Hash(), nil
		}
	}
	return plumbing.ZeroHash, nil
}

// FetchSha fetches a single commit object directly, not via a branch,
// relying on the remote supporting reachable-sha fetches (as GitHub and
// most modern servers do) or having a synthetic-meta-ref already
// anchoring it (see internal/syncrefs).
func (r *Repository) FetchSha(remoteName string, sha plumbing.Hash) error {
	if r.HasObject(sha) {
		return nil
	}
	rem, err := r.Remote(remoteName)
	if err != nil {
		return errors.Wrapf(err, "remote %s", remoteName)
	}
	refspec := config.RefSpec(fmt.Sprintf("+%s:refs/git-meta/fetched/%s", sha, sha))
	err = rem.Fetch(&git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refspec},
		Tags:       git.NoTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(err, "fetch %s from %s", sha, remoteName)
	}
	return nil
}

// FetchRef fetches a named ref from the remote into a local ref of the
// same name.
func (r *Repository) FetchRef(remoteName string, ref plumbing.ReferenceName) error {
	rem, err := r.Remote(remoteName)
	if err != nil {
		return errors.Wrapf(err, "remote %s", remoteName)
	}
	refspec := config.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))
	err = rem.Fetch(&git.FetchOptions{RemoteName: remoteName, RefSpecs: []config.RefSpec{refspec}, Tags: git.NoTags})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(err, "fetch %s from %s", ref, remoteName)
	}
	return nil
}

// PushRef pushes the local ref src to dst on the named remote, as a
// force-push iff force is set. An identical ref already present on the
// remote is a no-op success (idempotent, as synthetic-meta-ref pushes
// require).
func (r *Repository) PushRef(remoteName string, src, dst plumbing.ReferenceName, force bool) error {
	rem, err := r.Remote(remoteName)
	if err != nil {
		return errors.Wrapf(err, "remote %s", remoteName)
	}
	spec := fmt.Sprintf("%s:%s", src, dst)
	if force {
		spec = "+" + spec
	}
	err = rem.Push(&git.PushOptions{RemoteName: remoteName, RefSpecs: []config.RefSpec{config.RefSpec(spec)}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(err, "push %s to %s", spec, remoteName)
	}
	return nil
}

// PushShaRef is PushRef specialized for pushing a bare sha directly to a
// named destination ref, used for synthetic-meta-refs and direct object
// anchors that have no local branch.
func (r *Repository) PushShaRef(remoteName string, sha plumbing.Hash, dst plumbing.ReferenceName, force bool) error {
	rem, err := r.Remote(remoteName)
	if err != nil {
		return errors.Wrapf(err, "remote %s", remoteName)
	}
	spec := fmt.Sprintf("%s:%s", sha, dst)
	if force {
		spec = "+" + spec
	}
	err = rem.Push(&git.PushOptions{RemoteName: remoteName, RefSpecs: []config.RefSpec{config.RefSpec(spec)}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(err, "push %s to %s", spec, remoteName)
	}
	return nil
}

// CreateCommit writes a new commit object with the given tree and
// parents, returning its sha. The committer time is the current time;
// the author signature is supplied by the caller so rewritten commits
// can preserve the original author.
func (r *Repository) CreateCommit(tree plumbing.Hash, parents []plumbing.Hash, author object.Signature, message string) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:       author,
		Committer:    object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := r.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "encode commit")
	}
	sha, err := r.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store commit")
	}
	return sha, nil
}

// StoreBlob writes content as a new blob object and returns its hash.
func (r *Repository) StoreBlob(content []byte) (plumbing.Hash, error) {
	obj := r.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "open blob writer")
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, errors.Wrap(err, "write blob")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.Storer.SetEncodedObject(obj)
}

// StageEntry adds or replaces the index entry at path with mode and
// hash, keeping idx.Entries sorted by name as go-git's index format
// requires.
func StageEntry(idx *index.Index, path string, mode filemode.FileMode, hash plumbing.Hash) {
	for i, e := range idx.Entries {
		if e.Name == path {
			idx.Entries[i].Hash = hash
			idx.Entries[i].Mode = mode
			return
		}
	}
	idx.Entries = append(idx.Entries, &index.Entry{Name: path, Mode: mode, Hash: hash})
	sort.Slice(idx.Entries, func(i, j int) bool { return idx.Entries[i].Name < idx.Entries[j].Name })
}

// BuildTreeFromIndex writes the nested tree objects describing idx's
// flat entry list and returns the resulting root tree hash.
func (r *Repository) BuildTreeFromIndex(idx *index.Index) (plumbing.Hash, error) {
	type node struct {
		entries map[string]*node // nil for a leaf (blob/gitlink)
		mode    filemode.FileMode
		hash    plumbing.Hash
	}
	root := &node{entries: map[string]*node{}}
	for _, e := range idx.Entries {
		parts := strings.Split(e.Name, "/")
		cur := root
		for i, p := range parts {
			if i == len(parts)-1 {
				cur.entries[p] = &node{mode: e.Mode, hash: e.Hash}
				continue
			}
			child, ok := cur.entries[p]
			if !ok || child.entries == nil {
				child = &node{entries: map[string]*node{}}
				cur.entries[p] = child
			}
			cur = child
		}
	}
	var write func(n *node) (plumbing.Hash, error)
	write = func(n *node) (plumbing.Hash, error) {
		names := make([]string, 0, len(n.entries))
		for name := range n.entries {
			names = append(names, name)
		}
		sort.Strings(names)
		tree := &object.Tree{Entries: make([]object.TreeEntry, 0, len(names))}
		for _, name := range names {
			child := n.entries[name]
			if child.entries != nil {
				hash, err := write(child)
				if err != nil {
					return plumbing.ZeroHash, err
				}
				tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
				continue
			}
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: child.mode, Hash: child.hash})
		}
		obj := r.Storer.NewEncodedObject()
		obj.SetType(plumbing.TreeObject)
		if err := tree.Encode(obj); err != nil {
			return plumbing.ZeroHash, errors.Wrap(err, "encode tree")
		}
		return r.Storer.SetEncodedObject(obj)
	}
	return write(root)
}

// RetryBackoff runs op up to attempts times, sleeping a linear backoff
// between tries.
func RetryBackoff(attempts int, backoff time.Duration, op func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := op(); err != nil {
			lastErr = err
			log.WithError(err).WithField("attempt", i+1).Warn("retrying after failure")
			if i+1 < attempts {
				time.Sleep(backoff * time.Duration(i+1))
			}
			continue
		}
		return nil
	}
	return lastErr
}
