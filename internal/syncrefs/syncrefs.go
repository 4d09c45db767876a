// Package syncrefs implements synthetic-meta-ref push orchestration: the
// two-phase protocol that guarantees every sub-repo commit a pushed
// meta-commit points at is anchored on the remote by a
// refs/commits/<sha> ref before the meta-ref push is attempted.
package syncrefs

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/giterrors"
	"github.com/twosigma/git-meta/internal/opener"
	"github.com/twosigma/git-meta/internal/submodule"
	"github.com/twosigma/git-meta/internal/workqueue"
)

// subRemoteName is the remote name every opened sub-repo configures its
// origin under (see internal/opener); it is independent of whatever
// remote name the caller uses for the meta-repo itself.
const subRemoteName = "origin"

// SyntheticRefName returns the synthetic-meta-ref a sub-repo commit must
// be anchored under: refs/commits/<sha>.
func SyntheticRefName(sha plumbing.Hash) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("refs/commits/%s", sha))
}

// subPush is one sub-repo's required synthetic-ref push.
type subPush struct {
	Name string
	Sha  plumbing.Hash
}

// collectReachableShas walks every commit from head back to (but not
// including) stopAt and unions the gitlink entries each one introduces
// relative to its first parent (every gitlink, for a root commit) --
// every sub-commit any meta-commit in the range being pushed pins must
// be anchored, not just the ones visible at head, since a commit earlier
// in the range can pin a submodule sha that a later commit in the same
// range no longer references directly but that the remote still needs to
// resolve that earlier commit's tree. Returns one entry per distinct
// (name, sha) pair.
func collectReachableShas(repo *gitadapter.Repository, head, stopAt plumbing.Hash) ([]subPush, error) {
	type key struct {
		name string
		sha  plumbing.Hash
	}
	seen := make(map[key]bool)
	var out []subPush
	var innerErr error
	err := repo.WalkHistory(head, stopAt, func(c *object.Commit) bool {
		tree, err := c.Tree()
		if err != nil {
			innerErr = err
			return false
		}
		mods, err := submodule.AtTree(tree)
		if err != nil {
			innerErr = err
			return false
		}
		links, err := submodule.GitlinksAtTree(tree)
		if err != nil {
			innerErr = err
			return false
		}
		var parentLinks map[string]plumbing.Hash
		if c.NumParents() > 0 {
			parent, err := c.Parent(0)
			if err == nil {
				var parentTree *object.Tree
				if parentTree, err = parent.Tree(); err == nil {
					parentLinks, err = submodule.GitlinksAtTree(parentTree)
				}
			}
			if err != nil {
				innerErr = err
				return false
			}
		}
		for _, name := range mods.Names() {
			decl, _ := mods.ByName(name)
			sha, ok := links[decl.Path]
			if !ok || parentLinks[decl.Path] == sha {
				continue
			}
			k := key{name: name, sha: sha}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, subPush{Name: name, Sha: sha})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if innerErr != nil {
		return nil, innerErr
	}
	return out, nil
}

// Push performs the two-phase push of a meta-repo local branch to its
// remote: first, every sub-repo gitlink that a meta-commit between the
// remote ref's current position and head introduces is pushed to
// its own remote's refs/commits/<sha> (in parallel, bounded by
// internal/workqueue); only if every one of those succeeds is the
// meta-ref itself pushed. On any sub-push failure, the meta-ref push is
// not attempted, so the remote never advances past a meta-commit whose
// sub-repo state isn't anchored.
func Push(ctx context.Context, repo *gitadapter.Repository, op *opener.Opener, remoteName string, localRef, remoteRef plumbing.ReferenceName, head plumbing.Hash, force bool, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	stopAt, err := repo.RemoteRefHash(remoteName, remoteRef)
	if err != nil {
		return errors.Wrap(err, "look up remote ref position")
	}
	pushes, err := collectReachableShas(repo, head, stopAt)
	if err != nil {
		return errors.Wrap(err, "collect submodule shas to anchor")
	}

	failed, err := pushSubs(ctx, op, pushes, cfg)
	if err != nil {
		return errors.Wrapf(err, "submodule synthetic-ref push failed for %v; meta-ref not pushed", failed)
	}

	if err := repo.PushRef(remoteName, localRef, remoteRef, force); err != nil {
		return giterrors.NewIOError("push meta-ref", err)
	}
	log.WithField("ref", remoteRef.String()).Debug("pushed meta-ref")
	return nil
}

// SyncRefs anchors every submodule commit reachable from head, without
// pushing the meta-ref itself -- the standalone half of Push's phase
// one, for re-anchoring a branch that's still in flux (or retrying
// anchoring after a prior push's sub-push phase failed) without also
// advancing the remote meta-ref.
func SyncRefs(ctx context.Context, repo *gitadapter.Repository, op *opener.Opener, head plumbing.Hash, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	pushes, err := collectReachableShas(repo, head, plumbing.ZeroHash)
	if err != nil {
		return errors.Wrap(err, "collect submodule shas to anchor")
	}
	failed, err := pushSubs(ctx, op, pushes, cfg)
	if err != nil {
		return errors.Wrapf(err, "submodule synthetic-ref push failed for %v", failed)
	}
	log.WithField("count", len(pushes)).Debug("synced synthetic refs")
	return nil
}

func pushSubs(ctx context.Context, op *opener.Opener, pushes []subPush, cfg *config.Config) ([]string, error) {
	type result struct {
		name string
		err  error
	}
	results, errs := workqueue.RunCollect(ctx, cfg.WorkQueueLimit, pushes, func(ctx context.Context, p subPush) (result, error) {
		sub, ok := op.Open(p.Name)
		if !ok {
			return result{name: p.Name}, giterrors.NewInternalError("submodule "+p.Name+" not open for push", nil)
		}
		dst := SyntheticRefName(p.Sha)
		err := gitadapter.RetryBackoff(cfg.FetchAttempts, cfg.FetchBackoff, func() error {
			return sub.PushShaRef(subRemoteName, p.Sha, dst, false)
		})
		return result{name: p.Name}, err
	})

	var failedNames []string
	var firstErr error
	for i, r := range results {
		if errs[i] != nil {
			failedNames = append(failedNames, r.name)
			if firstErr == nil {
				firstErr = errs[i]
			}
		}
	}
	if firstErr != nil {
		return failedNames, firstErr
	}
	return nil, nil
}

// EnsureAnchored fetches every synthetic-meta-ref for the gitlinks
// referenced anywhere in the commit range from commit back to (but not
// including) localHead, so an on-demand fetch of those sub-commits
// succeeds even if the sending side never exposed a normal branch
// pointing at them -- the pull-side complement to Push. localHead bounds
// the walk to commits the local meta-repo doesn't already have; pass
// plumbing.ZeroHash if there is none (e.g. the very first pull).
func EnsureAnchored(ctx context.Context, repo *gitadapter.Repository, op *opener.Opener, commit *object.Commit, localHead plumbing.Hash, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	pushes, err := collectReachableShas(repo, commit.Hash, localHead)
	if err != nil {
		return err
	}
	return workqueue.Run(ctx, cfg.WorkQueueLimit, pushes, func(ctx context.Context, p subPush) error {
		sub, ok := op.Open(p.Name)
		if !ok {
			return nil // not open locally; opener.OpenAt will fetch it directly by sha when needed
		}
		if sub.HasObject(p.Sha) {
			return nil
		}
		return gitadapter.RetryBackoff(cfg.FetchAttempts, cfg.FetchBackoff, func() error {
			return sub.FetchRef(subRemoteName, SyntheticRefName(p.Sha))
		})
	})
}
