// Package opener implements the L3 submodule open/close lifecycle: it
// resolves a submodule's origin URL against the meta-repo's own origin,
// clones or fetches it into its declared path, checks it out at a pinned
// sha in detached HEAD, and (on close) deinitializes it after confirming
// its working tree is clean, unless the caller forces the close.
package opener

import (
	"context"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/giterrors"
	"github.com/twosigma/git-meta/internal/status"
)

const originRemote = "origin"

// Opener caches opened sub-repos for the lifetime of one command
// invocation, so repeated lookups (e.g. status followed by a rewrite)
// don't re-open the same on-disk repository.
type Opener struct {
	metaRoot   string
	originURL  string
	cfg        *config.Config
	cache      map[string]*gitadapter.Repository
}

// New constructs an Opener rooted at a meta-repo.
func New(meta *gitadapter.Repository, cfg *config.Config) (*Opener, error) {
	originURL, err := meta.RemoteURL(originRemote)
	if err != nil {
		return nil, giterrors.NewUserError(giterrors.Misconfigured, "meta-repo has no origin remote")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Opener{metaRoot: meta.Path, originURL: originURL, cfg: cfg, cache: map[string]*gitadapter.Repository{}}, nil
}

// Open implements status.SubAccessor: it returns the already-open
// sub-repo at path, if one exists on disk, without fetching or creating
// anything.
func (o *Opener) Open(name string) (*gitadapter.Repository, bool) {
	if r, ok := o.cache[name]; ok {
		return r, true
	}
	path := filepath.Join(o.metaRoot, name)
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return nil, false
	}
	r, err := gitadapter.Open(path)
	if err != nil {
		return nil, false
	}
	o.cache[name] = r
	return r, true
}

var _ status.SubAccessor = (*Opener)(nil)

// ResolveURL resolves a submodule's declared URL against the meta-repo's
// own origin URL, the way git resolves relative submodule URLs
// ("../foo.git") against the superproject's remote.
func ResolveURL(metaOriginURL, declared string) (string, error) {
	if !strings.HasPrefix(declared, "./") && !strings.HasPrefix(declared, "../") {
		return declared, nil
	}
	base, err := url.Parse(metaOriginURL)
	if err != nil {
		// Not a URL (e.g. a scp-style ssh path or bare filesystem path);
		// resolve textually instead.
		return filepath.Clean(filepath.Join(metaOriginURL, declared)), nil
	}
	rel, err := url.Parse(declared)
	if err != nil {
		return "", errors.Wrapf(err, "parse relative submodule URL %q", declared)
	}
	// git treats the superproject URL as a directory: "../foo.git"
	// against ".../org/meta.git" is ".../org/foo.git".
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}

// OpenAt opens (cloning if necessary) the submodule named name, declared
// at path relPath with origin URL url and pinned to sha. The result is
// cached for the remainder of this Opener's lifetime.
func (o *Opener) OpenAt(name, relPath, declaredURL, sha string) (*gitadapter.Repository, error) {
	if r, ok := o.cache[name]; ok {
		return r, nil
	}
	fullPath := filepath.Join(o.metaRoot, relPath)
	resolvedURL, err := ResolveURL(o.originURL, declaredURL)
	if err != nil {
		return nil, err
	}

	var repo *gitadapter.Repository
	if _, statErr := os.Stat(filepath.Join(fullPath, ".git")); statErr == nil {
		repo, err = gitadapter.Open(fullPath)
		if err != nil {
			return nil, giterrors.NewIOError("open submodule "+name, err)
		}
	} else {
		if err := os.MkdirAll(fullPath, 0o755); err != nil {
			return nil, giterrors.NewIOError("mkdir submodule "+name, err)
		}
		repo, err = gitadapter.Init(fullPath)
		if err != nil {
			return nil, giterrors.NewIOError("init submodule "+name, err)
		}
	}

	if _, err := repo.EnsureRemote(originRemote, resolvedURL); err != nil {
		return nil, giterrors.NewIOError("configure origin for "+name, err)
	}

	target := plumbing.NewHash(sha)
	if !repo.HasObject(target) {
		fetchErr := gitadapter.RetryBackoff(o.cfg.FetchAttempts, o.cfg.FetchBackoff, func() error {
			return repo.FetchSha(originRemote, target)
		})
		if fetchErr != nil {
			return nil, giterrors.NewIOError("fetch "+sha+" for submodule "+name, fetchErr)
		}
	}

	if err := repo.ResetHard(target); err != nil {
		return nil, giterrors.NewIOError("checkout "+sha+" for submodule "+name, err)
	}

	log.WithFields(log.Fields{"submodule": name, "sha": sha}).Debug("opened submodule")
	o.cache[name] = repo
	return repo, nil
}

// CloseEntry names one submodule to close: its declared name and
// checkout path.
type CloseEntry struct {
	Name string
	Path string
}

// Close deinitializes submodule name at relPath: unless force is set, it
// refuses to remove a working tree that status.EnsureClean rejects
// (staged or modified files), then removes the directory and runs the
// post-close-submodule hook, if configured. It does not compare the
// sub-repo's HEAD with the meta-repo's pin, so commits that exist only
// in the sub-repo do not block a close.
func (o *Opener) Close(ctx context.Context, name, relPath string, force bool) error {
	return o.CloseMany(ctx, []CloseEntry{{Name: name, Path: relPath}}, force)
}

// CloseMany closes every entry given, continuing past individual
// failures, then invokes the post-close-submodule hook exactly once
// with the names that actually closed (matching a real close sequence:
// the hook sees the batch, not one invocation per submodule). Any
// per-entry failures are combined into a single returned error.
func (o *Opener) CloseMany(ctx context.Context, entries []CloseEntry, force bool) error {
	var closed []string
	var failed []string
	var firstErr error
	for _, e := range entries {
		repo, ok := o.Open(e.Name)
		if !ok {
			continue // already closed
		}
		if !force {
			rs, err := status.GetRepoStatus(repo)
			if err != nil {
				failed = append(failed, e.Name)
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "status of submodule %s before close", e.Name)
				}
				continue
			}
			if err := status.EnsureClean(rs); err != nil {
				failed = append(failed, e.Name)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		fullPath := filepath.Join(o.metaRoot, e.Path)
		if err := util.RemoveAll(osfs.New(filepath.Dir(fullPath)), filepath.Base(fullPath)); err != nil {
			failed = append(failed, e.Name)
			if firstErr == nil {
				firstErr = giterrors.NewIOError("remove submodule "+e.Name, err)
			}
			continue
		}
		delete(o.cache, e.Name)
		closed = append(closed, e.Name)
	}

	if hook := o.cfg.PostCloseSubmoduleHook; hook != "" && len(closed) > 0 {
		cmd := exec.CommandContext(ctx, hook, closed...)
		cmd.Dir = o.metaRoot
		if out, err := cmd.CombinedOutput(); err != nil {
			log.WithError(err).WithField("submodules", closed).Warn("post-close-submodule hook failed: " + string(out))
		}
	}
	log.WithField("submodules", closed).Debug("closed submodules")

	if firstErr != nil {
		return errors.Wrapf(firstErr, "failed to close %s", strings.Join(failed, ", "))
	}
	return nil
}
