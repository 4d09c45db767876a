// Package revrange resolves the committish-range grammar the
// cherry-pick CLI verb accepts -- plain revisions, "a..b" and "a...b"
// ranges, the "^@"/"^!" suffixes, "^-N" and a leading "^" exclusion --
// into a concrete, ordered list of commits to apply.
package revrange

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/twosigma/git-meta/internal/gitadapter"
	"github.com/twosigma/git-meta/internal/giterrors"
)

var caretDashN = regexp.MustCompile(`^(.+)\^-(\d*)$`)

// IsRangeToken reports whether tok uses any of the range/exclusion
// grammar this package understands, as opposed to naming a single
// plain revision.
func IsRangeToken(tok string) bool {
	if strings.HasPrefix(tok, "^") {
		return true
	}
	if strings.Contains(tok, "..") {
		return true
	}
	if strings.HasSuffix(tok, "^@") || strings.HasSuffix(tok, "^!") {
		return true
	}
	return caretDashN.MatchString(tok)
}

// Resolve expands tokens into the ordered list of commits to
// cherry-pick, in the order the tokens name them (each range expanded
// oldest first), with every exclusion applied and duplicates collapsed
// to their first occurrence.
func Resolve(repo *gitadapter.Repository, tokens []string) ([]*object.Commit, error) {
	var includeOrder []plumbing.Hash
	seenInclude := map[plumbing.Hash]bool{}
	exclude := map[plumbing.Hash]bool{}

	addInclude := func(sha plumbing.Hash) {
		if seenInclude[sha] {
			return
		}
		seenInclude[sha] = true
		includeOrder = append(includeOrder, sha)
	}
	addIncludeRange := func(from, stopAt plumbing.Hash) error {
		var shas []plumbing.Hash
		if err := repo.WalkHistory(from, stopAt, func(c *object.Commit) bool {
			shas = append(shas, c.Hash)
			return true
		}); err != nil {
			return err
		}
		for i := len(shas) - 1; i >= 0; i-- { // oldest first
			addInclude(shas[i])
		}
		return nil
	}
	addExcludeAncestry := func(sha plumbing.Hash) error {
		exclude[sha] = true
		return repo.WalkHistory(sha, plumbing.ZeroHash, func(c *object.Commit) bool {
			exclude[c.Hash] = true
			return true
		})
	}
	resolve := func(rev string) (plumbing.Hash, error) {
		sha, err := repo.ResolveRevision(rev)
		if err != nil {
			return plumbing.ZeroHash, giterrors.NewUserError(giterrors.UnknownRef, "unknown revision "+rev)
		}
		return sha, nil
	}

	for _, tok := range tokens {
		switch {
		case strings.Contains(tok, "..."):
			parts := strings.SplitN(tok, "...", 2)
			leftSha, rightSha, err := resolveSides(repo, parts[0], parts[1], resolve)
			if err != nil {
				return nil, err
			}
			mb, err := repo.MergeBase(leftSha, rightSha)
			if err != nil {
				return nil, giterrors.NewUserError(giterrors.BadRange, "no merge base for "+tok)
			}
			if err := addIncludeRange(rightSha, mb); err != nil {
				return nil, err
			}
			if err := addIncludeRange(leftSha, mb); err != nil {
				return nil, err
			}

		case strings.Contains(tok, ".."):
			parts := strings.SplitN(tok, "..", 2)
			leftSha, rightSha, err := resolveSides(repo, parts[0], parts[1], resolve)
			if err != nil {
				return nil, err
			}
			if err := addIncludeRange(rightSha, leftSha); err != nil {
				return nil, err
			}

		case strings.HasSuffix(tok, "^@"):
			ref := strings.TrimSuffix(tok, "^@")
			sha, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			c, err := repo.CommitAt(sha)
			if err != nil {
				return nil, err
			}
			for i := 0; i < c.NumParents(); i++ {
				p, err := c.Parent(i)
				if err != nil {
					return nil, err
				}
				addInclude(p.Hash)
			}

		case strings.HasSuffix(tok, "^!"):
			ref := strings.TrimSuffix(tok, "^!")
			sha, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			addInclude(sha)
			c, err := repo.CommitAt(sha)
			if err != nil {
				return nil, err
			}
			for i := 0; i < c.NumParents(); i++ {
				p, err := c.Parent(i)
				if err != nil {
					return nil, err
				}
				if err := addExcludeAncestry(p.Hash); err != nil {
					return nil, err
				}
			}

		case caretDashN.MatchString(tok):
			m := caretDashN.FindStringSubmatch(tok)
			ref, nStr := m[1], m[2]
			n := 1
			if nStr != "" {
				parsed, err := strconv.Atoi(nStr)
				if err != nil {
					return nil, giterrors.NewUserError(giterrors.BadRange, "bad ^-N token "+tok)
				}
				n = parsed
			}
			sha, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			c, err := repo.CommitAt(sha)
			if err != nil {
				return nil, err
			}
			if n > c.NumParents() {
				return nil, giterrors.NewUserError(giterrors.BadRange, ref+" has no parent "+nStr)
			}
			ancestor, err := c.Parent(n - 1)
			if err != nil {
				return nil, err
			}
			if err := addIncludeRange(sha, ancestor.Hash); err != nil {
				return nil, err
			}

		case strings.HasPrefix(tok, "^"):
			sha, err := resolve(strings.TrimPrefix(tok, "^"))
			if err != nil {
				return nil, err
			}
			if err := addExcludeAncestry(sha); err != nil {
				return nil, err
			}

		default:
			sha, err := resolve(tok)
			if err != nil {
				return nil, err
			}
			addInclude(sha)
		}
	}

	commits := make([]*object.Commit, 0, len(includeOrder))
	for _, sha := range includeOrder {
		if exclude[sha] {
			continue
		}
		c, err := repo.CommitAt(sha)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

func resolveSides(repo *gitadapter.Repository, left, right string, resolve func(string) (plumbing.Hash, error)) (plumbing.Hash, plumbing.Hash, error) {
	if left == "" {
		left = "HEAD"
	}
	if right == "" {
		right = "HEAD"
	}
	leftSha, err := resolve(left)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	rightSha, err := resolve(right)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	return leftSha, rightSha, nil
}
