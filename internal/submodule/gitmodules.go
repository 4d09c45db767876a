// Package submodule implements the L1 submodule primitives: parsing and
// writing the .gitmodules file, enumerating the submodules declared at an
// arbitrary commit or in the index, listing which are currently open on
// disk, and resolving between a submodule's name and its path.
package submodule

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	gitconfig "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/pkg/errors"
)

const gitmodulesPath = ".gitmodules"
const submoduleSection = "submodule"

// Declaration is one `[submodule "name"]` stanza of .gitmodules: the
// path it is checked out at and the URL it is cloned from. Branch is
// optional and rarely used by git-meta, but round-trips through
// Marshal/Unmarshal like any other declared field.
type Declaration struct {
	Name   string
	Path   string
	URL    string
	Branch string
}

// Modules is the parsed content of one .gitmodules file, keyed by
// submodule name, with path->name kept for the reverse lookup.
type Modules struct {
	byName map[string]*Declaration
	byPath map[string]*Declaration
}

func newModules() *Modules {
	return &Modules{byName: map[string]*Declaration{}, byPath: map[string]*Declaration{}}
}

// Names returns the declared submodule names in lexicographic order.
func (m *Modules) Names() []string {
	names := make([]string, 0, len(m.byName))
	for n := range m.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ByName looks up a declaration by submodule name.
func (m *Modules) ByName(name string) (*Declaration, bool) {
	d, ok := m.byName[name]
	return d, ok
}

// ByPath looks up a declaration by checkout path.
func (m *Modules) ByPath(path string) (*Declaration, bool) {
	d, ok := m.byPath[path]
	return d, ok
}

// Set adds or replaces a declaration.
func (m *Modules) Set(d *Declaration) {
	m.byName[d.Name] = d
	m.byPath[d.Path] = d
}

// Remove deletes a declaration by name, if present.
func (m *Modules) Remove(name string) {
	if d, ok := m.byName[name]; ok {
		delete(m.byPath, d.Path)
		delete(m.byName, name)
	}
}

// Unmarshal parses the raw content of a .gitmodules file.
func Unmarshal(content []byte) (*Modules, error) {
	cfg := gitconfig.New()
	if err := gitconfig.NewDecoder(bytes.NewReader(content)).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "decode .gitmodules")
	}
	mods := newModules()
	sec := cfg.Section(submoduleSection)
	for _, sub := range sec.Subsections {
		d := &Declaration{
			Name:   sub.Name,
			Path:   sub.Option("path"),
			URL:    sub.Option("url"),
			Branch: sub.Option("branch"),
		}
		if d.Path == "" {
			d.Path = d.Name
		}
		mods.Set(d)
	}
	return mods, nil
}

// Marshal serializes Modules back into .gitmodules format, in
// lexicographic order by name for deterministic output.
func Marshal(m *Modules) ([]byte, error) {
	cfg := gitconfig.New()
	sec := cfg.Section(submoduleSection)
	for _, name := range m.Names() {
		d := m.byName[name]
		sub := sec.Subsection(name)
		sub.SetOption("path", d.Path)
		sub.SetOption("url", d.URL)
		if d.Branch != "" {
			sub.SetOption("branch", d.Branch)
		}
	}
	var buf bytes.Buffer
	if err := gitconfig.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, errors.Wrap(err, "encode .gitmodules")
	}
	return buf.Bytes(), nil
}

// AtCommit reads and parses .gitmodules as recorded in a commit's tree.
// A commit with no .gitmodules file yields an empty, non-nil Modules.
func AtCommit(commit *object.Commit) (*Modules, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "commit tree")
	}
	return AtTree(tree)
}

// AtTree reads and parses .gitmodules from an arbitrary tree.
func AtTree(tree *object.Tree) (*Modules, error) {
	f, err := tree.File(gitmodulesPath)
	if err != nil {
		if err == object.ErrFileNotFound {
			return newModules(), nil
		}
		return nil, errors.Wrap(err, "find .gitmodules")
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// GitlinksAtTree returns every gitlink (submodule pointer) entry in tree,
// keyed by path, by walking the tree and collecting filemode.Submodule
// entries.
func GitlinksAtTree(tree *object.Tree) (map[string]plumbing.Hash, error) {
	out := map[string]plumbing.Hash{}
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "walk tree")
		}
		if entry.Mode == filemode.Submodule {
			out[name] = entry.Hash
		}
	}
	return out, nil
}

// GitlinksAtIndex returns every gitlink entry currently staged in idx,
// keyed by path.
func GitlinksAtIndex(idx *index.Index) map[string]plumbing.Hash {
	out := map[string]plumbing.Hash{}
	for _, e := range idx.Entries {
		if e.Mode == filemode.Submodule {
			out[e.Name] = e.Hash
		}
	}
	return out
}

// AtIndex reads and parses .gitmodules as currently staged in idx,
// resolving the blob out of storer. A missing .gitmodules entry yields
// an empty, non-nil Modules.
func AtIndex(storer storage.Storer, idx *index.Index) (*Modules, error) {
	for _, e := range idx.Entries {
		if e.Name != gitmodulesPath {
			continue
		}
		blob, err := object.GetBlob(storer, e.Hash)
		if err != nil {
			return nil, errors.Wrap(err, "load staged .gitmodules blob")
		}
		r, err := blob.Reader()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return Unmarshal(content)
	}
	return newModules(), nil
}

// OpenSubmodulePaths probes the meta-repo worktree at root and returns the
// set of declared submodule names whose path holds a .git directory or
// file (i.e. are "open" rather than merely "closed").
func OpenSubmodulePaths(root string, mods *Modules) (map[string]bool, error) {
	open := map[string]bool{}
	for _, name := range mods.Names() {
		d, _ := mods.ByName(name)
		gitDir := filepath.Join(root, d.Path, ".git")
		if info, err := os.Stat(gitDir); err == nil && (info.IsDir() || info.Mode().IsRegular()) {
			open[name] = true
		}
	}
	return open, nil
}
