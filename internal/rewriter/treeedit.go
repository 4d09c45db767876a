package rewriter

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/pkg/errors"
)

// treeEdit is one leaf-level change to splice into a tree: the path, its
// new mode, and its new blob/gitlink hash.
type treeEdit struct {
	Path string
	Mode filemode.FileMode
	Hash plumbing.Hash
}

// applyTreeEdits rebuilds base with every edit spliced in, writing the
// changed subtrees (and base itself) as new tree objects, and returns the
// resulting root tree hash. It never touches a path not named by edits:
// every other entry of base, at every level, is carried over unchanged.
//
// This stands in for a general three-way tree merge: it is sound here
// specifically because a meta-repo commit only ever changes .gitmodules
// and gitlink entries (computeChanges rejects any other file change with
// MetaFileChange), so the new tree is always "base with these exact
// paths replaced", never a structural merge of unrelated changes.
func applyTreeEdits(storer storage.Storer, base *object.Tree, edits []treeEdit) (plumbing.Hash, error) {
	if len(edits) == 0 {
		return base.Hash, nil
	}
	byFirst := map[string][]treeEdit{}
	order := []string{}
	for _, e := range edits {
		parts := strings.SplitN(e.Path, "/", 2)
		first := parts[0]
		if _, ok := byFirst[first]; !ok {
			order = append(order, first)
		}
		if len(parts) == 1 {
			byFirst[first] = append(byFirst[first], treeEdit{Path: "", Mode: e.Mode, Hash: e.Hash})
		} else {
			byFirst[first] = append(byFirst[first], treeEdit{Path: parts[1], Mode: e.Mode, Hash: e.Hash})
		}
	}

	entries := map[string]object.TreeEntry{}
	if base != nil {
		for _, e := range base.Entries {
			entries[e.Name] = e
		}
	}

	for _, name := range order {
		group := byFirst[name]
		if len(group) == 1 && group[0].Path == "" {
			leaf := group[0]
			if leaf.Hash.IsZero() {
				delete(entries, name)
				continue
			}
			entries[name] = object.TreeEntry{Name: name, Mode: leaf.Mode, Hash: leaf.Hash}
			continue
		}
		var childBase *object.Tree
		if existing, ok := entries[name]; ok && existing.Mode == filemode.Dir {
			var err error
			childBase, err = object.GetTree(storer, existing.Hash)
			if err != nil {
				return plumbing.ZeroHash, errors.Wrapf(err, "load subtree %s", name)
			}
		}
		childHash, err := applyTreeEdits(storer, childBase, group)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: childHash}
	}

	return writeTree(storer, entries)
}

func writeTree(storer storage.Storer, entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	t := &object.Tree{Entries: make([]object.TreeEntry, 0, len(names))}
	for _, n := range names {
		t.Entries = append(t.Entries, entries[n])
	}
	obj := storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := t.Encode(obj); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "encode tree")
	}
	return storer.SetEncodedObject(obj)
}
