package main

import (
	"path"
	"strings"

	"github.com/disiqueira/gotree/v3"

	"github.com/starford/crudfs/internal/record"
)

// fileTree renders tracked paths as a directory tree.
type fileTree struct {
	tree gotree.Tree
	dirs map[string]gotree.Tree
}

func newFileTree(rootLabel string) fileTree {
	return fileTree{tree: gotree.New(rootLabel), dirs: make(map[string]gotree.Tree)}
}

func (t fileTree) dir(dirPath string) gotree.Tree {
	if dirPath == "." || dirPath == "" {
		return t.tree
	}
	d := t.dirs[dirPath]
	if d == nil {
		d = t.dir(path.Dir(dirPath)).Add(path.Base(dirPath))
		t.dirs[dirPath] = d
	}
	return d
}

func (t fileTree) insert(p, label string) {
	p = strings.TrimPrefix(p, "/")
	t.dir(path.Dir(p)).Add(label)
}

// buildTree places every record under rootLabel, one leaf per file labelled
// "<name> <cid>". Records are expected in path order.
func buildTree(rootLabel string, recs []record.Record) gotree.Tree {
	t := newFileTree(rootLabel)
	for _, r := range recs {
		t.insert(r.Path, r.Filename+" "+r.CID.String())
	}
	return t.tree
}
