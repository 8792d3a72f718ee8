// Package naming derives human-readable paths from a filetree.FileTree.
package naming

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/epi/ext4rescue/internal/filetree"
)

// unknownParent prefixes any path whose ancestor chain hits a directory
// with no known parent before reaching the root.
const unknownParent = "~~@UNKNOWN_PARENT"

// Resolver derives paths for FileTree nodes, memoizing directory paths
// since many files typically share ancestors.
type Resolver struct {
	tree  *filetree.FileTree
	cache *lru.Cache[uint32, string]
}

// NewResolver returns a Resolver over tree with a memoization cache sized
// for typical directory counts.
func NewResolver(tree *filetree.FileTree) *Resolver {
	cache, _ := lru.New[uint32, string](4096)
	return &Resolver{tree: tree, cache: cache}
}

// Paths returns every path under which node is reachable: exactly one for
// a directory, one per link for a regular file or symlink, or a single
// synthetic "unknown" path when a file/symlink has no surviving links.
func (r *Resolver) Paths(node *filetree.FileNode) []string {
	if node.Kind == filetree.Directory {
		return []string{r.dirPath(node)}
	}

	if len(node.Links) == 0 {
		tag := "~~FILE"
		if node.Kind == filetree.SymbolicLink {
			tag = "~~SYMLINK"
		}
		return []string{fmt.Sprintf("%s/%s@%d", unknownParent, tag, node.Inode)}
	}

	paths := make([]string, 0, len(node.Links))
	for _, link := range node.Links {
		parentPath := r.dirPathByInode(link.ParentInode)
		paths = append(paths, join(parentPath, link.Name))
	}
	return paths
}

// dirPath computes and memoizes node's own path.
func (r *Resolver) dirPath(node *filetree.FileNode) string {
	if node.Inode == 2 {
		return "/"
	}
	if cached, ok := r.cache.Get(node.Inode); ok {
		return cached
	}

	name := fmt.Sprintf("~~DIR@%d", node.Inode)
	if node.Name != nil {
		name = *node.Name
	}

	var parentPath string
	if node.Parent == nil {
		parentPath = unknownParent
	} else {
		parentPath = r.dirPathByInode(*node.Parent)
	}

	path := join(parentPath, name)
	r.cache.Add(node.Inode, path)
	return path
}

// dirPathByInode resolves a parent inode to its path, treating a missing
// or non-directory node the same as an unknown parent.
func (r *Resolver) dirPathByInode(inode uint32) string {
	parent, ok := r.tree.Get(inode)
	if !ok || parent.Kind != filetree.Directory {
		return unknownParent
	}
	return r.dirPath(parent)
}

// join concatenates a parent path and a component, avoiding a doubled
// slash when parent is the filesystem root.
func join(parent, name string) string {
	if strings.HasSuffix(parent, "/") {
		return parent + name
	}
	return parent + "/" + name
}
