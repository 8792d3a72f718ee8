package naming

import (
	"testing"

	"github.com/epi/ext4rescue/internal/filetree"
)

func buildTree() *filetree.FileTree {
	tree := filetree.New()
	tree.GetOrCreate(2, filetree.Directory)

	sub := tree.GetOrCreate(12, filetree.Directory)
	name := "foobar"
	sub.Name = &name
	tree.AssociateParent(sub, 2)

	orphanDir := tree.GetOrCreate(20, filetree.Directory)
	orphanName := "detached"
	orphanDir.Name = &orphanName

	f := tree.GetOrCreate(13, filetree.RegularFile)
	tree.AddLink(f, 12, "a.txt")
	tree.AddLink(f, 2, "b.txt")

	tree.GetOrCreate(99, filetree.RegularFile)

	return tree
}

func TestPathsRoot(t *testing.T) {
	tree := buildTree()
	r := NewResolver(tree)
	root, _ := tree.Get(2)
	got := r.Paths(root)
	if len(got) != 1 || got[0] != "/" {
		t.Fatalf("Paths(root) = %v, want [/]", got)
	}
}

func TestPathsNamedSubdirectory(t *testing.T) {
	tree := buildTree()
	r := NewResolver(tree)
	sub, _ := tree.Get(12)
	got := r.Paths(sub)
	if len(got) != 1 || got[0] != "/foobar" {
		t.Fatalf("Paths(sub) = %v, want [/foobar]", got)
	}
}

func TestPathsMultiplyLinkedFile(t *testing.T) {
	tree := buildTree()
	r := NewResolver(tree)
	f, _ := tree.Get(13)
	got := r.Paths(f)
	want := map[string]bool{"/foobar/a.txt": true, "/b.txt": true}
	if len(got) != 2 {
		t.Fatalf("Paths(f) = %v, want 2 entries", got)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected path %q", p)
		}
	}
}

func TestPathsUnlinkedFile(t *testing.T) {
	tree := buildTree()
	r := NewResolver(tree)
	f, _ := tree.Get(99)
	got := r.Paths(f)
	if len(got) != 1 || got[0] != "~~@UNKNOWN_PARENT/~~FILE@99" {
		t.Fatalf("Paths(orphan) = %v", got)
	}
}

func TestPathsDetachedDirectoryPrefixesUnknownParent(t *testing.T) {
	tree := buildTree()
	r := NewResolver(tree)
	orphanDir, _ := tree.Get(20)
	got := r.Paths(orphanDir)
	if len(got) != 1 || got[0] != "~~@UNKNOWN_PARENT/detached" {
		t.Fatalf("Paths(orphanDir) = %v", got)
	}
}
