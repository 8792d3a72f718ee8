package filetree

import "testing"

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tree := New()
	a := tree.GetOrCreate(2, Directory)
	b := tree.GetOrCreate(2, Directory)
	if a != b {
		t.Fatalf("GetOrCreate returned different nodes for the same inode")
	}
	if tree.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tree.Len())
	}
}

func TestAssociateParentSetsChildrenAndSubdirectoryCount(t *testing.T) {
	tree := New()
	root := tree.GetOrCreate(2, Directory)
	child := tree.GetOrCreate(12, Directory)

	tree.AssociateParent(child, 2)

	if child.Parent == nil || *child.Parent != 2 {
		t.Fatalf("child.Parent = %v, want 2", child.Parent)
	}
	if root.SubdirectoryCount() != 1 {
		t.Fatalf("root.SubdirectoryCount() = %d, want 1", root.SubdirectoryCount())
	}
	if child.ParentMismatch {
		t.Fatalf("first association must not set parent_mismatch")
	}
}

func TestAssociateParentMismatchKeepsFirstParent(t *testing.T) {
	tree := New()
	tree.GetOrCreate(2, Directory)
	tree.GetOrCreate(20, Directory)
	child := tree.GetOrCreate(12, Directory)

	tree.AssociateParent(child, 2)
	tree.AssociateParent(child, 20)

	if *child.Parent != 2 {
		t.Fatalf("second association must not overwrite the first parent, got %d", *child.Parent)
	}
	if !child.ParentMismatch {
		t.Fatalf("expected parent_mismatch to be set")
	}
}

func TestAddLinkOnlyAppliesToNonDirectories(t *testing.T) {
	tree := New()
	dir := tree.GetOrCreate(2, Directory)
	tree.AddLink(dir, 2, "self")
	if len(dir.Links) != 0 {
		t.Fatalf("AddLink must be a no-op for directories")
	}

	file := tree.GetOrCreate(30, RegularFile)
	tree.AddLink(file, 2, "a.txt")
	tree.AddLink(file, 2, "b.txt")
	if len(file.Links) != 2 {
		t.Fatalf("len(file.Links) = %d, want 2", len(file.Links))
	}
}

func TestRootsIncludesUnparentedDirectoriesAndUnlinkedFiles(t *testing.T) {
	tree := New()
	root := tree.GetOrCreate(2, Directory)
	child := tree.GetOrCreate(12, Directory)
	tree.AssociateParent(child, 2)
	orphanFile := tree.GetOrCreate(99, RegularFile)

	roots := tree.Roots()
	found := map[uint32]bool{}
	for _, n := range roots {
		found[n.Inode] = true
	}
	if !found[root.Inode] {
		t.Fatalf("expected root inode 2 among roots")
	}
	if !found[orphanFile.Inode] {
		t.Fatalf("expected unlinked file inode 99 among roots")
	}
	if found[child.Inode] {
		t.Fatalf("child with a known parent must not be a root")
	}
}

func TestFoundLinkCountDirectory(t *testing.T) {
	tree := New()
	dir := tree.GetOrCreate(2, Directory)
	child3 := tree.GetOrCreate(3, Directory)
	child4 := tree.GetOrCreate(4, Directory)
	tree.AssociateParent(child3, 2)
	tree.AssociateParent(child4, 2)
	name := "root"
	dir.Name = &name

	if got, want := dir.FoundLinkCount(), 4; got != want {
		t.Fatalf("FoundLinkCount() = %d, want %d", got, want)
	}
}

func TestFoundLinkCountFile(t *testing.T) {
	tree := New()
	f := tree.GetOrCreate(50, RegularFile)
	tree.AddLink(f, 2, "a")
	tree.AddLink(f, 3, "b")
	if got, want := f.FoundLinkCount(), 2; got != want {
		t.Fatalf("FoundLinkCount() = %d, want %d", got, want)
	}
}
