package scanner_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/epi/ext4rescue/internal/damagemap"
	"github.com/epi/ext4rescue/internal/ext4image"
	"github.com/epi/ext4rescue/internal/filetree"
	"github.com/epi/ext4rescue/internal/fixtureimage"
	"github.com/epi/ext4rescue/internal/naming"
	"github.com/epi/ext4rescue/internal/scanner"
)

func statSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

func buildFixtureTree(t *testing.T) (*filetree.FileTree, *ext4image.Ext4Image) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.img")

	img, err := fixtureimage.New(fixtureimage.WithImagePath(path), fixtureimage.WithSizeInMB(32))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	etcInode, err := img.CreateDirectory(fixtureimage.RootInode, "etc", 0o755, 0, 0)
	if err != nil {
		t.Fatalf("CreateDirectory(etc): %v", err)
	}
	if _, err := img.CreateFile(etcInode, "hostname", []byte("test-host\n"), 0o644, 0, 0); err != nil {
		t.Fatalf("CreateFile(hostname): %v", err)
	}
	homeInode, err := img.CreateDirectory(fixtureimage.RootInode, "home", 0o755, 0, 0)
	if err != nil {
		t.Fatalf("CreateDirectory(home): %v", err)
	}
	userInode, err := img.CreateDirectory(homeInode, "user", 0o700, 1000, 1000)
	if err != nil {
		t.Fatalf("CreateDirectory(user): %v", err)
	}
	if _, err := img.CreateFile(userInode, "note.txt", []byte("hello\n"), 0o600, 1000, 1000); err != nil {
		t.Fatalf("CreateFile(note.txt): %v", err)
	}
	if _, err := img.CreateSymlink(fixtureimage.RootInode, "note-link", "home/user/note.txt", 1000, 1000); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	if err := img.CreateLostFound(); err != nil {
		t.Fatalf("CreateLostFound: %v", err)
	}
	if err := img.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	img.Close()

	info, err := statSize(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	damage := damagemap.AllGood(info)
	eimg, err := ext4image.Open(path, damage)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eimg.Close() })

	tree := scanner.New(eimg).Run()
	return tree, eimg
}

func TestScanRunPopulatesRootAndChildren(t *testing.T) {
	tree, _ := buildFixtureTree(t)

	root, ok := tree.Get(fixtureimage.RootInode)
	if !ok {
		t.Fatal("expected root node in tree")
	}
	if !root.InodeOk {
		t.Fatal("expected root inode to be readable in a clean fixture")
	}
	if root.Kind != filetree.Directory {
		t.Fatalf("root kind = %v, want Directory", root.Kind)
	}

	resolver := naming.NewResolver(tree)
	var sawEtc, sawNoteLink bool
	for _, n := range tree.Nodes() {
		for _, p := range resolver.Paths(n) {
			switch p {
			case "/etc":
				sawEtc = true
			case "/note-link":
				sawNoteLink = true
			}
		}
	}
	if !sawEtc {
		t.Fatal("expected /etc to be resolvable")
	}
	if !sawNoteLink {
		t.Fatal("expected /note-link to be resolvable")
	}
}

func TestScanRunDerivesOkStatusForCleanFixture(t *testing.T) {
	tree, _ := buildFixtureTree(t)

	for _, n := range tree.Nodes() {
		if !n.Status.Ok() {
			t.Fatalf("inode %d: expected ok status in a clean fixture, got %s", n.Inode, filetree.StatusLetters(n.Status))
		}
	}
}

func TestScanRunRootHasNoParentAndIsSoleRoot(t *testing.T) {
	tree, _ := buildFixtureTree(t)

	root, ok := tree.Get(fixtureimage.RootInode)
	if !ok {
		t.Fatal("expected root node in tree")
	}
	if !root.Status.Ok() {
		t.Fatalf("expected root status to be ok, got %s", filetree.StatusLetters(root.Status))
	}
	if root.Parent != nil {
		t.Fatalf("root.Parent = %v, want nil", *root.Parent)
	}

	roots := tree.Roots()
	if len(roots) != 1 || roots[0].Inode != fixtureimage.RootInode {
		t.Fatalf("tree.Roots() = %v, want [root]", roots)
	}
}

func TestScanRunSetsUnreadableInodesZeroOnCleanImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.img")
	img, err := fixtureimage.New(fixtureimage.WithImagePath(path), fixtureimage.WithSizeInMB(32))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := img.CreateLostFound(); err != nil {
		t.Fatalf("CreateLostFound: %v", err)
	}
	if err := img.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	img.Close()

	info, err := statSize(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	eimg, err := ext4image.Open(path, damagemap.AllGood(info))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eimg.Close()

	s := scanner.New(eimg)
	s.Run()
	if s.UnreadableInodes() != 0 {
		t.Fatalf("UnreadableInodes() = %d, want 0", s.UnreadableInodes())
	}
}
