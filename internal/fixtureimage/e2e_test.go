package fixtureimage_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/epi/ext4rescue/internal/fixtureimage"
)

func TestBuildAndReopenImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e2e.img")

	img, err := fixtureimage.New(fixtureimage.WithImagePath(path), fixtureimage.WithSizeInMB(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	etcInode, err := img.CreateDirectory(fixtureimage.RootInode, "etc", 0o755, 0, 0)
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := img.CreateFile(etcInode, "hostname", []byte("box\n"), 0o644, 0, 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := img.CreateSymlink(fixtureimage.RootInode, "link", "etc/hostname", 0, 0); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	if err := img.CreateLostFound(); err != nil {
		t.Fatalf("CreateLostFound: %v", err)
	}
	if err := img.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := fixtureimage.Open(fixtureimage.WithExistingImagePath(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	newDirInode, err := reopened.CreateDirectory(fixtureimage.RootInode, "var", 0o755, 0, 0)
	if err != nil {
		t.Fatalf("CreateDirectory after reopen: %v", err)
	}
	if newDirInode <= etcInode {
		t.Fatalf("expected reopen to continue inode allocation past %d, got %d", etcInode, newDirInode)
	}
	if err := reopened.Save(); err != nil {
		t.Fatalf("Save after reopen: %v", err)
	}
}

func TestCreateFileOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overwrite.img")
	img, err := fixtureimage.New(fixtureimage.WithImagePath(path), fixtureimage.WithSizeInMB(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer img.Close()

	inode1, err := img.CreateFile(fixtureimage.RootInode, "note.txt", []byte("first"), 0o644, 0, 0)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	inode2, err := img.CreateFile(fixtureimage.RootInode, "note.txt", []byte("second, and longer"), 0o644, 0, 0)
	if err != nil {
		t.Fatalf("CreateFile overwrite: %v", err)
	}
	if inode1 != inode2 {
		t.Fatalf("overwrite changed inode number: %d -> %d", inode1, inode2)
	}
}

func TestCreateSymlinkAcceptsLongTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symlink.img")
	img, err := fixtureimage.New(fixtureimage.WithImagePath(path), fixtureimage.WithSizeInMB(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer img.Close()

	longTarget := string(bytes.Repeat([]byte("a"), 200))
	if _, err := img.CreateSymlink(fixtureimage.RootInode, "long-link", longTarget, 0, 0); err != nil {
		t.Fatalf("CreateSymlink with long target: %v", err)
	}
}

func TestInodeByteOffsetMatchesInodeSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offset.img")
	img, err := fixtureimage.New(fixtureimage.WithImagePath(path), fixtureimage.WithSizeInMB(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer img.Close()

	rootOffset := img.InodeByteOffset(fixtureimage.RootInode)
	nextOffset := img.InodeByteOffset(fixtureimage.RootInode + 1)
	if nextOffset-rootOffset != img.InodeSize() {
		t.Fatalf("InodeByteOffset stride = %d, want %d", nextOffset-rootOffset, img.InodeSize())
	}
}
