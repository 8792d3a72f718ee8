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

// damageInodeRecord builds a DamageMap over an image of imageSize bytes
// with a single bad region covering the on-disk record for inodeNum, and
// everything else good.
func damageInodeRecord(t *testing.T, img *fixtureimage.Image, imageSize uint64, inodeNum uint32) *damagemap.DamageMap {
	t.Helper()

	badStart := img.InodeByteOffset(inodeNum)
	badEnd := badStart + img.InodeSize()

	var regions []damagemap.Region
	if badStart > 0 {
		regions = append(regions, damagemap.Region{Position: 0, Size: badStart, Good: true})
	}
	regions = append(regions, damagemap.Region{Position: badStart, Size: badEnd - badStart, Good: false})
	if badEnd < imageSize {
		regions = append(regions, damagemap.Region{Position: badEnd, Size: imageSize - badEnd, Good: true})
	}

	damage, err := damagemap.New(regions, imageSize)
	if err != nil {
		t.Fatalf("damagemap.New: %v", err)
	}
	return damage
}

// TestScanRunRecoversRootFromIntactDataBlock exercises the damaged-root
// fallback: inode 2's own on-disk record is unreadable, but its data
// block (holding "." and ".." plus the real entries) survives intact.
// The scan should still report root's inode as bad while recovering
// every entry the block names.
func TestScanRunRecoversRootFromIntactDataBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "damaged-root.img")

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
	if _, err := img.CreateSymlink(fixtureimage.RootInode, "note-link", "etc/hostname", 0, 0); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat before save: %v", err)
	}
	imageSize := uint64(info.Size())
	damage := damageInodeRecord(t, img, imageSize, fixtureimage.RootInode)

	if err := img.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	img.Close()

	opened, err := ext4image.Open(path, damage)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()

	tree := scanner.New(opened).Run()

	root, ok := tree.Get(fixtureimage.RootInode)
	if !ok {
		t.Fatal("expected root node in tree")
	}
	if root.InodeOk {
		t.Fatal("expected root inode to remain unreadable after recovery")
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
		t.Fatal("expected /etc to be resolvable after root recovery")
	}
	if !sawNoteLink {
		t.Fatal("expected /note-link to be resolvable after root recovery")
	}
}
