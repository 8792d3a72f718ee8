// Package scanner drives the inode walk that populates a filetree.FileTree
// from an ext4image.Ext4Image.
package scanner

import (
	"github.com/sirupsen/logrus"

	"github.com/epi/ext4rescue/internal/disklayout"
	"github.com/epi/ext4rescue/internal/ext4image"
	"github.com/epi/ext4rescue/internal/filetree"
)

// firstNonReservedInode is inode 11 (lost+found), the first inode after
// the reserved range that ext2/3/4 assigns user files.
const firstNonReservedInode = 11

// ProgressFunc is invoked roughly every ceil(total/1024) inodes processed;
// returning false stops the scan early, returning the partially populated
// tree.
type ProgressFunc func(current, total uint64) bool

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger used for per-inode diagnostics.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Scanner) { s.log = log }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Scanner) { s.progress = fn }
}

// Scanner walks an Ext4Image's inode space and builds a FileTree.
type Scanner struct {
	img      *ext4image.Ext4Image
	log      *logrus.Logger
	progress ProgressFunc

	unreadableInodes uint64
}

// New returns a Scanner over img.
func New(img *ext4image.Ext4Image, opts ...Option) *Scanner {
	s := &Scanner{img: img, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UnreadableInodes returns the count of inodes that failed to read during
// the last Run.
func (s *Scanner) UnreadableInodes() uint64 { return s.unreadableInodes }

// Run performs the full scan pass over {2} ∪ [11, inode_count], then
// attempts root recovery if inode 2 turned out unreadable, then derives
// every node's status. It returns the populated tree.
func (s *Scanner) Run() *filetree.FileTree {
	tree := filetree.New()

	inodeCount := uint64(s.img.InodeCount())
	total := uint64(1)
	if inodeCount >= firstNonReservedInode {
		total += inodeCount - firstNonReservedInode + 1
	}

	var current uint64
	step := (total + 1023) / 1024
	if step == 0 {
		step = 1
	}

	visit := func(n uint32) bool {
		s.visitInode(tree, n)
		current++
		if s.progress != nil && (current%step == 0 || current == total) {
			return s.progress(current, total)
		}
		return true
	}

	if !visit(2) {
		return s.finish(tree)
	}
	for n := uint64(firstNonReservedInode); n <= inodeCount; n++ {
		if !visit(uint32(n)) {
			return s.finish(tree)
		}
	}

	return s.finish(tree)
}

func (s *Scanner) finish(tree *filetree.FileTree) *filetree.FileTree {
	if root, ok := tree.Get(2); !ok || !root.InodeOk {
		RecoverRoot(s.img, tree, s.log)
	}
	tree.FinalizeStatus()
	return tree
}

func (s *Scanner) visitInode(tree *filetree.FileTree, n uint32) {
	iv := s.img.ReadInode(n)
	if !iv.Ok() {
		s.unreadableInodes++
	}
	if !iv.Ok() {
		if n == 2 {
			tree.GetOrCreate(2, filetree.Directory).InodeOk = false
		}
		return
	}
	if iv.Deleted() {
		return
	}

	switch {
	case iv.IsDir():
		s.scanDirectory(tree, iv)
	case iv.IsRegular():
		s.scanDataNode(tree, iv, filetree.RegularFile)
	case iv.IsSymlink():
		s.scanDataNode(tree, iv, filetree.SymbolicLink)
	}
}

func recordCommon(n *filetree.FileNode, iv *ext4image.InodeView, sb disklayout.Superblock) {
	n.InodeOk = iv.Ok()
	n.LinkCount = iv.LinkCount()
	n.SectorCount = iv.SectorBlocks(sb)
	n.DeclaredSize = iv.Size()
	n.BlockMapOk = true
}

func (s *Scanner) scanDirectory(tree *filetree.FileTree, iv *ext4image.InodeView) {
	dir := tree.GetOrCreate(iv.Num, filetree.Directory)
	recordCommon(dir, iv, s.img.Superblock())

	s.img.DirEntries(iv, func(entry disklayout.DirEntry) bool {
		switch entry.FileType {
		case disklayout.FtDir:
			switch entry.Name {
			case ".":
			case "..":
				if iv.Num != 2 {
					tree.GetOrCreate(entry.Inode, filetree.Directory)
					tree.AssociateParent(dir, entry.Inode)
				}
			default:
				child := tree.GetOrCreate(entry.Inode, filetree.Directory)
				name := entry.Name
				child.Name = &name
				tree.AssociateParent(child, iv.Num)
			}
		case disklayout.FtRegFile:
			child := tree.GetOrCreate(entry.Inode, filetree.RegularFile)
			tree.AddLink(child, iv.Num, entry.Name)
		case disklayout.FtSymlink:
			child := tree.GetOrCreate(entry.Inode, filetree.SymbolicLink)
			tree.AddLink(child, iv.Num, entry.Name)
		}
		return true
	})
	dir.BlockMapOk = s.img.ExtentRootOk(iv)
}

func (s *Scanner) scanDataNode(tree *filetree.FileTree, iv *ext4image.InodeView, kind filetree.Kind) {
	node := tree.GetOrCreate(iv.Num, kind)
	recordCommon(node, iv, s.img.Superblock())

	if kind == filetree.SymbolicLink && iv.IsFastSymlink(s.img.Superblock()) {
		return
	}

	r := s.img.NewExtentReader(iv)
	blockSize := uint64(s.img.BlockSize())
	damage := s.img.DamageMap()
	for {
		ext, more := r.Next()
		if !more {
			break
		}
		if !ext.Ok {
			continue
		}
		bytes := blockSize * uint64(ext.BlockCount)
		node.MappedBytes += bytes
		node.ReachableBytes += bytes
		start := ext.PhysicalBlock * blockSize
		end := start + bytes
		node.ReadableBytes += damage.CountReadableBytes(start, end)
	}
	node.BlockMapOk = r.RootHeaderOk()
}
