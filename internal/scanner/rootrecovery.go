package scanner

import (
	"github.com/sirupsen/logrus"

	"github.com/epi/ext4rescue/internal/disklayout"
	"github.com/epi/ext4rescue/internal/ext4image"
	"github.com/epi/ext4rescue/internal/filetree"
)

// dotDotDotRecLen is the on-disk rec_len of an exact "." entry immediately
// followed by "..": 8-byte header + 1-byte name, rounded up to the 4-byte
// dirent alignment.
const dotDotDotRecLen = 12

// RecoverRoot scans the first s_blocks_per_group blocks of the image for a
// block whose first two entries are an exact "." / ".." pair belonging to
// inode 2, then walks its remaining entries and attaches names/parents to
// matching FileTree nodes.
func RecoverRoot(img *ext4image.Ext4Image, tree *filetree.FileTree, log *logrus.Logger) {
	limit := uint64(img.BlocksPerGroup())
	for block := uint64(0); block < limit; block++ {
		cb, err := img.ReadRawBlock(block)
		if err != nil {
			continue
		}
		ok := cb.Ok()
		buf := cb.Bytes()
		candidate := ok && looksLikeRootBlock(buf)
		cb.Release()
		if !candidate {
			continue
		}

		if applyRootCandidate(img, tree, block, log) {
			log.WithField("block", block).Info("scanner: recovered root directory")
			return
		}
	}
	log.Warn("scanner: root recovery found no plausible candidate block")
}

// looksLikeRootBlock reports whether buf's first two directory entries are
// an exact "." then ".." pair, both pointing at inode 2 with
// file_type==dir, and the "." entry having rec_len==12. The ".." entry's
// rec_len is not checked.
func looksLikeRootBlock(buf []byte) bool {
	dot, ok := disklayout.DecodeDirEntry(buf)
	if !ok || dot.Inode != 2 || dot.RecLen != dotDotDotRecLen || dot.Name != "." || dot.FileType != disklayout.FtDir {
		return false
	}
	if len(buf) < dotDotDotRecLen {
		return false
	}
	dotdot, ok := disklayout.DecodeDirEntry(buf[dotDotDotRecLen:])
	if !ok || dotdot.Inode != 2 || dotdot.Name != ".." || dotdot.FileType != disklayout.FtDir {
		return false
	}
	return true
}

// applyRootCandidate walks block's remaining entries in a dry-run pass that
// validates each referenced node already present in the tree against the
// observed type and link-count constraints, then, only if every entry
// passes, walks it again to attach root(2) as directory and wire up
// names/parents. A candidate that fails validation partway through never
// mutates tree, so a rejected block leaves no trace for the caller to try
// the next one.
func applyRootCandidate(img *ext4image.Ext4Image, tree *filetree.FileTree, block uint64, log *logrus.Logger) bool {
	cb, err := img.ReadRawBlock(block)
	if err != nil || !cb.Ok() {
		if cb != nil {
			cb.Release()
		}
		return false
	}
	defer cb.Release()
	buf := cb.Bytes()

	entries := decodeCandidateEntries(buf)
	for _, entry := range entries {
		existing, present := tree.Get(entry.Inode)
		if present && !validateAgainstEntry(existing, entry) {
			return false
		}
	}

	tree.GetOrCreate(2, filetree.Directory)
	for _, entry := range entries {
		switch entry.FileType {
		case disklayout.FtDir:
			child := tree.GetOrCreate(entry.Inode, filetree.Directory)
			name := entry.Name
			child.Name = &name
			tree.AssociateParent(child, 2)
		case disklayout.FtRegFile:
			child := tree.GetOrCreate(entry.Inode, filetree.RegularFile)
			tree.AddLink(child, 2, entry.Name)
		case disklayout.FtSymlink:
			child := tree.GetOrCreate(entry.Inode, filetree.SymbolicLink)
			tree.AddLink(child, 2, entry.Name)
		}
	}

	// root's own inode is still unreadable; recovery only recovers the
	// entries it names, not inode 2's declared fields, so InodeOk stays
	// false and status derivation correctly reports badInode.
	log.WithField("block", block).Debug("scanner: root candidate accepted")
	return true
}

// decodeCandidateEntries decodes every non-"."/".."/free directory entry in
// buf, stopping at the first entry it can't decode.
func decodeCandidateEntries(buf []byte) []disklayout.DirEntry {
	var entries []disklayout.DirEntry
	offset := 0
	for offset < len(buf) {
		entry, ok := disklayout.DecodeDirEntry(buf[offset:])
		if !ok {
			break
		}
		offset += int(entry.RecLen)
		if entry.Inode == 0 || entry.Name == "." || entry.Name == ".." {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// validateAgainstEntry checks a FileTree node already present before root
// recovery ran against the directory entry now claiming it: type must
// match, and a file's declared link count must not be exceeded by the
// links already recorded.
func validateAgainstEntry(n *filetree.FileNode, entry disklayout.DirEntry) bool {
	switch entry.FileType {
	case disklayout.FtDir:
		if n.Kind != filetree.Directory {
			return false
		}
		if n.Parent != nil && *n.Parent != 2 {
			return false
		}
	case disklayout.FtRegFile, disklayout.FtSymlink:
		wantKind := filetree.RegularFile
		if entry.FileType == disklayout.FtSymlink {
			wantKind = filetree.SymbolicLink
		}
		if n.Kind != wantKind {
			return false
		}
		if len(n.Links) >= int(n.LinkCount) {
			return false
		}
	}
	return true
}
