package ext4image

import (
	"github.com/epi/ext4rescue/internal/blockcache"
	"github.com/epi/ext4rescue/internal/disklayout"
)

// DirEntry is a decoded, name-resolved ext4_dir_entry_2. Inode==0 means an
// unused slot to be skipped, matching the on-disk convention.
type DirEntry = disklayout.DirEntry

// DirEntries walks the directory's extents in logical-block order and, for
// each good extent, each block's on-disk directory entries in their
// original order, calling yield for every used (Inode != 0) entry. A block
// stops being iterated as soon as a record would overrun it or is
// otherwise unreadable; the next block still runs.
func (img *Ext4Image) DirEntries(inode *InodeView, yield func(DirEntry) bool) {
	r := img.NewExtentReader(inode)
	for {
		ext, more := r.Next()
		if !more {
			return
		}
		if !ext.Ok {
			continue
		}
		for b := uint64(0); b < uint64(ext.BlockCount); b++ {
			block := ext.PhysicalBlock + b
			if !img.walkDirBlock(block, yield) {
				return
			}
		}
	}
}

// walkDirBlock decodes entries in one directory block, returning false if
// the caller's yield asked to stop entirely.
func (img *Ext4Image) walkDirBlock(block uint64, yield func(DirEntry) bool) bool {
	cb, err := img.cache.Request(block, 0)
	if err != nil {
		img.log.WithError(err).WithField("block", block).Warn("ext4image: directory block unreadable")
		return true
	}
	defer cb.Release()
	if !cb.Ok() {
		return true
	}

	buf := cb.Bytes()
	offset := 0
	for offset < len(buf) {
		entry, ok := disklayout.DecodeDirEntry(buf[offset:])
		if !ok {
			break
		}
		if entry.Inode != 0 {
			if !yield(entry) {
				return false
			}
		}
		offset += int(entry.RecLen)
	}
	return true
}

// ReadRawBlock returns a directly-mapped view of block for callers that
// need to scan raw candidate blocks outside the normal extent/inode path,
// such as root recovery.
func (img *Ext4Image) ReadRawBlock(block uint64) (*blockcache.CachedBlock, error) {
	return img.cache.Request(block, 0)
}
