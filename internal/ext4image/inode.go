package ext4image

import (
	"github.com/epi/ext4rescue/internal/blockcache"
	"github.com/epi/ext4rescue/internal/disklayout"
)

// InodeView is the read result for one inode: either a decoded, readable
// inode, or a damage-flagged sentinel when the group descriptor or inode
// table entry could not be read. An unreadable inode never aborts the
// scan; it just produces this sentinel.
type InodeView struct {
	Num uint32
	raw disklayout.Inode
	ok  bool
}

// Ok reports whether the inode's on-disk bytes were readable.
func (iv *InodeView) Ok() bool { return iv.ok }

// Mode returns the raw mode word.
func (iv *InodeView) Mode() uint16 { return iv.raw.Mode }

// IsDir, IsRegular, IsSymlink classify the inode's file type.
func (iv *InodeView) IsDir() bool     { return iv.raw.IsDir() }
func (iv *InodeView) IsRegular() bool { return iv.raw.IsRegular() }
func (iv *InodeView) IsSymlink() bool { return iv.raw.IsSymlink() }

// LinkCount returns the inode's declared link count.
func (iv *InodeView) LinkCount() uint16 { return iv.raw.LinksCount }

// Dtime returns the deletion time; nonzero means the inode was freed.
func (iv *InodeView) Dtime() uint32 { return iv.raw.Dtime }

// Deleted reports whether the inode has been unlinked and freed.
func (iv *InodeView) Deleted() bool { return iv.raw.Dtime != 0 }

// Size returns the declared byte size (64-bit for regular files).
func (iv *InodeView) Size() uint64 { return iv.raw.Size() }

// SectorBlocks returns the block count normalized to 512-byte sectors.
func (iv *InodeView) SectorBlocks(sb disklayout.Superblock) uint64 {
	return iv.raw.SectorBlocks(sb.HasHugeFile(), sb.LogBlockSize)
}

// HasExtents reports whether Block holds an extent tree root.
func (iv *InodeView) HasExtents() bool { return iv.raw.HasExtents() }

// BlockArea returns the raw 60-byte Block area (extent tree root or legacy
// indirect map, or fast-symlink target bytes).
func (iv *InodeView) BlockArea() [60]byte { return iv.raw.Block }

// FileACL returns the inode's single xattr block number, or 0 if none.
func (iv *InodeView) FileACL() uint32 { return iv.raw.FileACLLo }

// IsFastSymlink reports whether this symlink's target is embedded in the
// inode itself rather than stored in a data block: its block count, minus
// one block if it owns an xattr block, is zero.
func (iv *InodeView) IsFastSymlink(sb disklayout.Superblock) bool {
	if !iv.raw.IsSymlink() {
		return false
	}
	blocks := iv.SectorBlocks(sb)
	if iv.raw.FileACLLo != 0 {
		sectorsPerBlock := uint64(sb.BlockSize() / 512)
		if blocks >= sectorsPerBlock {
			blocks -= sectorsPerBlock
		}
	}
	return blocks == 0
}

// FastSymlinkTarget returns the target path for a fast symlink, truncated
// to the declared size.
func (iv *InodeView) FastSymlinkTarget() string {
	n := iv.Size()
	if n > uint64(len(iv.raw.Block)) {
		n = uint64(len(iv.raw.Block))
	}
	return string(iv.raw.Block[:n])
}

// sentinelInode returns an unreadable "invalid inode" view.
func sentinelInode(n uint32) *InodeView {
	return &InodeView{Num: n, ok: false}
}

// ReadInode locates and decodes inode n.
func (img *Ext4Image) ReadInode(n uint32) *InodeView {
	if n < 1 || n > img.sb.InodesCount {
		return sentinelInode(n)
	}
	group := (n - 1) / img.sb.InodesPerGroup
	indexInGroup := (n - 1) % img.sb.InodesPerGroup

	gd, ok := img.groupDescriptor(group)
	if !ok {
		return sentinelInode(n)
	}

	block := gd.InodeTable() + uint64(indexInGroup)/uint64(img.inodesPerBlock)
	offset := (indexInGroup % img.inodesPerBlock) * uint32(img.sb.InodeSize)

	view, err := blockcache.RequestStruct[disklayout.Inode](img.cache, block, offset, disklayout.InodeOnDiskSize)
	if err != nil {
		img.log.WithError(err).WithField("inode", n).Warn("ext4image: inode table entry unreadable")
		return sentinelInode(n)
	}
	defer view.Release()
	if !view.Ok() {
		return sentinelInode(n)
	}

	return &InodeView{Num: n, raw: disklayout.DecodeInode(view.Bytes()), ok: true}
}
