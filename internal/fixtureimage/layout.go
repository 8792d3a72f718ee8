package fixtureimage

import "fmt"

// Layout is the pre-computed geometry of an ext4 image: group count, block
// and inode distribution, and the metadata placement rules used to derive
// each group's GroupLayout on demand.
type Layout struct {
	PartitionStart uint64
	PartitionSize  uint64
	TotalBlocks    uint32

	GroupCount     uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32

	InodeTableBlocks uint32

	CreatedAt uint32
}

// GroupLayout is where one block group's metadata and data blocks live.
type GroupLayout struct {
	GroupStart       uint32
	SuperblockBlock  uint32 // 0 if this group carries no superblock backup
	GDTStart         uint32 // 0 if this group carries no GDT backup
	GDTBlocks        uint32
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableStart  uint32
	FirstDataBlock   uint32
	BlocksInGroup    uint32 // the last group may be smaller than BlocksPerGroup
	OverheadBlocks   uint32
}

// CalculateLayout derives a Layout for an image of partitionSize bytes
// starting at partitionStart. Group count is capped at 256, which for this
// package's block size keeps every fixture image well within a size a test
// can build and reopen quickly; nothing in the fixture API needs images
// large enough to exceed it.
func CalculateLayout(partitionStart, partitionSize uint64, createdAt uint32) (*Layout, error) {
	if partitionSize < 4*1024*1024 {
		return nil, fmt.Errorf("partition too small: need at least 4MB, got %d", partitionSize)
	}

	totalBlocks := uint32(partitionSize / blockSize)
	groupCount := (totalBlocks + blocksPerGroup - 1) / blocksPerGroup
	if groupCount > 256 {
		groupCount = 256
		totalBlocks = groupCount * blocksPerGroup
	}

	return &Layout{
		PartitionStart:   partitionStart,
		PartitionSize:    partitionSize,
		TotalBlocks:      totalBlocks,
		GroupCount:       groupCount,
		BlocksPerGroup:   blocksPerGroup,
		InodesPerGroup:   inodesPerGroup,
		InodeTableBlocks: (inodesPerGroup * inodeSize) / blockSize,
		CreatedAt:        createdAt,
	}, nil
}

// GetGroupLayout lays out group's metadata blocks in the standard ext4
// order (superblock+GDT backup if present, then block bitmap, inode
// bitmap, inode table, then data), recomputed on every call rather than
// cached since it is cheap arithmetic and every group's shape is a pure
// function of its index.
func (l *Layout) GetGroupLayout(group uint32) GroupLayout {
	gl := GroupLayout{GroupStart: group * blocksPerGroup}

	if group == l.GroupCount-1 {
		gl.BlocksInGroup = l.TotalBlocks - gl.GroupStart
	} else {
		gl.BlocksInGroup = blocksPerGroup
	}

	hasSuperblock := group == 0 || isSparseGroup(group)

	next := gl.GroupStart
	if hasSuperblock {
		gl.SuperblockBlock = next
		next++

		gl.GDTStart = next
		gl.GDTBlocks = (l.GroupCount*32 + blockSize - 1) / blockSize
		next += gl.GDTBlocks
	}

	gl.BlockBitmapBlock = next
	next++
	gl.InodeBitmapBlock = next
	next++
	gl.InodeTableStart = next
	next += l.InodeTableBlocks

	gl.FirstDataBlock = next
	gl.OverheadBlocks = next - gl.GroupStart
	return gl
}

// BlockOffset returns the absolute byte offset of blockNum.
func (l *Layout) BlockOffset(blockNum uint32) uint64 {
	return l.PartitionStart + uint64(blockNum)*blockSize
}

// InodeOffset returns the absolute byte offset of inodeNum's on-disk
// record. Inode numbers are 1-based; 0 is never valid.
func (l *Layout) InodeOffset(inodeNum uint32) uint64 {
	if inodeNum < 1 {
		panic(fmt.Sprintf("invalid inode number: %d", inodeNum))
	}

	group := (inodeNum - 1) / inodesPerGroup
	indexInGroup := (inodeNum - 1) % inodesPerGroup
	gl := l.GetGroupLayout(group)
	return l.BlockOffset(gl.InodeTableStart) + uint64(indexInGroup)*inodeSize
}

// TotalInodes returns the fixed inode capacity of the whole image.
func (l *Layout) TotalInodes() uint32 {
	return l.GroupCount * inodesPerGroup
}

// TotalFreeBlocks returns the block count left for data once every group's
// metadata overhead (superblock/GDT backups, bitmaps, inode table) is
// subtracted.
func (l *Layout) TotalFreeBlocks() uint32 {
	var overhead uint32
	for g := uint32(0); g < l.GroupCount; g++ {
		overhead += l.GetGroupLayout(g).OverheadBlocks
	}
	if l.TotalBlocks > overhead {
		return l.TotalBlocks - overhead
	}
	return 0
}

// String renders the layout for diagnostic logging.
func (l *Layout) String() string {
	return fmt.Sprintf("groups=%d blocks=%d blocks/group=%d inodes/group=%d inode-table-blocks/group=%d free-blocks=%d",
		l.GroupCount, l.TotalBlocks, l.BlocksPerGroup, l.InodesPerGroup, l.InodeTableBlocks, l.TotalFreeBlocks())
}
