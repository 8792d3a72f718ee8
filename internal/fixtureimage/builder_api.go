package fixtureimage

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Public API
// ============================================================================

// createDirectory creates a new directory with the specified name under the given parent directory.
// It allocates a new inode and data block, initializes the directory with "." and ".." entries,
// and adds the new directory entry to the parent. Returns the inode number of the created directory.
func (b *builder) createDirectory(parentInode uint32, name string, mode, uid, gid uint16) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, fmt.Errorf("invalid directory name: %w", err)
	}

	inodeNum, err := b.allocateInode()
	if err != nil {
		return 0, err
	}

	dataBlock, err := b.allocateBlock()
	if err != nil {
		return 0, err
	}

	inode := b.makeDirectoryInode(mode, uid, gid)
	inode.LinksCount = 2
	inode.SizeLo = blockSize
	inode.BlocksLo = blockSize / 512
	b.setExtent(&inode, 0, dataBlock, 1)

	if err := b.writeInode(inodeNum, &inode); err != nil {
		return 0, err
	}

	entries := []dirEntry{
		{Inode: inodeNum, Type: ftDir, Name: []byte(".")},
		{Inode: parentInode, Type: ftDir, Name: []byte("..")},
	}
	if err := b.writeDirBlock(dataBlock, entries); err != nil {
		return 0, err
	}

	if err := b.addDirEntry(parentInode, dirEntry{
		Inode: inodeNum,
		Type:  ftDir,
		Name:  []byte(name),
	}); err != nil {
		return 0, err
	}

	if err := b.incrementLinkCount(parentInode); err != nil {
		return 0, err
	}

	// Track directory in correct group
	group := (inodeNum - 1) / inodesPerGroup
	b.usedDirsPerGroup[group]++

	b.log.WithFields(logrus.Fields{"name": name, "inode": inodeNum}).Debug("fixtureimage: created directory")

	return inodeNum, nil
}

// createFile creates a new regular file with the specified content under the given parent directory.
// If a file with the same name already exists, it overwrites the existing file.
// The file content is written across one or more allocated blocks using extent mapping.
// Returns the inode number of the created or overwritten file.
func (b *builder) createFile(parentInode uint32, name string, content []byte, mode, uid, gid uint16) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, fmt.Errorf("invalid file name: %w", err)
	}

	existingInode, err := b.findEntry(parentInode, name)
	if err != nil {
		return 0, fmt.Errorf("failed to check for existing file: %w", err)
	}

	if existingInode != 0 {
		return b.overwriteFile(existingInode, content, mode, uid, gid)
	}

	inodeNum, err := b.allocateInode()
	if err != nil {
		return 0, err
	}

	inode := b.makeFileInode(mode, uid, gid, uint64(len(content)))

	inode, _, err = b.allocateAndWriteFileContent(inode, content)
	if err != nil {
		return 0, err
	}

	if err := b.writeInode(inodeNum, &inode); err != nil {
		return 0, err
	}

	if err := b.addDirEntry(parentInode, dirEntry{
		Inode: inodeNum,
		Type:  ftRegFile,
		Name:  []byte(name),
	}); err != nil {
		return 0, err
	}

	b.log.WithFields(logrus.Fields{"name": name, "inode": inodeNum, "size": len(content)}).Debug("fixtureimage: created file")

	return inodeNum, nil
}

// allocateAndWriteFileContent allocates blocks for file content, sets extents, and writes the content.
// Returns the modified inode and allocated blocks.
func (b *builder) allocateAndWriteFileContent(inode inode, content []byte) (inode, []uint32, error) {
	size := uint64(len(content))

	blocksNeeded := uint32((size + blockSize - 1) / blockSize)
	if blocksNeeded == 0 {
		blocksNeeded = 1
	}

	inode.SizeLo = uint32(size)
	inode.SizeHi = uint32(size >> 32)
	inode.BlocksLo = blocksNeeded * (blockSize / 512)

	blocks, err := b.allocateBlocks(blocksNeeded)
	if err != nil {
		return inode, nil, err
	}

	if blocksNeeded == 1 {
		b.setExtent(&inode, 0, blocks[0], 1)
	} else {
		if err := b.setExtentMultiple(&inode, blocks); err != nil {
			return inode, nil, err
		}
	}

	// Write content
	for i, blk := range blocks {
		block := make([]byte, blockSize)
		start := uint64(i) * blockSize

		end := start + blockSize
		if end > size {
			end = size
		}

		if start < size {
			copy(block, content[start:end])
		}

		if err := b.disk.writeAt(block, int64(b.layout.BlockOffset(blk))); err != nil {
			return inode, nil, fmt.Errorf("failed to write file block %d: %w", blk, err)
		}
	}

	return inode, blocks, nil
}

// freeOldFileResources frees the data blocks (and, for an extent tree with
// depth > 0, its index blocks) belonging to an inode that overwriteFile is
// about to replace.
func (b *builder) freeOldFileResources(oldInode *inode) error {
	oldBlocks, err := b.getInodeBlocks(oldInode)
	if err != nil {
		return fmt.Errorf("failed to get old inode blocks during overwrite: %w", err)
	}

	for _, blk := range oldBlocks {
		if err := b.freeBlock(blk); err != nil {
			return fmt.Errorf("failed to free old block %d during overwrite: %w", blk, err)
		}
	}

	if (oldInode.Flags & inodeFlagExtents) != 0 {
		depth := binary.LittleEndian.Uint16(oldInode.Block[6:8])
		if depth > 0 {
			entries := binary.LittleEndian.Uint16(oldInode.Block[2:4])
			for i := uint16(0); i < entries && i < 4; i++ {
				off := 12 + i*12

				leafBlock := binary.LittleEndian.Uint32(oldInode.Block[off+4:])
				if err := b.freeBlock(leafBlock); err != nil {
					return fmt.Errorf("failed to free extent leaf block %d during overwrite: %w", leafBlock, err)
				}
			}
		}
	}

	return nil
}

// overwriteFile replaces the content of an existing file with new content,
// freeing the old blocks and allocating new ones sized to the new content,
// while preserving the inode number.
func (b *builder) overwriteFile(inodeNum uint32, content []byte, mode, uid, gid uint16) (uint32, error) {
	oldInode, err := b.readInode(inodeNum)
	if err != nil {
		return 0, fmt.Errorf("failed to read inode for overwrite: %w", err)
	}

	if err := b.freeOldFileResources(oldInode); err != nil {
		return 0, err
	}

	newInode := b.makeFileInode(mode, uid, gid, uint64(len(content)))

	newInode, _, err = b.allocateAndWriteFileContent(newInode, content)
	if err != nil {
		return 0, err
	}

	if err := b.writeInode(inodeNum, &newInode); err != nil {
		return 0, err
	}

	return inodeNum, nil
}

// calculateGroupStats calculates free blocks, free inodes, and itable unused for a group.
func (b *builder) calculateGroupStats(g uint32) (uint16, uint16, uint16) {
	gl := b.layout.GetGroupLayout(g)

	usedBlocks := b.nextBlockPerGroup[g] - gl.GroupStart - b.freedBlocksPerGroup[g]
	freeBlocks := uint16(gl.BlocksInGroup - usedBlocks)

	groupStartInode := g*inodesPerGroup + 1
	groupEndInode := groupStartInode + inodesPerGroup

	var (
		usedInodes       uint16
		highestUsedInode uint32
	)

	if b.nextInode > groupStartInode {
		if b.nextInode >= groupEndInode {
			usedInodes = uint16(inodesPerGroup)
			highestUsedInode = inodesPerGroup
		} else {
			usedInodes = uint16(b.nextInode - groupStartInode)
			highestUsedInode = b.nextInode - groupStartInode
		}
	}

	// For group 0, account for reserved inodes
	if g == 0 {
		if highestUsedInode < firstNonResInode-1 {
			highestUsedInode = firstNonResInode - 1
		}

		if usedInodes < uint16(firstNonResInode-1) {
			usedInodes = uint16(firstNonResInode - 1)
		}
	}

	freeInodes := uint16(inodesPerGroup) - usedInodes
	itableUnused := uint16(inodesPerGroup - highestUsedInode)

	return freeBlocks, freeInodes, itableUnused
}

// updateGroupDescriptor updates the group descriptor for the given group.
func (b *builder) updateGroupDescriptor(g uint32, freeBlocks, freeInodes, usedDirs, itableUnused uint16) error {
	gdOffset := b.layout.BlockOffset(b.layout.GetGroupLayout(0).GDTStart) + uint64(g*32)

	gdBuf := make([]byte, 32)
	if err := b.disk.readAt(gdBuf, int64(gdOffset)); err != nil {
		return fmt.Errorf("failed to read group descriptor for group %d: %w", g, err)
	}

	// Update fields
	binary.LittleEndian.PutUint16(gdBuf[12:14], freeBlocks)
	binary.LittleEndian.PutUint16(gdBuf[14:16], freeInodes)
	binary.LittleEndian.PutUint16(gdBuf[16:18], usedDirs)
	binary.LittleEndian.PutUint16(gdBuf[18:20], 0) // Flags
	binary.LittleEndian.PutUint16(gdBuf[28:30], itableUnused)

	if err := b.disk.writeAt(gdBuf, int64(gdOffset)); err != nil {
		return fmt.Errorf("failed to write group descriptor for group %d: %w", g, err)
	}

	// Update backup GDTs
	for bg := uint32(1); bg < b.layout.GroupCount; bg++ {
		if isSparseGroup(bg) {
			backupGl := b.layout.GetGroupLayout(bg)

			backupOffset := b.layout.BlockOffset(backupGl.GDTStart) + uint64(g*32)
			if err := b.disk.writeAt(gdBuf, int64(backupOffset)); err != nil {
				return fmt.Errorf("failed to write backup group descriptor for group %d: %w", bg, err)
			}
		}
	}

	return nil
}

// updateSuperblocks updates the primary and backup superblocks with total free blocks and inodes.
func (b *builder) updateSuperblocks(totalFreeBlocks, totalFreeInodes uint32) error {
	// Update primary superblock
	sbOffset := b.layout.PartitionStart + superblockOffset

	sbBuf := make([]byte, 1024)
	if err := b.disk.readAt(sbBuf, int64(sbOffset)); err != nil {
		return fmt.Errorf("failed to read primary superblock: %w", err)
	}

	binary.LittleEndian.PutUint32(sbBuf[0x0C:0x10], totalFreeBlocks)
	binary.LittleEndian.PutUint32(sbBuf[0x10:0x14], totalFreeInodes)

	if err := b.disk.writeAt(sbBuf, int64(sbOffset)); err != nil {
		return fmt.Errorf("failed to write primary superblock: %w", err)
	}

	// Update backup superblocks
	for g := uint32(1); g < b.layout.GroupCount; g++ {
		if isSparseGroup(g) {
			gl := b.layout.GetGroupLayout(g)

			backupSbOffset := b.layout.BlockOffset(gl.SuperblockBlock)
			if err := b.disk.readAt(sbBuf, int64(backupSbOffset)); err != nil {
				return fmt.Errorf("failed to read backup superblock for group %d: %w", g, err)
			}

			binary.LittleEndian.PutUint32(sbBuf[0x0C:0x10], totalFreeBlocks)
			binary.LittleEndian.PutUint32(sbBuf[0x10:0x14], totalFreeInodes)

			if err := b.disk.writeAt(sbBuf, int64(backupSbOffset)); err != nil {
				return fmt.Errorf("failed to write backup superblock for group %d: %w", g, err)
			}
		}
	}

	return nil
}

// createSymlink creates a symbolic link pointing to the specified target path.
// For targets <= 60 bytes, the target is stored directly in the inode's block array (fast symlink).
// For longer targets, a separate data block is allocated to store the target path.
// Returns the inode number of the created symlink.
func (b *builder) createSymlink(parentInode uint32, name, target string, uid, gid uint16) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, fmt.Errorf("invalid symlink name: %w", err)
	}

	if len(target) == 0 {
		return 0, fmt.Errorf("symlink target cannot be empty")
	}

	if len(target) > 4096 {
		return 0, fmt.Errorf("symlink target too long: %d > 4096", len(target))
	}

	inodeNum, err := b.allocateInode()
	if err != nil {
		return 0, err
	}

	inode := inode{
		Mode:       s_IFLNK | 0777,
		UID:        uid,
		GID:        gid,
		SizeLo:     uint32(len(target)),
		LinksCount: 1,
		Atime:      b.layout.CreatedAt,
		Ctime:      b.layout.CreatedAt,
		Mtime:      b.layout.CreatedAt,
		Crtime:     b.layout.CreatedAt,
		ExtraIsize: 32,
	}

	// Fast symlink: target stored in inode.Block (up to 60 bytes)
	if len(target) <= 60 {
		copy(inode.Block[:], target)
		inode.Flags = 0
		inode.BlocksLo = 0
	} else {
		inode.Flags = inodeFlagExtents

		dataBlock, err := b.allocateBlock()
		if err != nil {
			return 0, err
		}

		b.initExtentHeader(&inode)
		b.setExtent(&inode, 0, dataBlock, 1)
		inode.BlocksLo = blockSize / 512

		block := make([]byte, blockSize)
		copy(block, target)

		if err := b.disk.writeAt(block, int64(b.layout.BlockOffset(dataBlock))); err != nil {
			return 0, fmt.Errorf("failed to write symlink target block: %w", err)
		}
	}

	if err := b.writeInode(inodeNum, &inode); err != nil {
		return 0, err
	}

	if err := b.addDirEntry(parentInode, dirEntry{
		Inode: inodeNum,
		Type:  ftSymlink,
		Name:  []byte(name),
	}); err != nil {
		return 0, err
	}

	b.log.WithFields(logrus.Fields{"name": name, "target": target}).Debug("fixtureimage: created symlink")

	return inodeNum, nil
}

// finalizeMetadata updates all filesystem metadata to reflect the final state.
// This includes recalculating block and inode usage statistics per group,
// updating group descriptors with accurate counts, and ensuring the superblock
// reflects the current filesystem state. Must be called after all file operations.
func (b *builder) finalizeMetadata() error {
	// Calculate per-group statistics and update descriptors
	for g := uint32(0); g < b.layout.GroupCount; g++ {
		freeBlocks, freeInodes, itableUnused := b.calculateGroupStats(g)
		if err := b.updateGroupDescriptor(g, freeBlocks, freeInodes, uint16(b.usedDirsPerGroup[g]), itableUnused); err != nil {
			return err
		}
	}

	// Calculate totals for superblock
	var totalFreeBlocks uint32

	for g := uint32(0); g < b.layout.GroupCount; g++ {
		gl := b.layout.GetGroupLayout(g)
		usedBlocks := b.nextBlockPerGroup[g] - gl.GroupStart - b.freedBlocksPerGroup[g]
		totalFreeBlocks += gl.BlocksInGroup - usedBlocks
	}

	totalFreeInodes := b.layout.TotalInodes() - (b.nextInode - 1)

	if err := b.updateSuperblocks(totalFreeBlocks, totalFreeInodes); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{"freeBlocks": totalFreeBlocks, "freeInodes": totalFreeInodes}).Debug("fixtureimage: metadata finalized")

	return nil
}
