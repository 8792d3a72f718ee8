package fixtureimage

import "fmt"

// setBitmapBit flips a single bit of the block or inode bitmap starting at
// bitmapBlock, at bit index idx within it, to used or free. Both bitmaps
// share this one-bit-per-byte-region read/modify/write shape, so allocation
// and freeing for blocks and inodes route through the same helper instead
// of duplicating the read-modify-write dance per bitmap kind.
func (b *builder) setBitmapBit(bitmapBlock uint32, idx uint32, used bool) error {
	offset := b.layout.BlockOffset(bitmapBlock) + uint64(idx/8)

	var buf [1]byte
	if err := b.disk.readAt(buf[:], int64(offset)); err != nil {
		return fmt.Errorf("failed to read bitmap at block %d: %w", bitmapBlock, err)
	}

	if used {
		buf[0] |= 1 << (idx % 8)
	} else {
		buf[0] &^= 1 << (idx % 8)
	}

	if err := b.disk.writeAt(buf[:], int64(offset)); err != nil {
		return fmt.Errorf("failed to write bitmap at block %d: %w", bitmapBlock, err)
	}
	return nil
}

// markBlockUsed flags blockNum as allocated in its group's block bitmap.
func (b *builder) markBlockUsed(blockNum uint32) error {
	group := blockNum / blocksPerGroup
	idx := blockNum % blocksPerGroup
	gl := b.layout.GetGroupLayout(group)
	if err := b.setBitmapBit(gl.BlockBitmapBlock, idx, true); err != nil {
		return fmt.Errorf("failed to mark block %d used: %w", blockNum, err)
	}
	return nil
}

// markInodeUsed flags inodeNum as allocated in its group's inode bitmap.
// Inode 0 does not exist and is silently ignored.
func (b *builder) markInodeUsed(inodeNum uint32) error {
	if inodeNum < 1 {
		return nil
	}
	group := (inodeNum - 1) / inodesPerGroup
	idx := (inodeNum - 1) % inodesPerGroup
	gl := b.layout.GetGroupLayout(group)
	if err := b.setBitmapBit(gl.InodeBitmapBlock, idx, true); err != nil {
		return fmt.Errorf("failed to mark inode %d used: %w", inodeNum, err)
	}
	return nil
}

// freeBlock clears blockNum in its group's bitmap and pushes it onto the
// free list so a later allocateBlock/allocateBlocks call reuses it before
// extending the group's high-water mark. Only overwriteFile drives this
// path — fixtures otherwise only ever grow.
func (b *builder) freeBlock(blockNum uint32) error {
	group := blockNum / blocksPerGroup
	idx := blockNum % blocksPerGroup
	gl := b.layout.GetGroupLayout(group)
	if err := b.setBitmapBit(gl.BlockBitmapBlock, idx, false); err != nil {
		return fmt.Errorf("failed to free block %d: %w", blockNum, err)
	}

	b.freedBlocksPerGroup[group]++
	b.freeBlockList = append(b.freeBlockList, blockNum)
	return nil
}

// popFreedBlock pops the most recently freed block off the free list, if
// any, marking it used again and updating the per-group freed count.
// allocateBlock and allocateBlocks both drain this list before reaching
// for a fresh block, so the popping logic lives here once.
func (b *builder) popFreedBlock() (uint32, bool, error) {
	if len(b.freeBlockList) == 0 {
		return 0, false, nil
	}
	block := b.freeBlockList[len(b.freeBlockList)-1]
	b.freeBlockList = b.freeBlockList[:len(b.freeBlockList)-1]
	b.freedBlocksPerGroup[block/blocksPerGroup]--

	if err := b.markBlockUsed(block); err != nil {
		return 0, false, fmt.Errorf("failed to mark reused block as used: %w", err)
	}
	return block, true, nil
}

// allocateBlock returns one free block, preferring a previously freed
// block over extending a group's allocation cursor.
func (b *builder) allocateBlock() (uint32, error) {
	if block, ok, err := b.popFreedBlock(); err != nil {
		return 0, err
	} else if ok {
		return block, nil
	}

	for g := uint32(0); g < b.layout.GroupCount; g++ {
		gl := b.layout.GetGroupLayout(g)
		groupEnd := gl.GroupStart + gl.BlocksInGroup

		if b.nextBlockPerGroup[g] < groupEnd {
			block := b.nextBlockPerGroup[g]
			b.nextBlockPerGroup[g]++
			if err := b.markBlockUsed(block); err != nil {
				return 0, fmt.Errorf("failed to mark allocated block as used: %w", err)
			}
			return block, nil
		}
	}

	return 0, fmt.Errorf("out of blocks")
}

// allocateBlocks returns n blocks, draining the free list first and then
// filling groups left to right up to each group's capacity. It does not
// guarantee contiguity across group boundaries; extent writers that need
// physically contiguous runs must check that themselves.
func (b *builder) allocateBlocks(n uint32) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}

	blocks := make([]uint32, 0, n)
	for uint32(len(blocks)) < n {
		block, ok, err := b.popFreedBlock()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		blocks = append(blocks, block)
	}

	for uint32(len(blocks)) < n {
		found := false

		for g := uint32(0); g < b.layout.GroupCount && uint32(len(blocks)) < n; g++ {
			gl := b.layout.GetGroupLayout(g)
			groupEnd := gl.GroupStart + gl.BlocksInGroup
			available := groupEnd - b.nextBlockPerGroup[g]
			if available == 0 {
				continue
			}

			needed := n - uint32(len(blocks))
			toAlloc := available
			if toAlloc > needed {
				toAlloc = needed
			}

			for i := uint32(0); i < toAlloc; i++ {
				block := b.nextBlockPerGroup[g]
				b.nextBlockPerGroup[g]++
				if err := b.markBlockUsed(block); err != nil {
					return nil, fmt.Errorf("failed to mark allocated block as used: %w", err)
				}
				blocks = append(blocks, block)
			}
			found = true
		}

		if !found {
			return nil, fmt.Errorf("out of blocks: need %d more", n-uint32(len(blocks)))
		}
	}

	return blocks, nil
}

// allocateInode returns the next sequential inode number starting at
// firstNonResInode. Fixtures never delete, so unlike allocateBlock there
// is no freed-inode list to drain here.
func (b *builder) allocateInode() (uint32, error) {
	if b.nextInode > b.layout.TotalInodes() {
		return 0, fmt.Errorf("out of inodes: %d", b.nextInode)
	}

	inode := b.nextInode
	b.nextInode++
	if err := b.markInodeUsed(inode); err != nil {
		return 0, fmt.Errorf("failed to mark allocated inode as used: %w", err)
	}
	return inode, nil
}
