package fixtureimage

import (
	"encoding/binary"
	"fmt"
)

// dirEntryMinRecLen returns the smallest 4-byte-aligned rec_len that fits
// an entry with the given name length: the 8-byte fixed header plus the
// name, rounded up.
func dirEntryMinRecLen(nameLen int) int {
	recLen := 8 + nameLen
	if recLen%4 != 0 {
		recLen += 4 - (recLen % 4)
	}
	return recLen
}

// putDirEntry encodes one entry into block at offset, using recLen as its
// rec_len field (which may be larger than the entry's own minimum size, to
// either fill the rest of the block or absorb trailing padding).
func putDirEntry(block []byte, offset int, entry dirEntry, recLen int) {
	binary.LittleEndian.PutUint32(block[offset:], entry.Inode)
	binary.LittleEndian.PutUint16(block[offset+4:], uint16(recLen))
	block[offset+6] = uint8(len(entry.Name))
	block[offset+7] = entry.Type
	copy(block[offset+8:], entry.Name)
}

// writeDirBlock lays out entries back-to-back starting at the beginning of
// a fresh block, with the final entry's rec_len stretched to the end of
// the block as ext4 directory blocks require.
func (b *builder) writeDirBlock(blockNum uint32, entries []dirEntry) error {
	block := make([]byte, blockSize)
	offset := 0

	for i, entry := range entries {
		recLen := dirEntryMinRecLen(len(entry.Name))
		if i == len(entries)-1 {
			recLen = blockSize - offset
		}
		putDirEntry(block, offset, entry, recLen)
		offset += recLen
	}

	if err := b.disk.writeAt(block, int64(b.layout.BlockOffset(blockNum))); err != nil {
		return fmt.Errorf("failed to write directory block %d: %w", blockNum, err)
	}
	return nil
}

// addDirEntry appends entry to dirInode's directory, splitting the last
// entry's trailing padding in an existing block if there's room
// (tryAddEntryToBlock), or allocating and appending a whole new block
// otherwise.
func (b *builder) addDirEntry(dirInode uint32, entry dirEntry) error {
	inode, err := b.readInode(dirInode)
	if err != nil {
		return fmt.Errorf("failed to read directory inode: %w", err)
	}

	dataBlocks, err := b.getInodeBlocks(inode)
	if err != nil {
		return fmt.Errorf("failed to get directory blocks: %w", err)
	}

	newRecLen := dirEntryMinRecLen(len(entry.Name))

	for _, blockNum := range dataBlocks {
		if success, err := b.tryAddEntryToBlock(blockNum, entry, newRecLen); err != nil {
			return fmt.Errorf("failed to add entry to directory block %d: %w", blockNum, err)
		} else if success {
			return nil
		}
	}

	newBlock, err := b.allocateBlock()
	if err != nil {
		return err
	}
	if err := b.addBlockToInode(dirInode, newBlock); err != nil {
		return err
	}

	block := make([]byte, blockSize)
	putDirEntry(block, 0, entry, blockSize)
	if err := b.disk.writeAt(block, int64(b.layout.BlockOffset(newBlock))); err != nil {
		return fmt.Errorf("failed to write directory block: %w", err)
	}

	inode, err = b.readInode(dirInode)
	if err != nil {
		return fmt.Errorf("failed to re-read directory inode: %w", err)
	}
	inode.SizeLo += blockSize
	inode.BlocksLo += blockSize / 512
	if err := b.writeInode(dirInode, inode); err != nil {
		return fmt.Errorf("failed to update directory inode: %w", err)
	}

	return nil
}

// lastDirEntryOffset scans block for the offset of the last live entry
// (the one whose rec_len reaches, or would reach, the end of the block).
func lastDirEntryOffset(block []byte) int {
	offset, last := 0, 0
	for offset < blockSize {
		recLen := binary.LittleEndian.Uint16(block[offset+4:])
		if recLen == 0 {
			break
		}
		last = offset
		offset += int(recLen)
	}
	return last
}

// tryAddEntryToBlock splits the trailing padding off blockNum's last entry
// and writes entry into the freed space, if newRecLen fits. Reports false,
// not an error, when the block is simply full.
func (b *builder) tryAddEntryToBlock(blockNum uint32, entry dirEntry, newRecLen int) (bool, error) {
	block := make([]byte, blockSize)
	if err := b.disk.readAt(block, int64(b.layout.BlockOffset(blockNum))); err != nil {
		return false, fmt.Errorf("failed to read directory block %d: %w", blockNum, err)
	}

	lastOffset := lastDirEntryOffset(block)
	lastNameLen := int(block[lastOffset+6])
	lastMinRecLen := dirEntryMinRecLen(lastNameLen)
	lastRecLen := int(binary.LittleEndian.Uint16(block[lastOffset+4:]))

	if lastRecLen-lastMinRecLen < newRecLen {
		return false, nil
	}

	binary.LittleEndian.PutUint16(block[lastOffset+4:], uint16(lastMinRecLen))
	newOffset := lastOffset + lastMinRecLen
	putDirEntry(block, newOffset, entry, blockSize-newOffset)

	if err := b.disk.writeAt(block, int64(b.layout.BlockOffset(blockNum))); err != nil {
		return false, fmt.Errorf("failed to write directory block %d: %w", blockNum, err)
	}
	return true, nil
}

// findEntry returns the inode number named by name in dirInode's
// directory, or 0 if no entry matches.
func (b *builder) findEntry(dirInode uint32, name string) (uint32, error) {
	inode, err := b.readInode(dirInode)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory inode for entry search: %w", err)
	}

	dataBlocks, err := b.getInodeBlocks(inode)
	if err != nil {
		return 0, fmt.Errorf("failed to get directory blocks for entry search: %w", err)
	}

	for _, blockNum := range dataBlocks {
		block := make([]byte, blockSize)
		if err := b.disk.readAt(block, int64(b.layout.BlockOffset(blockNum))); err != nil {
			return 0, fmt.Errorf("failed to read directory block %d: %w", blockNum, err)
		}

		offset := 0
		for offset < blockSize {
			recLen := binary.LittleEndian.Uint16(block[offset+4:])
			if recLen == 0 {
				break
			}
			nameLen := int(block[offset+6])
			if string(block[offset+8:offset+8+nameLen]) == name {
				return binary.LittleEndian.Uint32(block[offset:]), nil
			}
			offset += int(recLen)
		}
	}

	return 0, nil
}
