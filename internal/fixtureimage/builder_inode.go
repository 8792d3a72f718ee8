package fixtureimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// writeExtentHeader stamps the 12-byte ext4_extent_header at the start of
// buf (either an inode's Block field or a leaf/index block). depth 0 means
// buf holds leaf entries (ext4_extent); depth 1 means it holds index
// entries (ext4_extent_idx) — this package never builds a tree deeper than
// that.
func writeExtentHeader(buf []byte, entries, maxEntries, depth uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], extentMagic)
	binary.LittleEndian.PutUint16(buf[2:4], entries)
	binary.LittleEndian.PutUint16(buf[4:6], maxEntries)
	binary.LittleEndian.PutUint16(buf[6:8], depth)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
}

// writeLeafExtent stamps one ext4_extent at index i of buf.
func writeLeafExtent(buf []byte, i int, logical, physical uint32, length uint16) {
	off := 12 + i*12
	binary.LittleEndian.PutUint32(buf[off:], logical)
	binary.LittleEndian.PutUint16(buf[off+4:], length)
	binary.LittleEndian.PutUint16(buf[off+6:], 0)
	binary.LittleEndian.PutUint32(buf[off+8:], physical)
}

// makeDirectoryInode builds a directory inode with link count 2 (for "."
// and the parent's entry pointing back), an empty extent tree, and
// timestamps pinned to the image's creation time.
func (b *builder) makeDirectoryInode(mode, uid, gid uint16) inode {
	in := inode{
		Mode:       s_IFDIR | mode,
		UID:        uid,
		GID:        gid,
		LinksCount: 2,
		Flags:      inodeFlagExtents,
		Atime:      b.layout.CreatedAt,
		Ctime:      b.layout.CreatedAt,
		Mtime:      b.layout.CreatedAt,
		Crtime:     b.layout.CreatedAt,
		ExtraIsize: 32,
	}
	b.initExtentHeader(&in)
	return in
}

// makeFileInode builds a regular-file inode of the given size with an
// empty extent tree, ready for setExtent/setExtentMultiple to populate.
func (b *builder) makeFileInode(mode, uid, gid uint16, size uint64) inode {
	in := inode{
		Mode:       s_IFREG | mode,
		UID:        uid,
		GID:        gid,
		SizeLo:     uint32(size & 0xFFFFFFFF),
		SizeHi:     uint32(size >> 32),
		LinksCount: 1,
		Flags:      inodeFlagExtents,
		Atime:      b.layout.CreatedAt,
		Ctime:      b.layout.CreatedAt,
		Mtime:      b.layout.CreatedAt,
		Crtime:     b.layout.CreatedAt,
		ExtraIsize: 32,
	}
	b.initExtentHeader(&in)
	return in
}

// initExtentHeader zeroes an inode's Block field and stamps an empty,
// depth-0, 4-entry-capacity extent header into it.
func (b *builder) initExtentHeader(in *inode) {
	for i := range in.Block {
		in.Block[i] = 0
	}
	writeExtentHeader(in.Block[:], 0, 4, 0)
}

// setExtent writes a single leaf extent directly into an inode's inline
// extent storage, for the common case of one contiguous run of blocks.
func (b *builder) setExtent(in *inode, logicalBlock, physicalBlock uint32, length uint16) {
	binary.LittleEndian.PutUint16(in.Block[2:4], 1)
	writeLeafExtent(in.Block[:], 0, logicalBlock, physicalBlock, length)
}

// setExtentMultiple maps blocks (in logical order) into the inode's extent
// tree, first coalescing runs of physically contiguous blocks into
// extents. Up to 4 extents fit inline; beyond that it spills to a single
// depth-1 leaf block, since no fixture this package builds needs a
// multi-level tree.
func (b *builder) setExtentMultiple(in *inode, blocks []uint32) error {
	if len(blocks) == 0 {
		return nil
	}

	type extent struct {
		logical  uint32
		physical uint32
		length   uint16
	}

	var extents []extent
	cur := extent{logical: 0, physical: blocks[0], length: 1}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] == cur.physical+uint32(cur.length) && cur.length < 32768 {
			cur.length++
			continue
		}
		extents = append(extents, cur)
		cur = extent{logical: uint32(i), physical: blocks[i], length: 1}
	}
	extents = append(extents, cur)

	if len(extents) <= 4 {
		binary.LittleEndian.PutUint16(in.Block[2:4], uint16(len(extents)))
		for i, ext := range extents {
			writeLeafExtent(in.Block[:], i, ext.logical, ext.physical, ext.length)
		}
		return nil
	}

	leafBlock, err := b.allocateBlock()
	if err != nil {
		return err
	}

	leaf := make([]byte, blockSize)
	writeExtentHeader(leaf, uint16(len(extents)), (blockSize-12)/12, 0)
	for i, ext := range extents {
		writeLeafExtent(leaf, i, ext.logical, ext.physical, ext.length)
	}
	if err := b.disk.writeAt(leaf, int64(b.layout.BlockOffset(leafBlock))); err != nil {
		return fmt.Errorf("failed to write extent leaf block: %w", err)
	}

	for i := range in.Block {
		in.Block[i] = 0
	}
	writeExtentHeader(in.Block[:], 1, 4, 1)
	binary.LittleEndian.PutUint32(in.Block[12:16], 0)
	binary.LittleEndian.PutUint32(in.Block[16:20], leafBlock)
	binary.LittleEndian.PutUint16(in.Block[20:22], 0)

	in.BlocksLo += blockSize / 512
	return nil
}

// writeInode encodes and writes in to inodeNum's on-disk slot.
func (b *builder) writeInode(inodeNum uint32, in *inode) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, in); err != nil {
		return fmt.Errorf("failed to encode inode %d: %w", inodeNum, err)
	}
	if err := b.disk.writeAt(buf.Bytes(), int64(b.layout.InodeOffset(inodeNum))); err != nil {
		return fmt.Errorf("failed to write inode %d: %w", inodeNum, err)
	}
	return nil
}

// readInode reads and decodes inodeNum's on-disk slot.
func (b *builder) readInode(inodeNum uint32) (*inode, error) {
	buf := make([]byte, inodeSize)
	if err := b.disk.readAt(buf, int64(b.layout.InodeOffset(inodeNum))); err != nil {
		return nil, fmt.Errorf("failed to read inode %d: %w", inodeNum, err)
	}

	in := &inode{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, in); err != nil {
		return nil, fmt.Errorf("failed to decode inode %d: %w", inodeNum, err)
	}
	return in, nil
}

// incrementLinkCount bumps inodeNum's link count, called on a parent
// directory whenever a new subdirectory's ".." entry starts referencing it.
func (b *builder) incrementLinkCount(inodeNum uint32) error {
	in, err := b.readInode(inodeNum)
	if err != nil {
		return fmt.Errorf("failed to read inode for link count increment: %w", err)
	}
	in.LinksCount++
	if err := b.writeInode(inodeNum, in); err != nil {
		return fmt.Errorf("failed to write inode after incrementing link count: %w", err)
	}
	return nil
}

// decrementLinkCount drops inodeNum's link count by one and returns the
// count after decrementing.
func (b *builder) decrementLinkCount(inodeNum uint32) (uint16, error) {
	in, err := b.readInode(inodeNum)
	if err != nil {
		return 0, fmt.Errorf("failed to read inode for link count decrement: %w", err)
	}
	if in.LinksCount > 0 {
		in.LinksCount--
	}
	if err := b.writeInode(inodeNum, in); err != nil {
		return 0, fmt.Errorf("failed to write inode after decrementing link count: %w", err)
	}
	return in.LinksCount, nil
}

// addBlockToInode appends newBlock to inodeNum's extent tree: extending
// the last extent when newBlock is physically contiguous with it, adding
// a new inline extent entry when there's room, or spilling to (or
// continuing) an indexed leaf block otherwise.
func (b *builder) addBlockToInode(inodeNum, newBlock uint32) error {
	in, err := b.readInode(inodeNum)
	if err != nil {
		return fmt.Errorf("failed to read inode for block addition: %w", err)
	}

	entries := binary.LittleEndian.Uint16(in.Block[2:4])
	maxEntries := binary.LittleEndian.Uint16(in.Block[4:6])
	depth := binary.LittleEndian.Uint16(in.Block[6:8])

	if depth != 0 {
		return b.addBlockToIndexedInode(inodeNum, newBlock)
	}

	if entries == 0 {
		writeLeafExtent(in.Block[:], 0, 0, newBlock, 1)
		binary.LittleEndian.PutUint16(in.Block[2:4], 1)
		if err := b.writeInode(inodeNum, in); err != nil {
			return fmt.Errorf("failed to write inode after initializing extent: %w", err)
		}
		return nil
	}

	lastOff := 12 + (entries-1)*12
	lastLogical := binary.LittleEndian.Uint32(in.Block[lastOff:])
	lastLen := binary.LittleEndian.Uint16(in.Block[lastOff+4:])
	lastStart := binary.LittleEndian.Uint32(in.Block[lastOff+8:])

	if lastStart+uint32(lastLen) == newBlock && lastLen < 32768 {
		binary.LittleEndian.PutUint16(in.Block[lastOff+4:], lastLen+1)
		if err := b.writeInode(inodeNum, in); err != nil {
			return fmt.Errorf("failed to write inode after extending extent: %w", err)
		}
		return nil
	}

	if entries >= maxEntries {
		return b.convertToIndexedExtents(inodeNum, newBlock)
	}

	writeLeafExtent(in.Block[:], int(entries), lastLogical+uint32(lastLen), newBlock, 1)
	binary.LittleEndian.PutUint16(in.Block[2:4], entries+1)
	if err := b.writeInode(inodeNum, in); err != nil {
		return fmt.Errorf("failed to write inode after adding extent entry: %w", err)
	}
	return nil
}

// convertToIndexedExtents moves an inode's inline extents out to a newly
// allocated leaf block, appends newBlock as one more leaf entry, and
// rewrites the inode as a depth-1 index pointing at that leaf. Called once
// an inode's 4 inline extent slots are full.
func (b *builder) convertToIndexedExtents(inodeNum, newBlock uint32) error {
	in, err := b.readInode(inodeNum)
	if err != nil {
		return fmt.Errorf("failed to read inode for extent conversion: %w", err)
	}

	entries := binary.LittleEndian.Uint16(in.Block[2:4])

	leafBlock, err := b.allocateBlock()
	if err != nil {
		return err
	}

	leaf := make([]byte, blockSize)
	writeExtentHeader(leaf, entries+1, (blockSize-12)/12, 0)
	copy(leaf[12:], in.Block[12:12+entries*12])

	lastOff := 12 + (entries-1)*12
	lastLogical := binary.LittleEndian.Uint32(leaf[lastOff:])
	lastLen := binary.LittleEndian.Uint16(leaf[lastOff+4:])
	writeLeafExtent(leaf, int(entries), lastLogical+uint32(lastLen), newBlock, 1)

	if err := b.disk.writeAt(leaf, int64(b.layout.BlockOffset(leafBlock))); err != nil {
		return fmt.Errorf("failed to write extent leaf block: %w", err)
	}

	for i := range in.Block {
		in.Block[i] = 0
	}
	writeExtentHeader(in.Block[:], 1, 4, 1)
	binary.LittleEndian.PutUint32(in.Block[12:], 0)
	binary.LittleEndian.PutUint32(in.Block[16:], leafBlock)
	binary.LittleEndian.PutUint16(in.Block[20:], 0)

	in.BlocksLo += blockSize / 512
	if err := b.writeInode(inodeNum, in); err != nil {
		return fmt.Errorf("failed to write inode after converting to indexed extents: %w", err)
	}
	return nil
}

// addBlockToIndexedInode appends newBlock to the single leaf block a
// depth-1 inode already points at. A leaf that fills up returns an error
// rather than growing a second level of indexing, which this package's
// fixtures never need.
func (b *builder) addBlockToIndexedInode(inodeNum, newBlock uint32) error {
	in, err := b.readInode(inodeNum)
	if err != nil {
		return fmt.Errorf("failed to read indexed inode: %w", err)
	}

	leafBlock := binary.LittleEndian.Uint32(in.Block[16:])
	leaf := make([]byte, blockSize)
	if err := b.disk.readAt(leaf, int64(b.layout.BlockOffset(leafBlock))); err != nil {
		return fmt.Errorf("failed to read extent leaf block: %w", err)
	}

	entries := binary.LittleEndian.Uint16(leaf[2:4])
	maxEntries := binary.LittleEndian.Uint16(leaf[4:6])

	lastOff := 12 + (entries-1)*12
	lastLogical := binary.LittleEndian.Uint32(leaf[lastOff:])
	lastLen := binary.LittleEndian.Uint16(leaf[lastOff+4:])
	lastStart := binary.LittleEndian.Uint32(leaf[lastOff+8:])

	if lastStart+uint32(lastLen) == newBlock && lastLen < 32768 {
		binary.LittleEndian.PutUint16(leaf[lastOff+4:], lastLen+1)
		if err := b.disk.writeAt(leaf, int64(b.layout.BlockOffset(leafBlock))); err != nil {
			return fmt.Errorf("failed to write updated extent leaf: %w", err)
		}
		return nil
	}

	if entries >= maxEntries {
		return fmt.Errorf("extent tree depth > 1 not implemented")
	}

	writeLeafExtent(leaf, int(entries), lastLogical+uint32(lastLen), newBlock, 1)
	binary.LittleEndian.PutUint16(leaf[2:4], entries+1)
	if err := b.disk.writeAt(leaf, int64(b.layout.BlockOffset(leafBlock))); err != nil {
		return fmt.Errorf("failed to write new extent leaf: %w", err)
	}
	return nil
}

// decodeLeafBlocks expands the first entries leaf-style ext4_extent
// records in data into the physical block numbers they cover.
func decodeLeafBlocks(data []byte, entries uint16) []uint32 {
	var blocks []uint32
	for i := 0; i < int(entries) && 12+(i+1)*12 <= len(data); i++ {
		off := 12 + i*12
		length := binary.LittleEndian.Uint16(data[off+4:])
		startLo := binary.LittleEndian.Uint32(data[off+8:])
		for j := uint16(0); j < length; j++ {
			blocks = append(blocks, startLo+uint32(j))
		}
	}
	return blocks
}

// getInodeBlocks expands an inode's extent tree (inline, or one level of
// indexing) into the full ordered list of physical blocks it covers.
func (b *builder) getInodeBlocks(in *inode) ([]uint32, error) {
	if (in.Flags & inodeFlagExtents) == 0 {
		return nil, nil
	}

	entries := binary.LittleEndian.Uint16(in.Block[2:4])
	depth := binary.LittleEndian.Uint16(in.Block[6:8])
	if entries == 0 {
		return nil, nil
	}

	if depth == 0 {
		return decodeLeafBlocks(in.Block[:], entries), nil
	}

	var blocks []uint32
	for i := uint16(0); i < entries && i < 4; i++ {
		off := 12 + i*12
		leafBlock := binary.LittleEndian.Uint32(in.Block[off+4:])

		leafData := make([]byte, blockSize)
		if err := b.disk.readAt(leafData, int64(b.layout.BlockOffset(leafBlock))); err != nil {
			return nil, fmt.Errorf("failed to read extent leaf block %d: %w", leafBlock, err)
		}
		leafEntries := binary.LittleEndian.Uint16(leafData[2:4])
		blocks = append(blocks, decodeLeafBlocks(leafData, leafEntries)...)
	}
	return blocks, nil
}
