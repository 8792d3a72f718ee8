package fixtureimage

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// builder holds the mutable allocation state used while constructing or
// editing an ext4 image. It is wrapped by the exported Image type, which
// owns the on-disk backend and translates option-driven configuration into
// a Layout before handing control to the builder.
type builder struct {
	disk   diskBackend
	layout *Layout
	log    *logrus.Logger

	nextInode           uint32
	nextBlockPerGroup   []uint32
	freedBlocksPerGroup []uint32
	usedDirsPerGroup    []uint32
	freeBlockList       []uint32
}

// newBuilder creates a builder over a freshly truncated (all-zero) image.
// Per-group allocation cursors start at each group's first usable data
// block, and inode allocation starts at firstNonResInode, matching a
// filesystem that has no user files yet. Construction progress is logged
// through the same logrus logger the rest of the tool uses, so a fixture
// build can be traced with the caller's usual log configuration.
func newBuilder(disk diskBackend, layout *Layout) *builder {
	b := &builder{
		disk:                disk,
		layout:              layout,
		log:                 logrus.StandardLogger(),
		nextInode:           firstNonResInode,
		nextBlockPerGroup:   make([]uint32, layout.GroupCount),
		freedBlocksPerGroup: make([]uint32, layout.GroupCount),
		usedDirsPerGroup:    make([]uint32, layout.GroupCount),
	}

	for g := uint32(0); g < layout.GroupCount; g++ {
		b.nextBlockPerGroup[g] = b.layout.GetGroupLayout(g).FirstDataBlock
	}

	b.log.WithField("layout", layout.String()).Debug("fixtureimage: layout computed")
	return b
}

// prepareFilesystem lays down every structure a mountable, empty ext4
// filesystem needs: superblock, group descriptor table, allocation
// bitmaps, zeroed inode tables, and the root directory.
func (b *builder) prepareFilesystem() error {
	if err := b.writeSuperblock(); err != nil {
		return err
	}
	if err := b.writeGroupDescriptors(); err != nil {
		return err
	}
	if err := b.initBitmaps(); err != nil {
		return err
	}
	if err := b.zeroInodeTables(); err != nil {
		return err
	}
	if err := b.createRootDirectory(); err != nil {
		return err
	}

	return nil
}

// loadLayoutFromDisk reconstructs a Layout by reading the primary
// superblock of an already-built image. It trusts the constants this
// package writes (block size, blocks/inodes per group) rather than the
// on-disk copies, since Open only ever targets images this package made.
func loadLayoutFromDisk(disk diskBackend) (*Layout, error) {
	buf := make([]byte, 1024)
	if err := disk.readAt(buf, superblockOffset); err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}

	magic := binary.LittleEndian.Uint16(buf[0x38:0x3A])
	if magic != ext4Magic {
		return nil, fmt.Errorf("not an ext4 image: bad magic 0x%x", magic)
	}

	blocksCountLo := binary.LittleEndian.Uint32(buf[0x04:0x08])
	blocksCountHi := binary.LittleEndian.Uint32(buf[0x150:0x154])
	totalBlocks := uint64(blocksCountLo) | uint64(blocksCountHi)<<32
	createdAt := binary.LittleEndian.Uint32(buf[0x108:0x10C]) // MkfsTime

	return CalculateLayout(0, totalBlocks*blockSize, createdAt)
}

// loadBitmaps repopulates the builder's allocation cursors from an
// existing image's bitmaps and group descriptors, so further creates
// continue from where a prior run left off.
func (b *builder) loadBitmaps() error {
	highestInode := uint32(0)

	for g := uint32(0); g < b.layout.GroupCount; g++ {
		gl := b.layout.GetGroupLayout(g)

		blockBitmap := make([]byte, blockSize)
		if err := b.disk.readAt(blockBitmap, int64(b.layout.BlockOffset(gl.BlockBitmapBlock))); err != nil {
			return fmt.Errorf("failed to read block bitmap for group %d: %w", g, err)
		}

		next := gl.FirstDataBlock
		for i := uint32(0); i < gl.BlocksInGroup; i++ {
			if blockBitmap[i/8]&(1<<(i%8)) != 0 && i >= gl.FirstDataBlock-gl.GroupStart {
				next = i + 1
			}
		}
		b.nextBlockPerGroup[g] = gl.GroupStart + next

		inodeBitmap := make([]byte, blockSize)
		if err := b.disk.readAt(inodeBitmap, int64(b.layout.BlockOffset(gl.InodeBitmapBlock))); err != nil {
			return fmt.Errorf("failed to read inode bitmap for group %d: %w", g, err)
		}

		for i := uint32(0); i < inodesPerGroup; i++ {
			if inodeBitmap[i/8]&(1<<(i%8)) != 0 {
				inodeNum := g*inodesPerGroup + i + 1
				if inodeNum > highestInode {
					highestInode = inodeNum
				}
			}
		}

		gdBuf := make([]byte, 32)
		gdOffset := b.layout.BlockOffset(b.layout.GetGroupLayout(0).GDTStart) + uint64(g*32)
		if err := b.disk.readAt(gdBuf, int64(gdOffset)); err != nil {
			return fmt.Errorf("failed to read group descriptor for group %d: %w", g, err)
		}
		b.usedDirsPerGroup[g] = uint32(binary.LittleEndian.Uint16(gdBuf[16:18]))
	}

	if highestInode+1 > firstNonResInode {
		b.nextInode = highestInode + 1
	}

	return nil
}

// validateName rejects directory entry names that ext4 cannot represent:
// empty names, names longer than 255 bytes, and names containing '/' or
// NUL, which would corrupt directory block parsing.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("name too long: %d > 255", len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("name contains invalid character")
		}
	}

	return nil
}

