// Package ext4image opens a raw ext2/3/4 image, validates its superblock,
// and exposes per-inode structure reads, extent iteration, directory-entry
// iteration and symlink targets, surviving corruption at any level by
// returning damage-flagged sentinel values instead of aborting.
package ext4image

import (
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/epi/ext4rescue/internal/blockcache"
	"github.com/epi/ext4rescue/internal/damagemap"
	"github.com/epi/ext4rescue/internal/disklayout"
)

// provisionalBlockSize is used to read the superblock before the real
// block size is known.
const provisionalBlockSize = 4096

// Option configures an Ext4Image.
type Option func(*Ext4Image)

// WithLogger sets the logger used for structural warnings.
func WithLogger(log *logrus.Logger) Option {
	return func(img *Ext4Image) { img.log = log }
}

// WithCachePages sets the BlockCache page capacity (default 4096, i.e. 16
// MiB of mapped pages).
func WithCachePages(n int) Option {
	return func(img *Ext4Image) { img.cachePages = n }
}

// Ext4Image is an opened, validated ext2/3/4 image backed by a BlockCache.
type Ext4Image struct {
	cache *blockcache.BlockCache
	sb    disklayout.Superblock

	inodesPerBlock uint32
	descsPerBlock  uint32
	descSize       uint16
	sbBlock        uint64

	log        *logrus.Logger
	cachePages int
	path       string
	damage     *damagemap.DamageMap
}

// Open memory-maps the image at path, reads and validates its superblock,
// and rebuilds the block cache at the real filesystem block size if it
// differs from the 4096-byte guess used to bootstrap the read.
func Open(path string, damage *damagemap.DamageMap, opts ...Option) (*Ext4Image, error) {
	img := &Ext4Image{
		log:        logrus.StandardLogger(),
		cachePages: 4096,
		path:       path,
		damage:     damage,
	}
	for _, opt := range opts {
		opt(img)
	}

	cache, err := openCacheWithRetry(path, damage, provisionalBlockSize, img.cachePages, img.log)
	if err != nil {
		return nil, fmt.Errorf("ext4image: %w", err)
	}
	img.cache = cache

	sb, ok, err := readSuperblock(cache)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("ext4image: %w", err)
	}
	if !ok {
		cache.Close()
		return nil, &BadSuperblockError{Reason: "superblock region is damaged"}
	}
	if sb.Magic != disklayout.SuperblockMagic {
		cache.Close()
		return nil, &BadSuperblockError{Reason: fmt.Sprintf("bad magic 0x%x", sb.Magic)}
	}
	img.sb = sb

	realBlockSize := sb.BlockSize()
	if realBlockSize != provisionalBlockSize {
		cache.Close()
		cache, err = openCacheWithRetry(path, damage, realBlockSize, img.cachePages, img.log)
		if err != nil {
			return nil, fmt.Errorf("ext4image: rebuild cache at block size %d: %w", realBlockSize, err)
		}
		img.cache = cache
	}

	if sb.InodeSize == 0 || realBlockSize%uint32(sb.InodeSize) != 0 {
		img.cache.Close()
		return nil, &BadSuperblockError{Reason: fmt.Sprintf("inode size %d does not divide block size %d", sb.InodeSize, realBlockSize)}
	}
	img.inodesPerBlock = realBlockSize / uint32(sb.InodeSize)
	img.descSize = sb.DescSizeEffective()
	img.descsPerBlock = realBlockSize / uint32(img.descSize)
	img.sbBlock = uint64(disklayout.SuperblockOffset) / uint64(realBlockSize)

	img.log.WithFields(logrus.Fields{
		"block_size": realBlockSize,
		"inodes":     sb.InodesCount,
		"groups":     sb.GroupCount(),
	}).Info("ext4image: opened")

	return img, nil
}

// openCacheWithRetry opens the block cache with a few retries, since the
// initial os.Open of an image still attached to a rescue tool can
// transiently fail with EBUSY.
func openCacheWithRetry(path string, damage *damagemap.DamageMap, blockSize uint32, pages int, log *logrus.Logger) (*blockcache.BlockCache, error) {
	return retry.DoWithData(
		func() (*blockcache.BlockCache, error) {
			return blockcache.New(path, damage, blockSize, pages, blockcache.WithLogger(log))
		},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
}

func readSuperblock(cache *blockcache.BlockCache) (disklayout.Superblock, bool, error) {
	view, err := blockcache.RequestStruct[disklayout.Superblock](cache, 0, disklayout.SuperblockOffset, 1024)
	if err != nil {
		return disklayout.Superblock{}, false, err
	}
	defer view.Release()
	if !view.Ok() {
		return disklayout.Superblock{}, false, nil
	}
	return disklayout.DecodeSuperblock(view.Bytes()), true, nil
}

// BlockSize returns the filesystem block size.
func (img *Ext4Image) BlockSize() uint32 { return img.sb.BlockSize() }

// InodeCount returns the total number of inodes in the filesystem.
func (img *Ext4Image) InodeCount() uint32 { return img.sb.InodesCount }

// InodesPerGroup returns the fixed inode count per block group.
func (img *Ext4Image) InodesPerGroup() uint32 { return img.sb.InodesPerGroup }

// BlocksPerGroup returns the fixed block count per block group, used by
// root recovery to bound its scan of the first group.
func (img *Ext4Image) BlocksPerGroup() uint32 { return img.sb.BlocksPerGroup }

// Superblock returns a copy of the decoded superblock.
func (img *Ext4Image) Superblock() disklayout.Superblock { return img.sb }

// Cache exposes the underlying BlockCache, used by ExtentReader.
func (img *Ext4Image) Cache() *blockcache.BlockCache { return img.cache }

// DamageMap returns the DamageMap the image was opened with.
func (img *Ext4Image) DamageMap() *damagemap.DamageMap { return img.damage }

// Close releases the underlying block cache.
func (img *Ext4Image) Close() error {
	return img.cache.Close()
}

// groupDescriptor reads block group g's descriptor. ok is false when the
// descriptor's page could not be read cleanly.
func (img *Ext4Image) groupDescriptor(g uint32) (disklayout.GroupDescriptor, bool) {
	block := img.sbBlock + 1 + uint64(g)/uint64(img.descsPerBlock)
	offset := (g % img.descsPerBlock) * uint32(img.descSize)
	view, err := blockcache.RequestStruct[disklayout.GroupDescriptor](img.cache, block, offset, disklayout.GroupDesc32Size)
	if err != nil {
		img.log.WithError(err).WithField("group", g).Warn("ext4image: group descriptor unreadable")
		return disklayout.GroupDescriptor{}, false
	}
	defer view.Release()
	if !view.Ok() {
		return disklayout.GroupDescriptor{}, false
	}
	return disklayout.DecodeGroupDescriptor(view.Bytes()), true
}
