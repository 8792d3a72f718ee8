// Package blockcache memory-maps 4 KiB pages of a damaged image on demand,
// evicting least-recently-used pages under an LRU discipline that skips
// over pages still referenced by an outstanding view.
package blockcache

import (
	"container/list"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/epi/ext4rescue/internal/damagemap"
)

// pageSize is the host mmap granularity this cache maps in. The
// filesystem's own block size (a parameter to New) must divide this.
const pageSize = 4096

// Option configures a BlockCache.
type Option func(*BlockCache)

// WithLogger sets the logger used for eviction and teardown warnings.
func WithLogger(log *logrus.Logger) Option {
	return func(c *BlockCache) { c.log = log }
}

// BlockCache mmaps pages of a read-only image file on demand and hands out
// refcounted views into them, evicting LRU pages once capacity is reached.
type BlockCache struct {
	file      *os.File
	damage    *damagemap.DamageMap
	blockSize uint32
	capacity  int
	log       *logrus.Logger

	pages map[uint64]*list.Element // page number -> lru element (Value is *CachedPage)
	lru   *list.List

	// danglingOnClose counts pages that still had external references at
	// teardown; exposed so callers can assert nothing leaked.
	danglingOnClose int
}

// New opens the image at path read-only and returns a BlockCache with the
// given filesystem block size and page capacity.
func New(path string, damage *damagemap.DamageMap, blockSize uint32, capacity int, opts ...Option) (*BlockCache, error) {
	if pageSize%blockSize != 0 {
		return nil, fmt.Errorf("blockcache: block size %d does not divide page size %d", blockSize, pageSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockcache: open %s: %w", path, err)
	}
	c := &BlockCache{
		file:      f,
		damage:    damage,
		blockSize: blockSize,
		capacity:  capacity,
		log:       logrus.StandardLogger(),
		pages:     make(map[uint64]*list.Element),
		lru:       list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BlockSize returns the configured filesystem block size.
func (c *BlockCache) BlockSize() uint32 { return c.blockSize }

func (c *BlockCache) fileSize() int64 {
	fi, err := c.file.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

// pageFor returns the cached page containing byte offset absOff, mapping
// and inserting it (with LRU eviction if needed) on a miss, and promoting
// it to MRU on a hit.
func (c *BlockCache) pageFor(absOff uint64) (*CachedPage, error) {
	pageNum := absOff / pageSize
	if elem, ok := c.pages[pageNum]; ok {
		c.lru.MoveToFront(elem)
		page := elem.Value.(*CachedPage)
		page.retain()
		return page, nil
	}

	if len(c.pages) >= c.capacity {
		c.evictOne()
	}

	pageOff := int64(pageNum * pageSize)
	length := pageSize
	if size := c.fileSize(); pageOff+int64(length) > size {
		if remaining := size - pageOff; remaining > 0 {
			length = int(remaining)
		} else {
			return nil, fmt.Errorf("blockcache: page %d is beyond end of image", pageNum)
		}
	}

	data, err := mmapReadOnly(int(c.file.Fd()), pageOff, length)
	if err != nil {
		return nil, fmt.Errorf("blockcache: mmap page %d: %w", pageNum, err)
	}

	page := &CachedPage{
		pageNum:  pageNum,
		data:     data,
		ok:       c.damage.AllGoodRange(uint64(pageOff), uint64(pageOff)+uint64(length)),
		refCount: 2, // one for the cache's own slot, one for this caller
	}
	page.elem = c.lru.PushFront(page)
	c.pages[pageNum] = page.elem
	return page, nil
}

// evictOne walks the LRU list from the tail, removing the first page whose
// only reference is the cache's own (refCount == 1). If none qualifies, it
// leaves the cache over capacity rather than refuse service.
func (c *BlockCache) evictOne() {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		page := e.Value.(*CachedPage)
		if page.refCount == 1 {
			c.lru.Remove(e)
			delete(c.pages, page.pageNum)
			if err := munmap(page.data); err != nil {
				c.log.WithError(err).WithField("page", page.pageNum).Warn("blockcache: munmap on eviction failed")
			}
			return
		}
	}
	c.log.Debug("blockcache: no evictable page found, growing past capacity")
}

// releasePage drops one reference and unmaps the page if the count reaches
// zero.
func (c *BlockCache) releasePage(page *CachedPage) {
	page.refCount--
	if page.refCount == 0 {
		// evictOne only removes pages at refCount == 1 and neither it nor
		// Close drops the cache's own reference, so this package's own
		// paths do not reach zero here.
		if err := munmap(page.data); err != nil {
			c.log.WithError(err).WithField("page", page.pageNum).Warn("blockcache: munmap on release failed")
		}
	}
}

// Request obtains the page containing block, promotes it to MRU, and
// returns a view of [block*blockSize+byteOffset, (block+1)*blockSize).
func (c *BlockCache) Request(block uint64, byteOffset uint32) (*CachedBlock, error) {
	blockStart := block * uint64(c.blockSize)
	absOff := blockStart + uint64(byteOffset)
	page, err := c.pageFor(absOff)
	if err != nil {
		return nil, err
	}
	pageOff := absOff - page.pageNum*pageSize
	blockEndInPage := (blockStart + uint64(c.blockSize)) - page.pageNum*pageSize
	if blockEndInPage > uint64(len(page.data)) {
		blockEndInPage = uint64(len(page.data))
	}
	if pageOff > uint64(len(page.data)) {
		pageOff = uint64(len(page.data))
	}
	return &CachedBlock{
		cache: c,
		page:  page,
		bytes: page.data[pageOff:blockEndInPage],
		ok:    page.ok && c.damage.AllGoodRange(absOff, blockStart+uint64(c.blockSize)),
	}, nil
}

// RequestStruct obtains a view of size bytes at [block*blockSize+offset,
// block*blockSize+offset+size), typed as S by the caller.
func RequestStruct[S any](c *BlockCache, block uint64, offset uint32, size uint32) (*CachedView[S], error) {
	blockStart := block * uint64(c.blockSize)
	absOff := blockStart + uint64(offset)
	page, err := c.pageFor(absOff)
	if err != nil {
		return nil, err
	}
	pageOff := absOff - page.pageNum*pageSize
	end := pageOff + uint64(size)
	if end > uint64(len(page.data)) {
		end = uint64(len(page.data))
	}
	return &CachedView[S]{
		cache: c,
		page:  page,
		bytes: page.data[pageOff:end],
		ok:    page.ok && c.damage.AllGoodRange(absOff, absOff+uint64(size)),
	}, nil
}

// MapExtent maps blockCount blocks starting at physicalBlock, aligned down
// to the containing pages, refcounted independently of the LRU page cache.
func (c *BlockCache) MapExtent(physicalBlock uint64, blockCount uint16) (*MappedExtent, error) {
	start := physicalBlock * uint64(c.blockSize)
	length := uint64(blockCount) * uint64(c.blockSize)
	end := start + length

	alignedStart := (start / pageSize) * pageSize
	alignedEnd := ((end + pageSize - 1) / pageSize) * pageSize
	alignedLen := alignedEnd - alignedStart

	if size := uint64(c.fileSize()); alignedEnd > size {
		if alignedStart >= size {
			return nil, fmt.Errorf("blockcache: extent at block %d is beyond end of image", physicalBlock)
		}
		alignedLen = size - alignedStart
	}

	data, err := mmapReadOnly(int(c.file.Fd()), int64(alignedStart), int(alignedLen))
	if err != nil {
		return nil, fmt.Errorf("blockcache: mmap extent at block %d: %w", physicalBlock, err)
	}

	lo := start - alignedStart
	hi := lo + length
	if hi > uint64(len(data)) {
		hi = uint64(len(data))
	}
	if lo > uint64(len(data)) {
		lo = uint64(len(data))
	}

	return &MappedExtent{
		aligned: data,
		data:    data[lo:hi],
		ok:      c.damage.AllGoodRange(alignedStart, alignedStart+alignedLen),
	}, nil
}

// RangeOk reports whether the byte range [block*blockSize+offset, +size) is
// entirely backed by good data, without mapping anything. Used by callers
// that need entry-level readability finer than a whole CachedView, such as
// the extent tree reader checking one 12-byte entry at a time.
func (c *BlockCache) RangeOk(block uint64, offset, size uint32) bool {
	absOff := block*uint64(c.blockSize) + uint64(offset)
	return c.damage.AllGoodRange(absOff, absOff+uint64(size))
}

// Close unmaps every page and closes the file descriptor. It warns (and
// counts) if any page still has an outstanding external reference.
func (c *BlockCache) Close() error {
	for e := c.lru.Front(); e != nil; e = e.Next() {
		page := e.Value.(*CachedPage)
		if page.refCount > 1 {
			c.danglingOnClose++
			c.log.WithField("page", page.pageNum).Warn("blockcache: closing with page still externally referenced")
		}
		if err := munmap(page.data); err != nil {
			c.log.WithError(err).WithField("page", page.pageNum).Warn("blockcache: munmap on close failed")
		}
	}
	c.pages = nil
	c.lru = nil
	return c.file.Close()
}

// DanglingOnClose returns the number of pages that were still externally
// referenced when Close ran.
func (c *BlockCache) DanglingOnClose() int { return c.danglingOnClose }
