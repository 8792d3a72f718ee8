package blockcache

import "container/list"

// CachedPage is one host-page (pageSize bytes) view into the image,
// memory-mapped on first access. It is created lazily and unmapped either by
// LRU eviction, once only the cache's own reference remains, or at cache
// teardown.
type CachedPage struct {
	pageNum uint64
	data    []byte // mmap'd bytes, length pageSize (or less for a truncated final page)
	ok      bool   // whole page falls within good damagemap regions

	// refCount counts the cache's own reference (1, while the page is
	// present in the page table) plus one per outstanding CachedBlock or
	// CachedView. A page is evictable exactly when refCount == 1.
	refCount int

	elem *list.Element // this page's node in the cache's LRU list
}

func (p *CachedPage) retain() {
	p.refCount++
}
