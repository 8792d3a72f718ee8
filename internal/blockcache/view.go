package blockcache

// CachedBlock is a refcounted view of a filesystem block's bytes (or a
// suffix of one, per Request's byte_offset), borrowed from a CachedPage.
type CachedBlock struct {
	cache *BlockCache
	page  *CachedPage
	bytes []byte
	ok    bool
}

// Bytes returns the block's byte window. The slice is only valid until
// Release is called.
func (b *CachedBlock) Bytes() []byte { return b.bytes }

// Ok reports whether the whole window is backed by good data.
func (b *CachedBlock) Ok() bool { return b.ok }

// Release drops this handle's reference to the underlying page.
func (b *CachedBlock) Release() {
	if b.page == nil {
		return
	}
	b.cache.releasePage(b.page)
	b.page = nil
}

// CachedView is a refcounted handle borrowing a byte slice inside a
// CachedPage, interpreted as the on-disk layout of S. S itself is never
// instantiated by this package; callers decode Bytes() through
// internal/disklayout's Decode* functions, which is what actually
// guarantees the little-endian interpretation.
type CachedView[S any] struct {
	cache *BlockCache
	page  *CachedPage
	bytes []byte
	ok    bool
}

// Bytes returns the struct's byte window.
func (v *CachedView[S]) Bytes() []byte { return v.bytes }

// Ok reports whether the window is backed by mapped, undamaged data.
func (v *CachedView[S]) Ok() bool { return v.ok }

// Release drops this handle's reference to the underlying page. It is a
// no-op on an unmapped sentinel view.
func (v *CachedView[S]) Release() {
	if v.page == nil {
		return
	}
	v.cache.releasePage(v.page)
	v.page = nil
}

// UnmappedView returns the "unmapped, not ok" sentinel view used when a
// caller has already determined the struct is unreachable and wants to
// avoid a real page fault to say so.
func UnmappedView[S any]() *CachedView[S] {
	return &CachedView[S]{}
}

// MappedExtent is a standalone, refcounted, page-aligned mapping of
// block_count blocks starting at physical_block. Unlike
// CachedBlock/CachedView it is never inserted into the LRU cache: its
// lifetime is exactly the caller's handle.
type MappedExtent struct {
	aligned []byte // the full page-aligned mmap
	data    []byte // the exact block_count*block_size window within aligned
	ok      bool
}

// Bytes returns the mapped extent's bytes.
func (m *MappedExtent) Bytes() []byte { return m.data }

// Ok reports whether the page-aligned range backing this extent is entirely
// good, per the DamageMap.
func (m *MappedExtent) Ok() bool { return m.ok }

// Release unmaps exactly the pages this handle mapped.
func (m *MappedExtent) Release() error {
	if m.aligned == nil {
		return nil
	}
	err := munmap(m.aligned)
	m.aligned = nil
	m.data = nil
	return err
}
