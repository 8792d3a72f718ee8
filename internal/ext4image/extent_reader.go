package ext4image

import (
	"github.com/epi/ext4rescue/internal/blockcache"
	"github.com/epi/ext4rescue/internal/disklayout"
)

// Extent is one yielded mapping from an inode's extent tree, or a
// synthetic "bad" placeholder standing in for a subtree that could not be
// read.
type Extent struct {
	PhysicalBlock uint64
	LogicalBlock  uint32
	BlockCount    uint16
	Ok            bool
}

// extentFrame is one level of the traversal stack: either the root (the
// inode's own Block area) or a tree node loaded from a block.
type extentFrame struct {
	isRoot   bool
	blockNum uint64
	headerOk bool
	header   disklayout.ExtentHeader
	next     uint16
}

// ExtentReader lazily yields Next()'s Extent values for one inode in
// logical-block order, surviving corruption at any header, index, or leaf
// by synthesizing bad extents. It is single-pass and owns no data beyond
// its own traversal state.
type ExtentReader struct {
	img      *Ext4Image
	rootBuf  [60]byte
	rootOk   bool
	stack        []extentFrame
	boundary     uint32
	done         bool
	treeBlks     []uint64
	rootHeaderOk bool
}

// RootHeaderOk reports whether the inode's extent tree root header was
// valid, used by the scanner to set block_map_ok.
func (r *ExtentReader) RootHeaderOk() bool { return r.rootHeaderOk }

// ExtentRootOk reports whether inode's extent tree root header is
// structurally valid, without performing a traversal.
func (img *Ext4Image) ExtentRootOk(inode *InodeView) bool {
	return img.NewExtentReader(inode).RootHeaderOk()
}

// NewExtentReader starts a traversal rooted at inode.
func (img *Ext4Image) NewExtentReader(inode *InodeView) *ExtentReader {
	r := &ExtentReader{img: img, rootBuf: inode.BlockArea(), rootOk: inode.Ok()}

	headerOk := r.rootOk
	var hdr disklayout.ExtentHeader
	if headerOk {
		hdr = disklayout.DecodeExtentHeader(r.rootBuf[:disklayout.ExtentHeaderSize])
		headerOk = hdr.Magic == disklayout.ExtentMagic && hdr.NumEntries <= hdr.MaxEntries && hdr.MaxEntries <= 4
	}
	r.stack = []extentFrame{{isRoot: true, headerOk: headerOk, header: hdr}}
	r.rootHeaderOk = headerOk
	return r
}

// TreeBlockNums returns the block numbers of every non-root tree node
// visited so far, for accounting.
func (r *ExtentReader) TreeBlockNums() []uint64 { return r.treeBlks }

func (r *ExtentReader) maxEntriesFor(blockSize uint32) uint16 {
	return uint16((blockSize - disklayout.ExtentHeaderSize) / disklayout.ExtentEntrySize)
}

// Next returns the next extent (good or synthesized bad) and true, or
// (Extent{}, false) once the traversal is exhausted.
func (r *ExtentReader) Next() (Extent, bool) {
	for {
		if r.done || len(r.stack) == 0 {
			r.done = true
			return Extent{}, false
		}
		top := &r.stack[len(r.stack)-1]

		if !top.headerOk {
			e := Extent{LogicalBlock: r.boundary, Ok: false}
			r.stack = r.stack[:len(r.stack)-1]
			return e, true
		}

		if top.next >= top.header.NumEntries {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}

		idx := top.next
		top.next++

		if top.header.Depth == 0 {
			ext, ok := r.readLeafEntry(*top, idx)
			if !ok {
				e := Extent{LogicalBlock: r.boundary, Ok: false}
				return e, true
			}
			count := ext.BlockCount()
			e := Extent{
				PhysicalBlock: ext.PhysicalBlock(),
				LogicalBlock:  ext.FirstFileBlock,
				BlockCount:    count,
				Ok:            true,
			}
			r.boundary = ext.FirstFileBlock + uint32(count)
			return e, true
		}

		eidx, ok := r.readIdxEntry(*top, idx)
		if !ok {
			// Index errors skip only that index entry.
			continue
		}

		child := eidx.ChildBlock()
		r.treeBlks = append(r.treeBlks, child)

		headerOk, hdr := r.readChildHeader(child)
		if headerOk {
			maxAllowed := r.maxEntriesFor(r.img.BlockSize())
			headerOk = hdr.Magic == disklayout.ExtentMagic && hdr.NumEntries <= hdr.MaxEntries && hdr.MaxEntries <= maxAllowed
		}
		r.stack = append(r.stack, extentFrame{blockNum: child, headerOk: headerOk, header: hdr})
	}
}

// entryOk reports whether entry idx of frame f is readable (root entries
// live in the inode's own Block area and follow the root header; non-root
// entries are checked individually so the answer reflects byte-precise
// damage, not the whole block's).
func (r *ExtentReader) entryOk(f extentFrame, idx uint16) bool {
	off := uint32(disklayout.ExtentHeaderSize) + uint32(idx)*disklayout.ExtentEntrySize
	if f.isRoot {
		return f.headerOk // root bytes are already known-good from the inode read
	}
	return r.img.cache.RangeOk(f.blockNum, off, disklayout.ExtentEntrySize)
}

func (r *ExtentReader) readLeafEntry(f extentFrame, idx uint16) (disklayout.Extent, bool) {
	off := uint32(disklayout.ExtentHeaderSize) + uint32(idx)*disklayout.ExtentEntrySize
	if !r.entryOk(f, idx) {
		return disklayout.Extent{}, false
	}
	if f.isRoot {
		return disklayout.DecodeExtent(r.rootBuf[off : off+disklayout.ExtentEntrySize]), true
	}
	view, err := blockcache.RequestStruct[disklayout.Extent](r.img.cache, f.blockNum, off, disklayout.ExtentEntrySize)
	if err != nil {
		return disklayout.Extent{}, false
	}
	defer view.Release()
	if !view.Ok() {
		return disklayout.Extent{}, false
	}
	return disklayout.DecodeExtent(view.Bytes()), true
}

func (r *ExtentReader) readIdxEntry(f extentFrame, idx uint16) (disklayout.ExtentIdx, bool) {
	off := uint32(disklayout.ExtentHeaderSize) + uint32(idx)*disklayout.ExtentEntrySize
	if !r.entryOk(f, idx) {
		return disklayout.ExtentIdx{}, false
	}
	if f.isRoot {
		return disklayout.DecodeExtentIdx(r.rootBuf[off : off+disklayout.ExtentEntrySize]), true
	}
	view, err := blockcache.RequestStruct[disklayout.ExtentIdx](r.img.cache, f.blockNum, off, disklayout.ExtentEntrySize)
	if err != nil {
		return disklayout.ExtentIdx{}, false
	}
	defer view.Release()
	if !view.Ok() {
		return disklayout.ExtentIdx{}, false
	}
	return disklayout.DecodeExtentIdx(view.Bytes()), true
}

func (r *ExtentReader) readChildHeader(block uint64) (bool, disklayout.ExtentHeader) {
	view, err := blockcache.RequestStruct[disklayout.ExtentHeader](r.img.cache, block, 0, disklayout.ExtentHeaderSize)
	if err != nil {
		return false, disklayout.ExtentHeader{}
	}
	defer view.Release()
	if !view.Ok() {
		return false, disklayout.ExtentHeader{}
	}
	return true, disklayout.DecodeExtentHeader(view.Bytes())
}
