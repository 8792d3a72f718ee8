package disklayout

import (
	"encoding/binary"
	"testing"
)

func TestDecodeSuperblockFields(t *testing.T) {
	buf := make([]byte, 1024)
	le := binary.LittleEndian
	le.PutUint32(buf[0x00:], 1024)      // InodesCount
	le.PutUint32(buf[0x04:], 4096)      // BlocksCountLo
	le.PutUint32(buf[0x18:], 2)         // LogBlockSize -> 4096-byte blocks
	le.PutUint32(buf[0x20:], 8192)      // BlocksPerGroup
	le.PutUint32(buf[0x28:], 256)       // InodesPerGroup
	le.PutUint16(buf[0x38:], 0xEF53)    // Magic
	le.PutUint16(buf[0x58:], 256)       // InodeSize
	le.PutUint16(buf[0xFE:], 32)        // DescSize
	le.PutUint32(buf[0x60:], 0x0040|0x0080) // FeatureIncompat: extents + 64bit

	sb := DecodeSuperblock(buf)

	if sb.InodesCount != 1024 {
		t.Fatalf("InodesCount = %d, want 1024", sb.InodesCount)
	}
	if sb.Magic != SuperblockMagic {
		t.Fatalf("Magic = 0x%x, want 0x%x", sb.Magic, SuperblockMagic)
	}
	if got := sb.BlockSize(); got != 4096 {
		t.Fatalf("BlockSize() = %d, want 4096", got)
	}
	if !sb.Is64Bit() {
		t.Fatal("expected Is64Bit() to be true")
	}
	if got := sb.DescSizeEffective(); got != 32 {
		t.Fatalf("DescSizeEffective() = %d, want 32", got)
	}
	if got := sb.GroupCount(); got != 1 {
		t.Fatalf("GroupCount() = %d, want 1", got)
	}
}

func TestDecodeGroupDescriptor(t *testing.T) {
	buf := make([]byte, GroupDesc32Size)
	le := binary.LittleEndian
	le.PutUint32(buf[8:], 42) // InodeTableLo

	gd := DecodeGroupDescriptor(buf)
	if got := gd.InodeTable(); got != 42 {
		t.Fatalf("InodeTable() = %d, want 42", got)
	}
}

func TestDecodeInodeClassification(t *testing.T) {
	buf := make([]byte, InodeOnDiskSize)
	le := binary.LittleEndian
	le.PutUint16(buf[0x00:], ModeFmtReg|0o644)
	le.PutUint32(buf[0x04:], 100)        // SizeLo
	le.PutUint32(buf[0x20:], InodeFlagExtents)
	le.PutUint32(buf[0x6C:], 0) // SizeHi

	in := DecodeInode(buf)
	if !in.IsRegular() || in.IsDir() || in.IsSymlink() {
		t.Fatalf("expected a regular file classification, got mode 0x%x", in.Mode)
	}
	if !in.HasExtents() {
		t.Fatal("expected HasExtents() true")
	}
	if got := in.Size(); got != 100 {
		t.Fatalf("Size() = %d, want 100", got)
	}
}

func TestSectorBlocksLegacyAndHugeFile(t *testing.T) {
	in := Inode{BlocksLo: 8}
	if got := in.SectorBlocks(false, 2); got != 8 {
		t.Fatalf("legacy SectorBlocks() = %d, want 8", got)
	}

	huge := Inode{BlocksLo: 1, BlocksHi: 0, Flags: InodeFlagHugeFile}
	if got := huge.SectorBlocks(true, 2); got != 1<<3 {
		t.Fatalf("huge-file SectorBlocks() = %d, want %d", got, 1<<3)
	}
}

func TestExtentUninitializedBlockCount(t *testing.T) {
	e := Extent{Length: uninitializedBit + 5}
	if !e.IsUninitialized() {
		t.Fatal("expected IsUninitialized() true")
	}
	if got := e.BlockCount(); got != 5 {
		t.Fatalf("BlockCount() = %d, want 5", got)
	}
}

func TestExtentPhysicalBlockJoinsHiLo(t *testing.T) {
	e := Extent{StartBlockHi: 1, StartBlockLo: 0}
	if got := e.PhysicalBlock(); got != 1<<32 {
		t.Fatalf("PhysicalBlock() = %d, want %d", got, uint64(1)<<32)
	}
}

func TestExtentIdxChildBlockJoinsHiLo(t *testing.T) {
	ei := ExtentIdx{LeafLo: 7, LeafHi: 2}
	if got := ei.ChildBlock(); got != (uint64(2)<<32 | 7) {
		t.Fatalf("ChildBlock() = %d, want %d", got, uint64(2)<<32|7)
	}
}

func TestDecodeDirEntryHappyPath(t *testing.T) {
	buf := make([]byte, 12)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 11)
	le.PutUint16(buf[4:], 12)
	buf[6] = 3 // NameLen
	buf[7] = FtRegFile
	copy(buf[8:], "abc")

	entry, ok := DecodeDirEntry(buf)
	if !ok {
		t.Fatal("expected ok=true for a well-formed entry")
	}
	if entry.Inode != 11 || entry.Name != "abc" || entry.FileType != FtRegFile {
		t.Fatalf("unexpected decode: %+v", entry)
	}
}

func TestDecodeDirEntryRejectsOverrun(t *testing.T) {
	buf := make([]byte, 12)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 11)
	le.PutUint16(buf[4:], 8)
	buf[6] = 200 // NameLen far exceeds RecLen
	buf[7] = FtRegFile

	_, ok := DecodeDirEntry(buf)
	if ok {
		t.Fatal("expected ok=false when NameLen overruns RecLen")
	}
}

func TestDecodeDirEntryRejectsShortBuffer(t *testing.T) {
	_, ok := DecodeDirEntry(make([]byte, 4))
	if ok {
		t.Fatal("expected ok=false for a buffer shorter than DirEntryMinSize")
	}
}

func TestDecodeExtentHeaderAndEntries(t *testing.T) {
	hdrBuf := make([]byte, ExtentHeaderSize)
	le := binary.LittleEndian
	le.PutUint16(hdrBuf[0:], ExtentMagic)
	le.PutUint16(hdrBuf[2:], 1)
	le.PutUint16(hdrBuf[4:], 4)
	le.PutUint16(hdrBuf[6:], 0)

	hdr := DecodeExtentHeader(hdrBuf)
	if hdr.Magic != ExtentMagic || hdr.NumEntries != 1 || hdr.MaxEntries != 4 {
		t.Fatalf("unexpected header decode: %+v", hdr)
	}

	entBuf := make([]byte, ExtentEntrySize)
	le.PutUint32(entBuf[0:], 5)
	le.PutUint16(entBuf[4:], 10)
	le.PutUint32(entBuf[8:], 99)
	ext := DecodeExtent(entBuf)
	if ext.FirstFileBlock != 5 || ext.Length != 10 || ext.StartBlockLo != 99 {
		t.Fatalf("unexpected extent decode: %+v", ext)
	}
}
