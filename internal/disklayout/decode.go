package disklayout

import "encoding/binary"

// Decoding is done field-by-field through encoding/binary rather than an
// unsafe reinterpretation of the mapped bytes, since ext4's on-disk format
// is little-endian regardless of host endianness; decoding through
// binary.LittleEndian is what guarantees correct results on big-endian
// hosts, where a pointer cast would silently misread every multi-byte
// field.

// DecodeSuperblock decodes a Superblock from the first 0x164 (356) bytes of
// a 1024-byte superblock buffer. buf must be at least 0x164 bytes.
func DecodeSuperblock(buf []byte) Superblock {
	le := binary.LittleEndian
	var sb Superblock
	sb.InodesCount = le.Uint32(buf[0x00:])
	sb.BlocksCountLo = le.Uint32(buf[0x04:])
	sb.RBlocksCountLo = le.Uint32(buf[0x08:])
	sb.FreeBlocksCountLo = le.Uint32(buf[0x0C:])
	sb.FreeInodesCount = le.Uint32(buf[0x10:])
	sb.FirstDataBlock = le.Uint32(buf[0x14:])
	sb.LogBlockSize = le.Uint32(buf[0x18:])
	sb.LogClusterSize = le.Uint32(buf[0x1C:])
	sb.BlocksPerGroup = le.Uint32(buf[0x20:])
	sb.ClustersPerGroup = le.Uint32(buf[0x24:])
	sb.InodesPerGroup = le.Uint32(buf[0x28:])
	sb.Mtime = le.Uint32(buf[0x2C:])
	sb.Wtime = le.Uint32(buf[0x30:])
	sb.MntCount = le.Uint16(buf[0x34:])
	sb.MaxMntCount = le.Uint16(buf[0x36:])
	sb.Magic = le.Uint16(buf[0x38:])
	sb.State = le.Uint16(buf[0x3A:])
	sb.Errors = le.Uint16(buf[0x3C:])
	sb.MinorRevLevel = le.Uint16(buf[0x3E:])
	sb.LastCheck = le.Uint32(buf[0x40:])
	sb.CheckInterval = le.Uint32(buf[0x44:])
	sb.CreatorOS = le.Uint32(buf[0x48:])
	sb.RevLevel = le.Uint32(buf[0x4C:])
	sb.DefResUID = le.Uint16(buf[0x50:])
	sb.DefResGID = le.Uint16(buf[0x52:])
	sb.FirstIno = le.Uint32(buf[0x54:])
	sb.InodeSize = le.Uint16(buf[0x58:])
	sb.BlockGroupNr = le.Uint16(buf[0x5A:])
	sb.FeatureCompat = le.Uint32(buf[0x5C:])
	sb.FeatureIncompat = le.Uint32(buf[0x60:])
	sb.FeatureROCompat = le.Uint32(buf[0x64:])
	copy(sb.UUID[:], buf[0x68:0x78])
	copy(sb.VolumeName[:], buf[0x78:0x88])
	copy(sb.LastMounted[:], buf[0x88:0xC8])
	sb.AlgorithmUsageBmp = le.Uint32(buf[0xC8:])
	sb.PreallocBlocks = buf[0xCC]
	sb.PreallocDirBlocks = buf[0xCD]
	sb.ReservedGDTBlocks = le.Uint16(buf[0xCE:])
	copy(sb.JournalUUID[:], buf[0xD0:0xE0])
	sb.JournalInum = le.Uint32(buf[0xE0:])
	sb.JournalDev = le.Uint32(buf[0xE4:])
	sb.LastOrphan = le.Uint32(buf[0xE8:])
	for i := range sb.HashSeed {
		sb.HashSeed[i] = le.Uint32(buf[0xEC+4*i:])
	}
	sb.DefHashVersion = buf[0xFC]
	sb.JnlBackupType = buf[0xFD]
	sb.DescSize = le.Uint16(buf[0xFE:])
	sb.DefaultMountOpts = le.Uint32(buf[0x100:])
	sb.FirstMetaBg = le.Uint32(buf[0x104:])
	sb.MkfsTime = le.Uint32(buf[0x108:])
	for i := range sb.JnlBlocks {
		sb.JnlBlocks[i] = le.Uint32(buf[0x10C+4*i:])
	}
	sb.BlocksCountHi = le.Uint32(buf[0x150:])
	sb.RBlocksCountHi = le.Uint32(buf[0x154:])
	sb.FreeBlocksCountHi = le.Uint32(buf[0x158:])
	sb.MinExtraIsize = le.Uint16(buf[0x15C:])
	sb.WantExtraIsize = le.Uint16(buf[0x15E:])
	sb.Flags = le.Uint32(buf[0x160:])
	return sb
}

// DecodeGroupDescriptor decodes the 32-bit group descriptor layout, which is
// a prefix of the 64-bit layout, so this also serves 64-bit images (the Hi
// fields the format adds beyond this aren't needed by any block count this
// module computes).
func DecodeGroupDescriptor(buf []byte) GroupDescriptor {
	le := binary.LittleEndian
	var gd GroupDescriptor
	gd.BlockBitmapLo = le.Uint32(buf[0:])
	gd.InodeBitmapLo = le.Uint32(buf[4:])
	gd.InodeTableLo = le.Uint32(buf[8:])
	gd.FreeBlocksCountLo = le.Uint16(buf[12:])
	gd.FreeInodesCountLo = le.Uint16(buf[14:])
	gd.UsedDirsCountLo = le.Uint16(buf[16:])
	gd.Flags = le.Uint16(buf[18:])
	gd.ExcludeBitmapLo = le.Uint32(buf[20:])
	gd.BlockBitmapCsumLo = le.Uint16(buf[24:])
	gd.InodeBitmapCsumLo = le.Uint16(buf[26:])
	gd.ItableUnusedLo = le.Uint16(buf[28:])
	gd.Checksum = le.Uint16(buf[30:])
	return gd
}

// DecodeInode decodes the fixed 128-byte inode prefix.
func DecodeInode(buf []byte) Inode {
	le := binary.LittleEndian
	var in Inode
	in.Mode = le.Uint16(buf[0x00:])
	in.UID = le.Uint16(buf[0x02:])
	in.SizeLo = le.Uint32(buf[0x04:])
	in.Atime = le.Uint32(buf[0x08:])
	in.Ctime = le.Uint32(buf[0x0C:])
	in.Mtime = le.Uint32(buf[0x10:])
	in.Dtime = le.Uint32(buf[0x14:])
	in.GID = le.Uint16(buf[0x18:])
	in.LinksCount = le.Uint16(buf[0x1A:])
	in.BlocksLo = le.Uint32(buf[0x1C:])
	in.Flags = le.Uint32(buf[0x20:])
	in.Version = le.Uint32(buf[0x24:])
	copy(in.Block[:], buf[0x28:0x64])
	in.Generation = le.Uint32(buf[0x64:])
	in.FileACLLo = le.Uint32(buf[0x68:])
	in.SizeHi = le.Uint32(buf[0x6C:])
	in.ObsoFaddr = le.Uint32(buf[0x70:])
	in.BlocksHi = le.Uint16(buf[0x74:])
	in.FileACLHi = le.Uint16(buf[0x76:])
	in.UIDHi = le.Uint16(buf[0x78:])
	in.GIDHi = le.Uint16(buf[0x7A:])
	in.ChecksumLo = le.Uint16(buf[0x7C:])
	in.Reserved = le.Uint16(buf[0x7E:])
	return in
}

// DecodeExtentHeader decodes the 12-byte header found at the start of the
// inode's Block area or of any extent tree node block.
func DecodeExtentHeader(buf []byte) ExtentHeader {
	le := binary.LittleEndian
	return ExtentHeader{
		Magic:      le.Uint16(buf[0:]),
		NumEntries: le.Uint16(buf[2:]),
		MaxEntries: le.Uint16(buf[4:]),
		Depth:      le.Uint16(buf[6:]),
		Generation: le.Uint32(buf[8:]),
	}
}

// DecodeExtent decodes a single leaf entry (ext4_extent).
func DecodeExtent(buf []byte) Extent {
	le := binary.LittleEndian
	return Extent{
		FirstFileBlock: le.Uint32(buf[0:]),
		Length:         le.Uint16(buf[4:]),
		StartBlockHi:   le.Uint16(buf[6:]),
		StartBlockLo:   le.Uint32(buf[8:]),
	}
}

// DecodeExtentIdx decodes a single internal-node entry (ext4_extent_idx).
func DecodeExtentIdx(buf []byte) ExtentIdx {
	le := binary.LittleEndian
	return ExtentIdx{
		FirstFileBlock: le.Uint32(buf[0:]),
		LeafLo:         le.Uint32(buf[4:]),
		LeafHi:         le.Uint16(buf[8:]),
	}
}

// DecodeDirEntry decodes one ext4_dir_entry_2 starting at the beginning of
// buf, returning the entry and true if it fits within buf, or false if
// RecLen/NameLen would overrun it, telling the caller to stop iterating.
func DecodeDirEntry(buf []byte) (DirEntry, bool) {
	if len(buf) < DirEntryMinSize {
		return DirEntry{}, false
	}
	le := binary.LittleEndian
	var d DirEntry
	d.Inode = le.Uint32(buf[0:])
	d.RecLen = le.Uint16(buf[4:])
	d.NameLen = buf[6]
	d.FileType = buf[7]
	if int(d.RecLen) < DirEntryMinSize || int(d.RecLen) > len(buf) {
		return d, false
	}
	if DirEntryMinSize+int(d.NameLen) > int(d.RecLen) {
		return d, false
	}
	d.Name = string(buf[DirEntryMinSize : DirEntryMinSize+int(d.NameLen)])
	return d, true
}
