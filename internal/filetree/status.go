package filetree

// Status is the six-bit summary of what is wrong with a file, rendered by
// StatusLetters as one letter from "ipnlmd" per set bit.
type Status uint8

const (
	BadInode Status = 1 << iota
	ParentUnknown
	NameUnknown
	MissingLinks
	BadMap
	BadData
)

// Ok reports whether no bit is set.
func (s Status) Ok() bool { return s == 0 }

// DeriveStatus computes n's Status from its current field values, checking
// each condition in order with a short-circuit on BadInode.
func DeriveStatus(n *FileNode) Status {
	if !n.InodeOk {
		return BadInode
	}

	var s Status
	if !n.BlockMapOk {
		s |= BadMap
	}
	if n.ReadableBytes < n.ReachableBytes {
		s |= BadData
	}

	switch n.Kind {
	case Directory:
		if n.SubdirectoryCount() != int(n.LinkCount)-2 {
			s |= MissingLinks
		}
		if n.Inode == 2 {
			return s
		}
		if n.Parent == nil || n.ParentMismatch {
			s |= ParentUnknown
		}
		if n.Name == nil {
			s |= NameUnknown | MissingLinks
		}
	default:
		if len(n.Links) != int(n.LinkCount) {
			s |= MissingLinks
		}
		if len(n.Links) == 0 {
			s |= ParentUnknown | NameUnknown
		}
	}
	return s
}

const statusLetters = "ipnlmd"

// StatusLetters renders status as 6 characters, one per bit in the order
// badInode, parentUnknown, nameUnknown, missingLinks, badMap, badData;
// unset bits render as '-'.
func StatusLetters(s Status) string {
	buf := make([]byte, len(statusLetters))
	for i := range buf {
		bit := Status(1 << i)
		if s&bit != 0 {
			buf[i] = statusLetters[i]
		} else {
			buf[i] = '-'
		}
	}
	return string(buf)
}
