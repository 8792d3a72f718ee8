package treecache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/epi/ext4rescue/internal/filetree"
)

const (
	tagDirectory = "d"
	tagRegular   = "r"
	tagSymlink   = "l"
)

// encode writes tree in a line-oriented, slash-separated record format:
// one header (version, image path, ddrescue path) followed by one line per
// node. Every type tag carries the same 10 common fields, with the
// type-specific tail (directory parent/mismatch/name, or file/symlink
// link pairs) appended after them, so the tag alone disambiguates parsing.
func encode(w io.Writer, id Identity, tree *filetree.FileTree) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, Version)
	fmt.Fprintln(bw, id.ImagePath)
	fmt.Fprintln(bw, id.DdrescuePath)

	for _, n := range tree.Nodes() {
		if err := encodeNode(bw, n); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func encodeNode(w *bufio.Writer, n *filetree.FileNode) error {
	tag := tagFor(n.Kind)
	common := []string{
		tag,
		strconv.FormatUint(uint64(n.Inode), 10),
		strconv.FormatUint(uint64(n.LinkCount), 10),
		strconv.FormatUint(n.SectorCount, 10),
		strconv.FormatUint(n.DeclaredSize, 10),
		strconv.FormatBool(n.InodeOk),
		strconv.FormatBool(n.BlockMapOk),
		strconv.FormatUint(n.MappedBytes, 10),
		strconv.FormatUint(n.ReachableBytes, 10),
		strconv.FormatUint(n.ReadableBytes, 10),
	}

	var tail []string
	switch n.Kind {
	case filetree.Directory:
		parent := ""
		if n.Parent != nil {
			parent = strconv.FormatUint(uint64(*n.Parent), 10)
		}
		name := ""
		if n.Name != nil {
			name = *n.Name
		}
		tail = []string{parent, strconv.FormatBool(n.ParentMismatch), name}
	default:
		for _, l := range n.Links {
			tail = append(tail, strconv.FormatUint(uint64(l.ParentInode), 10), l.Name)
		}
	}

	line := strings.Join(append(common, tail...), "/")
	_, err := fmt.Fprintln(w, line)
	return err
}

func tagFor(k filetree.Kind) string {
	switch k {
	case filetree.Directory:
		return tagDirectory
	case filetree.RegularFile:
		return tagRegular
	default:
		return tagSymlink
	}
}

// decode parses the cache format, validating version and source-path
// identity against id.
func decode(r io.Reader, id Identity) (*filetree.FileTree, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("treecache: empty cache file")
	}
	version, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return nil, fmt.Errorf("treecache: bad version line: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("treecache: unsupported cache version %d", version)
	}

	if !sc.Scan() {
		return nil, fmt.Errorf("treecache: missing image path line")
	}
	imagePath := sc.Text()
	if !sc.Scan() {
		return nil, fmt.Errorf("treecache: missing ddrescue path line")
	}
	ddrescuePath := sc.Text()

	if imagePath != id.ImagePath || ddrescuePath != id.DdrescuePath {
		return nil, ErrMismatch
	}

	tree := filetree.New()
	// Two-pass: create every node first, then wire links/parents, so
	// forward references (a directory entry naming a not-yet-declared
	// child) resolve regardless of line order.
	var lines [][]string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "/")
		if len(fields) < 10 {
			return nil, fmt.Errorf("treecache: short record: %q", line)
		}
		lines = append(lines, fields)

		inode, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("treecache: bad inode field: %w", err)
		}
		kind, err := kindFor(fields[0])
		if err != nil {
			return nil, err
		}
		tree.GetOrCreate(uint32(inode), kind)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("treecache: %w", err)
	}

	for _, fields := range lines {
		if err := applyRecord(tree, fields); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func kindFor(tag string) (filetree.Kind, error) {
	switch tag {
	case tagDirectory:
		return filetree.Directory, nil
	case tagRegular:
		return filetree.RegularFile, nil
	case tagSymlink:
		return filetree.SymbolicLink, nil
	default:
		return 0, fmt.Errorf("treecache: unknown type tag %q", tag)
	}
}

func applyRecord(tree *filetree.FileTree, fields []string) error {
	kind, err := kindFor(fields[0])
	if err != nil {
		return err
	}
	inode64, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return fmt.Errorf("treecache: bad inode field: %w", err)
	}
	n, _ := tree.Get(uint32(inode64))

	linkCount, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return fmt.Errorf("treecache: bad linkCount field: %w", err)
	}
	sectorCount, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return fmt.Errorf("treecache: bad byteCount field: %w", err)
	}
	size, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return fmt.Errorf("treecache: bad size field: %w", err)
	}
	inodeOk, err := strconv.ParseBool(fields[5])
	if err != nil {
		return fmt.Errorf("treecache: bad inodeOk field: %w", err)
	}
	blockMapOk, err := strconv.ParseBool(fields[6])
	if err != nil {
		return fmt.Errorf("treecache: bad blockMapOk field: %w", err)
	}
	mapped, err := strconv.ParseUint(fields[7], 10, 64)
	if err != nil {
		return fmt.Errorf("treecache: bad mapByteCount field: %w", err)
	}
	reachable, err := strconv.ParseUint(fields[8], 10, 64)
	if err != nil {
		return fmt.Errorf("treecache: bad reachableByteCount field: %w", err)
	}
	readable, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return fmt.Errorf("treecache: bad readableByteCount field: %w", err)
	}

	n.LinkCount = uint16(linkCount)
	n.SectorCount = sectorCount
	n.DeclaredSize = size
	n.InodeOk = inodeOk
	n.BlockMapOk = blockMapOk
	n.MappedBytes = mapped
	n.ReachableBytes = reachable
	n.ReadableBytes = readable

	tail := fields[10:]
	switch kind {
	case filetree.Directory:
		if len(tail) != 3 {
			return fmt.Errorf("treecache: directory record %d: want 3 tail fields, got %d", inode64, len(tail))
		}
		if tail[0] != "" {
			parent64, err := strconv.ParseUint(tail[0], 10, 32)
			if err != nil {
				return fmt.Errorf("treecache: bad parentInode field: %w", err)
			}
			p := uint32(parent64)
			n.Parent = &p
			if parentNode, ok := tree.Get(p); ok && parentNode.Kind == filetree.Directory {
				parentNode.Children[n.Inode] = struct{}{}
			}
		}
		mismatch, err := strconv.ParseBool(tail[1])
		if err != nil {
			return fmt.Errorf("treecache: bad parentMismatch field: %w", err)
		}
		n.ParentMismatch = mismatch
		if tail[2] != "" {
			name := tail[2]
			n.Name = &name
		}
	default:
		if len(tail)%2 != 0 {
			return fmt.Errorf("treecache: file record %d: odd link-pair field count", inode64)
		}
		for i := 0; i < len(tail); i += 2 {
			parent64, err := strconv.ParseUint(tail[i], 10, 32)
			if err != nil {
				return fmt.Errorf("treecache: bad link parentInode field: %w", err)
			}
			n.Links = append(n.Links, filetree.Link{ParentInode: uint32(parent64), Name: tail[i+1]})
		}
	}
	return nil
}
