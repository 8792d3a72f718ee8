// Package rescuelog parses GNU ddrescue map files into a sorted list of
// damagemap.Region values.
package rescuelog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/epi/ext4rescue/internal/damagemap"
)

// Parse reads a ddrescue map file and returns its regions sorted by
// position. Blank lines and lines starting with '#' are ignored. Data lines
// have three whitespace-separated tokens: "0xHEX 0xHEX STATUS", where the
// second token is the region's size and STATUS is a single character ('+'
// meaning good, anything else meaning bad). Regions must be contiguous.
func Parse(r io.Reader) ([]damagemap.Region, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var regions []damagemap.Region
	var next uint64
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("rescuelog: line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		pos, err := parseHex(fields[0])
		if err != nil {
			return nil, fmt.Errorf("rescuelog: line %d: position: %w", lineNo, err)
		}
		size, err := parseHex(fields[1])
		if err != nil {
			return nil, fmt.Errorf("rescuelog: line %d: size: %w", lineNo, err)
		}
		status := fields[2]
		if len(status) != 1 {
			return nil, fmt.Errorf("rescuelog: line %d: status must be a single character, got %q", lineNo, status)
		}
		if len(regions) == 0 {
			next = pos
		} else if pos != next {
			return nil, fmt.Errorf("rescuelog: line %d: region starts at 0x%x, expected contiguous 0x%x", lineNo, pos, next)
		}
		regions = append(regions, damagemap.Region{
			Position: pos,
			Size:     size,
			Good:     status == "+",
		})
		next = pos + size
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rescuelog: %w", err)
	}
	return regions, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// ParseFile parses the ddrescue map at path and builds a DamageMap sized to
// imageSize. A missing path is not itself an error at this layer; callers
// wanting the "no rescue log" fallback should check os.IsNotExist and use
// damagemap.AllGood instead of calling ParseFile.
func ParseFile(path string, imageSize uint64) (*damagemap.DamageMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rescuelog: open %s: %w", path, err)
	}
	defer f.Close()

	regions, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return damagemap.New(regions, imageSize)
}
