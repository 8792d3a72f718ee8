// Package damagemap indexes which byte ranges of a rescued image are known
// good, answering fast range queries against a sorted partition of
// (position, size, good) regions.
package damagemap

import (
	"fmt"
	"sort"
)

// Region is a contiguous, non-empty run of the image with a single
// readability verdict.
type Region struct {
	Position uint64
	Size     uint64
	Good     bool
}

// End returns the exclusive end offset of the region.
func (r Region) End() uint64 {
	return r.Position + r.Size
}

// OutOfRangeError is returned by Locate when pos falls beyond the mapped
// image.
type OutOfRangeError struct {
	Pos uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("damagemap: position %d is out of range", e.Pos)
}

// DamageMap is an immutable, sorted partition of [0, imageSize) into good
// and bad regions. The zero value is not usable; construct with New or
// AllGood.
type DamageMap struct {
	regions   []Region
	imageSize uint64
}

// New builds a DamageMap from regions already sorted by Position. It
// validates that the regions partition [0, imageSize) contiguously: no
// gaps, no overlaps, and full coverage.
func New(regions []Region, imageSize uint64) (*DamageMap, error) {
	var pos uint64
	for i, r := range regions {
		if r.Position != pos {
			return nil, fmt.Errorf("damagemap: region %d starts at %d, expected %d (gap or overlap)", i, r.Position, pos)
		}
		if r.Size == 0 {
			return nil, fmt.Errorf("damagemap: region %d has zero size", i)
		}
		pos = r.End()
	}
	if pos != imageSize {
		return nil, fmt.Errorf("damagemap: regions cover %d bytes, expected image size %d", pos, imageSize)
	}
	return &DamageMap{regions: regions, imageSize: imageSize}, nil
}

// AllGood returns a DamageMap consisting of a single good region spanning
// the whole image, used when no rescue log is supplied.
func AllGood(imageSize uint64) *DamageMap {
	if imageSize == 0 {
		return &DamageMap{}
	}
	return &DamageMap{
		regions:   []Region{{Position: 0, Size: imageSize, Good: true}},
		imageSize: imageSize,
	}
}

// ImageSize returns the size the map was built against.
func (m *DamageMap) ImageSize() uint64 {
	return m.imageSize
}

// Regions returns the underlying partition. The slice must not be mutated.
func (m *DamageMap) Regions() []Region {
	return m.regions
}

// Locate returns the index of the region containing pos.
func (m *DamageMap) Locate(pos uint64) (int, error) {
	if pos >= m.imageSize || len(m.regions) == 0 {
		return 0, &OutOfRangeError{Pos: pos}
	}
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > pos
	})
	if i >= len(m.regions) {
		return 0, &OutOfRangeError{Pos: pos}
	}
	return i, nil
}

// AllGoodRange reports whether every region intersecting [begin, end) is
// good. An empty range (end<=begin) is vacuously true.
func (m *DamageMap) AllGoodRange(begin, end uint64) bool {
	if end <= begin {
		return true
	}
	i, err := m.Locate(begin)
	if err != nil {
		return false
	}
	for ; i < len(m.regions) && m.regions[i].Position < end; i++ {
		if !m.regions[i].Good {
			return false
		}
	}
	return true
}

// CountReadableBytes sums the good-region overlap with [begin, end).
func (m *DamageMap) CountReadableBytes(begin, end uint64) uint64 {
	if end <= begin {
		return 0
	}
	i, err := m.Locate(begin)
	if err != nil {
		return 0
	}
	var readable uint64
	for ; i < len(m.regions) && m.regions[i].Position < end; i++ {
		r := m.regions[i]
		if !r.Good {
			continue
		}
		lo, hi := r.Position, r.End()
		if lo < begin {
			lo = begin
		}
		if hi > end {
			hi = end
		}
		if hi > lo {
			readable += hi - lo
		}
	}
	return readable
}

// TotalBadByteCount returns the number of bytes in bad regions.
func (m *DamageMap) TotalBadByteCount() uint64 {
	var bad uint64
	for _, r := range m.regions {
		if !r.Good {
			bad += r.Size
		}
	}
	return bad
}
