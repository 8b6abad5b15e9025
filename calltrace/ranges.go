package calltrace

import (
	"fmt"

	"github.com/google/btree"
)

// Range is a half-open address range [Start, End).
type Range struct {
	Start, End uintptr
	Name       string
}

func (r Range) Contains(pc uintptr) bool {
	return pc >= r.Start && pc < r.End
}

func (r Range) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s [%#x, %#x)", r.Name, r.Start, r.End)
	}
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// RangeSet is a set of non-overlapping address ranges ordered by start.
// The zero value is not usable; use NewRangeSet.
type RangeSet struct {
	tree *btree.BTreeG[Range]
}

// NewRangeSet returns a set holding ranges.
func NewRangeSet(ranges ...Range) *RangeSet {
	s := &RangeSet{
		tree: btree.NewG(8, func(a, b Range) bool {
			return a.Start < b.Start
		}),
	}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

// Add inserts r. Empty ranges are ignored and a range with the same start
// as an existing one replaces it.
func (s *RangeSet) Add(r Range) {
	if r.End <= r.Start {
		return
	}
	s.tree.ReplaceOrInsert(r)
}

// Len returns the number of ranges in s.
func (s *RangeSet) Len() int {
	return s.tree.Len()
}

// Find returns the range holding pc.
func (s *RangeSet) Find(pc uintptr) (Range, bool) {
	var (
		found Range
		ok    bool
	)
	s.tree.DescendLessOrEqual(Range{Start: pc}, func(r Range) bool {
		found, ok = r, r.Contains(pc)
		return false
	})
	return found, ok
}

func (s *RangeSet) Contains(pc uintptr) bool {
	_, ok := s.Find(pc)
	return ok
}

// NotIn returns a predicate rejecting addresses inside any range of s.
func NotIn(s *RangeSet) Predicate {
	return func(pc uintptr) bool {
		return !s.Contains(pc)
	}
}
