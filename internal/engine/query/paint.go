package query

import (
	"sort"

	"sitterd/internal/engine/parser"
)

// lineIndex maps byte offsets to zero-based rows and byte columns.
type lineIndex struct {
	starts []uint
}

func newLineIndex(src []byte) lineIndex {
	starts := []uint{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, uint(i+1))
		}
	}
	return lineIndex{starts: starts}
}

func (li lineIndex) point(offset uint) Point {
	row := sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > offset }) - 1
	if row < 0 {
		row = 0
	}
	return Point{Row: uint(row), Column: offset - li.starts[row]}
}

// paint resolves overlaps so every byte keeps at most one capture. Higher
// priority claims bytes first; equal priority goes to the earlier pattern
// unless tieBreak says otherwise. A capture loses only the bytes already
// claimed and keeps its remaining fragments.
func paint(caps []Capture, tieBreak string, src []byte) []Capture {
	if len(caps) == 0 {
		return caps
	}
	ranked := append([]Capture(nil), caps...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Pattern != b.Pattern {
			if tieBreak == TieBreakLaterPattern {
				return a.Pattern > b.Pattern
			}
			return a.Pattern < b.Pattern
		}
		if a.Range.Start != b.Range.Start {
			return a.Range.Start < b.Range.Start
		}
		return a.Range.End < b.Range.End
	})

	li := newLineIndex(src)
	var claimed []parser.ByteRange // sorted, disjoint
	out := make([]Capture, 0, len(ranked))
	for _, c := range ranked {
		if c.Range.Len() == 0 {
			continue
		}
		for _, frag := range subtract(c.Range, claimed) {
			fc := c
			if frag != c.Range {
				fc.Range = frag
				fc.Start = li.point(frag.Start)
				fc.End = li.point(frag.End)
			}
			out = append(out, fc)
			claimed = insertRange(claimed, frag)
		}
	}
	return out
}

// subtract returns the parts of r not covered by claimed.
func subtract(r parser.ByteRange, claimed []parser.ByteRange) []parser.ByteRange {
	var out []parser.ByteRange
	cur := r.Start
	i := sort.Search(len(claimed), func(i int) bool { return claimed[i].End > r.Start })
	for ; i < len(claimed) && claimed[i].Start < r.End; i++ {
		if claimed[i].Start > cur {
			out = append(out, parser.ByteRange{Start: cur, End: claimed[i].Start})
		}
		if claimed[i].End > cur {
			cur = claimed[i].End
		}
	}
	if cur < r.End {
		out = append(out, parser.ByteRange{Start: cur, End: r.End})
	}
	return out
}

// insertRange adds r, which must not overlap any claimed range.
func insertRange(claimed []parser.ByteRange, r parser.ByteRange) []parser.ByteRange {
	i := sort.Search(len(claimed), func(i int) bool { return claimed[i].Start >= r.End })
	claimed = append(claimed, parser.ByteRange{})
	copy(claimed[i+1:], claimed[i:])
	claimed[i] = r
	return claimed
}
