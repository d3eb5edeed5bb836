package parser

import (
	"bytes"
	"fmt"
	"sort"

	domainerrors "sitterd/internal/core/errors"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// Edit replaces source[StartByte:OldEndByte] with Text. A merged edit covers
// the sequence numbers FirstSeq..Seq inclusive; a single edit has FirstSeq == Seq.
type Edit struct {
	FirstSeq   uint64 `json:"first_seq"`
	Seq        uint64 `json:"seq"`
	StartByte  uint   `json:"start"`
	OldEndByte uint   `json:"end"`
	Text       string `json:"text"`
}

// NewEndByte is the end of the replacement in post-edit coordinates.
func (e Edit) NewEndByte() uint {
	return e.StartByte + uint(len(e.Text))
}

// Delta is the change in document length caused by e.
func (e Edit) Delta() int {
	return len(e.Text) - int(e.OldEndByte-e.StartByte)
}

type ByteRange struct {
	Start uint `json:"start"`
	End   uint `json:"end"`
}

func (r ByteRange) Overlaps(o ByteRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Touches reports overlap or adjacency; empty ranges touch at their position.
func (r ByteRange) Touches(o ByteRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r ByteRange) Contains(o ByteRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

func (r ByteRange) Len() uint {
	return r.End - r.Start
}

// checkSequence verifies edits continue seq without gaps or reordering.
func checkSequence(seq uint64, edits []Edit) error {
	next := seq + 1
	for _, e := range edits {
		first := e.FirstSeq
		if first == 0 {
			first = e.Seq
		}
		if first != next || e.Seq < first {
			return domainerrors.AddContext(
				domainerrors.Newf(domainerrors.CodeSequenceGap, "expected seq %d, got %d", next, first),
				domainerrors.CtxSeq, first)
		}
		next = e.Seq + 1
	}
	return nil
}

// applyText splices edits into src without mutating it and returns the
// tree-sitter input edits describing each step.
func applyText(src []byte, edits []Edit) ([]byte, []sitter.InputEdit, error) {
	cur := src
	inputs := make([]sitter.InputEdit, 0, len(edits))
	for _, e := range edits {
		if e.StartByte > e.OldEndByte || e.OldEndByte > uint(len(cur)) {
			return nil, nil, domainerrors.New(domainerrors.CodeInvariantViolation,
				fmt.Sprintf("edit [%d,%d) outside buffer of %d bytes", e.StartByte, e.OldEndByte, len(cur)))
		}
		startPoint := pointAt(cur, e.StartByte)
		oldEndPoint := pointAt(cur, e.OldEndByte)

		next := make([]byte, 0, len(cur)+e.Delta())
		next = append(next, cur[:e.StartByte]...)
		next = append(next, e.Text...)
		next = append(next, cur[e.OldEndByte:]...)

		inputs = append(inputs, sitter.InputEdit{
			StartByte:      e.StartByte,
			OldEndByte:     e.OldEndByte,
			NewEndByte:     e.NewEndByte(),
			StartPosition:  startPoint,
			OldEndPosition: oldEndPoint,
			NewEndPosition: advancePoint(startPoint, []byte(e.Text)),
		})
		cur = next
	}
	return cur, inputs, nil
}

// pointAt returns the zero-based row and byte column of offset.
func pointAt(src []byte, offset uint) sitter.Point {
	prefix := src[:offset]
	row := bytes.Count(prefix, []byte{'\n'})
	col := len(prefix)
	if i := bytes.LastIndexByte(prefix, '\n'); i >= 0 {
		col = len(prefix) - i - 1
	}
	return sitter.Point{Row: uint(row), Column: uint(col)}
}

func advancePoint(p sitter.Point, text []byte) sitter.Point {
	lines := bytes.Count(text, []byte{'\n'})
	if lines == 0 {
		return sitter.Point{Row: p.Row, Column: p.Column + uint(len(text))}
	}
	last := bytes.LastIndexByte(text, '\n')
	return sitter.Point{Row: p.Row + uint(lines), Column: uint(len(text) - last - 1)}
}

// editSpan returns the smallest range of the final text that covers every
// byte inserted or joined by edits.
func editSpan(edits []Edit) ByteRange {
	span := ByteRange{Start: edits[0].StartByte, End: edits[0].NewEndByte()}
	for _, e := range edits[1:] {
		start, end := span.Start, span.End
		switch {
		case start >= e.OldEndByte:
			start = uint(int(start) + e.Delta())
		case start > e.StartByte:
			start = e.StartByte
		}
		switch {
		case end >= e.OldEndByte:
			end = uint(int(end) + e.Delta())
		case end > e.StartByte:
			end = e.NewEndByte()
		}
		span = ByteRange{Start: min(start, e.StartByte), End: max(end, e.NewEndByte())}
	}
	return span
}

// mergeRanges sorts ranges and joins the ones that touch.
func mergeRanges(ranges []ByteRange) []ByteRange {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Bounds returns the smallest range covering all of ranges.
func Bounds(ranges []ByteRange) (ByteRange, bool) {
	if len(ranges) == 0 {
		return ByteRange{}, false
	}
	out := ranges[0]
	for _, r := range ranges[1:] {
		out.Start = min(out.Start, r.Start)
		out.End = max(out.End, r.End)
	}
	return out, true
}
