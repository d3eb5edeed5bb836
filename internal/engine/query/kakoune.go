package query

import (
	"fmt"
	"sort"
	"strings"

	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/registry"
)

const (
	facePrefix          = "ts_"
	IndentGuidelineFace = "ts_indent_guideline"
)

// FaceName maps a capture label to a Kakoune face, e.g. "string.escape" to
// "ts_string_escape".
func FaceName(label string) string {
	return facePrefix + strings.ReplaceAll(label, ".", "_")
}

// KakouneRanges renders captures as arguments for the Kakoune "ranges"
// highlighter: "L.C,L.C|face" with 1-based lines and byte columns and an
// inclusive end. Empty captures are dropped.
func KakouneRanges(src []byte, caps []Capture) []string {
	li := newLineIndex(src)
	out := make([]string, 0, len(caps))
	for _, c := range DocumentOrder(caps) {
		if c.Range.Len() == 0 {
			continue
		}
		start := li.point(c.Range.Start)
		end := li.point(c.Range.End - 1)
		out = append(out, fmt.Sprintf("%d.%d,%d.%d|%s",
			start.Row+1, start.Column+1, end.Row+1, end.Column+1, FaceName(c.Label)))
	}
	return out
}

// Guideline is one vertical indent guide cell.
type Guideline struct {
	// Line and Column are 1-based.
	Line   uint `json:"line"`
	Column uint `json:"column"`
}

// IndentGuidelines derives guides from "indent" captures: every multi-line
// indent node draws a guide at the indentation of its first line, on the
// lines strictly inside it whose byte at that column is blank.
func IndentGuidelines(src []byte, caps []Capture) []Guideline {
	lines := strings.Split(string(src), "\n")
	seen := make(map[Guideline]bool)
	var out []Guideline
	for _, c := range caps {
		if c.Label != "indent" || c.End.Row <= c.Start.Row+1 {
			continue
		}
		if int(c.Start.Row) >= len(lines) {
			continue
		}
		col := leadingWhitespace(lines[c.Start.Row])
		for row := c.Start.Row + 1; row < c.End.Row && int(row) < len(lines); row++ {
			line := lines[row]
			if col >= uint(len(line)) || (line[col] != ' ' && line[col] != '\t') {
				continue
			}
			g := Guideline{Line: row + 1, Column: col + 1}
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	sortGuidelines(out)
	return out
}

func sortGuidelines(gs []Guideline) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Line != gs[j].Line {
			return gs[i].Line < gs[j].Line
		}
		return gs[i].Column < gs[j].Column
	})
}

func leadingWhitespace(line string) uint {
	n := 0
	for n < len(line) && (line[n] == ' ' || line[n] == '\t') {
		n++
	}
	return uint(n)
}

// KakouneGuidelines renders guides as "L.C+1|face" items.
func KakouneGuidelines(gs []Guideline) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = fmt.Sprintf("%d.%d+1|%s", g.Line, g.Column, IndentGuidelineFace)
	}
	return out
}

type TextObjectMode string

const (
	ModeObject TextObjectMode = "object"
	ModeNext   TextObjectMode = "next"
	ModePrev   TextObjectMode = "prev"
)

func ParseTextObjectMode(s string) (TextObjectMode, bool) {
	switch m := TextObjectMode(s); m {
	case ModeObject, ModeNext, ModePrev:
		return m, true
	}
	return "", false
}

// SelectTextObjects maps every selection through the captures labelled
// pattern (e.g. "function.inside"). Selections with no match are kept.
//
//	object: the smallest capture containing the selection
//	next:   the first capture starting after the selection start
//	prev:   the last capture starting before the selection start
func SelectTextObjects(caps []Capture, pattern string, sels []parser.ByteRange, mode TextObjectMode) []parser.ByteRange {
	var candidates []parser.ByteRange
	for _, c := range DocumentOrder(caps) {
		if c.Label == pattern {
			candidates = append(candidates, c.Range)
		}
	}

	out := make([]parser.ByteRange, len(sels))
	for i, sel := range sels {
		out[i] = sel
		switch mode {
		case ModeObject:
			best := -1
			for j, r := range candidates {
				if r.Contains(sel) && (best < 0 || r.Len() < candidates[best].Len()) {
					best = j
				}
			}
			if best >= 0 {
				out[i] = candidates[best]
			}
		case ModeNext:
			for _, r := range candidates {
				if r.Start > sel.Start {
					out[i] = r
					break
				}
			}
		case ModePrev:
			for j := len(candidates) - 1; j >= 0; j-- {
				if candidates[j].Start < sel.Start {
					out[i] = candidates[j]
					break
				}
			}
		}
	}
	return out
}

// TextObjectKind is the query kind text objects are selected from.
const TextObjectKind = registry.QueryTextObjects
