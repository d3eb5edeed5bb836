package query

import (
	"context"
	"reflect"
	"testing"

	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/registry"
)

func TestFaceName(t *testing.T) {
	tests := map[string]string{
		"keyword":            "ts_keyword",
		"string.escape":      "ts_string_escape",
		"variable.parameter": "ts_variable_parameter",
	}
	for in, want := range tests {
		if got := FaceName(in); got != want {
			t.Errorf("FaceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKakouneRanges(t *testing.T) {
	src := []byte("fn a() {\n    \"hi\"\n}\n")
	caps := []Capture{
		{Range: parser.ByteRange{Start: 13, End: 17}, Label: "string"},
		{Range: parser.ByteRange{Start: 0, End: 2}, Label: "keyword"},
		{Range: parser.ByteRange{Start: 7, End: 19}, Label: "punctuation.block"},
		{Range: parser.ByteRange{Start: 4, End: 4}, Label: "empty"},
	}
	want := []string{
		"1.1,1.2|ts_keyword",
		"1.8,3.1|ts_punctuation_block",
		"2.5,2.8|ts_string",
	}
	if got := KakouneRanges(src, caps); !reflect.DeepEqual(got, want) {
		t.Fatalf("KakouneRanges = %v, want %v", got, want)
	}
}

func TestIndentGuidelines(t *testing.T) {
	b := resolve(t, registry.BuiltinLoader{}, "rust")
	text := "fn a() {\n    let x = 1;\n    if x > 0 {\n        x;\n    }\n}\n"
	snap := snapshot(t, b, text)
	res, err := NewEngine(DefaultPolicy(), nil).Run(context.Background(), snap, registry.QueryIndents, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := IndentGuidelines(snap.Source, res.Captures)
	want := []Guideline{
		{Line: 2, Column: 1},
		{Line: 3, Column: 1},
		{Line: 4, Column: 1},
		{Line: 4, Column: 5},
		{Line: 5, Column: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("IndentGuidelines = %v, want %v", got, want)
	}
	if items := KakouneGuidelines(got[:1]); items[0] != "2.1+1|ts_indent_guideline" {
		t.Fatalf("unexpected guideline item %q", items[0])
	}
}

func TestSelectTextObjects(t *testing.T) {
	b := resolve(t, registry.BuiltinLoader{}, "rust")
	text := "fn a(){ 1 }\nfn b(){ 2 }\n"
	snap := snapshot(t, b, text)
	res, err := NewEngine(DefaultPolicy(), nil).Run(context.Background(), snap, TextObjectKind, nil)
	if err != nil {
		t.Fatal(err)
	}

	fnA := parser.ByteRange{Start: 0, End: 11}
	fnB := parser.ByteRange{Start: 12, End: 23}
	inside := parser.ByteRange{Start: 8, End: 9}

	tests := []struct {
		name string
		sel  parser.ByteRange
		mode TextObjectMode
		want parser.ByteRange
	}{
		{"object", inside, ModeObject, fnA},
		{"next", inside, ModeNext, fnB},
		{"prev", fnB, ModePrev, fnA},
		{"no next", fnB, ModeNext, fnB},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectTextObjects(res.Captures, "function.around", []parser.ByteRange{tc.sel}, tc.mode)
			if got[0] != tc.want {
				t.Fatalf("got %v, want %v", got[0], tc.want)
			}
		})
	}
}

func TestPaintSplitsLowerPriority(t *testing.T) {
	src := []byte("abcdefghij")
	caps := []Capture{
		{Range: parser.ByteRange{Start: 0, End: 10}, Label: "string", Priority: 100, Pattern: 0},
		{Range: parser.ByteRange{Start: 3, End: 5}, Label: "escape", Priority: 105, Pattern: 1},
		{Range: parser.ByteRange{Start: 7, End: 8}, Label: "late", Priority: 100, Pattern: 2},
	}
	got := paint(caps, TieBreakEarlierPattern, src)
	sortCaptures(got)
	want := map[parser.ByteRange]string{
		{Start: 3, End: 5}:  "escape",
		{Start: 0, End: 3}:  "string",
		{Start: 5, End: 10}: "string",
	}
	if labels := labelsAt(got); !reflect.DeepEqual(labels, want) {
		t.Fatalf("paint = %v, want %v", labels, want)
	}

	later := labelsAt(paint(caps, TieBreakLaterPattern, src))
	if later[parser.ByteRange{Start: 7, End: 8}] != "late" {
		t.Fatalf("expected the later pattern to win ties, got %v", later)
	}
}

func TestLineIndex(t *testing.T) {
	li := newLineIndex([]byte("ab\n\ncd"))
	cases := []struct {
		offset uint
		want   Point
	}{
		{0, Point{0, 0}}, {2, Point{0, 2}}, {3, Point{1, 0}}, {4, Point{2, 0}}, {5, Point{2, 1}},
	}
	for _, tc := range cases {
		if got := li.point(tc.offset); got != tc.want {
			t.Errorf("point(%d) = %v, want %v", tc.offset, got, tc.want)
		}
	}
}
