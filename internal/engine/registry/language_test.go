package registry

import "testing"

func TestBuildTable_Defaults(t *testing.T) {
	table, err := BuildTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range BuiltinIDs() {
		spec, ok := table.Spec(id)
		if !ok || !spec.Enabled {
			t.Fatalf("expected builtin %q to be enabled", id)
		}
	}
}

func TestBuildTable_RejectsDuplicateExtensions(t *testing.T) {
	_, err := BuildTable(map[string]LanguageOverride{
		"javascript": {Extensions: []string{".go"}},
	})
	if err == nil {
		t.Fatal("expected duplicate extension validation error")
	}
}

func TestBuildTable_RejectsShadowingAlias(t *testing.T) {
	_, err := BuildTable(map[string]LanguageOverride{
		"typescript": {Aliases: []string{"rust"}},
	})
	if err == nil {
		t.Fatal("expected alias shadowing error")
	}
}

func TestBuildTable_NewLanguage(t *testing.T) {
	table, err := BuildTable(map[string]LanguageOverride{
		"Zig": {Extensions: []string{"zig"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := table.Detect("src/main.zig"); !ok || id != "zig" {
		t.Fatalf("expected zig detection, got %q %v", id, ok)
	}
}

func TestTableDetect(t *testing.T) {
	table, err := BuildTable(map[string]LanguageOverride{
		"go": {Filenames: []string{"Gofile"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{path: "/home/u/src/lib.rs", want: "rust", ok: true},
		{path: "main.GO", want: "go", ok: true},
		{path: "build/Gofile", want: "go", ok: true},
		{path: "tools/SConstruct", want: "python", ok: true},
		{path: "component.tsx", want: "tsx", ok: true},
		{path: "README", ok: false},
		{path: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := table.Detect(tc.path)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Detect(%q) = %q, %v; want %q, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTableCanonical(t *testing.T) {
	table, err := BuildTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := table.Canonical(" Py "); got != "python" {
		t.Fatalf("expected python, got %q", got)
	}
	if got := table.Canonical("zzz"); got != "zzz" {
		t.Fatalf("expected unknown ids to pass through, got %q", got)
	}
}
