package registry

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"sitterd/internal/shared/util"

	"github.com/gobwas/glob"
)

type LanguageSpec struct {
	ID                  string
	GrammarDir          string
	Aliases             []string
	Extensions          []string
	Filenames           []string
	Globs               []string
	Enabled             bool
	RequireVerification bool
}

type LanguageOverride struct {
	Enabled    *bool
	Aliases    []string
	Extensions []string
	Filenames  []string
	Globs      []string
}

func DefaultLanguages() map[string]LanguageSpec {
	return map[string]LanguageSpec{
		"css": {
			ID:         "css",
			GrammarDir: "css",
			Extensions: []string{".css"},
			Enabled:    true,
		},
		"go": {
			ID:         "go",
			GrammarDir: "go",
			Aliases:    []string{"golang"},
			Extensions: []string{".go"},
			Enabled:    true,
		},
		"html": {
			ID:         "html",
			GrammarDir: "html",
			Extensions: []string{".html", ".htm"},
			Enabled:    true,
		},
		"java": {
			ID:         "java",
			GrammarDir: "java",
			Extensions: []string{".java"},
			Enabled:    true,
		},
		"javascript": {
			ID:         "javascript",
			GrammarDir: "javascript",
			Aliases:    []string{"js"},
			Extensions: []string{".js", ".cjs", ".mjs", ".jsx"},
			Enabled:    true,
		},
		"python": {
			ID:         "python",
			GrammarDir: "python",
			Aliases:    []string{"py"},
			Extensions: []string{".py", ".pyi"},
			Globs:      []string{"**/SConstruct", "**/SConscript"},
			Enabled:    true,
		},
		"rust": {
			ID:         "rust",
			GrammarDir: "rust",
			Aliases:    []string{"rs"},
			Extensions: []string{".rs"},
			Enabled:    true,
		},
		"tsx": {
			ID:         "tsx",
			GrammarDir: "tsx",
			Extensions: []string{".tsx"},
			Enabled:    true,
		},
		"typescript": {
			ID:         "typescript",
			GrammarDir: "typescript",
			Aliases:    []string{"ts"},
			Extensions: []string{".ts", ".mts", ".cts"},
			Enabled:    true,
		},
	}
}

// Table is the immutable language lookup used for alias resolution and path detection.
type Table struct {
	specs      map[string]LanguageSpec
	aliases    map[string]string
	extensions map[string]string
	filenames  map[string]string
	globs      []compiledGlob
}

type compiledGlob struct {
	language string
	pattern  string
	matcher  glob.Glob
}

// BuildTable applies overrides to the default language set. Overrides for
// unknown ids declare new languages, which only a dynamic loader can serve.
func BuildTable(overrides map[string]LanguageOverride) (*Table, error) {
	specs := cloneLanguages(DefaultLanguages())

	for _, language := range util.SortedStringKeys(overrides) {
		override := overrides[language]
		id := strings.ToLower(strings.TrimSpace(language))
		spec, ok := specs[id]
		if !ok {
			spec = LanguageSpec{ID: id, GrammarDir: id, Enabled: true, RequireVerification: true}
		}
		if override.Enabled != nil {
			spec.Enabled = *override.Enabled
		}
		if len(override.Aliases) > 0 {
			spec.Aliases = normalizeAliases(override.Aliases)
		}
		if len(override.Extensions) > 0 {
			spec.Extensions = normalizeExtensions(override.Extensions)
		}
		if len(override.Filenames) > 0 {
			spec.Filenames = normalizeFilenames(override.Filenames)
		}
		if len(override.Globs) > 0 {
			spec.Globs = append([]string(nil), override.Globs...)
		}
		specs[id] = spec
	}

	if err := validateLanguages(specs); err != nil {
		return nil, err
	}
	return newTable(specs)
}

func newTable(specs map[string]LanguageSpec) (*Table, error) {
	t := &Table{
		specs:      specs,
		aliases:    make(map[string]string),
		extensions: make(map[string]string),
		filenames:  make(map[string]string),
	}
	for _, id := range util.SortedStringKeys(specs) {
		spec := specs[id]
		if !spec.Enabled {
			continue
		}
		for _, alias := range normalizeAliases(spec.Aliases) {
			t.aliases[alias] = id
		}
		for _, ext := range normalizeExtensions(spec.Extensions) {
			t.extensions[ext] = id
		}
		for _, name := range normalizeFilenames(spec.Filenames) {
			t.filenames[name] = id
		}
		for _, pattern := range spec.Globs {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return nil, fmt.Errorf("language %q: invalid glob %q: %w", id, pattern, err)
			}
			t.globs = append(t.globs, compiledGlob{language: id, pattern: pattern, matcher: g})
		}
	}
	return t, nil
}

// Canonical maps an id or alias to its canonical language id.
func (t *Table) Canonical(id string) string {
	key := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := t.aliases[key]; ok {
		return canonical
	}
	return key
}

// Spec returns the language spec for a canonical id.
func (t *Table) Spec(id string) (LanguageSpec, bool) {
	spec, ok := t.specs[t.Canonical(id)]
	return spec, ok
}

// Enabled reports whether id names a language that may be loaded. Ids the
// table does not know are left to the loader.
func (t *Table) Enabled(id string) bool {
	spec, ok := t.specs[t.Canonical(id)]
	if !ok {
		return true
	}
	return spec.Enabled
}

// Detect resolves a file path to a language id by exact file name, glob, then extension.
func (t *Table) Detect(filePath string) (string, bool) {
	clean := util.NormalizePatternPath(filePath)
	if clean == "" {
		return "", false
	}
	base := strings.ToLower(path.Base(clean))
	if id, ok := t.filenames[base]; ok {
		return id, true
	}
	for _, g := range t.globs {
		if g.matcher.Match(clean) || g.matcher.Match(base) {
			return g.language, true
		}
	}
	if id, ok := t.extensions[strings.ToLower(path.Ext(base))]; ok {
		return id, true
	}
	return "", false
}

// IDs returns every language id in sorted order.
func (t *Table) IDs() []string {
	return util.SortedStringKeys(t.specs)
}

func cloneLanguages(in map[string]LanguageSpec) map[string]LanguageSpec {
	out := make(map[string]LanguageSpec, len(in))
	for id, spec := range in {
		copySpec := spec
		copySpec.Aliases = append([]string(nil), spec.Aliases...)
		copySpec.Extensions = append([]string(nil), spec.Extensions...)
		copySpec.Filenames = append([]string(nil), spec.Filenames...)
		copySpec.Globs = append([]string(nil), spec.Globs...)
		out[id] = copySpec
	}
	return out
}

func validateLanguages(specs map[string]LanguageSpec) error {
	extOwner := make(map[string]string)
	filenameOwner := make(map[string]string)
	aliasOwner := make(map[string]string)

	for _, id := range util.SortedStringKeys(specs) {
		spec := specs[id]
		if !spec.Enabled {
			continue
		}
		for _, ext := range normalizeExtensions(spec.Extensions) {
			if existing, ok := extOwner[ext]; ok && existing != id {
				return fmt.Errorf("duplicate extension %q owned by %q and %q", ext, existing, id)
			}
			extOwner[ext] = id
		}
		for _, filename := range normalizeFilenames(spec.Filenames) {
			if existing, ok := filenameOwner[filename]; ok && existing != id {
				return fmt.Errorf("duplicate filename %q owned by %q and %q", filename, existing, id)
			}
			filenameOwner[filename] = id
		}
		for _, alias := range normalizeAliases(spec.Aliases) {
			if _, isID := specs[alias]; isID && alias != id {
				return fmt.Errorf("alias %q of %q shadows a language id", alias, id)
			}
			if existing, ok := aliasOwner[alias]; ok && existing != id {
				return fmt.Errorf("duplicate alias %q owned by %q and %q", alias, existing, id)
			}
			aliasOwner[alias] = id
		}
	}
	return nil
}

func normalizeExtensions(values []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(values))
	for _, value := range values {
		raw := strings.TrimSpace(strings.ToLower(value))
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, ".") {
			raw = "." + raw
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, raw)
	}
	sort.Strings(out)
	return out
}

func normalizeFilenames(values []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(values))
	for _, value := range values {
		raw := strings.TrimSpace(strings.ToLower(path.Base(value)))
		if raw == "" || raw == "." {
			continue
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, raw)
	}
	sort.Strings(out)
	return out
}

func normalizeAliases(values []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(values))
	for _, value := range values {
		raw := strings.TrimSpace(strings.ToLower(value))
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, raw)
	}
	sort.Strings(out)
	return out
}
