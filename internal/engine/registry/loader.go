package registry

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/registry/grammar"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_css "github.com/tree-sitter/tree-sitter-css/bindings/go"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_html "github.com/tree-sitter/tree-sitter-html/bindings/go"
	tree_sitter_java "github.com/tree-sitter/tree-sitter-java/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

//go:embed queries
var builtinQueries embed.FS

// GrammarSource is what a Loader yields: a language plus raw query sources by kind.
type GrammarSource struct {
	Language *sitter.Language
	Queries  map[QueryKind]string
	Origin   string
}

// Loader produces the grammar and queries for a language id. Unknown ids
// must return an UNSUPPORTED_LANGUAGE error.
type Loader interface {
	Load(ctx context.Context, id string) (*GrammarSource, error)
}

func unsupported(id string) error {
	return &domainerrors.DomainError{
		Code:    domainerrors.CodeUnsupportedLanguage,
		Message: fmt.Sprintf("no grammar for language %q", id),
		Context: map[string]interface{}{domainerrors.CtxLanguage: id},
	}
}

// BuiltinLoader serves the grammars compiled into the binary.
type BuiltinLoader struct{}

func (BuiltinLoader) Load(ctx context.Context, id string) (*GrammarSource, error) {
	var lang *sitter.Language
	switch id {
	case "css":
		lang = sitter.NewLanguage(tree_sitter_css.Language())
	case "go":
		lang = sitter.NewLanguage(tree_sitter_go.Language())
	case "html":
		lang = sitter.NewLanguage(tree_sitter_html.Language())
	case "java":
		lang = sitter.NewLanguage(tree_sitter_java.Language())
	case "javascript":
		lang = sitter.NewLanguage(tree_sitter_javascript.Language())
	case "python":
		lang = sitter.NewLanguage(tree_sitter_python.Language())
	case "rust":
		lang = sitter.NewLanguage(tree_sitter_rust.Language())
	case "tsx":
		lang = sitter.NewLanguage(tree_sitter_typescript.LanguageTSX())
	case "typescript":
		lang = sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript())
	default:
		return nil, unsupported(id)
	}

	queries, err := readQueryDir(builtinQueries, path.Join("queries", id))
	if err != nil {
		return nil, err
	}
	return &GrammarSource{Language: lang, Queries: queries, Origin: "builtin"}, nil
}

// BuiltinIDs lists the languages BuiltinLoader can serve.
func BuiltinIDs() []string {
	return []string{"css", "go", "html", "java", "javascript", "python", "rust", "tsx", "typescript"}
}

// readQueryDir reads <dir>/<kind>.scm for every kind; absent files are skipped.
func readQueryDir(fsys fs.FS, dir string) (map[QueryKind]string, error) {
	queries := make(map[QueryKind]string)
	for _, kind := range QueryKinds {
		data, err := fs.ReadFile(fsys, path.Join(dir, string(kind)+".scm"))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		queries[kind] = string(data)
	}
	return queries, nil
}

// DynamicLoader serves grammars listed in <baseDir>/manifest.toml as shared objects.
type DynamicLoader struct {
	baseDir string
	verify  bool

	mu       sync.Mutex
	manifest *grammar.Manifest
}

func NewDynamicLoader(baseDir string, verify bool) *DynamicLoader {
	return &DynamicLoader{baseDir: baseDir, verify: verify}
}

// loadManifest caches only a successfully parsed manifest so that grammars
// installed after a failed lookup are picked up on retry.
func (d *DynamicLoader) loadManifest() (grammar.Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manifest != nil {
		return *d.manifest, nil
	}
	manifest, err := grammar.LoadManifest(filepath.Join(d.baseDir, grammar.ManifestFileName))
	if err != nil {
		return grammar.Manifest{}, err
	}
	d.manifest = &manifest
	return manifest, nil
}

func (d *DynamicLoader) Load(ctx context.Context, id string) (*GrammarSource, error) {
	if strings.TrimSpace(d.baseDir) == "" {
		return nil, unsupported(id)
	}
	manifest, err := d.loadManifest()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, unsupported(id)
		}
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "load grammar manifest")
	}
	artifact, ok := manifest.Artifact(id)
	if !ok {
		return nil, unsupported(id)
	}

	if d.verify {
		if issues := grammar.VerifyLanguage(d.baseDir, manifest, id); len(issues) > 0 {
			return nil, domainerrors.AddContext(
				domainerrors.Newf(domainerrors.CodeUnsupportedLanguage, "grammar verification failed: %s", issues[0]),
				domainerrors.CtxLanguage, id)
		}
	}

	lang, err := grammar.LoadDynamic(filepath.Join(d.baseDir, artifact.SharedObjectPath), artifact.SymbolName())
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeUnsupportedLanguage, "load shared grammar")
	}

	queriesDir := artifact.QueriesDir
	if queriesDir == "" {
		queriesDir = filepath.Join(id, "queries")
	}
	queries, err := readQueryDir(os.DirFS(d.baseDir), filepath.ToSlash(queriesDir))
	if err != nil {
		return nil, err
	}
	return &GrammarSource{Language: lang, Queries: queries, Origin: "dynamic"}, nil
}

// ChainLoader tries each loader in order, moving on only for unsupported languages.
type ChainLoader []Loader

func (c ChainLoader) Load(ctx context.Context, id string) (*GrammarSource, error) {
	for _, loader := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := loader.Load(ctx, id)
		if err == nil {
			return src, nil
		}
		if !domainerrors.IsCode(err, domainerrors.CodeUnsupportedLanguage) {
			return nil, err
		}
	}
	return nil, unsupported(id)
}

// QueryOverlay replaces query sources with files found under <dir>/<language>/.
type QueryOverlay struct {
	Loader Loader
	Dir    string
	Logger *slog.Logger
}

func (o QueryOverlay) Load(ctx context.Context, id string) (*GrammarSource, error) {
	src, err := o.Loader.Load(ctx, id)
	if err != nil || strings.TrimSpace(o.Dir) == "" {
		return src, err
	}
	overrides, err := readQueryDir(os.DirFS(o.Dir), id)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "read query overrides")
	}
	if len(overrides) == 0 {
		return src, nil
	}
	merged := make(map[QueryKind]string, len(src.Queries)+len(overrides))
	for kind, q := range src.Queries {
		merged[kind] = q
	}
	for kind, q := range overrides {
		merged[kind] = q
		if o.Logger != nil {
			o.Logger.Debug("query override applied", "language", id, "kind", kind)
		}
	}
	return &GrammarSource{Language: src.Language, Queries: merged, Origin: src.Origin}, nil
}

// NewDefaultLoader assembles builtin grammars, the optional grammar directory and query overrides.
func NewDefaultLoader(grammarsPath, queriesPath string, verify bool, logger *slog.Logger) Loader {
	chain := ChainLoader{BuiltinLoader{}}
	if strings.TrimSpace(grammarsPath) != "" {
		chain = append(chain, NewDynamicLoader(grammarsPath, verify))
	}
	return QueryOverlay{Loader: chain, Dir: queriesPath, Logger: logger}
}
