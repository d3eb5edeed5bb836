package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	domainerrors "sitterd/internal/core/errors"
)

type countingLoader struct {
	inner Loader
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (c *countingLoader) Load(ctx context.Context, id string) (*GrammarSource, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.fail.Load() {
		return nil, unsupported(id)
	}
	return c.inner.Load(ctx, id)
}

func newTestRegistry(t *testing.T, loader Loader) *Registry {
	t.Helper()
	table, err := BuildTable(nil)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	r := New(loader, table)
	t.Cleanup(r.Close)
	return r
}

func TestResolveReturnsSameBinding(t *testing.T) {
	r := newTestRegistry(t, BuiltinLoader{})

	b1, err := r.Resolve(context.Background(), "rust")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b2, err := r.Resolve(context.Background(), "rs")
	if err != nil {
		t.Fatalf("Resolve by alias failed: %v", err)
	}
	if b1 != b2 {
		t.Fatal("expected alias to resolve to the same binding instance")
	}
	if b1.ID != "rust" || b1.Origin != "builtin" {
		t.Fatalf("unexpected binding %s/%s", b1.ID, b1.Origin)
	}
	if len(b1.NodeKinds) == 0 {
		t.Fatal("expected a node vocabulary")
	}
	for _, kind := range []QueryKind{QueryHighlights, QueryTextObjects, QueryInjections, QueryLocals, QueryIndents} {
		if _, err := b1.Query(kind); err != nil {
			t.Fatalf("expected rust %s query to compile: %v", kind, err)
		}
	}
}

func TestResolveCollapsesConcurrentLoads(t *testing.T) {
	loader := &countingLoader{inner: BuiltinLoader{}, gate: make(chan struct{})}
	r := newTestRegistry(t, loader)

	const callers = 16
	results := make([]*Binding, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			b, err := r.Resolve(context.Background(), "go")
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			results[i] = b
		}(i)
	}
	close(loader.gate)
	wg.Wait()

	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("expected all callers to receive the same binding")
		}
	}
}

func TestResolveUnsupportedIsNotCached(t *testing.T) {
	loader := &countingLoader{inner: BuiltinLoader{}}
	loader.fail.Store(true)
	r := newTestRegistry(t, loader)

	_, err := r.Resolve(context.Background(), "python")
	if !domainerrors.IsCode(err, domainerrors.CodeUnsupportedLanguage) {
		t.Fatalf("expected unsupported language, got %v", err)
	}

	loader.fail.Store(false)
	if _, err := r.Resolve(context.Background(), "python"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if loader.calls.Load() != 2 {
		t.Fatalf("expected two load attempts, got %d", loader.calls.Load())
	}
}

func TestResolveUnknownLanguage(t *testing.T) {
	r := newTestRegistry(t, BuiltinLoader{})

	for _, id := range []string{"zzz", "../etc", ""} {
		_, err := r.Resolve(context.Background(), id)
		if !domainerrors.IsCode(err, domainerrors.CodeUnsupportedLanguage) {
			t.Fatalf("%q: expected unsupported language, got %v", id, err)
		}
	}
	if r.Loaded() != 0 {
		t.Fatalf("expected nothing loaded, got %d", r.Loaded())
	}
}

func TestResolveDisabledLanguage(t *testing.T) {
	disabled := false
	table, err := BuildTable(map[string]LanguageOverride{"java": {Enabled: &disabled}})
	if err != nil {
		t.Fatal(err)
	}
	r := New(BuiltinLoader{}, table)
	defer r.Close()

	if _, err := r.Resolve(context.Background(), "java"); !domainerrors.IsCode(err, domainerrors.CodeUnsupportedLanguage) {
		t.Fatalf("expected disabled language to be unsupported, got %v", err)
	}
}

type replaceQueryLoader struct {
	inner Loader
	kind  QueryKind
	src   string
}

func (l replaceQueryLoader) Load(ctx context.Context, id string) (*GrammarSource, error) {
	src, err := l.inner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	src.Queries[l.kind] = l.src
	return src, nil
}

func TestMalformedQueryIsIsolated(t *testing.T) {
	r := newTestRegistry(t, replaceQueryLoader{inner: BuiltinLoader{}, kind: QueryHighlights, src: "((not_a_real_node) @x"})

	b, err := r.Resolve(context.Background(), "rust")
	if err != nil {
		t.Fatalf("a malformed query must not fail the binding: %v", err)
	}
	if _, err := b.Query(QueryHighlights); !domainerrors.IsCode(err, domainerrors.CodeQueryMalformed) {
		t.Fatalf("expected malformed highlights, got %v", err)
	}
	if _, err := b.Query(QueryTextObjects); err != nil {
		t.Fatalf("expected textobjects to survive, got %v", err)
	}
}

func TestMissingQuery(t *testing.T) {
	r := newTestRegistry(t, BuiltinLoader{})

	b, err := r.Resolve(context.Background(), "css")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := b.Query(QueryHighlights); !domainerrors.IsCode(err, domainerrors.CodeQueryMissing) {
		t.Fatalf("expected missing query, got %v", err)
	}
}

func TestQueryPriorityProperty(t *testing.T) {
	r := newTestRegistry(t, BuiltinLoader{})

	b, err := r.Resolve(context.Background(), "rust")
	if err != nil {
		t.Fatal(err)
	}
	cq, err := b.Query(QueryHighlights)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i := 0; i < int(cq.Query.PatternCount()); i++ {
		if cq.Priority(uint(i), 100) == 110 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a pattern with declared priority 110")
	}
	if cq.Priority(0, 100) != 100 {
		t.Fatalf("expected default priority for pattern 0, got %d", cq.Priority(0, 100))
	}

	inj, err := b.Query(QueryInjections)
	if err != nil {
		t.Fatal(err)
	}
	if inj.InjectionLanguage(0) != "rust" {
		t.Fatalf("expected injection language rust, got %q", inj.InjectionLanguage(0))
	}
}

func TestQueryOverlay(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "css", "highlights.scm"), []byte("(comment) @comment\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t, NewDefaultLoader("", dir, false, nil))
	b, err := r.Resolve(context.Background(), "css")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Query(QueryHighlights); err != nil {
		t.Fatalf("expected overlay highlights to compile, got %v", err)
	}
}

func TestDynamicLoaderWithoutManifest(t *testing.T) {
	loader := NewDynamicLoader(t.TempDir(), true)
	_, err := loader.Load(context.Background(), "zig")
	if !domainerrors.IsCode(err, domainerrors.CodeUnsupportedLanguage) {
		t.Fatalf("expected unsupported language, got %v", err)
	}
}

func TestChainLoaderStopsOnHardError(t *testing.T) {
	boom := errors.New("disk on fire")
	chain := ChainLoader{failingLoader{err: boom}, BuiltinLoader{}}
	if _, err := chain.Load(context.Background(), "go"); !errors.Is(err, boom) {
		t.Fatalf("expected hard error to stop the chain, got %v", err)
	}
}

type failingLoader struct{ err error }

func (f failingLoader) Load(context.Context, string) (*GrammarSource, error) { return nil, f.err }

func TestLanguagesListing(t *testing.T) {
	r := newTestRegistry(t, BuiltinLoader{})
	if _, err := r.Resolve(context.Background(), "rust"); err != nil {
		t.Fatal(err)
	}
	var rust *LanguageInfo
	infos := r.Languages()
	for i := range infos {
		if infos[i].ID == "rust" {
			rust = &infos[i]
		}
	}
	if rust == nil || !rust.Loaded || len(rust.Queries) != 5 {
		t.Fatalf("unexpected rust listing %+v", rust)
	}
}
