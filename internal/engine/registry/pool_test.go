package registry

import (
	"sync"
	"testing"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
)

func goLanguage() *sitter.Language {
	return sitter.NewLanguage(tree_sitter_go.Language())
}

func TestParserPool_GetPut(t *testing.T) {
	pool := NewParserPool(goLanguage())

	sp := pool.Get()
	if sp == nil {
		t.Fatal("expected non-nil parser from pool")
	}
	if pool.Leased() != 1 {
		t.Fatalf("expected one lease, got %d", pool.Leased())
	}
	pool.Put(sp)
	if pool.Leased() != 0 {
		t.Fatalf("expected no leases, got %d", pool.Leased())
	}
}

func TestParserPool_PutNil(t *testing.T) {
	pool := NewParserPool(goLanguage())
	pool.Put(nil)
}

func TestParserPool_ParsesValidGo(t *testing.T) {
	pool := NewParserPool(goLanguage())

	sp := pool.Get()
	defer pool.Put(sp)

	tree := sp.Parse([]byte("package main\nfunc main() {}\n"), nil)
	if tree == nil {
		t.Fatal("expected non-nil parse tree for valid Go source")
	}
	defer tree.Close()

	if root := tree.RootNode(); root.HasError() {
		t.Fatalf("expected error-free root node, got %s", root.ToSexp())
	}
}

func TestParserPool_ConcurrentAccess(t *testing.T) {
	pool := NewParserPool(goLanguage())

	const goroutines = 20
	const iters = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)

	src := []byte("package main\nfunc run() {}\n")
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				sp := pool.Get()
				tree := sp.Parse(src, nil)
				if tree == nil {
					t.Errorf("expected non-nil parse tree")
				} else {
					tree.Close()
				}
				pool.Put(sp)
			}
		}()
	}
	wg.Wait()

	if pool.Leased() != 0 {
		t.Fatalf("expected all leases returned, got %d", pool.Leased())
	}
}

func TestParserPool_LanguageSetAfterReset(t *testing.T) {
	pool := NewParserPool(goLanguage())

	sp := pool.Get()
	sp.Reset()
	pool.Put(sp)

	sp2 := pool.Get()
	defer pool.Put(sp2)

	tree := sp2.Parse([]byte("package main\nfunc ok() {}\n"), nil)
	if tree == nil {
		t.Fatal("parser should still parse correctly after Get")
	}
	defer tree.Close()
}
