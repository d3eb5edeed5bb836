package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/shared/observability"
	"sitterd/internal/shared/util"

	"golang.org/x/sync/singleflight"
)

var languageIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_+\-]*$`)

// Registry resolves language ids to shared, immutable bindings. The first
// resolve of an id loads and compiles it; concurrent first resolves share
// one load. Failed loads are not cached.
type Registry struct {
	loader Loader
	table  *Table
	logger *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*Binding
	group    singleflight.Group
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(loader Loader, table *Table, opts ...Option) *Registry {
	r := &Registry{
		loader:   loader,
		table:    table,
		logger:   slog.Default(),
		bindings: make(map[string]*Binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the binding for id, loading it on first use.
func (r *Registry) Resolve(ctx context.Context, id string) (*Binding, error) {
	canonical := r.table.Canonical(id)
	if !languageIDPattern.MatchString(canonical) {
		return nil, unsupported(id)
	}
	if !r.table.Enabled(canonical) {
		return nil, domainerrors.AddContext(
			domainerrors.Newf(domainerrors.CodeUnsupportedLanguage, "language %q is disabled", canonical),
			domainerrors.CtxLanguage, canonical)
	}

	r.mu.RLock()
	b, ok := r.bindings[canonical]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	ch := r.group.DoChan(canonical, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.bindings[canonical]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		// Detached from the caller so one cancelled requester does not fail the shared load.
		src, err := r.loader.Load(context.WithoutCancel(ctx), canonical)
		if err != nil {
			observability.GrammarLoadsTotal.WithLabelValues(canonical, "error").Inc()
			r.logger.Info("grammar unavailable", "language", canonical, "error", err)
			return nil, err
		}
		if src == nil || src.Language == nil {
			observability.GrammarLoadsTotal.WithLabelValues(canonical, "error").Inc()
			return nil, domainerrors.Newf(domainerrors.CodeInvariantViolation, "loader returned no language for %q", canonical)
		}

		binding := newBinding(canonical, src, r.logger)
		r.mu.Lock()
		r.bindings[canonical] = binding
		r.mu.Unlock()

		observability.GrammarLoadsTotal.WithLabelValues(canonical, "ok").Inc()
		r.logger.Info("grammar loaded", "language", canonical, "origin", binding.Origin, "queries", fmt.Sprint(binding.QueryKinds()))
		return binding, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Binding), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Detect maps a file path to a language id.
func (r *Registry) Detect(path string) (string, bool) {
	return r.table.Detect(path)
}

// Canonical maps an alias to its language id.
func (r *Registry) Canonical(id string) string {
	return r.table.Canonical(id)
}

type LanguageInfo struct {
	ID         string   `json:"id"`
	Enabled    bool     `json:"enabled"`
	Loaded     bool     `json:"loaded"`
	Extensions []string `json:"extensions,omitempty"`
	Queries    []string `json:"queries,omitempty"`
}

// Languages describes every language in the table plus any loaded outside it.
func (r *Registry) Languages() []LanguageInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []LanguageInfo
	for _, id := range r.table.IDs() {
		spec, _ := r.table.Spec(id)
		info := LanguageInfo{ID: id, Enabled: spec.Enabled, Extensions: normalizeExtensions(spec.Extensions)}
		if b, ok := r.bindings[id]; ok {
			info.Loaded = true
			info.Queries = queryKindStrings(b.QueryKinds())
		}
		seen[id] = true
		out = append(out, info)
	}
	for _, id := range util.SortedStringKeys(r.bindings) {
		if seen[id] {
			continue
		}
		out = append(out, LanguageInfo{ID: id, Enabled: true, Loaded: true, Queries: queryKindStrings(r.bindings[id].QueryKinds())})
	}
	return out
}

// Loaded returns the number of resolved bindings.
func (r *Registry) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Close releases compiled queries. Bindings must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.bindings {
		b.close()
		delete(r.bindings, id)
	}
}

func queryKindStrings(kinds []QueryKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
