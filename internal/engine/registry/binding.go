package registry

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	domainerrors "sitterd/internal/core/errors"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

type QueryKind string

const (
	QueryHighlights  QueryKind = "highlights"
	QueryTextObjects QueryKind = "textobjects"
	QueryInjections  QueryKind = "injections"
	QueryLocals      QueryKind = "locals"
	QueryIndents     QueryKind = "indents"
)

// QueryKinds lists every kind in file-loading order.
var QueryKinds = []QueryKind{QueryHighlights, QueryTextObjects, QueryInjections, QueryLocals, QueryIndents}

func ParseQueryKind(s string) (QueryKind, bool) {
	kind := QueryKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case QueryHighlights, QueryTextObjects, QueryInjections, QueryLocals, QueryIndents:
		return kind, true
	case "text_objects":
		return QueryTextObjects, true
	}
	return "", false
}

const (
	propertyPriority          = "priority"
	propertyInjectionLanguage = "injection.language"
)

// CompiledQuery is a query plus the per-pattern properties extracted at compile time.
type CompiledQuery struct {
	Kind     QueryKind
	Query    *sitter.Query
	Captures []string

	priorities         []int
	hasPriority        []bool
	injectionLanguages []string
}

func compileQuery(lang *sitter.Language, kind QueryKind, source string) (*CompiledQuery, error) {
	q, qerr := sitter.NewQuery(lang, source)
	if qerr != nil {
		return nil, domainerrors.Wrap(fmt.Errorf("offset %d: %s", qerr.Offset, qerr.Message), domainerrors.CodeQueryMalformed, fmt.Sprintf("compile %s query", kind))
	}

	patterns := int(q.PatternCount())
	cq := &CompiledQuery{
		Kind:               kind,
		Query:              q,
		Captures:           q.CaptureNames(),
		priorities:         make([]int, patterns),
		hasPriority:        make([]bool, patterns),
		injectionLanguages: make([]string, patterns),
	}
	for i := 0; i < patterns; i++ {
		for _, prop := range q.PropertySettings(uint(i)) {
			if prop.Value == nil {
				continue
			}
			switch prop.Key {
			case propertyPriority:
				n, err := strconv.Atoi(strings.TrimSpace(*prop.Value))
				if err != nil {
					slog.Warn("ignoring non-numeric query priority", "kind", kind, "pattern", i, "value", *prop.Value)
					continue
				}
				cq.priorities[i] = n
				cq.hasPriority[i] = true
			case propertyInjectionLanguage:
				cq.injectionLanguages[i] = strings.TrimSpace(*prop.Value)
			}
		}
	}
	return cq, nil
}

// Priority returns the declared priority of pattern, or def when none was set.
func (q *CompiledQuery) Priority(pattern uint, def int) int {
	if int(pattern) < len(q.priorities) && q.hasPriority[pattern] {
		return q.priorities[pattern]
	}
	return def
}

// InjectionLanguage returns the #set! injection.language value of pattern.
func (q *CompiledQuery) InjectionLanguage(pattern uint) string {
	if int(pattern) < len(q.injectionLanguages) {
		return q.injectionLanguages[pattern]
	}
	return ""
}

func (q *CompiledQuery) close() {
	if q != nil && q.Query != nil {
		q.Query.Close()
	}
}

// Binding is the immutable grammar, vocabulary and query set of one language.
type Binding struct {
	ID        string
	Origin    string
	Language  *sitter.Language
	NodeKinds []string
	Pool      *ParserPool

	queries   map[QueryKind]*CompiledQuery
	malformed map[QueryKind]error
}

func newBinding(id string, src *GrammarSource, logger *slog.Logger) *Binding {
	b := &Binding{
		ID:        id,
		Origin:    src.Origin,
		Language:  src.Language,
		NodeKinds: namedNodeKinds(src.Language),
		Pool:      NewParserPool(src.Language),
		queries:   make(map[QueryKind]*CompiledQuery),
		malformed: make(map[QueryKind]error),
	}
	for _, kind := range QueryKinds {
		source, ok := src.Queries[kind]
		if !ok || strings.TrimSpace(source) == "" {
			continue
		}
		cq, err := compileQuery(src.Language, kind, source)
		if err != nil {
			logger.Warn("query failed to compile", "language", id, "kind", kind, "error", err)
			b.malformed[kind] = err
			continue
		}
		b.queries[kind] = cq
	}
	return b
}

// Query returns the compiled query of kind, or a QUERY_MISSING / QUERY_MALFORMED error.
func (b *Binding) Query(kind QueryKind) (*CompiledQuery, error) {
	if cq, ok := b.queries[kind]; ok {
		return cq, nil
	}
	if err, ok := b.malformed[kind]; ok {
		return nil, err
	}
	return nil, domainerrors.New(domainerrors.CodeQueryMissing, fmt.Sprintf("%s has no %s query", b.ID, kind))
}

// QueryKinds lists the kinds that compiled successfully.
func (b *Binding) QueryKinds() []QueryKind {
	out := make([]QueryKind, 0, len(b.queries))
	for _, kind := range QueryKinds {
		if _, ok := b.queries[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

func (b *Binding) close() {
	for _, cq := range b.queries {
		cq.close()
	}
}

func namedNodeKinds(lang *sitter.Language) []string {
	count := int(lang.NodeKindCount())
	seen := make(map[string]bool, count)
	kinds := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := uint16(i)
		if !lang.NodeKindIsNamed(id) {
			continue
		}
		kind := lang.NodeKindForId(id)
		if kind == "" || seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds
}
