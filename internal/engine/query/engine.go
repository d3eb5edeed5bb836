// Package query runs compiled tree-sitter queries against buffer snapshots
// and shapes their captures for editors.
package query

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/registry"
	"sitterd/internal/shared/observability"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

const (
	TieBreakEarlierPattern = "earlier_pattern"
	TieBreakLaterPattern   = "later_pattern"

	DefaultPriority = 100
)

type Point struct {
	Row    uint `json:"row"`
	Column uint `json:"column"`
}

type Capture struct {
	Range    parser.ByteRange `json:"range"`
	Start    Point            `json:"start"`
	End      Point            `json:"end"`
	Label    string           `json:"capture"`
	Priority int              `json:"priority"`
	Pattern  uint             `json:"pattern"`
	// Language is set on injection captures.
	Language string `json:"language,omitempty"`
}

// Result is one execution of one query kind against one tree version.
type Result struct {
	Kind     registry.QueryKind `json:"kind"`
	Language string             `json:"language"`
	Version  uint64             `json:"version"`
	Captures []Capture          `json:"captures"`
	// Unavailable carries the error code when the query is missing or malformed.
	Unavailable domainerrors.ErrorCode `json:"unavailable,omitempty"`
}

type Policy struct {
	TieBreak        string
	DefaultPriority int
	// ExclusiveKinds resolve overlapping captures so each byte carries one label.
	ExclusiveKinds []registry.QueryKind
}

func DefaultPolicy() Policy {
	return Policy{
		TieBreak:        TieBreakEarlierPattern,
		DefaultPriority: DefaultPriority,
		ExclusiveKinds:  []registry.QueryKind{registry.QueryHighlights},
	}
}

type Engine struct {
	logger *slog.Logger

	mu     sync.RWMutex
	policy Policy
}

func NewEngine(policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	e.SetPolicy(policy)
	return e
}

func (e *Engine) SetPolicy(p Policy) {
	if p.TieBreak == "" {
		p.TieBreak = TieBreakEarlierPattern
	}
	if p.DefaultPriority == 0 {
		p.DefaultPriority = DefaultPriority
	}
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

func (p Policy) exclusive(kind registry.QueryKind) bool {
	for _, k := range p.ExclusiveKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Run executes the kind query over snap, restricted to rng when given.
// A missing or malformed query, or a buffer without a tree, yields an
// empty result rather than an error.
func (e *Engine) Run(ctx context.Context, snap *parser.Snapshot, kind registry.QueryKind, rng *parser.ByteRange) (Result, error) {
	res := Result{Kind: kind, Language: snap.Language, Version: snap.Version, Captures: []Capture{}}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	root := snap.Root()
	if root == nil {
		return res, nil
	}
	cq, err := snap.Binding().Query(kind)
	if err != nil {
		res.Unavailable = domainerrors.CodeOf(err)
		e.logger.Debug("query unavailable", "language", snap.Language, "kind", kind, "error", err)
		return res, nil
	}

	_, span := observability.StartSpan(ctx, "query.run", "language", snap.Language, "kind", string(kind))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.QueryDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	policy := e.Policy()
	caps, err := collect(ctx, cq, root, snap.Source, rng, policy.DefaultPriority)
	if err != nil {
		return res, err
	}
	if policy.exclusive(kind) {
		caps = paint(caps, policy.TieBreak, snap.Source)
	}
	sortCaptures(caps)
	res.Captures = caps
	return res, nil
}

func collect(ctx context.Context, cq *registry.CompiledQuery, root *sitter.Node, src []byte, rng *parser.ByteRange, defPriority int) ([]Capture, error) {
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	if rng != nil {
		qc.SetByteRange(rng.Start, rng.End)
	}

	injections := cq.Kind == registry.QueryInjections
	out := make([]Capture, 0, 64)
	matches := qc.Matches(cq.Query, root, src)
	for n := 0; ; n++ {
		// Cancellation is checked between batches of matches.
		if n%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m := matches.Next()
		if m == nil {
			break
		}
		pattern := m.PatternIndex
		priority := cq.Priority(pattern, defPriority)

		injected := ""
		if injections {
			injected = cq.InjectionLanguage(pattern)
			for _, c := range m.Captures {
				if cq.Captures[c.Index] == "injection.language" {
					injected = strings.TrimSpace(c.Node.Utf8Text(src))
				}
			}
		}

		for _, c := range m.Captures {
			name := cq.Captures[c.Index]
			if strings.HasPrefix(name, "_") {
				continue
			}
			if injections && name == "injection.language" {
				continue
			}
			node := c.Node
			if node.IsError() || node.IsMissing() {
				continue
			}
			r := parser.ByteRange{Start: node.StartByte(), End: node.EndByte()}
			if rng != nil && !r.Overlaps(*rng) && !(r.Len() == 0 && rng.Contains(r)) {
				continue
			}
			sp, ep := node.StartPosition(), node.EndPosition()
			out = append(out, Capture{
				Range:    r,
				Start:    Point{Row: sp.Row, Column: sp.Column},
				End:      Point{Row: ep.Row, Column: ep.Column},
				Label:    name,
				Priority: priority,
				Pattern:  pattern,
				Language: injected,
			})
		}
	}
	return out, nil
}

// sortCaptures orders by pattern, then document position.
func sortCaptures(caps []Capture) {
	sort.SliceStable(caps, func(i, j int) bool {
		a, b := caps[i], caps[j]
		if a.Pattern != b.Pattern {
			return a.Pattern < b.Pattern
		}
		if a.Range.Start != b.Range.Start {
			return a.Range.Start < b.Range.Start
		}
		if a.Range.End != b.Range.End {
			return a.Range.End > b.Range.End
		}
		return a.Label < b.Label
	})
}

// DocumentOrder returns a copy of caps sorted by position only.
func DocumentOrder(caps []Capture) []Capture {
	out := append([]Capture(nil), caps...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Range.Start != out[j].Range.Start {
			return out[i].Range.Start < out[j].Range.Start
		}
		return out[i].Range.End > out[j].Range.End
	})
	return out
}

// ParseTieBreak reports whether s names a known tie-break policy.
func ParseTieBreak(s string) (string, bool) {
	switch s {
	case TieBreakEarlierPattern, TieBreakLaterPattern:
		return s, true
	}
	return "", false
}
