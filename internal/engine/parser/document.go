package parser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/registry"
	"sitterd/internal/shared/observability"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/tree-sitter/go-tree-sitter"
)

const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

type Options struct {
	// Timeout bounds a single parse; zero disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Update describes the tree installed by one apply or resync.
type Update struct {
	Version  uint64      `json:"version"`
	Seq      uint64      `json:"seq"`
	Mode     string      `json:"mode"`
	Changed  []ByteRange `json:"changed,omitempty"`
	Degraded bool        `json:"degraded,omitempty"`
}

// Document owns the source and incremental parse tree of one buffer. The
// installed tree always reflects exactly the edits up to Seq.
type Document struct {
	binding *registry.Binding
	opts    Options

	mu       sync.Mutex
	source   []byte
	tree     *sitter.Tree
	seq      uint64
	version  uint64
	checksum uint64
	closed   bool
}

// NewDocument parses text from scratch. A parse timeout still returns the
// document, without a tree, together with a PARSE_TIMEOUT error.
func NewDocument(ctx context.Context, binding *registry.Binding, text []byte, seq uint64, opts Options) (*Document, Update, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Document{binding: binding, opts: opts}
	d.mu.Lock()
	defer d.mu.Unlock()
	upd, err := d.installLocked(ctx, append([]byte(nil), text...), seq, nil, nil)
	return d, upd, err
}

func (d *Document) Language() string {
	return d.binding.ID
}

func (d *Document) Binding() *registry.Binding {
	return d.binding
}

func (d *Document) Seq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// HasTree reports whether the last parse produced a tree.
func (d *Document) HasTree() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree != nil
}

// ApplyEdits applies edits in order and reparses once. With full set, or
// when no tree is installed, the text is spliced and parsed from scratch.
// A sequence gap is rejected before anything changes.
func (d *Document) ApplyEdits(ctx context.Context, edits []Edit, full bool) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Update{}, domainerrors.New(domainerrors.CodeNotFound, "document closed")
	}
	if len(edits) == 0 {
		return d.currentLocked(), nil
	}
	if err := checkSequence(d.seq, edits); err != nil {
		observability.SequenceGapsTotal.Inc()
		return Update{}, err
	}

	next, inputs, err := applyText(d.source, edits)
	if err != nil {
		return Update{}, domainerrors.AddContext(err, domainerrors.CtxLanguage, d.binding.ID)
	}

	if full || d.tree == nil {
		return d.installLocked(ctx, next, edits[len(edits)-1].Seq, nil, nil)
	}
	for i := range inputs {
		d.tree.Edit(&inputs[i])
	}
	touched := editSpan(edits)
	return d.installLocked(ctx, next, edits[len(edits)-1].Seq, d.tree, &touched)
}

// Resync replaces the whole content and sequence counter and parses from scratch.
func (d *Document) Resync(ctx context.Context, text []byte, seq uint64) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Update{}, domainerrors.New(domainerrors.CodeNotFound, "document closed")
	}
	return d.installLocked(ctx, append([]byte(nil), text...), seq, nil, nil)
}

// installLocked parses src, reusing old when given, and installs the
// result. touched is the edited span in src coordinates and is reported as
// changed along with the structural changes.
func (d *Document) installLocked(ctx context.Context, src []byte, seq uint64, old *sitter.Tree, touched *ByteRange) (Update, error) {
	mode := ModeFull
	if old != nil {
		mode = ModeIncremental
	}
	ctx, span := observability.StartSpan(ctx, "parser.reparse", "language", d.binding.ID, "mode", mode)
	defer span.End()

	start := time.Now()
	tree := d.parse(ctx, src, old)
	observability.ReparseDuration.WithLabelValues(d.binding.ID).Observe(time.Since(start).Seconds())

	var changed []ByteRange
	if tree != nil {
		if old != nil {
			for _, r := range old.ChangedRanges(tree) {
				changed = append(changed, ByteRange{Start: r.StartByte, End: r.EndByte})
			}
			if touched != nil {
				changed = mergeRanges(append(changed, *touched))
			}
		} else {
			changed = []ByteRange{{Start: 0, End: uint(len(src))}}
		}
		observability.ReparseTotal.WithLabelValues(d.binding.ID, mode).Inc()
	}

	if d.tree != nil {
		d.tree.Close()
	}
	d.tree = tree
	d.source = src
	d.seq = seq
	d.version++
	d.checksum = xxhash.Sum64(src)

	upd := Update{Version: d.version, Seq: d.seq, Mode: mode, Changed: changed, Degraded: tree == nil}
	if tree == nil {
		observability.ParseTimeoutsTotal.WithLabelValues(d.binding.ID).Inc()
		d.opts.Logger.Warn("parse cancelled", "language", d.binding.ID, "bytes", len(src), "timeout", d.opts.Timeout)
		err := domainerrors.Newf(domainerrors.CodeParseTimeout, "parse of %d bytes exceeded %s", len(src), d.opts.Timeout)
		if ctx.Err() != nil {
			err = domainerrors.Wrap(ctx.Err(), domainerrors.CodeParseTimeout, "parse cancelled")
		}
		return upd, domainerrors.AddContext(err, domainerrors.CtxLanguage, d.binding.ID)
	}
	return upd, nil
}

func (d *Document) parse(ctx context.Context, src []byte, old *sitter.Tree) *sitter.Tree {
	sp := d.binding.Pool.Get()
	defer d.binding.Pool.Put(sp)

	var deadline time.Time
	if d.opts.Timeout > 0 {
		deadline = time.Now().Add(d.opts.Timeout)
	}
	opts := &sitter.ParseOptions{
		ProgressCallback: func(sitter.ParseState) bool {
			if ctx.Err() != nil {
				return true
			}
			return !deadline.IsZero() && time.Now().After(deadline)
		},
	}
	read := func(offset int, _ sitter.Point) []byte {
		if offset >= len(src) {
			return nil
		}
		return src[offset:]
	}
	return sp.ParseWithOptions(read, old, opts)
}

func (d *Document) currentLocked() Update {
	return Update{Version: d.version, Seq: d.seq, Mode: ModeIncremental, Degraded: d.tree == nil}
}

// Snapshot returns an immutable view of the current tree and source that
// stays valid after later edits. Callers must Close it.
func (d *Document) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Snapshot{
		Language: d.binding.ID,
		Version:  d.version,
		Seq:      d.seq,
		Source:   d.source,
		Checksum: d.checksum,
		binding:  d.binding,
	}
	if d.tree != nil {
		s.Tree = d.tree.Clone()
	}
	return s
}

// Text returns a copy of the current source.
func (d *Document) Text() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.source...)
}

func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.tree != nil {
		d.tree.Close()
		d.tree = nil
	}
}

// Snapshot is a refcounted copy of a document tree plus the source it was parsed from.
type Snapshot struct {
	Language string
	Version  uint64
	Seq      uint64
	Source   []byte
	Tree     *sitter.Tree
	Checksum uint64

	binding *registry.Binding
}

func (s *Snapshot) Binding() *registry.Binding {
	return s.binding
}

// Root returns the root node, or nil when the buffer has no tree.
func (s *Snapshot) Root() *sitter.Node {
	if s == nil || s.Tree == nil {
		return nil
	}
	return s.Tree.RootNode()
}

func (s *Snapshot) Close() {
	if s != nil && s.Tree != nil {
		s.Tree.Close()
		s.Tree = nil
	}
}
