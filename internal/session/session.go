package session

import (
	"context"
	"sort"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/query"
	"sitterd/internal/engine/registry"
	"sitterd/internal/shared/observability"
)

// Session is one editor connection and the buffers it has open.
type Session struct {
	ID string
	m  *Manager

	mu      sync.Mutex
	name    string
	cwd     string
	state   SessionState
	created time.Time
	buffers map[string]*Buffer
}

type Info struct {
	ID      string       `json:"session"`
	Name    string       `json:"name,omitempty"`
	Cwd     string       `json:"cwd,omitempty"`
	State   SessionState `json:"state"`
	Buffers int          `json:"buffers"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{ID: s.ID, Name: s.name, Cwd: s.cwd, State: s.state, Buffers: len(s.buffers)}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Hello activates the session. Repeating it only updates name and cwd.
func (s *Session) Hello(name, cwd string) (Info, error) {
	s.mu.Lock()
	if s.state != SessionActive && !s.setStateLocked(SessionActive) {
		err := s.inactive()
		s.mu.Unlock()
		return Info{}, err
	}
	s.name = name
	s.cwd = cwd
	s.mu.Unlock()
	s.m.logger.Info("session active", "session", s.ID, "name", name)
	return s.Info(), nil
}

// setStateLocked moves the session to next, refusing illegal transitions.
func (s *Session) setStateLocked(next SessionState) bool {
	if !s.state.canMoveTo(next) {
		return false
	}
	s.state = next
	return true
}

func (s *Session) inactive() error {
	return domainerrors.AddContext(
		domainerrors.Newf(domainerrors.CodeConflict, "session is %s", s.state),
		domainerrors.CtxSession, s.ID)
}

func (s *Session) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		if s.state == SessionConnected {
			return domainerrors.AddContext(domainerrors.New(domainerrors.CodeConflict, "hello required"), domainerrors.CtxSession, s.ID)
		}
		return s.inactive()
	}
	return nil
}

func (s *Session) buffer(name string) (*Buffer, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[name]
	if !ok {
		return nil, domainerrors.AddContext(
			domainerrors.AddContext(domainerrors.New(domainerrors.CodeNotFound, "buffer not open"), domainerrors.CtxBuffer, name),
			domainerrors.CtxSession, s.ID)
	}
	return b, nil
}

func (s *Session) bufferKey(name string) string {
	return s.ID + "\x00" + name
}

type OpenRequest struct {
	Buffer    string
	Path      string
	Language  string
	Text      []byte
	Seq       uint64
	Highlight bool
}

// Open registers a buffer and parses its initial content. A language that
// cannot be resolved leaves the buffer degraded rather than failing.
func (s *Session) Open(ctx context.Context, req OpenRequest) (BufferStatus, error) {
	if err := s.requireActive(); err != nil {
		return BufferStatus{}, err
	}
	opts, cacheEntries := s.m.documentOptions()
	key := s.bufferKey(req.Buffer)

	s.mu.Lock()
	if _, exists := s.buffers[req.Buffer]; exists {
		s.mu.Unlock()
		return BufferStatus{}, domainerrors.AddContext(domainerrors.New(domainerrors.CodeConflict, "buffer already open"), domainerrors.CtxBuffer, req.Buffer)
	}
	b := newBuffer(req.Buffer, key, req.Path, req.Highlight, cacheEntries)
	s.buffers[req.Buffer] = b
	s.mu.Unlock()
	s.m.addRoute(key, s, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = req.Seq
	b.language = s.detectLanguage(req.Language, req.Path)
	s.attachLocked(ctx, b, req.Text, req.Seq, opts)
	s.m.logger.Info("buffer opened", "session", s.ID, "buffer", b.Name, "language", b.language, "state", b.state, "bytes", len(req.Text))
	return s.statusLocked(b), nil
}

func (s *Session) detectLanguage(lang, path string) string {
	if lang != "" {
		return s.m.registry.Canonical(lang)
	}
	if id, ok := s.m.registry.Detect(path); ok {
		return id
	}
	return ""
}

// attachLocked resolves the buffer language and installs a fresh document.
func (s *Session) attachLocked(ctx context.Context, b *Buffer, text []byte, seq uint64, opts parser.Options) {
	if b.language == "" {
		b.setStateLocked(BufferDegraded, domainerrors.CodeUnsupportedLanguage)
		return
	}
	binding, err := s.m.registry.Resolve(ctx, b.language)
	if err != nil {
		s.m.logger.Info("buffer left unparsed", "session", s.ID, "buffer", b.Name, "language", b.language, "error", err)
		code := domainerrors.CodeOf(err)
		if code == domainerrors.CodeInternal {
			code = domainerrors.CodeUnsupportedLanguage
		}
		b.setStateLocked(BufferDegraded, code)
		return
	}
	doc, _, err := parser.NewDocument(ctx, binding, text, seq, opts)
	b.doc = doc
	if err := s.m.coalescer.Open(b.key, doc); err != nil {
		s.m.logger.Error("coalescer registration failed", "buffer", b.Name, "error", err)
	}
	if err != nil {
		b.setStateLocked(BufferDegraded, domainerrors.CodeOf(err))
		return
	}
	b.setStateLocked(BufferSynced, "")
}

func (s *Session) statusLocked(b *Buffer) BufferStatus {
	st := b.statusLocked()
	if b.doc != nil {
		if seq, ok := s.m.coalescer.LastSeq(b.key); ok {
			st.Seq = seq
		}
		st.Pending = s.m.coalescer.Pending(b.key)
	}
	return st
}

// Status reports the current state of a buffer.
func (s *Session) Status(name string) (BufferStatus, error) {
	b, err := s.buffer(name)
	if err != nil {
		return BufferStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.statusLocked(b), nil
}

// Edit queues edits for a buffer. Parsing happens later; a sequence gap
// is returned immediately and marks the buffer for resync.
func (s *Session) Edit(name string, edits []parser.Edit) (BufferStatus, error) {
	b, err := s.buffer(name)
	if err != nil {
		return BufferStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc == nil {
		// Unparsed buffers only track the sequence so a reload can pick up.
		for _, e := range edits {
			first := e.FirstSeq
			if first == 0 {
				first = e.Seq
			}
			if first != b.seq+1 || e.Seq < first {
				observability.SequenceGapsTotal.Inc()
				return s.statusLocked(b), domainerrors.AddContext(
					domainerrors.Newf(domainerrors.CodeSequenceGap, "expected seq %d, got %d", b.seq+1, first),
					domainerrors.CtxBuffer, name)
			}
			b.seq = e.Seq
		}
		return s.statusLocked(b), nil
	}

	for _, e := range edits {
		if err := s.m.coalescer.Submit(b.key, e); err != nil {
			if domainerrors.IsCode(err, domainerrors.CodeSequenceGap) {
				b.setStateLocked(BufferDegraded, domainerrors.CodeSequenceGap)
			}
			return s.statusLocked(b), err
		}
	}
	return s.statusLocked(b), nil
}

// Reload replaces a buffer's content and sequence counter and reparses it
// from scratch. For an unparsed buffer, or a new language, it resolves the
// language again.
func (s *Session) Reload(ctx context.Context, name string, text []byte, seq uint64, lang string) (BufferStatus, error) {
	b, err := s.buffer(name)
	if err != nil {
		return BufferStatus{}, err
	}
	opts, _ := s.m.documentOptions()
	if lang != "" {
		lang = s.m.registry.Canonical(lang)
	}

	// The queue is reset before b.mu is taken: Reset waits for an in-flight
	// flush, and the flush callback locks b.mu.
	doc, _, _ := b.document()
	relang := doc == nil || (lang != "" && lang != b.Language())
	if relang {
		s.m.coalescer.Remove(b.key)
	} else if err := s.m.coalescer.Reset(b.key, seq); err != nil {
		return BufferStatus{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.reset()
	b.seq = seq

	if relang {
		if b.doc != nil {
			b.doc.Close()
			b.doc = nil
		}
		if lang != "" || b.language == "" {
			b.language = s.detectLanguage(lang, b.path)
		}
		s.attachLocked(ctx, b, text, seq, opts)
		return s.statusLocked(b), nil
	}

	upd, err := b.doc.Resync(ctx, text, seq)
	if err != nil {
		b.setStateLocked(BufferDegraded, domainerrors.CodeOf(err))
	} else {
		b.setStateLocked(BufferSynced, "")
	}
	st := s.statusLocked(b)
	st.Changed = upd.Changed
	return st, err
}

// CloseBuffer releases a buffer. Its pending edits are discarded.
func (s *Session) CloseBuffer(name string) error {
	b, err := s.buffer(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.buffers, name)
	s.mu.Unlock()
	s.closeBuffer(b)
	return nil
}

func (s *Session) closeBuffer(b *Buffer) {
	s.m.coalescer.Remove(b.key)
	s.m.dropRoute(b.key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(BufferClosed, "")
	if b.doc != nil {
		b.doc.Close()
	}
	b.cache.reset()
	s.m.logger.Debug("buffer closed", "session", s.ID, "buffer", b.Name)
}

// Buffers lists the open buffers by name.
func (s *Session) Buffers() []BufferStatus {
	s.mu.Lock()
	bufs := make([]*Buffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		bufs = append(bufs, b)
	}
	s.mu.Unlock()

	out := make([]BufferStatus, 0, len(bufs))
	for _, b := range bufs {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Buffer < out[j].Buffer })
	return out
}

func (s *Session) close() {
	s.mu.Lock()
	if !s.setStateLocked(SessionClosing) {
		s.mu.Unlock()
		return
	}
	bufs := s.buffers
	s.buffers = make(map[string]*Buffer)
	s.mu.Unlock()

	for _, b := range bufs {
		s.closeBuffer(b)
	}

	s.mu.Lock()
	s.setStateLocked(SessionClosed)
	s.mu.Unlock()
	s.m.logger.Info("session closed", "session", s.ID, "buffers", len(bufs))
}

// snapshot flushes pending edits and returns the buffer's current tree.
// A nil snapshot means the buffer has no document.
func (s *Session) snapshot(ctx context.Context, b *Buffer) (*parser.Snapshot, *parser.Document, domainerrors.ErrorCode, error) {
	doc, _, reason := b.document()
	if doc == nil {
		return nil, nil, reason, nil
	}
	if _, err := s.m.coalescer.Flush(ctx, b.key); err != nil {
		switch {
		case domainerrors.IsCode(err, domainerrors.CodeParseTimeout):
			// Degraded; the snapshot has no tree and queries come back empty.
		default:
			return nil, nil, "", err
		}
	}
	return doc.Snapshot(), doc, "", nil
}

func (s *Session) superseded(b *Buffer, doc *parser.Document, version uint64) error {
	if s.m.current(b, doc, version) {
		return nil
	}
	observability.StaleResultsTotal.Inc()
	return domainerrors.AddContext(
		domainerrors.Newf(domainerrors.CodeSuperseded, "buffer advanced past version %d", version),
		domainerrors.CtxBuffer, b.Name)
}

// Query flushes the buffer and runs kind against its current tree.
func (s *Session) Query(ctx context.Context, name string, kind registry.QueryKind, rng *parser.ByteRange) (query.Result, error) {
	res, snap, err := s.runQuery(ctx, name, kind, rng)
	if snap != nil {
		snap.Close()
	}
	return res, err
}

func (s *Session) runQuery(ctx context.Context, name string, kind registry.QueryKind, rng *parser.ByteRange) (query.Result, *parser.Snapshot, error) {
	b, err := s.buffer(name)
	if err != nil {
		return query.Result{}, nil, err
	}
	snap, doc, reason, err := s.snapshot(ctx, b)
	if err != nil {
		return query.Result{}, nil, err
	}
	if snap == nil {
		return query.Result{Kind: kind, Language: b.Language(), Captures: []query.Capture{}, Unavailable: reason}, nil, nil
	}

	b.mu.Lock()
	cached, hit := b.cache.get(kind, rng, snap.Version)
	b.mu.Unlock()
	if hit {
		observability.QueryCacheHitsTotal.Inc()
		return cached, snap, nil
	}

	res, err := s.m.engine.Run(ctx, snap, kind, rng)
	if err != nil {
		return query.Result{}, snap, err
	}
	if s.m.afterRun != nil {
		s.m.afterRun(b)
	}
	if err := s.superseded(b, doc, snap.Version); err != nil {
		return query.Result{}, snap, err
	}
	b.mu.Lock()
	if b.doc == doc {
		b.cache.put(kind, rng, res)
	}
	b.mu.Unlock()
	return res, snap, nil
}

// Render runs a query like Query and also formats its captures as Kakoune
// range specs.
func (s *Session) Render(ctx context.Context, name string, kind registry.QueryKind, rng *parser.ByteRange) (query.Result, []string, error) {
	res, snap, err := s.runQuery(ctx, name, kind, rng)
	if snap != nil {
		defer snap.Close()
	}
	if err != nil {
		return query.Result{}, nil, err
	}
	if snap == nil {
		return res, []string{}, nil
	}
	return res, query.KakouneRanges(snap.Source, res.Captures), nil
}

// TextObjects maps selections through the text-object captures named pattern.
func (s *Session) TextObjects(ctx context.Context, name, pattern string, mode query.TextObjectMode, sels []parser.ByteRange) ([]parser.ByteRange, uint64, error) {
	res, snap, err := s.runQuery(ctx, name, query.TextObjectKind, nil)
	if snap != nil {
		defer snap.Close()
	}
	if err != nil {
		return nil, 0, err
	}
	return query.SelectTextObjects(res.Captures, pattern, sels, mode), res.Version, nil
}

// Nav moves every selection through the syntax tree. Selections that
// cannot move are returned unchanged.
func (s *Session) Nav(ctx context.Context, name string, sels []parser.ByteRange, dir parser.NavDir) ([]parser.ByteRange, uint64, error) {
	b, err := s.buffer(name)
	if err != nil {
		return nil, 0, err
	}
	snap, doc, _, err := s.snapshot(ctx, b)
	if err != nil {
		return nil, 0, err
	}
	if snap == nil {
		return sels, 0, nil
	}
	defer snap.Close()

	out := make([]parser.ByteRange, len(sels))
	for i, sel := range sels {
		out[i] = sel
		if next, ok := parser.Navigate(snap, sel, dir); ok {
			out[i] = next
		}
	}
	if err := s.superseded(b, doc, snap.Version); err != nil {
		return nil, 0, err
	}
	return out, snap.Version, nil
}

// IndentGuides computes indent guidelines from the indents query.
func (s *Session) IndentGuides(ctx context.Context, name string) ([]query.Guideline, uint64, error) {
	res, snap, err := s.runQuery(ctx, name, registry.QueryIndents, nil)
	if snap != nil {
		defer snap.Close()
	}
	if err != nil {
		return nil, 0, err
	}
	if snap == nil {
		return []query.Guideline{}, 0, nil
	}
	return query.IndentGuidelines(snap.Source, res.Captures), res.Version, nil
}
