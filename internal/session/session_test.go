package session

import (
	"context"
	"testing"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/coalescer"
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/query"
	"sitterd/internal/engine/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	table, err := registry.BuildTable(nil)
	require.NoError(t, err)
	reg := registry.New(registry.BuiltinLoader{}, table)
	if opts.Coalesce.Window == 0 {
		opts.Coalesce.Window = time.Hour
	}
	if opts.CacheEntries == 0 {
		opts.CacheEntries = 8
	}
	opts.Query = query.DefaultPolicy()
	m := NewManager(reg, opts)
	t.Cleanup(func() {
		m.Close()
		reg.Close()
	})
	return m
}

func activeSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Connect()
	require.NoError(t, err)
	_, err = s.Hello("test", "/tmp")
	require.NoError(t, err)
	return s
}

func labelAt(res query.Result, r parser.ByteRange) string {
	for _, c := range res.Captures {
		if c.Range == r {
			return c.Label
		}
	}
	return ""
}

func TestSessionRequiresHello(t *testing.T) {
	m := newTestManager(t, Options{})
	s, err := m.Connect()
	require.NoError(t, err)
	assert.Equal(t, SessionConnected, s.State())

	_, err = s.Open(context.Background(), OpenRequest{Buffer: "a.rs", Text: []byte("fn a(){}")})
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeConflict), "expected conflict before hello, got %v", err)

	info, err := s.Hello("kak", "/src")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, info.State)
	assert.Equal(t, "kak", info.Name)
}

func TestEditThenQueryReportsParameter(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()

	st, err := s.Open(ctx, OpenRequest{Buffer: "main", Path: "/src/main.rs", Text: []byte("fn a(){}")})
	require.NoError(t, err)
	assert.Equal(t, "rust", st.Language)
	assert.Equal(t, BufferSynced, st.State)

	st, err = s.Edit("main", []parser.Edit{{Seq: 1, StartByte: 5, OldEndByte: 5, Text: "x:i32"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Seq)
	assert.Equal(t, 1, st.Pending)

	res, err := s.Query(ctx, "main", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "variable.parameter", labelAt(res, parser.ByteRange{Start: 5, End: 6}))

	st, err = s.Status("main")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
}

func TestUnsupportedLanguageDegrades(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()

	st, err := s.Open(ctx, OpenRequest{Buffer: "z", Language: "zzz", Text: []byte("anything")})
	require.NoError(t, err, "an unsupported language must not fail the open")
	assert.Equal(t, BufferDegraded, st.State)
	assert.Equal(t, domainerrors.CodeUnsupportedLanguage, st.Reason)

	res, err := s.Query(ctx, "z", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Captures)
	assert.Equal(t, domainerrors.CodeUnsupportedLanguage, res.Unavailable)

	_, err = s.Edit("z", []parser.Edit{{Seq: 1, StartByte: 0, OldEndByte: 0, Text: "x"}})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.State(), "buffer failures must not affect the session")

	// A reload with a known language recovers the buffer.
	st, err = s.Reload(ctx, "z", []byte("fn a(){}"), 2, "rust")
	require.NoError(t, err)
	assert.Equal(t, BufferSynced, st.State)
	assert.Equal(t, "rust", st.Language)
}

func TestUnknownExtensionDegrades(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	st, err := s.Open(context.Background(), OpenRequest{Buffer: "notes", Path: "/tmp/notes.zzz", Text: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, BufferDegraded, st.State)
	assert.Equal(t, domainerrors.CodeUnsupportedLanguage, st.Reason)
}

func TestSequenceGapRequiresResync(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()

	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}")})
	require.NoError(t, err)

	st, err := s.Edit("b", []parser.Edit{{Seq: 2, StartByte: 0, OldEndByte: 0, Text: "x"}})
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeSequenceGap), "got %v", err)
	assert.Equal(t, BufferDegraded, st.State)
	assert.Equal(t, domainerrors.CodeSequenceGap, st.Reason)

	st, err = s.Reload(ctx, "b", []byte("fn b(){}"), 5, "")
	require.NoError(t, err)
	assert.Equal(t, BufferSynced, st.State)
	assert.Equal(t, uint64(5), st.Seq)

	_, err = s.Edit("b", []parser.Edit{{Seq: 6, StartByte: 3, OldEndByte: 4, Text: "c"}})
	require.NoError(t, err)
	res, err := s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Equal(t, "function", labelAt(res, parser.ByteRange{Start: 3, End: 4}))
}

func TestQueryResultsAreCachedPerVersion(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()
	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}")})
	require.NoError(t, err)

	first, err := s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	second, err := s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	b, err := s.buffer("b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.cache.len())

	_, err = s.Edit("b", []parser.Edit{{Seq: 1, StartByte: 3, OldEndByte: 4, Text: "b"}})
	require.NoError(t, err)
	third, err := s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), third.Version)
}

func TestHighlightPushAfterBackgroundFlush(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, Options{Coalesce: coalescer.Policy{Window: 10 * time.Millisecond}})
	pushes := make(chan Push, 8)
	m.SetNotifier(func(_ string, p Push) { pushes <- p })
	s := activeSession(t, m)

	_, err := s.Open(context.Background(), OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}"), Highlight: true})
	require.NoError(t, err)
	_, err = s.Edit("b", []parser.Edit{{Seq: 1, StartByte: 5, OldEndByte: 5, Text: "x:i32"}})
	require.NoError(t, err)

	select {
	case p := <-pushes:
		require.Equal(t, EventHighlights, p.Event)
		assert.Equal(t, "b", p.Buffer)
		assert.Equal(t, uint64(2), p.Version)
		require.NotNil(t, p.Range)
		require.NotNil(t, p.Result)
		assert.Equal(t, "variable.parameter", labelAt(*p.Result, parser.ByteRange{Start: 5, End: 6}))
	case <-time.After(5 * time.Second):
		t.Fatal("no highlight push after the quiescence window")
	}
	m.Close()
}

func TestTextObjectsNavAndIndentGuides(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()
	text := "fn a() {\n    1\n}\nfn b() {}\n"
	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte(text)})
	require.NoError(t, err)

	sels, version, err := s.TextObjects(ctx, "b", "function.around", query.ModeObject, []parser.ByteRange{{Start: 13, End: 14}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, []parser.ByteRange{{Start: 0, End: 16}}, sels)

	sels, _, err = s.Nav(ctx, "b", []parser.ByteRange{{Start: 0, End: 16}}, parser.NavNextSibling)
	require.NoError(t, err)
	assert.Equal(t, []parser.ByteRange{{Start: 17, End: 26}}, sels)

	guides, _, err := s.IndentGuides(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []query.Guideline{{Line: 2, Column: 1}}, guides)
}

func TestCloseBufferAndDisconnect(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()
	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}")})
	require.NoError(t, err)
	_, err = s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust"})
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeConflict))

	require.NoError(t, s.CloseBuffer("b"))
	_, err = s.Query(ctx, "b", registry.QueryHighlights, nil)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNotFound))

	_, err = s.Open(ctx, OpenRequest{Buffer: "c", Language: "rust", Text: []byte("fn c(){}")})
	require.NoError(t, err)
	assert.Len(t, s.Buffers(), 1)

	m.Disconnect(s.ID)
	assert.Equal(t, SessionClosed, s.State())
	assert.Equal(t, 0, m.Sessions())
	_, err = m.Session(s.ID)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNotFound))
	_, err = s.Edit("c", nil)
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	m := newTestManager(t, Options{})
	activeSession(t, m)
	status := m.Check(context.Background())
	assert.Equal(t, "up", status.Status)
	assert.Contains(t, status.Components["sessions"], "1 active")
}

func TestReconfigure(t *testing.T) {
	m := newTestManager(t, Options{})
	m.Reconfigure(Options{
		Coalesce:     coalescer.Policy{Window: 5 * time.Millisecond, MaxPending: 2, QueueBound: 4},
		Query:        query.Policy{TieBreak: query.TieBreakLaterPattern},
		ParseTimeout: time.Second,
		CacheEntries: 2,
	})
	assert.Equal(t, 2, m.coalescer.Policy().MaxPending)
	assert.Equal(t, query.TieBreakLaterPattern, m.engine.Policy().TieBreak)
	opts, entries := m.documentOptions()
	assert.Equal(t, time.Second, opts.Timeout)
	assert.Equal(t, 2, entries)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to BufferState
		ok       bool
	}{
		{BufferOpening, BufferSynced, true},
		{BufferOpening, BufferDegraded, true},
		{BufferSynced, BufferDegraded, true},
		{BufferDegraded, BufferSynced, true},
		{BufferSynced, BufferClosed, true},
		{BufferClosed, BufferSynced, false},
		{BufferSynced, BufferOpening, false},
	}
	for _, tc := range tests {
		if got := tc.from.canMoveTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	if SessionClosed.canMoveTo(SessionActive) || !SessionConnected.canMoveTo(SessionActive) {
		t.Fatal("unexpected session transitions")
	}
}

func TestResultCache(t *testing.T) {
	c := newResultCache(2)
	r1 := &parser.ByteRange{Start: 0, End: 1}
	c.put(registry.QueryHighlights, nil, query.Result{Version: 3})
	c.put(registry.QueryHighlights, r1, query.Result{Version: 3})

	_, ok := c.get(registry.QueryHighlights, nil, 3)
	assert.True(t, ok)
	_, ok = c.get(registry.QueryHighlights, nil, 4)
	assert.False(t, ok, "a different version must miss")

	c.put(registry.QueryLocals, nil, query.Result{Version: 3})
	_, ok = c.get(registry.QueryHighlights, nil, 3)
	assert.False(t, ok, "oldest entry should be evicted")

	c.put(registry.QueryHighlights, nil, query.Result{Version: 4})
	assert.Equal(t, 1, c.len(), "a newer version drops older entries")
	c.put(registry.QueryHighlights, nil, query.Result{Version: 2})
	_, ok = c.get(registry.QueryHighlights, nil, 2)
	assert.False(t, ok, "older results are not stored")

	// A replaced document numbers its versions from 1 again.
	c.reset()
	c.put(registry.QueryHighlights, nil, query.Result{Version: 1})
	_, ok = c.get(registry.QueryHighlights, nil, 1)
	assert.True(t, ok, "reset must forget the previous document's version")
}

func TestQueryOvertakenByEditIsSuperseded(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()
	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}")})
	require.NoError(t, err)

	m.afterRun = func(*Buffer) {
		m.afterRun = nil
		_, err := s.Edit("b", []parser.Edit{{Seq: 1, StartByte: 5, OldEndByte: 5, Text: "x:i32"}})
		require.NoError(t, err)
	}
	res, err := s.Query(ctx, "b", registry.QueryHighlights, nil)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeSuperseded), "expected superseded, got %v", err)
	assert.Empty(t, res.Captures)

	b, err := s.buffer("b")
	require.NoError(t, err)
	assert.Equal(t, 0, b.cache.len(), "a superseded result must not be cached")

	res, err = s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "variable.parameter", labelAt(res, parser.ByteRange{Start: 5, End: 6}))
}

func TestQueryAcrossLanguageSwitchIsSuperseded(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()
	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}")})
	require.NoError(t, err)

	m.afterRun = func(*Buffer) {
		m.afterRun = nil
		_, err := s.Reload(ctx, "b", []byte("def f(a):\n    return a\n"), 0, "python")
		require.NoError(t, err)
	}
	_, err = s.Query(ctx, "b", registry.QueryHighlights, nil)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeSuperseded), "expected superseded, got %v", err)

	b, err := s.buffer("b")
	require.NoError(t, err)
	assert.Equal(t, 0, b.cache.len(), "a result of the replaced document must not be cached")
}

func TestReloadWithNewLanguageKeepsCaching(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)
	ctx := context.Background()
	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}")})
	require.NoError(t, err)
	_, err = s.Edit("b", []parser.Edit{{Seq: 1, StartByte: 5, OldEndByte: 5, Text: "x:i32"}})
	require.NoError(t, err)
	res, err := s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Version)

	// The new document starts over at version 1.
	_, err = s.Reload(ctx, "b", []byte("def f(a):\n    return a\n"), 0, "python")
	require.NoError(t, err)
	res, err = s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)

	b, err := s.buffer("b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.cache.len())
}

func TestStaleHighlightPushIsDropped(t *testing.T) {
	m := newTestManager(t, Options{})
	pushes := make(chan Push, 4)
	m.SetNotifier(func(_ string, p Push) { pushes <- p })
	s := activeSession(t, m)
	ctx := context.Background()

	_, err := s.Open(ctx, OpenRequest{Buffer: "b", Language: "rust", Text: []byte("fn a(){}"), Highlight: true})
	require.NoError(t, err)
	b, err := s.buffer("b")
	require.NoError(t, err)
	doc, _, _ := b.document()
	require.NotNil(t, doc)
	stale := doc.Snapshot()

	_, err = s.Edit("b", []parser.Edit{{Seq: 1, StartByte: 5, OldEndByte: 5, Text: "x:i32"}})
	require.NoError(t, err)
	// Queued edits make the current tree stale too.
	m.pushHighlights(s.ID, b.key, doc, doc.Snapshot(), parser.ByteRange{Start: 0, End: 8})

	_, err = s.Query(ctx, "b", registry.QueryHighlights, nil)
	require.NoError(t, err)
	m.pushHighlights(s.ID, b.key, doc, stale, parser.ByteRange{Start: 0, End: 8})
	assert.Empty(t, pushes, "pushes for an outdated version must be dropped")

	m.pushHighlights(s.ID, b.key, doc, doc.Snapshot(), parser.ByteRange{Start: 0, End: 13})
	require.Len(t, pushes, 1)
	p := <-pushes
	assert.Equal(t, EventHighlights, p.Event)
	assert.Equal(t, uint64(2), p.Version)
}

func TestSessionLifecycleFollowsTransitions(t *testing.T) {
	m := newTestManager(t, Options{})
	s := activeSession(t, m)

	m.Disconnect(s.ID)
	assert.Equal(t, SessionClosed, s.State())

	_, err := s.Hello("again", "/tmp")
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeConflict), "a closed session must not reactivate, got %v", err)
	assert.Equal(t, SessionClosed, s.State())
}
