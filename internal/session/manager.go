// Package session tracks editor sessions and their buffers and routes
// buffer operations through the parser, coalescer and query engine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/coalescer"
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/query"
	"sitterd/internal/engine/registry"
	"sitterd/internal/shared/observability"

	"github.com/google/uuid"
)

// Push events.
const (
	EventHighlights     = "highlights"
	EventDegraded       = "degraded"
	EventSynced         = "synced"
	EventResyncRequired = "resync_required"
)

// Push is an asynchronous notification for one buffer of one session.
type Push struct {
	Event   string                 `json:"event"`
	Buffer  string                 `json:"buffer"`
	Version uint64                 `json:"version"`
	Range   *parser.ByteRange      `json:"range,omitempty"`
	Result  *query.Result          `json:"result,omitempty"`
	Ranges  []string               `json:"ranges,omitempty"`
	Code    domainerrors.ErrorCode `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Notifier delivers pushes. It is called from background goroutines and
// must not block for long.
type Notifier func(sessionID string, p Push)

type Options struct {
	Coalesce     coalescer.Policy
	Query        query.Policy
	ParseTimeout time.Duration
	CacheEntries int
	Logger       *slog.Logger
}

type Manager struct {
	registry  *registry.Registry
	engine    *query.Engine
	coalescer *coalescer.Coalescer
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// afterRun, when set, runs between query execution and the staleness check.
	afterRun func(*Buffer)

	mu           sync.RWMutex
	parseTimeout time.Duration
	cacheEntries int
	notifier     Notifier
	sessions     map[string]*Session
	routes       map[string]route
	closed       bool
}

type route struct {
	session *Session
	buffer  *Buffer
}

func NewManager(reg *registry.Registry, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:     reg,
		engine:       query.NewEngine(opts.Query, logger),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		parseTimeout: opts.ParseTimeout,
		cacheEntries: opts.CacheEntries,
		sessions:     make(map[string]*Session),
		routes:       make(map[string]route),
	}
	m.coalescer = coalescer.New(opts.Coalesce, coalescer.WithLogger(logger), coalescer.WithFlushFunc(m.onFlush))
	return m
}

func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// Reconfigure applies hot-reloadable policy. Documents opened earlier keep
// their parse timeout.
func (m *Manager) Reconfigure(opts Options) {
	m.coalescer.SetPolicy(opts.Coalesce)
	m.engine.SetPolicy(opts.Query)
	m.mu.Lock()
	m.parseTimeout = opts.ParseTimeout
	m.cacheEntries = opts.CacheEntries
	m.mu.Unlock()
	m.logger.Info("session policy reloaded",
		"window", opts.Coalesce.Window, "max_pending", opts.Coalesce.MaxPending,
		"queue_bound", opts.Coalesce.QueueBound, "tie_break", opts.Query.TieBreak)
}

func (m *Manager) documentOptions() (parser.Options, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return parser.Options{Timeout: m.parseTimeout, Logger: m.logger}, m.cacheEntries
}

// Connect creates a session for a new control connection.
func (m *Manager) Connect() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domainerrors.New(domainerrors.CodeConflict, "server shutting down")
	}
	s := &Session{
		ID:      uuid.NewString(),
		m:       m,
		state:   SessionConnected,
		created: time.Now(),
		buffers: make(map[string]*Buffer),
	}
	m.sessions[s.ID] = s
	observability.SessionsActive.Inc()
	m.logger.Debug("session connected", "session", s.ID)
	return s, nil
}

func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domainerrors.AddContext(domainerrors.New(domainerrors.CodeNotFound, "unknown session"), domainerrors.CtxSession, id)
	}
	return s, nil
}

// Disconnect closes a session and every buffer it owns.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	observability.SessionsActive.Dec()
}

func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Languages() []registry.LanguageInfo {
	return m.registry.Languages()
}

func (m *Manager) addRoute(key string, s *Session, b *Buffer) {
	m.mu.Lock()
	m.routes[key] = route{session: s, buffer: b}
	m.mu.Unlock()
}

func (m *Manager) dropRoute(key string) {
	m.mu.Lock()
	delete(m.routes, key)
	m.mu.Unlock()
}

func (m *Manager) lookupRoute(key string) (route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[key]
	return r, ok
}

func (m *Manager) notify(sessionID string, p Push) {
	m.mu.RLock()
	n := m.notifier
	m.mu.RUnlock()
	if n == nil {
		return
	}
	observability.PushesTotal.WithLabelValues(p.Event).Inc()
	n(sessionID, p)
}

// onFlush runs after every coalescer flush that applied edits.
func (m *Manager) onFlush(key string, trigger string, upd parser.Update, err error) {
	r, ok := m.lookupRoute(key)
	if !ok {
		return
	}
	b := r.buffer

	b.mu.Lock()
	if b.state == BufferClosed {
		b.mu.Unlock()
		return
	}
	wasDegraded := b.state == BufferDegraded
	switch {
	case err == nil:
		b.setStateLocked(BufferSynced, "")
	case domainerrors.IsCode(err, domainerrors.CodeParseTimeout):
		b.setStateLocked(BufferDegraded, domainerrors.CodeParseTimeout)
	case domainerrors.IsCode(err, domainerrors.CodeSequenceGap), domainerrors.IsCode(err, domainerrors.CodeInvariantViolation):
		b.setStateLocked(BufferDegraded, domainerrors.CodeOf(err))
	case domainerrors.IsCode(err, domainerrors.CodeNotFound):
		b.mu.Unlock()
		return
	default:
		b.setStateLocked(BufferDegraded, domainerrors.CodeOf(err))
	}
	highlight := b.highlight
	doc := b.doc
	b.mu.Unlock()

	if err != nil {
		event := EventDegraded
		if domainerrors.IsCode(err, domainerrors.CodeSequenceGap) || domainerrors.IsCode(err, domainerrors.CodeInvariantViolation) {
			event = EventResyncRequired
		}
		m.logger.Warn("buffer flush failed", "session", r.session.ID, "buffer", b.Name, "trigger", trigger, "error", err)
		m.notify(r.session.ID, Push{Event: event, Buffer: b.Name, Version: upd.Version, Code: domainerrors.CodeOf(err), Message: domainerrors.MessageOf(err)})
		return
	}
	if wasDegraded {
		m.notify(r.session.ID, Push{Event: EventSynced, Buffer: b.Name, Version: upd.Version})
	}
	// Query-triggered flushes are answered by the query itself.
	if !highlight || doc == nil || trigger == coalescer.TriggerQuery {
		return
	}
	rng, ok := parser.Bounds(upd.Changed)
	if !ok {
		return
	}
	snap := doc.Snapshot()
	if !m.spawn(func() { m.pushHighlights(r.session.ID, key, doc, snap, rng) }) {
		snap.Close()
	}
}

func (m *Manager) pushHighlights(sessionID, key string, doc *parser.Document, snap *parser.Snapshot, rng parser.ByteRange) {
	defer snap.Close()
	res, err := m.engine.Run(m.ctx, snap, registry.QueryHighlights, &rng)
	if err != nil {
		m.logger.Debug("highlight push failed", "session", sessionID, "error", err)
		return
	}
	r, ok := m.lookupRoute(key)
	if !ok {
		return
	}
	if !m.current(r.buffer, doc, snap.Version) {
		observability.StaleResultsTotal.Inc()
		return
	}
	m.notify(sessionID, Push{
		Event:   EventHighlights,
		Buffer:  r.buffer.Name,
		Version: snap.Version,
		Range:   &rng,
		Result:  &res,
		Ranges:  query.KakouneRanges(snap.Source, res.Captures),
	})
}

// current reports whether a result computed from doc at version still
// describes the buffer: same document, same version, no queued edits.
func (m *Manager) current(b *Buffer, doc *parser.Document, version uint64) bool {
	b.mu.Lock()
	same := b.doc == doc
	b.mu.Unlock()
	return same && doc.Version() == version && m.coalescer.Pending(b.key) == 0
}

func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// Check implements observability.HealthChecker.
func (m *Manager) Check(ctx context.Context) observability.HealthStatus {
	m.mu.RLock()
	sessions, buffers, closed := len(m.sessions), len(m.routes), m.closed
	m.mu.RUnlock()

	status := observability.HealthStatus{
		Status:    "up",
		Timestamp: time.Now().UTC(),
		Components: map[string]string{
			"sessions": fmt.Sprintf("ok (%d active, %d buffers)", sessions, buffers),
			"registry": fmt.Sprintf("ok (%d grammars loaded)", m.registry.Loaded()),
		},
	}
	if closed {
		status.Status = "down"
		status.Components["sessions"] = "closed"
	}
	return status
}

// Close disconnects every session and stops background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		s := m.sessions[id]
		delete(m.sessions, id)
		m.mu.Unlock()
		if s != nil {
			s.close()
			observability.SessionsActive.Dec()
		}
	}
	m.coalescer.Close()
	m.cancel()
	m.wg.Wait()
}
