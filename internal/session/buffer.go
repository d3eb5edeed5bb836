package session

import (
	"sync"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/parser"
	"sitterd/internal/shared/observability"
)

// Buffer is one open file of a session. A buffer without a document is
// one whose language could not be resolved; it stays degraded until a
// reload succeeds.
type Buffer struct {
	Name string
	key  string

	mu        sync.Mutex
	path      string
	language  string
	state     BufferState
	reason    domainerrors.ErrorCode
	doc       *parser.Document
	seq       uint64
	highlight bool
	cache     *resultCache
}

type BufferStatus struct {
	Buffer   string                 `json:"buffer"`
	Path     string                 `json:"path,omitempty"`
	Language string                 `json:"language,omitempty"`
	State    BufferState            `json:"state"`
	Version  uint64                 `json:"version"`
	Seq      uint64                 `json:"seq"`
	Pending  int                    `json:"pending,omitempty"`
	Reason   domainerrors.ErrorCode `json:"reason,omitempty"`
	Changed  []parser.ByteRange     `json:"changed,omitempty"`
}

func newBuffer(name, key, path string, highlight bool, cacheEntries int) *Buffer {
	observability.BuffersOpen.WithLabelValues(string(BufferOpening)).Inc()
	return &Buffer{
		Name:      name,
		key:       key,
		path:      path,
		state:     BufferOpening,
		highlight: highlight,
		cache:     newResultCache(cacheEntries),
	}
}

// setStateLocked moves the buffer to next, ignoring illegal transitions.
func (b *Buffer) setStateLocked(next BufferState, reason domainerrors.ErrorCode) bool {
	if !b.state.canMoveTo(next) {
		return false
	}
	observability.BuffersOpen.WithLabelValues(string(b.state)).Dec()
	if next != BufferClosed {
		observability.BuffersOpen.WithLabelValues(string(next)).Inc()
	}
	b.state = next
	b.reason = reason
	if next == BufferSynced {
		b.reason = ""
	}
	return true
}

func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffer) Language() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

func (b *Buffer) document() (*parser.Document, BufferState, domainerrors.ErrorCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc, b.state, b.reason
}

func (b *Buffer) statusLocked() BufferStatus {
	st := BufferStatus{
		Buffer:   b.Name,
		Path:     b.path,
		Language: b.language,
		State:    b.state,
		Seq:      b.seq,
		Reason:   b.reason,
	}
	if b.doc != nil {
		st.Version = b.doc.Version()
		st.Seq = b.doc.Seq()
	}
	return st
}

func (b *Buffer) Status() BufferStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}
