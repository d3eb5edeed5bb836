// Package coalescer batches bursts of buffer edits into as few reparses as
// possible without changing what the buffer ends up containing.
package coalescer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/parser"
	"sitterd/internal/shared/observability"
)

// Flush triggers.
const (
	TriggerBound      = "bound"
	TriggerQuiescence = "quiescence"
	TriggerQuery      = "query"
)

const (
	DefaultWindow     = 50 * time.Millisecond
	DefaultMaxPending = 64
	DefaultQueueBound = 512
)

// Target is the buffer a queue flushes into.
type Target interface {
	ApplyEdits(ctx context.Context, edits []parser.Edit, full bool) (parser.Update, error)
	Seq() uint64
}

type Policy struct {
	// Window is the quiet period after the last submit before a flush.
	Window time.Duration
	// MaxPending is the number of submits that forces a flush.
	MaxPending int
	// QueueBound is the number of distinct queued edits past which the
	// batch is applied as a full resync.
	QueueBound int
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.MaxPending <= 0 {
		p.MaxPending = DefaultMaxPending
	}
	if p.QueueBound <= 0 {
		p.QueueBound = DefaultQueueBound
	}
	return p
}

// FlushFunc observes every flush that actually applied edits, including
// background ones nobody waits on.
type FlushFunc func(buffer string, trigger string, upd parser.Update, err error)

type Coalescer struct {
	logger  *slog.Logger
	onFlush FlushFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	policy Policy
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Coalescer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coalescer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithFlushFunc(fn FlushFunc) Option {
	return func(c *Coalescer) { c.onFlush = fn }
}

func New(policy Policy, opts ...Option) *Coalescer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coalescer{
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		policy: policy.withDefaults(),
		queues: make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPolicy replaces the batching policy. Running timers keep their window.
func (c *Coalescer) SetPolicy(p Policy) {
	c.mu.Lock()
	c.policy = p.withDefaults()
	c.mu.Unlock()
}

func (c *Coalescer) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

type queue struct {
	buffer string
	target Target

	// flushMu serializes flushes of one buffer.
	flushMu sync.Mutex

	mu        sync.Mutex
	pending   []parser.Edit
	submitted int
	lastSeq   uint64
	overflow  bool
	timer     *time.Timer
	removed   bool
	// scheduled is set while a bound flush has been started but has not
	// yet taken the pending edits.
	scheduled bool
}

// Open registers a buffer. Submits continue from target's current seq.
func (c *Coalescer) Open(buffer string, target Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domainerrors.New(domainerrors.CodeConflict, "coalescer closed")
	}
	if _, ok := c.queues[buffer]; ok {
		return domainerrors.AddContext(domainerrors.New(domainerrors.CodeConflict, "buffer already registered"), domainerrors.CtxBuffer, buffer)
	}
	c.queues[buffer] = &queue{buffer: buffer, target: target, lastSeq: target.Seq()}
	return nil
}

// Remove drops a buffer and everything queued for it.
func (c *Coalescer) Remove(buffer string) {
	c.mu.Lock()
	q, ok := c.queues[buffer]
	delete(c.queues, buffer)
	c.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.removed = true
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()
}

func (c *Coalescer) lookup(buffer string) (*queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[buffer]
	if !ok {
		return nil, domainerrors.AddContext(domainerrors.New(domainerrors.CodeNotFound, "buffer not registered"), domainerrors.CtxBuffer, buffer)
	}
	return q, nil
}

// Submit queues edit without blocking on any parse. An edit that does not
// continue the accepted sequence is rejected with SEQUENCE_GAP.
func (c *Coalescer) Submit(buffer string, edit parser.Edit) error {
	q, err := c.lookup(buffer)
	if err != nil {
		return err
	}
	policy := c.Policy()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removed {
		return domainerrors.AddContext(domainerrors.New(domainerrors.CodeNotFound, "buffer closed"), domainerrors.CtxBuffer, buffer)
	}

	if edit.FirstSeq == 0 {
		edit.FirstSeq = edit.Seq
	}
	if edit.FirstSeq != q.lastSeq+1 || edit.Seq < edit.FirstSeq {
		observability.SequenceGapsTotal.Inc()
		return domainerrors.AddContext(
			domainerrors.AddContext(
				domainerrors.Newf(domainerrors.CodeSequenceGap, "expected seq %d, got %d", q.lastSeq+1, edit.FirstSeq),
				domainerrors.CtxBuffer, buffer),
			domainerrors.CtxSeq, edit.FirstSeq)
	}
	if edit.StartByte > edit.OldEndByte {
		return domainerrors.AddContext(
			domainerrors.Newf(domainerrors.CodeValidationError, "edit start %d after end %d", edit.StartByte, edit.OldEndByte),
			domainerrors.CtxBuffer, buffer)
	}
	q.lastSeq = edit.Seq
	q.submitted++
	observability.EditsSubmittedTotal.Inc()

	if n := len(q.pending); n > 0 && touches(q.pending[n-1], edit) {
		q.pending[n-1] = merge(q.pending[n-1], edit)
		observability.EditsMergedTotal.Inc()
	} else {
		q.pending = append(q.pending, edit)
	}
	if len(q.pending) > policy.QueueBound && !q.overflow {
		q.overflow = true
		c.logger.Debug("edit queue overflow, next flush resyncs", "buffer", buffer, "queued", len(q.pending))
	}

	if q.submitted > policy.MaxPending {
		if q.timer != nil {
			q.timer.Stop()
		}
		if !q.scheduled {
			q.scheduled = true
			c.spawn(func() { c.flushQueue(c.ctx, q, TriggerBound) })
		}
		return nil
	}

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(policy.Window, func() {
		c.spawn(func() { c.flushQueue(c.ctx, q, TriggerQuiescence) })
	})
	return nil
}

// spawn runs fn in a tracked goroutine unless the coalescer is closed.
func (c *Coalescer) spawn(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Flush applies everything queued for buffer and returns the resulting
// state. It waits for a flush already in flight.
func (c *Coalescer) Flush(ctx context.Context, buffer string) (parser.Update, error) {
	q, err := c.lookup(buffer)
	if err != nil {
		return parser.Update{}, err
	}
	upd, _, err := c.flushQueue(ctx, q, TriggerQuery)
	return upd, err
}

func (c *Coalescer) flushQueue(ctx context.Context, q *queue, trigger string) (parser.Update, bool, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	edits := q.pending
	full := q.overflow
	q.pending = nil
	q.submitted = 0
	q.overflow = false
	q.scheduled = false
	removed := q.removed
	q.mu.Unlock()

	if removed {
		return parser.Update{}, false, domainerrors.AddContext(domainerrors.New(domainerrors.CodeNotFound, "buffer closed"), domainerrors.CtxBuffer, q.buffer)
	}
	if len(edits) == 0 {
		if trigger == TriggerQuery {
			upd, err := q.target.ApplyEdits(ctx, nil, false)
			return upd, false, err
		}
		return parser.Update{}, false, nil
	}

	if full {
		observability.OverflowResyncTotal.Inc()
	}
	observability.FlushTotal.WithLabelValues(trigger).Inc()
	upd, err := q.target.ApplyEdits(ctx, edits, full)
	if err != nil {
		c.logger.Debug("flush failed", "buffer", q.buffer, "trigger", trigger, "edits", len(edits), "error", err)
		if domainerrors.IsCode(err, domainerrors.CodeSequenceGap) || domainerrors.IsCode(err, domainerrors.CodeInvariantViolation) {
			// The batch is gone; later submits must follow a resync.
			q.mu.Lock()
			q.pending = nil
			q.lastSeq = q.target.Seq()
			q.mu.Unlock()
		}
	}
	if c.onFlush != nil {
		c.onFlush(q.buffer, trigger, upd, err)
	}
	return upd, true, err
}

// Reset discards queued edits and restarts the accepted sequence at seq,
// typically after a full resync of the buffer.
func (c *Coalescer) Reset(buffer string, seq uint64) error {
	q, err := c.lookup(buffer)
	if err != nil {
		return err
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
	}
	q.pending = nil
	q.submitted = 0
	q.overflow = false
	q.lastSeq = seq
	return nil
}

// Pending returns the number of distinct queued edits for buffer.
func (c *Coalescer) Pending(buffer string) int {
	q, err := c.lookup(buffer)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// LastSeq returns the last accepted sequence number for buffer.
func (c *Coalescer) LastSeq(buffer string) (uint64, bool) {
	q, err := c.lookup(buffer)
	if err != nil {
		return 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSeq, true
}

// Close stops all timers, cancels background flushes and waits for them.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queues := c.queues
	c.queues = make(map[string]*queue)
	c.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.removed = true
		if q.timer != nil {
			q.timer.Stop()
		}
		q.mu.Unlock()
	}
	c.cancel()
	c.wg.Wait()
}
