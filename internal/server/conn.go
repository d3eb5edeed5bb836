package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/query"
	"sitterd/internal/engine/registry"
	"sitterd/internal/server/protocol"
	"sitterd/internal/session"
	"sitterd/internal/shared/observability"
	"sitterd/internal/shared/util"
)

const writeTimeout = 10 * time.Second

// conn is one control connection. A single reader decodes requests in
// order and submits edits synchronously; queries run on their own
// goroutines. A single writer owns the socket's write side.
type conn struct {
	srv     *Server
	nc      net.Conn
	session *session.Session
	limiter *util.Limiter
	logger  *slog.Logger

	out      chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	queries  sync.WaitGroup
}

func newConn(s *Server, nc net.Conn, sess *session.Session) *conn {
	return &conn{
		srv:     s,
		nc:      nc,
		session: sess,
		limiter: s.limiters.Get(sess.ID),
		logger:  s.logger.With("session", sess.ID),
		out:     make(chan []byte, s.cfg.OutboundBuffer),
		stop:    make(chan struct{}),
	}
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.logger.Debug("connection accepted")
	c.readLoop(ctx)

	cancel()
	c.queries.Wait()
	c.stopOnce.Do(func() { close(c.stop) })
	<-writerDone
	c.nc.Close()
	c.logger.Debug("connection closed")
}

func (c *conn) readLoop(ctx context.Context) {
	r := protocol.NewReader(c.nc, c.srv.cfg.MaxFrameBytes)
	for {
		body, err := r.ReadFrame()
		if err != nil {
			if protocol.Recoverable(err) {
				observability.RequestsTotal.WithLabelValues("unknown", protocol.StatusError).Inc()
				c.respond(protocol.ErrorResponse(0, "", "", err))
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Info("control channel lost", "error", err)
			}
			return
		}

		req, err := protocol.Decode(body)
		if err != nil {
			observability.RequestsTotal.WithLabelValues("invalid", protocol.StatusError).Inc()
			c.respond(protocol.ErrorResponse(req.ID, req.Kind, req.Buffer, err))
			continue
		}
		if throttled(req.Kind) && !c.limiter.Allow(1) {
			err := domainerrors.AddContext(domainerrors.New(domainerrors.CodeRateLimited, "request rate exceeded"), domainerrors.CtxOperation, req.Kind)
			c.finish(req, nil, 0, err)
			continue
		}
		if !c.dispatch(ctx, req) {
			return
		}
	}
}

// throttled reports whether kind is subject to the session rate limit.
// Buffer lifecycle and edit requests are exempt: dropping one would break
// the edit sequence, and the coalescer already bounds their cost.
func throttled(kind string) bool {
	switch kind {
	case protocol.KindQuery, protocol.KindTextObjects, protocol.KindNav, protocol.KindIndentGuides,
		protocol.KindLanguages, protocol.KindPing, protocol.KindBufferStatus:
		return true
	}
	return false
}

func (c *conn) writeLoop() {
	w := bufio.NewWriter(c.nc)
	write := func(frame []byte) bool {
		c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := w.Write(frame); err != nil {
			c.logger.Info("write failed", "error", err)
			return false
		}
		if len(c.out) == 0 {
			if err := w.Flush(); err != nil {
				c.logger.Info("write failed", "error", err)
				return false
			}
		}
		return true
	}
	for {
		select {
		case frame := <-c.out:
			if !write(frame) {
				// Unblocks senders and the reader.
				c.stopOnce.Do(func() { close(c.stop) })
				c.nc.Close()
				return
			}
		case <-c.stop:
			for {
				select {
				case frame := <-c.out:
					if !write(frame) {
						return
					}
				default:
					w.Flush()
					return
				}
			}
		}
	}
}

func (c *conn) enqueue(frame []byte, droppable bool) {
	if droppable {
		select {
		case c.out <- frame:
		case <-c.stop:
		default:
			c.logger.Debug("outbound queue full, push dropped")
		}
		return
	}
	select {
	case c.out <- frame:
	case <-c.stop:
	}
}

func (c *conn) respond(resp protocol.Response) {
	frame, err := protocol.Marshal(resp)
	if err != nil {
		c.logger.Error("response encoding failed", "kind", resp.Kind, "error", err)
		frame, _ = protocol.Marshal(protocol.ErrorResponse(resp.ID, resp.Kind, resp.Buffer, err))
	}
	c.enqueue(frame, false)
}

func (c *conn) push(resp protocol.Response, droppable bool) {
	frame, err := protocol.Marshal(resp)
	if err != nil {
		c.logger.Error("push encoding failed", "event", resp.Event, "error", err)
		return
	}
	c.enqueue(frame, droppable)
}

// finish records and sends the response for req.
func (c *conn) finish(req protocol.Request, result interface{}, version uint64, err error) {
	status := protocol.StatusFor(err)
	observability.RequestsTotal.WithLabelValues(req.Kind, status).Inc()
	if err != nil {
		if status == protocol.StatusError {
			c.logger.Debug("request failed", "kind", req.Kind, "buffer", req.Buffer, "error", err)
		}
		resp := protocol.ErrorResponse(req.ID, req.Kind, req.Buffer, err)
		resp.Version = version
		c.respond(resp)
		return
	}
	c.respond(protocol.Response{
		ID:      req.ID,
		Kind:    req.Kind,
		Buffer:  req.Buffer,
		Version: version,
		Status:  protocol.StatusOK,
		Result:  result,
	})
}

// async runs fn on its own goroutine; the connection waits for it on close.
func (c *conn) async(fn func()) {
	c.queries.Add(1)
	go func() {
		defer c.queries.Done()
		fn()
	}()
}

// dispatch handles one request. It returns false when the connection
// should close.
func (c *conn) dispatch(ctx context.Context, req protocol.Request) bool {
	s := c.session
	switch req.Kind {
	case protocol.KindHello:
		var p protocol.HelloPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		info, err := s.Hello(p.Name, p.Cwd)
		c.finish(req, info, 0, err)

	case protocol.KindPing:
		c.finish(req, protocol.PongResult{Sessions: c.srv.Sessions()}, 0, nil)

	case protocol.KindLanguages:
		c.finish(req, c.srv.manager.Languages(), 0, nil)

	case protocol.KindBufferOpen:
		var p protocol.OpenPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		st, err := s.Open(ctx, session.OpenRequest{
			Buffer:    req.Buffer,
			Path:      p.Path,
			Language:  p.Language,
			Text:      []byte(p.Text),
			Seq:       req.Seq,
			Highlight: p.Highlight,
		})
		c.finish(req, st, st.Version, err)

	case protocol.KindBufferEdit:
		var p protocol.EditPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		edits := make([]parser.Edit, len(p.Edits))
		for i, e := range p.Edits {
			edits[i] = e.Edit()
		}
		st, err := s.Edit(req.Buffer, edits)
		c.finish(req, st, st.Version, err)

	case protocol.KindBufferReload:
		var p protocol.ReloadPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		st, err := s.Reload(ctx, req.Buffer, []byte(p.Text), req.Seq, p.Language)
		c.finish(req, st, st.Version, err)

	case protocol.KindBufferClose:
		c.finish(req, nil, 0, s.CloseBuffer(req.Buffer))

	case protocol.KindBufferStatus:
		st, err := s.Status(req.Buffer)
		c.finish(req, st, st.Version, err)

	case protocol.KindQuery:
		var p protocol.QueryPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		kind, _ := registry.ParseQueryKind(p.Query)
		var rng *parser.ByteRange
		if p.Range != nil {
			r := p.Range.ByteRange()
			rng = &r
		}
		c.async(func() {
			if p.Format == protocol.FormatKakoune {
				res, ranges, err := s.Render(ctx, req.Buffer, kind, rng)
				c.finish(req, protocol.QueryResult{Result: res, Ranges: ranges}, res.Version, err)
				return
			}
			res, err := s.Query(ctx, req.Buffer, kind, rng)
			c.finish(req, protocol.QueryResult{Result: res}, res.Version, err)
		})

	case protocol.KindTextObjects:
		var p protocol.TextObjectsPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		mode := query.ModeObject
		if p.Mode != "" {
			mode, _ = query.ParseTextObjectMode(p.Mode)
		}
		c.async(func() {
			sels, version, err := s.TextObjects(ctx, req.Buffer, p.Pattern, mode, protocol.ByteRanges(p.Selections))
			c.finish(req, protocol.SelectionsResult{Selections: sels}, version, err)
		})

	case protocol.KindNav:
		var p protocol.NavPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		dir, _ := parser.ParseNavDir(p.Direction)
		c.async(func() {
			sels, version, err := s.Nav(ctx, req.Buffer, protocol.ByteRanges(p.Selections), dir)
			c.finish(req, protocol.SelectionsResult{Selections: sels}, version, err)
		})

	case protocol.KindIndentGuides:
		var p protocol.IndentGuidesPayload
		if err := protocol.DecodePayload(req, &p); err != nil {
			c.finish(req, nil, 0, err)
			return true
		}
		c.async(func() {
			guides, version, err := s.IndentGuides(ctx, req.Buffer)
			out := protocol.GuidesResult{Guides: guides}
			if p.Format == protocol.FormatKakoune {
				out.Ranges = query.KakouneGuidelines(guides)
			}
			c.finish(req, out, version, err)
		})

	case protocol.KindSessionExit:
		c.finish(req, nil, 0, nil)
		return false

	case protocol.KindShutdown:
		c.finish(req, nil, 0, nil)
		c.logger.Info("shutdown requested")
		c.srv.Shutdown()
		return false

	default:
		c.finish(req, nil, 0, domainerrors.Newf(domainerrors.CodeNotSupported, "unsupported request kind %q", req.Kind))
	}
	return true
}
