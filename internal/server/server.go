// Package server exposes the session manager on a Unix domain socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/server/protocol"
	"sitterd/internal/session"
	"sitterd/internal/shared/util"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	SocketPath        string
	MaxFrameBytes     int
	RequestsPerSecond float64
	Burst             int
	OutboundBuffer    int
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2000
	}
	if c.Burst <= 0 {
		c.Burst = 500
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	return c
}

type Server struct {
	cfg      Config
	manager  *session.Manager
	limiters *util.LimiterRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	stop     context.CancelFunc
	stopped  bool
}

func New(cfg Config, m *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		manager:  m,
		limiters: util.NewLimiterRegistry(cfg.RequestsPerSecond, cfg.Burst, 0),
		logger:   logger,
		conns:    make(map[string]*conn),
	}
	m.SetNotifier(s.deliver)
	return s
}

// Listen creates the control socket. A socket file left behind by a dead
// daemon is replaced; a live one is an error.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "create socket directory")
	}
	if _, err := os.Stat(path); err == nil {
		c, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
		if dialErr == nil {
			c.Close()
			return nil, domainerrors.AddContext(domainerrors.New(domainerrors.CodeConflict, "another daemon is listening"), domainerrors.CtxPath, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "remove stale socket")
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "listen on socket")
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "restrict socket permissions")
	}
	return ln, nil
}

// ListenAndServe listens on the configured socket and serves until ctx is
// cancelled or a shutdown request arrives.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(s.cfg.SocketPath)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Each connection becomes one session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped || s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return domainerrors.New(domainerrors.CodeConflict, "server already started")
	}
	s.listener = ln
	s.stop = cancel
	s.mu.Unlock()

	s.logger.Info("listening", "socket", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			c, err := s.register(nc)
			if err != nil {
				s.logger.Warn("connection rejected", "error", err)
				nc.Close()
				continue
			}
			g.Go(func() error {
				c.serve(gctx)
				s.unregister(c)
				return nil
			})
		}
	})
	err := g.Wait()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.limiters.Close()
	s.logger.Info("server stopped")
	return err
}

// Shutdown stops accepting connections and closes every session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) register(nc net.Conn) (*conn, error) {
	sess, err := s.manager.Connect()
	if err != nil {
		return nil, err
	}
	c := newConn(s, nc, sess)
	s.mu.Lock()
	s.conns[sess.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.session.ID)
	s.mu.Unlock()
	s.limiters.Remove(c.session.ID)
	s.manager.Disconnect(c.session.ID)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}
}

// deliver routes a push to the connection owning the session.
func (s *Server) deliver(sessionID string, p session.Push) {
	s.mu.Lock()
	c, ok := s.conns[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	status := protocol.StatusOK
	if p.Event == session.EventResyncRequired {
		status = protocol.StatusResyncRequired
	}
	resp := protocol.Response{
		Kind:    protocol.KindPush,
		Event:   p.Event,
		Buffer:  p.Buffer,
		Version: p.Version,
		Status:  status,
		Result:  p,
	}
	c.push(resp, p.Event == session.EventHighlights)
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
