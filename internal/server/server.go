// Package server accepts control and audio clients one at a time per
// listener and hands each connection to its session handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	ListenerControl = "control"
	ListenerAudio   = "audio"
)

// Handler serves one accepted connection until it ends. The server closes
// the connection afterwards.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn, id string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn, id string) error

func (f HandlerFunc) Serve(ctx context.Context, conn net.Conn, id string) error {
	return f(ctx, conn, id)
}

// HealthReporter is told when a listener starts or stops accepting.
type HealthReporter interface {
	SetServing(listener string, serving bool)
}

// Config names the two TCP addresses.
type Config struct {
	ControlAddr string
	AudioAddr   string
}

// Server owns the control and audio listeners.
type Server struct {
	cfg     Config
	control Handler
	audio   Handler
	health  HealthReporter
	logger  *slog.Logger

	// NewID names accepted connections; uuid.NewString by default.
	NewID func() string

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// New builds a server. health may be nil.
func New(cfg Config, control, audio Handler, health HealthReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:       cfg,
		control:   control,
		audio:     audio,
		health:    health,
		logger:    logger,
		NewID:     uuid.NewString,
		listeners: make(map[string]net.Listener),
	}
}

// Listen binds both listeners. A bind failure closes whatever was bound.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	bind := func(name, addr string) error {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
		}
		s.mu.Lock()
		s.listeners[name] = ln
		s.mu.Unlock()
		s.logger.Info("listener bound", "listener", name, "addr", ln.Addr().String())
		return nil
	}

	if err := bind(ListenerControl, s.cfg.ControlAddr); err != nil {
		return err
	}
	if err := bind(ListenerAudio, s.cfg.AudioAddr); err != nil {
		s.Close()
		return err
	}
	return nil
}

// Addr returns the bound address of a listener, or nil before Listen.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[name]; ok {
		return ln.Addr()
	}
	return nil
}

// Close closes both listeners.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ln := range s.listeners {
		_ = ln.Close()
		delete(s.listeners, name)
	}
}

// Run accepts on both listeners until ctx ends or one accept loop fails.
// Cancelling ctx closes the listeners and any active connection.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	control, audio := s.listeners[ListenerControl], s.listeners[ListenerAudio]
	s.mu.Unlock()
	if control == nil || audio == nil {
		return errors.New("server is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, s.Close)
	defer stop()

	g.Go(func() error { return s.acceptLoop(gctx, ListenerControl, control, s.control) })
	g.Go(func() error { return s.acceptLoop(gctx, ListenerAudio, audio, s.audio) })

	err := g.Wait()
	s.Close()
	return err
}

// acceptLoop serves one client at a time. The next accept is only issued
// after the previous session has ended.
func (s *Server) acceptLoop(ctx context.Context, name string, ln net.Listener, handler Handler) error {
	s.setServing(name, true)
	defer s.setServing(name, false)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept %s connection: %w", name, err)
		}
		s.serveConn(ctx, name, conn, handler)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) serveConn(ctx context.Context, name string, conn net.Conn, handler Handler) {
	id := s.NewID()
	logger := s.logger.With("listener", name, "session_id", id, "peer", conn.RemoteAddr().String())
	logger.Info("client connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err := handler.Serve(ctx, conn, id)
	stop()
	_ = conn.Close()

	if err != nil {
		logger.Info("client disconnected", "error", err.Error())
		return
	}
	logger.Info("client disconnected")
}

func (s *Server) setServing(name string, serving bool) {
	if s.health == nil {
		return
	}
	s.health.SetServing(name, serving)
}
