// Package ipc serves the bridge protocol on a unix socket, one connection at
// a time, and provides the matching client.
package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/modbridge/internal/bridge"
	"github.com/basket/modbridge/internal/config"
	"github.com/basket/modbridge/internal/protocol"
)

type Config struct {
	RuntimeDir      string
	MaxMessageBytes int64
	// ReadTimeout bounds reading one request. 0 waits forever.
	ReadTimeout     time.Duration
	AcceptBackoff   time.Duration
	StopJoinTimeout time.Duration

	Router *bridge.Router
	Logger *slog.Logger
}

// ConfigFrom maps daemon settings onto a server Config.
func ConfigFrom(cfg config.Config, router *bridge.Router, logger *slog.Logger) Config {
	return Config{
		RuntimeDir:      cfg.RuntimeDir,
		MaxMessageBytes: cfg.MaxMessageBytes,
		ReadTimeout:     cfg.ReadTimeout(),
		AcceptBackoff:   cfg.AcceptBackoff(),
		StopJoinTimeout: cfg.StopJoinTimeout(),
		Router:          router,
		Logger:          logger,
	}
}

// Server owns at most one listener. Start and Stop are idempotent and safe
// to call from any goroutine.
type Server struct {
	cfg Config

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	socketPath string
	done       chan struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = bridge.NewRouter(bridge.RouterConfig{Logger: cfg.Logger})
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = config.DefaultAcceptBackoffMs * time.Millisecond
	}
	if cfg.StopJoinTimeout <= 0 {
		cfg.StopJoinTimeout = config.DefaultStopJoinTimeoutMs * time.Millisecond
	}
	closed := make(chan struct{})
	close(closed)
	return &Server{cfg: cfg, done: closed}
}

func (s *Server) Router() *bridge.Router { return s.cfg.Router }

// SetAuthToken rotates the token checked on every request.
func (s *Server) SetAuthToken(token string) {
	s.cfg.Router.SetAuthToken(token)
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SocketPath returns the path of the live listener, or "" when stopped.
func (s *Server) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ""
	}
	return s.socketPath
}

// Done is closed once the current accept loop has exited.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start listens on channel with the given auth token. Calling Start on a
// running server is a no-op.
func (s *Server) Start(ctx context.Context, channel, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	path := config.ResolveChannel(s.cfg.RuntimeDir, channel)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.cfg.Router.SetAuthToken(token)
	s.running = true
	s.listener = ln
	s.socketPath = path
	s.done = make(chan struct{})
	go s.acceptLoop(context.WithoutCancel(ctx), ln, s.done)

	s.cfg.Logger.Info("bridge listening", "socket", path, "auth", token != "")
	return nil
}

// removeStaleSocket deletes a socket file nobody is accepting on.
func removeStaleSocket(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("channel %s is already served by another process", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, waits up to StopJoinTimeout for the accept loop
// and destroys every context. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	ln, done := s.detachLocked()
	s.mu.Unlock()

	_ = ln.Close()
	timer := time.NewTimer(s.cfg.StopJoinTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.cfg.Logger.Warn("accept loop did not exit in time", "timeout", s.cfg.StopJoinTimeout)
	case <-ctx.Done():
	}
	s.teardown(ctx)
	return nil
}

// detachLocked marks the server stopped and hands back its listener.
func (s *Server) detachLocked() (net.Listener, chan struct{}) {
	s.running = false
	ln := s.listener
	s.listener = nil
	return ln, s.done
}

func (s *Server) teardown(ctx context.Context) {
	s.cfg.Router.Registry().StopAll(ctx)
	s.mu.Lock()
	path := s.socketPath
	running := s.running
	s.mu.Unlock()
	if !running && path != "" {
		_ = os.Remove(path)
	}
	s.cfg.Logger.Info("bridge stopped", "socket", path)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Warn("accept failed", "error", err)
			time.Sleep(s.cfg.AcceptBackoff)
			continue
		}
		if stop := s.serveConn(ctx, conn); stop {
			s.stopFromLoop(ctx, ln)
			return
		}
	}
}

// stopFromLoop handles stop-server after its response has been written.
func (s *Server) stopFromLoop(ctx context.Context, ln net.Listener) {
	s.mu.Lock()
	if !s.running || s.listener != ln {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.mu.Unlock()
	_ = ln.Close()
	s.teardown(ctx)
}

// serveConn answers one request and closes the connection. It reports
// whether the request asked the server to stop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) bool {
	defer conn.Close()
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	raw, err := readMessage(conn, s.cfg.MaxMessageBytes)
	if err != nil {
		s.cfg.Logger.Warn("dropping connection", "error", err)
		return false
	}
	resp, stop := s.cfg.Router.Handle(ctx, raw)
	if _, err := conn.Write(protocol.Encode(resp)); err != nil {
		s.cfg.Logger.Warn("write response failed", "error", err)
	}
	return stop
}

// readMessage reads up to the first newline or end of stream.
func readMessage(r io.Reader, limit int64) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, limit+1))
	raw, err := br.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("request exceeds %d bytes", limit)
	}
	return raw, nil
}
