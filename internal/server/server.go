// Package server owns the TCP control socket of one module. It accepts
// orchestrator connections, dispatches line commands against the shared
// worker registry, and supervises graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstream/modctl/internal/registry"
	"github.com/labstream/modctl/internal/worker"
)

// ErrBind wraps listener setup failures (e.g. address in use). Fatal at
// startup, never retried at this layer.
var ErrBind = errors.New("bind error")

// Lifecycle states of the control server itself.
const (
	StateCreated      = "CREATED"
	StateListening    = "LISTENING"
	StateShuttingDown = "SHUTTING_DOWN"
	StateClosed       = "CLOSED"
)

// Handler serves one command. It returns the OK payload, or an error that
// is mapped onto a protocol error kind for the ERROR reply.
type Handler func(ctx context.Context, args []string) (string, error)

// Config holds control server settings.
type Config struct {
	// Name identifies the module in logs.
	Name string

	// Addr is the TCP bind address, e.g. "127.0.0.1:8080".
	Addr string

	// StopTimeout bounds graceful worker stops triggered by the stop and
	// stopall commands and by Shutdown. Zero means worker.DefaultStopTimeout.
	StopTimeout time.Duration
}

// Server is the module control server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	builders map[string]worker.Builder
	dispatch map[string]Handler

	mu       sync.Mutex
	state    string
	listener net.Listener
	conns    map[string]net.Conn

	handlers sync.WaitGroup
	shutdown sync.Once
}

// New composes a control server. builders maps worker names to their unit
// factories; extensions adds module-specific commands to the core
// dispatch table (start, stop, status, list, ping, commands, stopall,
// quit) and may not shadow a core command.
func New(cfg Config, reg *registry.Registry, builders map[string]worker.Builder, extensions map[string]Handler, logger *slog.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("control server: bind address is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = worker.DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if builders == nil {
		builders = map[string]worker.Builder{}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		builders: builders,
		state:    StateCreated,
		conns:    make(map[string]net.Conn),
	}

	s.dispatch = map[string]Handler{
		"start":    s.handleStart,
		"stop":     s.handleStop,
		"status":   s.handleStatus,
		"list":     s.handleList,
		"ping":     s.handlePing,
		"commands": s.handleCommands,
		"stopall":  s.handleStopAll,
		"quit":     s.handleQuit,
	}
	for name, h := range extensions {
		if _, exists := s.dispatch[name]; exists {
			return nil, fmt.Errorf("extension command %q shadows a core command", name)
		}
		s.dispatch[name] = h
	}

	return s, nil
}

// State reports the server lifecycle state.
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listener address, useful when cfg.Addr used
// port 0. Empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the control socket and begins accepting connections in the
// background. A bind failure is returned wrapped in ErrBind.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("control server already started (state %s)", s.state)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrBind, s.cfg.Addr, err)
	}
	s.listener = ln
	s.state = StateListening
	s.mu.Unlock()

	s.logger.Info("control server listening", "name", s.cfg.Name, "addr", ln.Addr().String())
	go s.acceptLoop(ln)
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down with the configured stop timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Shutdown(s.cfg.StopTimeout); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.State() != StateListening {
				return // listener closed by Shutdown
			}
			// Transient failures (e.g. fd exhaustion) retry with a capped
			// backoff so the server keeps accepting once pressure eases.
			if backoff == 0 {
				backoff = 10 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		// Register under the same lock that Shutdown uses to flip the
		// state, so a connection accepted during shutdown is closed here
		// instead of leaking past Shutdown's snapshot.
		id := uuid.NewString()[:8]
		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[id] = conn
		s.handlers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.handlers.Done()
			defer s.forget(id, conn)
			s.serveConn(id, conn)
		}()
	}
}

func (s *Server) forget(id string, conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Shutdown stops accepting, stops every worker, and closes all open
// connections. Safe to call more than once; repeats are no-ops.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.StopTimeout
	}

	var err error
	s.shutdown.Do(func() {
		s.mu.Lock()
		s.state = StateShuttingDown
		ln := s.listener
		conns := make([]net.Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.logger.Info("control server shutting down", "name", s.cfg.Name)
		if ln != nil {
			_ = ln.Close()
		}

		err = s.registry.ShutdownAll(timeout)

		for _, c := range conns {
			_ = c.Close()
		}
		s.handlers.Wait()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.logger.Info("control server closed", "name", s.cfg.Name)
	})
	return err
}
