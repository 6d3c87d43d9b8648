// Package httpapi exposes a read-only HTTP view of the module: health,
// worker states, and recent lifecycle events. Control stays on the TCP
// command socket; this surface only observes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/labstream/modctl/internal/events"
	"github.com/labstream/modctl/internal/registry"
	"github.com/labstream/modctl/internal/worker"
)

// WorkerLister is the registry surface the API reads from.
type WorkerLister interface {
	List() []registry.Info
	Status(name string) (worker.State, error)
}

// Config holds API server settings.
type Config struct {
	Listen string
	Name   string
}

// Server is the HTTP observation server.
type Server struct {
	config    Config
	workers   WorkerLister
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an observation server. hub may be nil; /events then always
// returns an empty list.
func New(config Config, workers WorkerLister, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		workers:   workers,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("observation API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("observation API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/workers", s.handleWorkers)
	r.Get("/workers/{name}", s.handleWorker)
	r.Get("/events", s.handleEvents)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"name":           s.config.Name,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	infos := s.workers.List()
	rows := make([]map[string]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, map[string]string{
			"name":  info.Name,
			"kind":  string(info.Kind),
			"state": string(info.State),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": rows})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	state, err := s.workers.Status(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": string(state)})
}

// maxLongPollWait caps the events long-poll window so a client cannot
// pin a handler goroutine indefinitely.
const maxLongPollWait = 30 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since parameter"})
			return
		}
		since = parsed
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wait parameter"})
			return
		}
		if parsed > maxLongPollWait {
			parsed = maxLongPollWait
		}
		wait = parsed
	}

	evs := []events.Event{}
	if s.hub != nil {
		evs = s.hub.SnapshotSince(since)
		if len(evs) == 0 && wait > 0 {
			evs = s.awaitEvent(r.Context(), since, wait)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// awaitEvent long-polls the hub. It subscribes first and re-checks the
// snapshot so an event published between the caller's snapshot and the
// subscription is not missed, then blocks for the next event up to wait.
func (s *Server) awaitEvent(ctx context.Context, since int64, wait time.Duration) []events.Event {
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	if evs := s.hub.SnapshotSince(since); len(evs) > 0 {
		return evs
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			return []events.Event{}
		}
		return []events.Event{ev}
	case <-timer.C:
		return []events.Event{}
	case <-ctx.Done():
		return []events.Event{}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
