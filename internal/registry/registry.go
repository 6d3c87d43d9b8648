// Package registry is the single shared source of truth mapping worker
// names to live units. It enforces at-most-one active instance per name
// and serializes lifecycle operations that target the same name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/labstream/modctl/internal/events"
	"github.com/labstream/modctl/internal/worker"
)

var (
	// ErrNameInUse means an active (non-terminal) unit already owns the name.
	ErrNameInUse = errors.New("worker name in use")

	// ErrUnknownWorker means no unit, active or terminal, owns the name.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Info is one row of a List snapshot.
type Info struct {
	Name  string
	Kind  worker.Kind
	State worker.State
}

type entry struct {
	unit worker.Unit

	// lifecycle serializes start/stop for one name. Held across the
	// blocking readiness and stop waits, deliberately outside mu so
	// operations on other names never queue behind them.
	lifecycle sync.Mutex

	// lastState is the most recently observed state, used to publish a
	// failure event exactly once when a crash is detected by polling.
	// Guarded by the registry mutex.
	lastState worker.State
}

// Registry owns the name → unit mapping.
type Registry struct {
	logger *slog.Logger
	hub    *events.Hub

	mu      sync.Mutex
	workers map[string]*entry
}

// New creates an empty registry. hub may be nil when nobody observes
// lifecycle events.
func New(hub *events.Hub, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		hub:     hub,
		workers: make(map[string]*entry),
	}
}

// RegisterAndStart builds a fresh unit for name and starts it. A name
// owned by a non-terminal unit yields ErrNameInUse; a terminal unit is
// replaced (stopped workers keep their last state visible in status/list
// until the name is reused). The entry is inserted before Start so
// concurrent starts on the same name race on exactly one winner, and it
// is removed again if Start fails.
func (r *Registry) RegisterAndStart(ctx context.Context, name string, build worker.Builder, args []string) error {
	r.mu.Lock()
	if prev, ok := r.workers[name]; ok && !prev.unit.State().Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}

	unit, err := build(name, args)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("build worker %s: %w", name, err)
	}

	e := &entry{unit: unit, lastState: worker.StateStarting}
	e.lifecycle.Lock()
	r.workers[name] = e
	r.mu.Unlock()

	err = unit.Start(ctx)
	e.lifecycle.Unlock()

	if err != nil {
		r.mu.Lock()
		if r.workers[name] == e {
			delete(r.workers, name)
		}
		r.mu.Unlock()
		r.publish(events.TypeWorkerFailed, name, unit.State(), err.Error())
		return err
	}

	r.setLastState(e, unit.State())
	r.publish(events.TypeWorkerStarted, name, unit.State(), "")
	r.logger.Info("worker started", "worker", name, "kind", string(unit.Kind()))
	return nil
}

// Stop requests graceful termination of the named worker and waits up to
// timeout. Stopping an already-terminal unit succeeds without side
// effects. The error, if any, is the unit's own stop failure
// (StopTimeout, ForcedKill).
func (r *Registry) Stop(name string, timeout time.Duration) error {
	r.mu.Lock()
	e, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}

	e.lifecycle.Lock()
	err := e.unit.Stop(timeout)
	e.lifecycle.Unlock()

	state := e.unit.State()
	r.setLastState(e, state)
	if err != nil {
		r.publish(events.TypeWorkerFailed, name, state, err.Error())
		return err
	}
	r.publish(events.TypeWorkerStopped, name, state, "")
	r.logger.Info("worker stopped", "worker", name, "state", string(state))
	return nil
}

// Status returns the named worker's current state, polling liveness for
// process-backed units. Unknown names yield ErrUnknownWorker.
func (r *Registry) Status(name string) (worker.State, error) {
	r.mu.Lock()
	e, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	state := r.observeLocked(name, e)
	r.mu.Unlock()
	return state, nil
}

// List returns a point-in-time snapshot sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.workers))
	for name, e := range r.workers {
		infos = append(infos, Info{
			Name:  name,
			Kind:  e.unit.Kind(),
			State: r.observeLocked(name, e),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ShutdownAll stops every worker, continuing past individual failures so
// each one receives a stop request. The returned error aggregates all
// per-worker failures.
func (r *Registry) ShutdownAll(timeout time.Duration) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := r.Stop(name, timeout); err != nil && !errors.Is(err, ErrUnknownWorker) {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// observeLocked polls a unit's state and publishes a failure event once
// when a crash is first detected. Caller holds r.mu.
func (r *Registry) observeLocked(name string, e *entry) worker.State {
	state := e.unit.State()
	if state == worker.StateFailed && e.lastState != worker.StateFailed {
		r.logger.Warn("worker failure detected", "worker", name)
		if r.hub != nil {
			r.hub.Publish(events.TypeWorkerFailed, name, string(state), "detected by poll")
		}
	}
	e.lastState = state
	return state
}

func (r *Registry) setLastState(e *entry, state worker.State) {
	r.mu.Lock()
	e.lastState = state
	r.mu.Unlock()
}

func (r *Registry) publish(eventType, name string, state worker.State, detail string) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(eventType, name, string(state), detail)
}
