package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Payload is the body of a thread-backed worker. The passed context is
// the unit's stop signal: the payload must observe cancellation at safe
// points, at least once per 100ms of blocking work, and return promptly
// once cancelled. A nil return is a clean exit; a non-nil return marks
// the unit FAILED unless a stop was already requested.
type Payload func(ctx context.Context) error

// ThreadSpec describes a thread-backed worker.
type ThreadSpec struct {
	// Run is the payload body. Required.
	Run Payload

	// Ready, when non-nil, is closed (or sent on) by the payload once
	// initialization is complete; Start blocks on it up to ReadyTimeout.
	// When nil the unit is considered running as soon as the goroutine
	// has launched.
	Ready <-chan struct{}

	// ReadyTimeout bounds the readiness wait. Zero means 10s.
	ReadyTimeout time.Duration
}

// ThreadUnit runs its payload on a goroutine in the server process.
// There is no portable way to kill a goroutine, so a stop that the
// payload ignores is reported as ErrStopTimeout and the unit stays in
// STOPPING as a diagnosable leak.
type ThreadUnit struct {
	name   string
	spec   ThreadSpec
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	stopReq bool
	runErr  error
}

// NewThread creates an IDLE thread-backed unit.
func NewThread(name string, spec ThreadSpec, logger *slog.Logger) (*ThreadUnit, error) {
	if spec.Run == nil {
		return nil, fmt.Errorf("thread worker %q: payload is required", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadUnit{
		name:   name,
		spec:   spec,
		logger: logger.With(slog.String("worker", name), slog.String("kind", string(KindThread))),
		state:  StateIdle,
	}, nil
}

func (u *ThreadUnit) Name() string { return u.name }
func (u *ThreadUnit) Kind() Kind   { return KindThread }

func (u *ThreadUnit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Start launches the payload goroutine and waits for readiness when the
// spec defines a handshake.
func (u *ThreadUnit) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateIdle {
		u.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, u.name, u.state)
	}
	u.state = StateStarting

	runCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.done = make(chan struct{})
	done := u.done
	u.mu.Unlock()

	go func() {
		err := u.spec.Run(runCtx)

		u.mu.Lock()
		u.runErr = err
		switch {
		case err != nil && !u.stopReq:
			u.state = StateFailed
		case err != nil:
			// Errors during a requested stop are demoted: the stop won.
			u.state = StateStopped
		default:
			u.state = StateStopped
		}
		state := u.state
		u.mu.Unlock()

		if err != nil {
			u.logger.Warn("payload exited with error", "error", err, "state", string(state))
		} else {
			u.logger.Debug("payload exited", "state", string(state))
		}
		close(done)
	}()

	if u.spec.Ready != nil {
		readyTimeout := u.spec.ReadyTimeout
		if readyTimeout <= 0 {
			readyTimeout = 10 * time.Second
		}
		timer := time.NewTimer(readyTimeout)
		defer timer.Stop()

		select {
		case <-u.spec.Ready:
		case <-done:
			return u.startFailure()
		case <-timer.C:
			cancel()
			u.mu.Lock()
			u.state = StateFailed
			u.mu.Unlock()
			return fmt.Errorf("%w: %s not ready after %v", ErrStartTimeout, u.name, readyTimeout)
		case <-ctx.Done():
			cancel()
			u.mu.Lock()
			u.state = StateFailed
			u.mu.Unlock()
			return ctx.Err()
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateStarting {
		u.state = StateRunning
		u.logger.Info("worker running")
	}
	return nil
}

// startFailure classifies a payload that exited before signalling ready.
func (u *ThreadUnit) startFailure() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = StateFailed
	if u.runErr != nil {
		return fmt.Errorf("payload exited during startup: %w", u.runErr)
	}
	return fmt.Errorf("payload exited during startup before signalling ready")
}

// Stop sets the stop signal and waits up to timeout for the payload to
// return. On timeout the goroutine is left running and ErrStopTimeout is
// returned; the caller must treat this as a leak, not a success.
func (u *ThreadUnit) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		return nil
	}
	if u.state == StateIdle {
		u.state = StateStopped
		u.mu.Unlock()
		return nil
	}
	u.stopReq = true
	u.state = StateStopping
	cancel := u.cancel
	done := u.done
	u.mu.Unlock()

	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		u.logger.Info("worker stopped")
		return nil
	case <-timer.C:
		u.logger.Warn("payload ignored stop signal", "timeout", timeout)
		return fmt.Errorf("%w: %s did not exit within %v", ErrStopTimeout, u.name, timeout)
	}
}
