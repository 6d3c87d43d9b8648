package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// defaultReadyTimeout bounds the liveness probe after spawn.
	defaultReadyTimeout = 10 * time.Second

	// readyProbeInterval is the pause between readiness probe attempts.
	readyProbeInterval = 100 * time.Millisecond

	// killGracePeriod is how long the background escalation waits after
	// SIGKILL before giving up on reaping.
	killGracePeriod = 5 * time.Second
)

// ProcessSpec describes a process-backed worker. The subprocess contract:
// it becomes ready by accepting connections on ReadyAddr (when set), it
// terminates gracefully on SIGTERM, and it exits 0 on a graceful stop.
// Any other exit code classifies the unit as FAILED.
type ProcessSpec struct {
	// Path is the executable to spawn. Required.
	Path string

	// Args is the argument vector, not including the executable itself.
	Args []string

	// Dir is the working directory; empty means inherit.
	Dir string

	// Env entries are appended to the inherited environment.
	Env []string

	// ReadyAddr, when non-empty, is a TCP address the subprocess opens
	// once initialized; Start probes it until it accepts or ReadyTimeout
	// elapses. Empty means the process is ready as soon as it spawned.
	ReadyAddr string

	// ReadyTimeout bounds the readiness probe. Zero means 10s.
	ReadyTimeout time.Duration
}

// ProcessUnit supervises one OS subprocess. The subprocess boundary is a
// strict contract (readiness, SIGTERM handling, exit codes) because the
// payload runs in an isolated address space.
type ProcessUnit struct {
	name   string
	spec   ProcessSpec
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	waitDone chan struct{}
	exitCode int
	killed   bool
}

// NewProcess creates an IDLE process-backed unit.
func NewProcess(name string, spec ProcessSpec, logger *slog.Logger) (*ProcessUnit, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("process worker %q: executable path is required", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessUnit{
		name:   name,
		spec:   spec,
		logger: logger.With(slog.String("worker", name), slog.String("kind", string(KindProcess))),
		state:  StateIdle,
	}, nil
}

func (u *ProcessUnit) Name() string { return u.name }
func (u *ProcessUnit) Kind() Kind   { return KindProcess }

// State performs a non-blocking liveness check: if the subprocess exited
// since the last poll, the unit moves to its terminal classification.
func (u *ProcessUnit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refreshLocked()
	return u.state
}

// refreshLocked folds a completed wait into the state machine.
func (u *ProcessUnit) refreshLocked() {
	if u.state.Terminal() || u.waitDone == nil {
		return
	}
	select {
	case <-u.waitDone:
		if u.exitCode == 0 && !u.killed {
			u.state = StateStopped
		} else {
			u.state = StateFailed
		}
	default:
	}
}

// Start spawns the subprocess and, when the spec defines a readiness
// address, probes it with a bounded timeout. On probe timeout the
// subprocess is killed and ErrStartTimeout is returned.
func (u *ProcessUnit) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateIdle {
		u.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, u.name, u.state)
	}
	u.state = StateStarting

	cmd := exec.Command(u.spec.Path, u.spec.Args...)
	cmd.Dir = u.spec.Dir
	if len(u.spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), u.spec.Env...)
	}

	if err := cmd.Start(); err != nil {
		u.state = StateFailed
		u.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", u.spec.Path, err)
	}
	u.cmd = cmd
	u.waitDone = make(chan struct{})
	waitDone := u.waitDone
	u.mu.Unlock()

	u.logger.Debug("subprocess spawned", "pid", cmd.Process.Pid, "path", u.spec.Path)

	go func() {
		err := cmd.Wait()

		u.mu.Lock()
		u.exitCode = cmd.ProcessState.ExitCode()
		u.mu.Unlock()

		if err != nil {
			u.logger.Warn("subprocess exited", "pid", cmd.Process.Pid, "exit_code", cmd.ProcessState.ExitCode(), "error", err)
		} else {
			u.logger.Debug("subprocess exited", "pid", cmd.Process.Pid, "exit_code", 0)
		}
		close(waitDone)
	}()

	if u.spec.ReadyAddr != "" {
		if err := u.awaitReady(ctx, waitDone); err != nil {
			return err
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.refreshLocked()
	if u.state != StateStarting {
		// Exited before it could be considered running.
		u.state = StateFailed
		return fmt.Errorf("subprocess %s exited during startup with code %d", u.name, u.exitCode)
	}
	u.state = StateRunning
	u.logger.Info("worker running", "pid", cmd.Process.Pid)
	return nil
}

// awaitReady probes ReadyAddr until it accepts a TCP connection, the
// subprocess dies, or the bounded timeout elapses.
func (u *ProcessUnit) awaitReady(ctx context.Context, waitDone <-chan struct{}) error {
	readyTimeout := u.spec.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	deadline := time.NewTimer(readyTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(readyProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", u.spec.ReadyAddr, readyProbeInterval)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		case <-waitDone:
			u.mu.Lock()
			code := u.exitCode
			u.state = StateFailed
			u.mu.Unlock()
			return fmt.Errorf("subprocess %s exited during startup with code %d", u.name, code)
		case <-deadline.C:
			u.logger.Warn("readiness probe timed out, killing subprocess", "addr", u.spec.ReadyAddr, "timeout", readyTimeout)
			u.killAndMarkFailed()
			return fmt.Errorf("%w: %s not accepting on %s after %v", ErrStartTimeout, u.name, u.spec.ReadyAddr, readyTimeout)
		case <-ctx.Done():
			u.killAndMarkFailed()
			return ctx.Err()
		}
	}
}

func (u *ProcessUnit) killAndMarkFailed() {
	u.mu.Lock()
	cmd := u.cmd
	u.killed = true
	u.state = StateFailed
	waitDone := u.waitDone
	u.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if waitDone != nil {
		<-waitDone
	}
}

// Stop sends SIGTERM and waits up to timeout for the subprocess to exit.
// If it is still alive when the timeout elapses, the escalation to
// SIGKILL continues in the background and ErrForcedKill is returned; the
// unit lands in FAILED once the kill completes. Idempotent on a unit that
// already reached a terminal state.
func (u *ProcessUnit) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	u.mu.Lock()
	u.refreshLocked()
	if u.state.Terminal() {
		u.mu.Unlock()
		return nil
	}
	if u.state == StateIdle {
		u.state = StateStopped
		u.mu.Unlock()
		return nil
	}
	u.state = StateStopping
	cmd := u.cmd
	waitDone := u.waitDone
	u.mu.Unlock()

	u.logger.Debug("sending SIGTERM", "pid", cmd.Process.Pid, "timeout", timeout)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Likely already gone; fold the exit in below.
		u.logger.Debug("SIGTERM delivery failed", "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waitDone:
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.exitCode == 0 {
			u.state = StateStopped
			u.logger.Info("worker stopped")
			return nil
		}
		u.state = StateFailed
		u.logger.Warn("worker exited non-zero on stop", "exit_code", u.exitCode)
		return nil
	case <-timer.C:
		u.logger.Warn("subprocess ignored SIGTERM, escalating to SIGKILL", "pid", cmd.Process.Pid)
		go u.escalate(cmd, waitDone)
		return fmt.Errorf("%w: %s did not exit within %v", ErrForcedKill, u.name, timeout)
	}
}

// escalate force-kills the subprocess after the graceful window expired.
// Runs detached from the stop caller so an expired stop returns control
// while the kill completes.
func (u *ProcessUnit) escalate(cmd *exec.Cmd, waitDone <-chan struct{}) {
	u.mu.Lock()
	u.killed = true
	u.mu.Unlock()

	_ = cmd.Process.Kill()

	grace := time.NewTimer(killGracePeriod)
	defer grace.Stop()
	select {
	case <-waitDone:
	case <-grace.C:
		u.logger.Error("subprocess did not reap after SIGKILL", "pid", cmd.Process.Pid)
	}

	u.mu.Lock()
	u.state = StateFailed
	u.mu.Unlock()
	u.logger.Warn("worker force-killed")
}
