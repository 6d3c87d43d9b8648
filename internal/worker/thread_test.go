package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// blockingPayload runs until its context is cancelled.
func blockingPayload(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestThreadLifecycle(t *testing.T) {
	t.Parallel()

	u, err := NewThread("cam", ThreadSpec{Run: blockingPayload}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if got := u.State(); got != StateIdle {
		t.Fatalf("initial state = %s, want IDLE", got)
	}

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := u.State(); got != StateRunning {
		t.Fatalf("state after start = %s, want RUNNING", got)
	}

	if err := u.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := u.State(); got != StateStopped {
		t.Fatalf("state after stop = %s, want STOPPED", got)
	}

	// Idempotent on a terminal unit.
	if err := u.Stop(time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := u.State(); got != StateStopped {
		t.Fatalf("state after second stop = %s, want STOPPED", got)
	}
}

func TestThreadStartTwice(t *testing.T) {
	t.Parallel()

	u, err := NewThread("cam", ThreadSpec{Run: blockingPayload}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = u.Stop(time.Second) })

	if err := u.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestThreadPayloadErrorMarksFailed(t *testing.T) {
	t.Parallel()

	boom := errors.New("acquisition device vanished")
	done := make(chan struct{})
	u, err := NewThread("cam", ThreadSpec{Run: func(ctx context.Context) error {
		defer close(done)
		return boom
	}}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-done
	waitForState(t, u, StateFailed, time.Second)
}

func TestThreadReadyHandshake(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	u, err := NewThread("cam", ThreadSpec{
		Run: func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		},
		Ready: ready,
	}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := u.State(); got != StateRunning {
		t.Fatalf("state after ready = %s, want RUNNING", got)
	}
	if err := u.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestThreadReadyTimeout(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{}) // never signalled
	u, err := NewThread("cam", ThreadSpec{
		Run:          blockingPayload,
		Ready:        ready,
		ReadyTimeout: 50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	if err := u.Start(context.Background()); !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("Start error = %v, want ErrStartTimeout", err)
	}
	if got := u.State(); got != StateFailed {
		t.Fatalf("state after ready timeout = %s, want FAILED", got)
	}
}

func TestThreadStopTimeoutLeavesDiagnosableState(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	u, err := NewThread("cam", ThreadSpec{Run: func(ctx context.Context) error {
		<-release // ignores cancellation until released
		return nil
	}}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := u.Stop(50 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop error = %v, want ErrStopTimeout", err)
	}
	if got := u.State(); got != StateStopping {
		t.Fatalf("state after stop timeout = %s, want STOPPING", got)
	}

	// Once the payload finally honors the request the unit settles.
	close(release)
	waitForState(t, u, StateStopped, time.Second)
}

func TestThreadStopBeforeStart(t *testing.T) {
	t.Parallel()

	u, err := NewThread("cam", ThreadSpec{Run: blockingPayload}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if err := u.Stop(time.Second); err != nil {
		t.Fatalf("Stop on idle unit: %v", err)
	}
	if got := u.State(); got != StateStopped {
		t.Fatalf("state = %s, want STOPPED", got)
	}
}

// waitForState polls a unit until it reaches want or the deadline passes.
func waitForState(t *testing.T, u Unit, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if u.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s within %v", u.State(), want, timeout)
}
