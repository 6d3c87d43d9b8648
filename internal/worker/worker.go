// Package worker models one named, independently controllable unit of
// long-running work. Two backings exist: thread units run a payload
// function on a goroutine inside the server process, process units spawn
// an isolated OS subprocess. Both expose the same lifecycle.
package worker

import (
	"context"
	"errors"
	"time"
)

// State is a worker lifecycle state. The string values are what the
// control protocol reports.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether s is an end state for a unit instance. A new
// start under the same name creates a fresh instance.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Kind distinguishes the two unit backings.
type Kind string

const (
	KindThread  Kind = "thread"
	KindProcess Kind = "process"
)

// Lifecycle errors surfaced to callers. Stop/start failures map onto
// protocol error kinds one to one.
var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStartTimeout   = errors.New("worker start timed out")
	ErrStopTimeout    = errors.New("worker stop timed out")
	ErrForcedKill     = errors.New("worker required forced kill")
)

// Unit is one controllable instance of work.
//
// Start launches the backing execution unit and blocks until it is
// considered running (readiness handshake) or fails. Stop requests
// graceful termination and blocks up to timeout; it is idempotent on a
// unit that already reached a terminal state. State is a non-blocking
// poll; for process units it performs a liveness check and may move the
// unit to FAILED if the subprocess exited abnormally since the last poll.
type Unit interface {
	Name() string
	Kind() Kind
	State() State
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Builder constructs a fresh, not-yet-started Unit for one start attempt.
// The args are the start command's payload-specific arguments.
type Builder func(name string, args []string) (Unit, error)

// DefaultStopTimeout is applied when a stop request carries no explicit
// timeout.
const DefaultStopTimeout = 5 * time.Second
