// Package session provides isolated, named execution contexts for long-running
// external commands. A session runs one command line at a time and exposes
// its accumulated output so progress can be observed while the command runs.
// Sessions can be destroyed at any moment regardless of whether the command
// honours termination signals.
//
// Two backends are provided: TmuxBackend drives a terminal multiplexer, and
// ProcessBackend runs the command as a managed subprocess in its own process
// group with a captured output buffer.
package session

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/anstrom/scanfleet/internal/session Backend

// ErrSessionClosed is returned when an operation targets a destroyed session.
var ErrSessionClosed = stderrors.New("session closed")

// State is the lifecycle state of a session.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}

// Handle identifies one live session. It is owned by the worker that created it.
type Handle struct {
	ID        string
	StartedAt time.Time
	state     atomic.Int32
}

// NewHandle returns a handle in the Created state.
func NewHandle(id string) *Handle {
	return &Handle{ID: id, StartedAt: time.Now()}
}

// State returns the current state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// MarkRunning moves a created session to Running.
func (h *Handle) MarkRunning() bool {
	return h.state.CompareAndSwap(int32(StateCreated), int32(StateRunning))
}

// MarkCompleted records a successful finish.
func (h *Handle) MarkCompleted() bool {
	return h.finish(StateCompleted)
}

// MarkFailed records a failed finish.
func (h *Handle) MarkFailed() bool {
	return h.finish(StateFailed)
}

// MarkKilled records a teardown that happened before any other finish.
func (h *Handle) MarkKilled() bool {
	return h.finish(StateKilled)
}

func (h *Handle) finish(to State) bool {
	for {
		cur := h.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if h.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// Backend creates, drives and destroys sessions.
type Backend interface {
	// Create removes any stale session with the same name and starts a
	// fresh one.
	Create(ctx context.Context, name string) (*Handle, error)

	// Dispatch sends one command line for asynchronous execution.
	Dispatch(ctx context.Context, h *Handle, commandLine string) error

	// Snapshot returns the output accumulated so far without consuming it.
	Snapshot(ctx context.Context, h *Handle) (string, error)

	// Destroy force-terminates the session. It is safe to call repeatedly
	// and on sessions that are already gone. Failures are logged, never
	// returned.
	Destroy(h *Handle)
}

// ExitReporter is implemented by backends that can tell when the dispatched
// command has exited.
type ExitReporter interface {
	Exited(h *Handle) (bool, error)
}
