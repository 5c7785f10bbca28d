package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
)

// outputBuffer is a bytes.Buffer safe for one writer and many readers.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type process struct {
	handle *Handle
	cmd    *exec.Cmd
	out    outputBuffer
	done   chan struct{}
	err    error

	// reported is set once Exited has logged the exit status.
	reported bool
}

func (p *process) started() bool {
	return p.cmd != nil
}

func (p *process) exited() bool {
	if !p.started() {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ProcessBackend runs each session as a shell subprocess in its own process
// group, so destroying a session also kills anything the command spawned.
type ProcessBackend struct {
	shell          string
	destroyTimeout time.Duration
	logger         *logging.Logger
	metrics        metrics.Recorder

	mu    sync.Mutex
	procs map[string]*process
}

// NewProcessBackend creates a backend that runs command lines with shell -c.
func NewProcessBackend(shell string, destroyTimeout time.Duration, logger *logging.Logger, rec metrics.Recorder) *ProcessBackend {
	if shell == "" {
		shell = "/bin/sh"
	}
	if destroyTimeout <= 0 {
		destroyTimeout = defaultDestroyTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ProcessBackend{
		shell:          shell,
		destroyTimeout: destroyTimeout,
		logger:         logger.WithComponent("process"),
		metrics:        metrics.OrNop(rec),
		procs:          make(map[string]*process),
	}
}

// Create implements Backend.
func (b *ProcessBackend) Create(_ context.Context, name string) (*Handle, error) {
	h := NewHandle(name)

	b.mu.Lock()
	stale := b.procs[name]
	b.procs[name] = &process{handle: h, done: make(chan struct{})}
	b.mu.Unlock()

	if stale != nil {
		b.kill(stale)
		stale.handle.MarkKilled()
	}
	return h, nil
}

func (b *ProcessBackend) lookup(h *Handle) *process {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.procs[h.ID]
	if p == nil || p.handle != h {
		return nil
	}
	return p
}

// Dispatch implements Backend. The command is started immediately; ctx only
// bounds the start itself.
func (b *ProcessBackend) Dispatch(_ context.Context, h *Handle, commandLine string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.procs[h.ID]
	if p == nil || p.handle != h || h.State().Terminal() {
		return errors.NewDispatchError(h.ID, ErrSessionClosed)
	}
	if p.started() {
		return errors.NewDispatchError(h.ID, fmt.Errorf("a command is already running"))
	}

	cmd := exec.Command(b.shell, "-c", commandLine) // #nosec G204 -- command lines are built from quoted arguments
	setProcessGroup(cmd)
	cmd.Stdout = &p.out
	cmd.Stderr = &p.out
	if err := cmd.Start(); err != nil {
		return errors.NewDispatchError(h.ID, err)
	}
	p.cmd = cmd

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	h.MarkRunning()
	return nil
}

// Snapshot implements Backend.
func (b *ProcessBackend) Snapshot(_ context.Context, h *Handle) (string, error) {
	p := b.lookup(h)
	if p == nil {
		return "", ErrSessionClosed
	}
	return p.out.String(), nil
}

// Exited implements ExitReporter. Output written by the command is fully
// visible to Snapshot once Exited reports true.
func (b *ProcessBackend) Exited(h *Handle) (bool, error) {
	p := b.lookup(h)
	if p == nil {
		return true, ErrSessionClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !p.exited() {
		return false, nil
	}
	if !p.reported {
		p.reported = true
		if p.err != nil {
			b.logger.Warn("Session command failed", "session", h.ID, "error", p.err)
		} else {
			b.logger.Debug("Session command exited", "session", h.ID)
		}
	}
	return true, nil
}

// Destroy implements Backend.
func (b *ProcessBackend) Destroy(h *Handle) {
	if h == nil {
		return
	}

	b.mu.Lock()
	p := b.procs[h.ID]
	if p != nil && p.handle == h {
		delete(b.procs, h.ID)
	} else {
		p = nil
	}
	b.mu.Unlock()

	h.MarkKilled()
	b.metrics.IncrementSessionDestroys()
	if p != nil {
		b.kill(p)
	}
}

func (b *ProcessBackend) kill(p *process) {
	b.mu.Lock()
	started := p.started()
	b.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	if err := killProcessGroup(p.cmd); err != nil {
		b.logger.Warn("Session teardown failed", "session", p.handle.ID, "error", err)
	}

	select {
	case <-p.done:
	case <-time.After(b.destroyTimeout):
		b.logger.Warn("Session process did not exit after kill",
			"session", p.handle.ID, "timeout", b.destroyTimeout)
	}
}
