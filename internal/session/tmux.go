package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
)

const defaultDestroyTimeout = 5 * time.Second

type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binary comes from configuration
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, args[0], err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return out, nil
}

// TmuxBackend runs each session as a detached tmux session.
type TmuxBackend struct {
	path           string
	destroyTimeout time.Duration
	exec           execFunc
	logger         *logging.Logger
	metrics        metrics.Recorder
}

// NewTmuxBackend creates a backend that invokes the tmux binary at path.
func NewTmuxBackend(path string, destroyTimeout time.Duration, logger *logging.Logger, rec metrics.Recorder) *TmuxBackend {
	if path == "" {
		path = "tmux"
	}
	if destroyTimeout <= 0 {
		destroyTimeout = defaultDestroyTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TmuxBackend{
		path:           path,
		destroyTimeout: destroyTimeout,
		exec:           runCommand,
		logger:         logger.WithComponent("tmux"),
		metrics:        metrics.OrNop(rec),
	}
}

// Session targets use '=' so tmux never falls back to prefix matching.
func sessionTarget(name string) string { return "=" + name }
func paneTarget(name string) string    { return "=" + name + ":" }

// Create implements Backend.
func (b *TmuxBackend) Create(ctx context.Context, name string) (*Handle, error) {
	// A stale session left by an earlier run is expected to be absent.
	_, _ = b.exec(ctx, b.path, "kill-session", "-t", sessionTarget(name))

	if _, err := b.exec(ctx, b.path, "new-session", "-d", "-s", name); err != nil {
		return nil, errors.NewSessionCreationError(name, err)
	}
	return NewHandle(name), nil
}

// Dispatch implements Backend.
func (b *TmuxBackend) Dispatch(ctx context.Context, h *Handle, commandLine string) error {
	if h.State().Terminal() {
		return errors.NewDispatchError(h.ID, ErrSessionClosed)
	}
	if _, err := b.exec(ctx, b.path, "send-keys", "-t", paneTarget(h.ID), commandLine, "C-m"); err != nil {
		return errors.NewDispatchError(h.ID, err)
	}
	h.MarkRunning()
	return nil
}

// Snapshot implements Backend. It returns the visible pane with wrapped
// lines joined.
func (b *TmuxBackend) Snapshot(ctx context.Context, h *Handle) (string, error) {
	if h.State() == StateKilled {
		return "", ErrSessionClosed
	}
	out, err := b.exec(ctx, b.path, "capture-pane", "-p", "-J", "-t", paneTarget(h.ID))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Destroy implements Backend.
func (b *TmuxBackend) Destroy(h *Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.destroyTimeout)
	defer cancel()

	_, err := b.exec(ctx, b.path, "kill-session", "-t", sessionTarget(h.ID))
	h.MarkKilled()
	b.metrics.IncrementSessionDestroys()
	if err != nil && !isMissingSession(err) {
		b.logger.Warn("Session teardown failed", "session", h.ID, "error", err)
	}
}

func isMissingSession(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "session not found")
}
