package monitor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/session"
)

// DefaultPollInterval is the delay between output snapshots.
const DefaultPollInterval = time.Second

var errExitedWithoutMarker = stderrors.New("command exited without completion marker")

// Source provides session output snapshots.
type Source interface {
	Snapshot(ctx context.Context, h *session.Handle) (string, error)
}

// ProgressFunc receives a new completion percentage.
type ProgressFunc func(pct int)

// Monitor polls session output until the done marker appears.
type Monitor struct {
	matcher  Matcher
	interval time.Duration
	logger   *logging.Logger
}

// New creates a Monitor. A nil matcher selects DefaultMatcher.
func New(matcher Matcher, interval time.Duration, logger *logging.Logger) *Monitor {
	if matcher == nil {
		matcher = DefaultMatcher()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{matcher: matcher, interval: interval, logger: logger.WithComponent("monitor")}
}

// Watch blocks until the done marker is observed (nil), polling fails
// (POLLING_FAILED) or ctx ends (CANCELED or TIMEOUT). onProgress is called
// whenever the extracted percentage changes.
func (m *Monitor) Watch(ctx context.Context, src Source, h *session.Handle, onProgress ProgressFunc) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return contextError(ctx, h)
		case <-ticker.C:
		}

		done, err := m.poll(ctx, src, h, &last, onProgress)
		if err != nil {
			if ctx.Err() != nil {
				return contextError(ctx, h)
			}
			return err
		}
		if done {
			return nil
		}
	}
}

func (m *Monitor) poll(ctx context.Context, src Source, h *session.Handle, last *int, onProgress ProgressFunc) (bool, error) {
	// Exit status is read before the snapshot so output written just
	// before exit is never missed.
	exited := false
	if reporter, ok := src.(session.ExitReporter); ok {
		var err error
		exited, err = reporter.Exited(h)
		if err != nil {
			return false, errors.NewPollingError(h.ID, err)
		}
	}

	output, err := src.Snapshot(ctx, h)
	if err != nil {
		return false, errors.NewPollingError(h.ID, err)
	}

	if pct, ok := m.matcher.Progress(output); ok && pct != *last {
		*last = pct
		m.logger.Debug("Progress update", "session", h.ID, "progress", pct)
		if onProgress != nil {
			onProgress(pct)
		}
	}

	if m.matcher.Done(output) {
		return true, nil
	}
	if exited {
		return false, errors.NewPollingError(h.ID, errExitedWithoutMarker)
	}
	return false, nil
}

func contextError(ctx context.Context, h *session.Handle) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.ErrScanTimeout("").WithOperation("poll").WithContext("session", h.ID)
	}
	return errors.ErrCanceled("").WithOperation("poll").WithContext("session", h.ID)
}
