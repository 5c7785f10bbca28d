package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
	"github.com/anstrom/scanfleet/internal/monitor"
	"github.com/anstrom/scanfleet/internal/session"
	"github.com/anstrom/scanfleet/internal/targets"
	"github.com/anstrom/scanfleet/internal/tracker"
	"github.com/anstrom/scanfleet/internal/workers"
)

const outputDirPerm = 0750

// Options configures an Orchestrator.
type Options struct {
	Workers        int
	PollInterval   time.Duration
	DequeueTimeout time.Duration
	JoinTimeout    time.Duration
	// ScanTimeout bounds each watch. Zero means unlimited.
	ScanTimeout   time.Duration
	LaunchRate    float64
	LaunchBurst   int
	SessionPrefix string
	Matcher       monitor.Matcher
	Logger        *logging.Logger
	Metrics       metrics.Recorder
}

// OptionsFromConfig maps configuration onto orchestrator options. The
// matcher, logger and metrics are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:        cfg.Scanning.Workers,
		PollInterval:   cfg.Scanning.PollInterval,
		DequeueTimeout: cfg.Scanning.DequeueTimeout,
		JoinTimeout:    cfg.Scanning.JoinTimeout,
		ScanTimeout:    cfg.Scanning.ScanTimeout,
		LaunchRate:     cfg.Scanning.LaunchRate,
		LaunchBurst:    cfg.Scanning.LaunchBurst,
		SessionPrefix:  cfg.Session.Prefix,
	}
}

type job struct {
	id      int
	target  targets.Target
	session string
}

// Orchestrator runs one scan stage over a list of targets with a bounded
// pool of workers. Each worker owns one session at a time.
type Orchestrator struct {
	backend  session.Backend
	strategy Strategy
	monitor  *monitor.Monitor
	tracker  *tracker.Tracker
	opts     Options
	logger   *logging.Logger
	metrics  metrics.Recorder

	gate    *LaunchGate
	namer   *session.Namer
	started atomic.Bool

	liveMu sync.Mutex
	live   map[string]*session.Handle
}

// New creates an orchestrator. The tracker is available immediately so a
// display can subscribe before Run.
func New(backend session.Backend, strategy Strategy, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.SessionPrefix == "" {
		opts.SessionPrefix = "scan"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	logger := opts.Logger.WithComponent("orchestrator").WithFields("stage", strategy.Name())

	return &Orchestrator{
		backend:  backend,
		strategy: strategy,
		monitor:  monitor.New(opts.Matcher, opts.PollInterval, opts.Logger),
		tracker:  tracker.New(0),
		opts:     opts,
		logger:   logger,
		metrics:  metrics.OrNop(opts.Metrics),
		gate:     NewLaunchGate(opts.Workers, opts.LaunchRate, opts.LaunchBurst),
		namer:    session.NewNamer(opts.SessionPrefix),
		live:     make(map[string]*session.Handle),
	}
}

// Tracker returns the outcome tracker for this run.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// GateStats reports session slot usage.
func (o *Orchestrator) GateStats() GateStats {
	return o.gate.Stats()
}

// Run scans every target and returns the outcome. Each target ends either
// completed or failed, also when ctx is canceled; in that case the error
// has code CANCELED.
func (o *Orchestrator) Run(ctx context.Context, tgts []targets.Target) (tracker.OutcomeSummary, error) {
	if len(tgts) == 0 {
		return o.tracker.Summary(), errors.ErrNoTargets()
	}
	if !o.started.CompareAndSwap(false, true) {
		return o.tracker.Summary(), fmt.Errorf("orchestrator has already run")
	}
	defer o.gate.Close()

	stage := o.strategy.Name()
	o.tracker.SetTotal(len(tgts))
	o.metrics.SetTargets(stage, len(tgts))

	// Session names follow enqueue order, not claim order.
	queue := workers.NewQueue[job](len(tgts))
	for i, t := range tgts {
		if err := queue.Put(job{id: i, target: t, session: o.namer.Name(t.Address)}); err != nil {
			return o.tracker.Summary(), fmt.Errorf("failed to enqueue %s: %w", t.Address, err)
		}
	}
	queue.MarkDraining()

	pool := workers.New(workers.Config{
		Size:           o.opts.Workers,
		DequeueTimeout: o.opts.DequeueTimeout,
		JoinTimeout:    o.opts.JoinTimeout,
	}, queue, o.process, o.opts.Logger)

	o.logger.Info("Starting scans", "targets", len(tgts), "workers", o.opts.Workers)
	start := time.Now()
	pool.Start(ctx)

	select {
	case <-pool.Done():
		if ctx.Err() != nil {
			break
		}
		summary := o.tracker.Summary()
		o.logger.Info("All scans finished",
			"completed", summary.Completed,
			"failed", len(summary.Failed),
			"duration", time.Since(start).Round(time.Millisecond))
		return summary, nil
	case <-ctx.Done():
	}

	o.cancel(pool, queue, tgts)
	return o.tracker.Summary(), errors.ErrCanceled("").WithOperation("run")
}

// cancel tears the run down after an interrupt.
func (o *Orchestrator) cancel(pool *workers.Pool[job], queue *workers.Queue[job], tgts []targets.Target) {
	o.logger.Warn("Interrupt received, stopping scans", "active", o.tracker.ActiveCount())

	pool.Stop()
	o.destroyLive()

	if running := pool.Join(o.opts.JoinTimeout); len(running) > 0 {
		o.logger.Warn("Abandoning workers that did not stop in time", "workers", len(running))
	}

	reason := canceledReason()
	for _, j := range queue.Drain() {
		if o.tracker.Fail(j.id, j.target, reason) {
			o.metrics.ObserveScan(o.strategy.Name(), metrics.StatusCanceled, 0)
		}
	}

	// Records a stuck worker still holds, plus anything claimed but never begun.
	stale := o.tracker.ActiveSessions()
	for id, t := range tgts {
		if o.tracker.Fail(id, t, reason) {
			o.metrics.ObserveScan(o.strategy.Name(), metrics.StatusCanceled, 0)
		}
	}
	if len(stale) > 0 {
		o.logger.Warn("Swept sessions still active after join", "sessions", stale)
		o.destroyLive()
	}
	o.metrics.SetActiveSessions(o.tracker.ActiveCount())
}

func canceledReason() string {
	return errors.ErrCanceled("").Error()
}

// process is the per-target routine run by a worker.
func (o *Orchestrator) process(ctx context.Context, workerID int, j job) {
	stage := o.strategy.Name()
	logger := o.logger.WithTarget(j.target.Address).WithFields("worker_id", workerID)

	if ctx.Err() != nil {
		if o.tracker.Fail(j.id, j.target, canceledReason()) {
			o.metrics.ObserveScan(stage, metrics.StatusCanceled, 0)
		}
		return
	}

	name := j.session
	if !o.tracker.Begin(j.id, j.target, name) {
		return
	}
	o.metrics.SetActiveSessions(o.tracker.ActiveCount())

	start := time.Now()
	err := o.execute(ctx, j, name, logger)
	duration := time.Since(start)

	if err == nil {
		if o.tracker.Complete(j.id) {
			logger.Success("Scan completed", "session", name, "duration", duration.Round(time.Second))
			o.metrics.ObserveScan(stage, metrics.StatusCompleted, duration)
		}
	} else {
		status := metrics.StatusFailed
		if errors.IsCode(err, errors.CodeCanceled) {
			status = metrics.StatusCanceled
		}
		if o.tracker.Fail(j.id, j.target, err.Error()) {
			logger.Error("Scan failed", "session", name, "error", err)
			o.metrics.ObserveScan(stage, status, duration)
		}
	}
	o.metrics.SetActiveSessions(o.tracker.ActiveCount())
}

// execute creates the session, dispatches the command and watches it. The
// session is destroyed on every path once created.
func (o *Orchestrator) execute(ctx context.Context, j job, name string, logger *logging.Logger) error {
	if err := o.gate.Acquire(ctx, name); err != nil {
		if ctx.Err() != nil {
			return errors.ErrCanceled("").WithOperation("acquire")
		}
		return errors.NewSessionCreationError(name, err)
	}
	defer o.gate.Release(name)

	h, err := o.backend.Create(ctx, name)
	if err != nil {
		o.metrics.IncrementSessionErrors("create")
		return ensureCode(err, func(err error) error { return errors.NewSessionCreationError(name, err) })
	}
	o.track(h)
	defer o.teardown(h)

	outputBase := o.strategy.OutputBase(j.target)
	if err := os.MkdirAll(filepath.Dir(outputBase), outputDirPerm); err != nil {
		h.MarkFailed()
		return errors.WrapScanError(errors.CodeDirectoryCreate, "Failed to create output directory", err).
			WithContext("path", filepath.Dir(outputBase))
	}

	commandLine, err := o.strategy.Command(ctx, j.target, outputBase)
	if err != nil {
		h.MarkFailed()
		return errors.NewDispatchError(name, err)
	}

	if err := o.backend.Dispatch(ctx, h, commandLine); err != nil {
		h.MarkFailed()
		o.metrics.IncrementSessionErrors("dispatch")
		return ensureCode(err, func(err error) error { return errors.NewDispatchError(name, err) })
	}
	o.tracker.SetState(j.id, tracker.StateDispatched)
	logger.Info("Scan dispatched", "session", name, "output", outputBase)
	logger.Debug("Command line", "session", name, "command", commandLine)

	watchCtx := ctx
	if o.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		watchCtx, cancel = context.WithTimeout(ctx, o.opts.ScanTimeout)
		defer cancel()
	}

	o.tracker.SetState(j.id, tracker.StatePolling)
	err = o.monitor.Watch(watchCtx, o.backend, h, func(pct int) {
		o.tracker.UpdateProgress(j.id, pct)
	})
	if err != nil {
		h.MarkFailed()
		if errors.IsCode(err, errors.CodePolling) {
			o.metrics.IncrementSessionErrors("poll")
		}
		return err
	}

	h.MarkCompleted()
	return nil
}

// ensureCode wraps err with wrap unless it already carries an error code.
func ensureCode(err error, wrap func(error) error) error {
	var se *errors.ScanError
	if stderrors.As(err, &se) {
		return err
	}
	return wrap(err)
}

func (o *Orchestrator) track(h *session.Handle) {
	o.liveMu.Lock()
	o.live[h.ID] = h
	o.liveMu.Unlock()
}

func (o *Orchestrator) teardown(h *session.Handle) {
	o.backend.Destroy(h)

	o.liveMu.Lock()
	if o.live[h.ID] == h {
		delete(o.live, h.ID)
	}
	o.liveMu.Unlock()
}

// destroyLive force-destroys every session that has not been torn down by
// its worker yet.
func (o *Orchestrator) destroyLive() {
	o.liveMu.Lock()
	handles := make([]*session.Handle, 0, len(o.live))
	for _, h := range o.live {
		handles = append(handles, h)
	}
	o.liveMu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *session.Handle) {
			defer wg.Done()
			o.backend.Destroy(h)
		}(h)
	}
	wg.Wait()

	if len(handles) > 0 {
		o.logger.Info("Destroyed active sessions", "count", len(handles))
	}
}
