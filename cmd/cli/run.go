package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/scanfleet/internal/api"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
	"github.com/anstrom/scanfleet/internal/monitor"
	"github.com/anstrom/scanfleet/internal/scanning"
	"github.com/anstrom/scanfleet/internal/session"
	"github.com/anstrom/scanfleet/internal/targets"
	"github.com/anstrom/scanfleet/internal/tracker"
)

const systemMetricsInterval = 15 * time.Second

// stageEnv carries everything one stage run needs besides its targets.
type stageEnv struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	backend session.Backend
	in      io.Reader
	out     io.Writer
	runID   string
}

// loadTargetsFunc produces the targets of a stage.
type loadTargetsFunc func(ctx context.Context, env *stageEnv) ([]targets.Target, error)

// runStage is the RunE body shared by the scanning commands.
func runStage(cmd *cobra.Command, strategy func(cfg *config.Config) scanning.Strategy, load loadTargetsFunc) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := initLogging(cfg)
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &stageEnv{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewPrometheusMetrics(),
		in:      cmd.InOrStdin(),
		out:     cmd.OutOrStdout(),
		runID:   uuid.NewString(),
	}
	env.backend = newBackend(cfg, logger, env.metrics)

	tgts, err := load(ctx, env)
	if err != nil {
		return err
	}

	_, err = executeStage(ctx, env, strategy(cfg), tgts)
	return err
}

// newBackend selects the configured session backend.
func newBackend(cfg *config.Config, logger *logging.Logger, rec metrics.Recorder) session.Backend {
	if cfg.Session.Backend == config.BackendProcess {
		return session.NewProcessBackend(cfg.Session.Shell, cfg.Session.DestroyTimeout, logger, rec)
	}
	return session.NewTmuxBackend(cfg.Session.TmuxPath, cfg.Session.DestroyTimeout, logger, rec)
}

// executeStage runs tgts through strategy alongside the display and the
// optional status server, then prints the summary exactly once.
func executeStage(ctx context.Context, env *stageEnv, strategy scanning.Strategy, tgts []targets.Target) (tracker.OutcomeSummary, error) {
	cfg := env.cfg
	logger := env.logger.WithRunID(env.runID).WithFields("stage", strategy.Name())

	if len(tgts) == 0 {
		return tracker.OutcomeSummary{}, errors.ErrNoTargets()
	}

	if cfg.RequireWorkers() {
		workers, err := promptWorkers(env.in, env.out)
		if err != nil {
			return tracker.OutcomeSummary{}, err
		}
		cfg.Scanning.Workers = workers
	}

	matcher, err := monitor.NewPatternMatcher(cfg.Monitor.ProgressPattern, cfg.Monitor.DoneMarker)
	if err != nil {
		return tracker.OutcomeSummary{}, errors.NewConfigurationError("invalid monitor markers", err)
	}

	opts := scanning.OptionsFromConfig(cfg)
	opts.Matcher = matcher
	opts.Logger = logger
	opts.Metrics = env.metrics
	orch := scanning.New(env.backend, strategy, opts)

	logger.Info("Starting stage",
		"targets", len(tgts),
		"workers", cfg.Scanning.Workers,
		"backend", cfg.Session.Backend)

	// The display and the server stop when the orchestrator returns, not on
	// interrupt.
	uiCtx, stopUI := context.WithCancel(context.Background())
	defer stopUI()

	var summary tracker.OutcomeSummary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopUI()
		var runErr error
		summary, runErr = orch.Run(gctx, tgts)
		return runErr
	})

	g.Go(func() error {
		env.metrics.StartPeriodicUpdates(uiCtx, systemMetricsInterval)
		return nil
	})

	if cfg.Display.Enabled {
		display := tracker.NewDisplay(orch.Tracker(), env.out, tracker.DisplayOptions{
			Title:           "scanfleet " + strategy.Name(),
			RefreshInterval: cfg.Display.RefreshInterval,
			Logger:          logger,
		})
		g.Go(func() error { return display.Run(uiCtx) })
	}

	if cfg.IsServerEnabled() {
		srv := api.New(cfg.Server, orch.Tracker(), api.Options{
			RunID:    env.runID,
			Stage:    strategy.Name(),
			Version:  version,
			Gatherer: env.metrics.GetRegistry(),
			Logger:   logger,
		})
		g.Go(func() error {
			// A status server failure must not abort the scans.
			if err := srv.Start(uiCtx); err != nil {
				logger.Error("Status server stopped", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	tracker.PrintSummary(env.out, summary)

	if err != nil {
		return summary, fmt.Errorf("%s stage: %w", strategy.Name(), err)
	}
	return summary, nil
}

// logSkipped reports entries that were dropped while loading targets.
func logSkipped(logger *logging.Logger, what string, errs []error) {
	for _, err := range errs {
		logger.Warn("Skipped "+what, "error", err)
	}
}
