// Package api provides the read-only HTTP status server for a running
// scanfleet stage: liveness, a JSON snapshot of the tracker, a websocket
// stream of snapshots and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/tracker"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 5 * time.Second
	idleTimeout           = 60 * time.Second
	maxHeaderBytes        = 1 << 20
)

// StatusSource is the live view the server reports on. *tracker.Tracker
// satisfies it.
type StatusSource interface {
	Snapshot() tracker.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// Options identifies the run being served.
type Options struct {
	RunID   string
	Stage   string
	Version string
	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server represents the status server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	source     StatusSource
	hub        *hub
	opts       Options
	origins    []string
	logger     *logging.Logger
	startTime  time.Time
}

// StatusResponse is the body of /api/v1/status and of every websocket
// snapshot message.
type StatusResponse struct {
	RunID         string                 `json:"run_id"`
	Stage         string                 `json:"stage"`
	Total         int                    `json:"total"`
	Completed     int                    `json:"completed"`
	Failed        int                    `json:"failed"`
	Pending       int                    `json:"pending"`
	Active        []tracker.Record       `json:"active"`
	FailedTargets []tracker.FailedTarget `json:"failed_targets"`
	TakenAt       time.Time              `json:"taken_at"`
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// New creates a status server for source.
func New(cfg config.ServerConfig, source StatusSource, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger.WithComponent("api").WithRunID(opts.RunID)

	s := &Server{
		router:    mux.NewRouter(),
		source:    source,
		opts:      opts,
		origins:   cfg.AllowedOrigins,
		logger:    logger,
		startTime: time.Now(),
	}
	s.hub = newHub(s.originAllowed, logger)

	s.setupRoutes()
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:           cfg.Listen,
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}
	return s
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.NewConfigurationError(
			fmt.Sprintf("failed to listen on %s", s.httpServer.Addr), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting status server",
		"address", ln.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.watch(watchCtx, s.source, s.status)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("status server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop closes websocket clients and gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping status server")
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Status server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the router with middleware applied.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(s.router))
}

// GetAddress returns the configured listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.hub.serveWS(s.status)).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).
		Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(mux.MiddlewareFunc(middleware.RequestID()))
	s.router.Use(mux.MiddlewareFunc(middleware.Logging(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.SecurityHeaders()))
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// status builds the current StatusResponse.
func (s *Server) status() StatusResponse {
	snap := s.source.Snapshot()
	pending := snap.Total - snap.Completed - len(snap.Failed) - len(snap.Active)
	if pending < 0 {
		pending = 0
	}
	active := snap.Active
	if active == nil {
		active = []tracker.Record{}
	}
	failed := snap.OutcomeSummary.Failed
	if failed == nil {
		failed = []tracker.FailedTarget{}
	}
	return StatusResponse{
		RunID:         s.opts.RunID,
		Stage:         s.opts.Stage,
		Total:         snap.Total,
		Completed:     snap.Completed,
		Failed:        len(failed),
		Pending:       pending,
		Active:        active,
		FailedTargets: failed,
		TakenAt:       snap.TakenAt,
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"run_id":    s.opts.RunID,
		"stage":     s.opts.Stage,
		"version":   s.opts.Version,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"clients":   s.hub.count(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.status())
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.writeJSON(w, r, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// recoveryLogger adapts the logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *logging.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Panic in HTTP handler", "panic", fmt.Sprint(v...))
}
