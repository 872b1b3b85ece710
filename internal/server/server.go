// Package server exposes reconciliation runs over HTTP.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/config"
	"github.com/ecademy/leadfunnel/internal/jobs"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/monitoring"
	"github.com/ecademy/leadfunnel/internal/store"
)

// Runs submits and executes reconciliation runs.
type Runs interface {
	Submit(ctx context.Context, req model.RunRequest) (*model.Run, error)
	Execute(ctx context.Context, runID string, req model.RunRequest) (*model.RunResult, error)
}

// Queue hands runs to background workers.
type Queue interface {
	Enqueue(ctx context.Context, runID string, req model.RunRequest) (*jobs.JobInfo, error)
	Status(ctx context.Context, id string) (*jobs.JobInfo, error)
}

// Option configures a Server.
type Option func(*Server)

// WithQueue sends async runs to q instead of executing them in process.
func WithQueue(q Queue) Option {
	return func(s *Server) { s.queue = q }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the HTTP API.
type Server struct {
	runs     Runs
	store    store.Store
	queue    Queue
	metrics  *monitoring.Metrics
	validate *validator.Validate
	keys     [][]byte
	origins  []string
	log      *zap.Logger

	// ctx bounds in-process async runs; wg tracks them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Server. Without API keys every route is open.
func New(cfg config.ServerConfig, st store.Store, runs Runs, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runs:     runs,
		store:    st,
		validate: newValidator(),
		origins:  cfg.AllowedOrigins,
		log:      zap.L(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics()
	}
	if len(s.keys) == 0 {
		s.log.Warn("server: no api keys configured, api is open")
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(apiKeyAuth(s.keys))
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/jobs/{id}", s.handleGetJob)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.origins) == 0 {
		return []string{"*"}
	}
	return s.origins
}

// Wait blocks until in-process async runs finish or ctx is done, in which
// case the remaining runs are cancelled.
func (s *Server) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait(shutdownCtx)
	return err
}
