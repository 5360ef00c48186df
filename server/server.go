// Package server exposes workflows and runs over HTTP.
//
// Workflows are edited through their document history and persisted as
// versions when a store is configured. Runs are started from the current
// document, controlled through pause/resume/stop and observed through a
// Server-Sent Events feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/storage/sqlite"
)

const defaultHeartbeat = 15 * time.Second

// Server serves the workflow API.
type Server struct {
	engine    *loom.Engine
	db        *sqlite.DB
	logger    *slog.Logger
	heartbeat time.Duration
	router    chi.Router

	// base outlives requests; runs started over HTTP are bound to it.
	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	workflows map[string]*workflow
	execs     map[string]*loom.Execution
}

type workflow struct {
	doc     *loom.Document
	version int
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists documents and reads archived runs from db.
func WithStore(db *sqlite.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithLogger sets the request and run logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// New creates a server for engine.
func New(engine *loom.Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		logger:    slog.Default(),
		heartbeat: defaultHeartbeat,
		workflows: make(map[string]*workflow),
		execs:     make(map[string]*loom.Execution),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/nodes", s.handleNodes)

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.handleWorkflowList)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.handleWorkflowPut)
			r.Get("/", s.handleWorkflowGet)
			r.Get("/versions", s.handleWorkflowVersions)
			r.Post("/edits", s.handleWorkflowEdit)
			r.Post("/undo", s.handleWorkflowUndo)
			r.Post("/redo", s.handleWorkflowRedo)
			r.Post("/runs", s.handleRunStart)
			r.Get("/runs", s.handleRunList)
		})
	})

	r.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", s.handleRunGet)
		r.Get("/events", s.handleRunEvents)
		r.Post("/pause", s.handleRunPause)
		r.Post("/resume", s.handleRunResume)
		r.Post("/stop", s.handleRunStop)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ListenAndServe serves on addr until ctx is done, then stops every active
// run and shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("server listening", "addr", addr)

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops all runs started through the server and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	execs := make([]*loom.Execution, 0, len(s.execs))
	for _, x := range s.execs {
		execs = append(execs, x)
	}
	s.mu.Unlock()
	for _, x := range execs {
		x.Wait()
	}
}

// ArchiveEvicted returns a run store eviction callback that archives runs
// to db. Failures are logged.
func ArchiveEvicted(db *sqlite.DB, logger *slog.Logger) func(*loom.Run) {
	return func(run *loom.Run) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.ArchiveRun(ctx, run); err != nil {
			logger.Error("archive run", "run", run.ID, "error", err)
			return
		}
		logger.Debug("archived run", "run", run.ID, "graph", run.GraphID)
	}
}
