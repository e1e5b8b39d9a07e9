// Package api exposes the scheduler over HTTP for operators and for the
// transport that relays offers, task statuses and executor messages.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/scheduler"
	"github.com/seedkeeper/seedkeeper/pkg/version"
)

const maxBodyBytes = 1 << 20

// Scheduler is the subset of *scheduler.Scheduler served by the API.
type Scheduler interface {
	Evaluate(ctx context.Context, offer scheduler.Offer) scheduler.Decision
	DispatchStatus(ctx context.Context, st scheduler.TaskStatus) error
	DispatchMessage(ctx context.Context, msg scheduler.Message) error
	NodeCounts() cluster.NodeCounts
	Nodes() []scheduler.NodeView
	Node(id cluster.NodeID) (scheduler.NodeView, bool)
	CurrentClusterJob() (clusterjob.Job, bool)
	LastClusterJob(t clusterjob.JobType) (clusterjob.Job, bool)
	StartClusterJob(ctx context.Context, t clusterjob.JobType) (clusterjob.Job, error)
	AbortClusterJob(ctx context.Context) (clusterjob.Job, error)
}

// Server routes HTTP requests to a Scheduler.
type Server struct {
	sched   Scheduler
	metrics http.Handler
	ready   func(context.Context) error
	version func() version.Info
	router  chi.Router
}

// Option customises the server.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithReadiness makes /healthz report 503 while check fails.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) {
		s.ready = check
	}
}

// WithVersionFunc overrides the build information served at /version.
func WithVersionFunc(fn func() version.Info) Option {
	return func(s *Server) {
		if fn != nil {
			s.version = fn
		}
	}
}

// New builds the router for sched.
func New(sched Scheduler, opts ...Option) (*Server, error) {
	if sched == nil {
		return nil, errors.New("api requires a scheduler")
	}
	s := &Server{sched: sched, version: version.Get}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path, nil)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/nodes", s.handleNodes)
		r.Get("/nodes/counts", s.handleNodeCounts)
		r.Get("/nodes/{id}", s.handleNode)

		r.Get("/cluster-jobs/current", s.handleCurrentJob)
		r.Post("/cluster-jobs/current/abort", s.handleAbortJob)
		r.Get("/cluster-jobs/last/{type}", s.handleLastJob)
		r.Post("/cluster-jobs/{type}", s.handleStartJob)

		r.Post("/offers", s.handleOffer)
		r.Post("/status", s.handleStatus)
		r.Post("/messages", s.handleMessage)
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// down gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
