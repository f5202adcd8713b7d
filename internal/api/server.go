package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/archive"
	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/pool"
)

const (
	defaultMaxBodyBytes = 1 << 20
	readyCheckTimeout   = 2 * time.Second
)

// Submitter runs one capture to completion.
type Submitter interface {
	Submit(ctx context.Context, req capture.Request) (capture.Result, error)
}

// Archiver persists successful captures.
type Archiver interface {
	Archive(ctx context.Context, res capture.Result) (archive.Entry, error)
}

// PoolStats reports browser pool occupancy.
type PoolStats interface {
	Stats() pool.Stats
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Options tune the HTTP surface.
type Options struct {
	AuthEnabled bool
	APIKey      string
	// ArchiveAlways archives every successful capture, not only ?store=true.
	ArchiveAlways bool
	MaxBodyBytes  int64
	// ReadyChecks run on every /readyz request.
	ReadyChecks map[string]ReadyCheck
}

// Server wires HTTP handlers to the dispatcher and archive.
type Server struct {
	router    chi.Router
	submitter Submitter
	archiver  Archiver
	pool      PoolStats
	opts      Options
	logger    *zap.Logger
	draining  atomic.Bool
}

// NewServer constructs a Server with middleware and routes. archiver may be
// nil when archiving is disabled.
func NewServer(submitter Submitter, archiver Archiver, poolStats PoolStats, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		submitter: submitter,
		archiver:  archiver,
		pool:      poolStats,
		opts:      opts,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/screenshots", func(r chi.Router) {
			r.Post("/", s.postScreenshot)
			r.Get("/", s.getScreenshot)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining flips readiness to 503 so load balancers stop routing new
// captures while in-flight ones finish.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status string            `json:"status"`
	Pool   *pool.Stats       `json:"pool,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready"}
	status := http.StatusOK

	if s.pool != nil {
		stats := s.pool.Stats()
		resp.Pool = &stats
		if stats.Closed {
			resp.Status = "pool closed"
			status = http.StatusServiceUnavailable
		}
	}
	if s.draining.Load() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}

	if len(s.opts.ReadyChecks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()
		resp.Checks = make(map[string]string, len(s.opts.ReadyChecks))
		for name, check := range s.opts.ReadyChecks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("write JSON failed", zap.Error(err))
	}
}
