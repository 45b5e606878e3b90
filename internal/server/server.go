// Package server exposes a Service over HTTP: client administration,
// admission checks, Prometheus metrics, and a demo route protected by the
// rate limiting middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/KARTIKrocks/go-tierlimit/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const defaultMaxBodyBytes = 1 << 20

// Server is the tierlimit HTTP API.
type Server struct {
	svc       *ratelimit.Service
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	logger    hclog.Logger
	version   string

	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCollector sets the collector that counts failed checks. It should be
// the Service's observer so decisions and errors land in one place.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.collector = c
		}
	}
}

// WithGatherer sets the registry served on /metrics. Defaults to
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a Server for svc.
func New(svc *ratelimit.Service, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		collector: metrics.NewCollector(),
		gatherer:  prometheus.DefaultGatherer,
		logger:    hclog.NewNullLogger(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tiers", s.handleTiers)
		r.Get("/algorithms", s.handleAlgorithms)

		r.Get("/clients", s.handleListClients)
		r.Post("/clients", s.handleRegisterClient)

		r.Route("/clients/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetClient)
			r.Delete("/", s.handleUnregisterClient)
			r.Put("/algorithm", s.handleSetAlgorithm)
			r.Post("/allow", s.handleAllow)
			r.Get("/remaining", s.handleRemaining)
			r.Post("/reset", s.handleReset)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.svc,
			ratelimit.WithOnLimitReached(ratelimit.JSONOnLimitReached),
			ratelimit.WithOnUnknownClient(s.rejectUnknownClient),
		))
		r.Get("/ping", s.handlePing)
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully,
// waiting at most shutdownTimeout for in-flight requests.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", "timeout", shutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// logRequests logs every request at debug level, and server errors at
// error level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Error("request failed", args...)
			return
		}
		s.logger.Debug("request", args...)
	})
}
