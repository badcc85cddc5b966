package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/middleware"
	"heimdall-backend/internal/observability"
)

// Server owns the listener and the route table.
type Server struct {
	cfg     config.HTTPConfig
	handler *Handler
	metrics *observability.Collector
	logger  *zap.Logger
	srv     *http.Server
}

// NewServer builds the router and the http.Server around it.
func NewServer(cfg config.HTTPConfig, handler *Handler, metrics *observability.Collector, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
		logger:  logger,
	}
	// WriteTimeout stays off at the server level: it would sever long-lived
	// event streams. Non-streaming routes get their deadline from the timeout
	// middleware instead.
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.routes(),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.Metrics(s.metrics))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handler.Health)

		// The write and read paths get their own edge breakers so a failing
		// query path cannot shed ingest traffic, and vice versa.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.WriteTimeout))
			r.Use(middleware.CircuitBreaker(middleware.DefaultCircuitBreakerConfig("ingest-edge"), s.logger))
			r.Post("/logs", s.handler.IngestLog)
			r.Post("/logs/batch", s.handler.IngestBatch)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.WriteTimeout))
			r.Use(middleware.CircuitBreaker(middleware.DefaultCircuitBreakerConfig("query-edge"), s.logger))
			r.Post("/query", s.handler.Query)
		})

		// Streaming stays outside the timeout middleware: subscriptions live
		// until the client disconnects or the idle sweeper expires them.
		r.Post("/subscriptions", s.handler.Subscribe)
		r.Delete("/subscriptions/{subscriptionID}", s.handler.Unsubscribe)
	})

	return router
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
