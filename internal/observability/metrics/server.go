package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
)

// ============================================================================
// Metrics Server
// ============================================================================

// Server exposes a collector over HTTP for Prometheus scraping. The process
// runs one server regardless of how many worker ranks it hosts; all ranks
// record into the same collector.
type Server struct {
	collector *MetricsCollector
	srv       *http.Server
	logger    logging.Logger
}

// NewServer builds a metrics server from the endpoint configuration
func NewServer(cfg config.MetricsConfig, collector *MetricsCollector, logger logging.Logger) *Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, collector.Handler())

	return &Server{
		collector: collector,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics"),
	}
}

// Start begins serving in the background. Listen errors other than a clean
// shutdown are logged, not returned; a broken metrics endpoint must not take
// down a training run.
func (s *Server) Start() {
	s.logger.Info("serving metrics", logging.String("addr", s.srv.Addr))

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", logging.Error(err))
		}
	}()
}

// Shutdown stops the server, waiting for in-flight scrapes up to the
// context deadline
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
