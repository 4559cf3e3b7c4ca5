// Package metrics serves the Prometheus scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"oms/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics for the Prometheus scraper. The OTel meter
// provider feeds the default registry, so this is the one HTTP surface all
// instruments leave through.
type Server struct {
	srv    *http.Server
	logger core.ILogger
}

// NewServer builds the scrape server on the given port.
func NewServer(port int, logger core.ILogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start serves in the background; a listen failure is logged, not fatal,
// since losing the scrape endpoint must not take down order flow.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics endpoint failed", "error", err)
		}
	}()
}

// Stop drains the scrape server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics endpoint")
	return s.srv.Shutdown(ctx)
}
