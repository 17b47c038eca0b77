package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config contains listen ports and paths. Port 0 binds an ephemeral port.
type Config struct {
	HealthPort     int
	LivenessPath   string
	ReadinessPath  string
	MetricsEnabled bool
	MetricsPort    int
	MetricsPath    string
}

func (c Config) withDefaults() Config {
	if c.LivenessPath == "" {
		c.LivenessPath = "/health/live"
	}
	if c.ReadinessPath == "" {
		c.ReadinessPath = "/health/ready"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	return c
}

// Server represents the HTTP servers for health and metrics.
type Server struct {
	healthServer  *http.Server
	metricsServer *http.Server
	logger        *zap.Logger
}

// NewServer creates the health server and, when enabled, the metrics server.
func NewServer(config Config, healthChecker HealthChecker, registry *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	config = config.withDefaults()
	if config.MetricsEnabled && config.HealthPort != 0 && config.HealthPort == config.MetricsPort {
		return nil, fmt.Errorf("health and metrics ports must differ: %d", config.HealthPort)
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc(config.LivenessPath, LivenessHandler(healthChecker, logger))
	healthMux.HandleFunc(config.ReadinessPath, ReadinessHandler(healthChecker, logger))

	s := &Server{
		healthServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.HealthPort),
			Handler:      healthMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}

	if config.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(config.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		s.metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Start binds the servers and serves them in the background.
func (s *Server) Start() error {
	for _, srv := range s.servers() {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		srv.Addr = ln.Addr().String()
		s.logger.Info("starting HTTP server", zap.String("addr", srv.Addr))

		go func(srv *http.Server) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}(srv)
	}
	return nil
}

// HealthAddr returns the health server address; after Start it is the bound one.
func (s *Server) HealthAddr() string {
	return s.healthServer.Addr
}

// MetricsAddr returns the metrics server address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	if s.metricsServer == nil {
		return ""
	}
	return s.metricsServer.Addr
}

// Shutdown gracefully shuts down both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	servers := s.servers()
	errChan := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			errChan <- srv.Shutdown(ctx)
		}(srv)
	}

	var lastErr error
	for range servers {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (s *Server) servers() []*http.Server {
	if s.metricsServer == nil {
		return []*http.Server{s.healthServer}
	}
	return []*http.Server{s.healthServer, s.metricsServer}
}
