// Package server implements the health and metrics HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker reports process liveness and per-component readiness.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	GetStatus() map[string]string
}

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checks is a HealthChecker built from named component probes.
type Checks struct {
	mu       sync.RWMutex
	probes   map[string]CheckFunc
	last     map[string]string
	shutdown atomic.Bool
}

// NewChecks creates an empty set of probes.
func NewChecks() *Checks {
	return &Checks{probes: map[string]CheckFunc{}, last: map[string]string{}}
}

// Register adds or replaces the probe for component name.
func (c *Checks) Register(name string, probe CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// MarkShuttingDown makes readiness fail so load balancers drain the process.
func (c *Checks) MarkShuttingDown() {
	c.shutdown.Store(true)
}

// Liveness is true while the process runs.
func (c *Checks) Liveness() bool {
	return true
}

// Readiness runs every probe and records the outcome for GetStatus.
func (c *Checks) Readiness(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ready := !c.shutdown.Load()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.probes[name](ctx); err != nil {
			c.last[name] = err.Error()
			ready = false
			continue
		}
		c.last[name] = "ok"
	}
	if c.shutdown.Load() {
		c.last["shutdown"] = "in progress"
	}
	return ready
}

// GetStatus returns the outcome of the last readiness run.
func (c *Checks) GetStatus() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := make(map[string]string, len(c.last))
	for k, v := range c.last {
		status[k] = v
	}
	return status
}

// LivenessHandler returns a handler for Kubernetes liveness probes.
func LivenessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "alive"
		statusCode := http.StatusOK

		if !checker.Liveness() {
			status = "not alive"
			statusCode = http.StatusServiceUnavailable
		}

		writeHealth(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, logger)
	}
}

// ReadinessHandler returns a handler for Kubernetes readiness probes.
func ReadinessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ready"
		statusCode := http.StatusOK

		if !checker.Readiness(r.Context()) {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		writeHealth(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checker.GetStatus(),
		}, logger)
	}
}

func writeHealth(w http.ResponseWriter, statusCode int, response HealthResponse, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode health response", zap.Error(err))
	}
}
