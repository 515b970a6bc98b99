// Package handlers implements the HTTP handlers of the API: the matching
// command endpoints, health probes and version reporting.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/gomatch/internal/server/middleware"
)

// DefaultCheckTimeout bounds one health checker run. A checker that does
// not answer in time reports "timeout" and degrades the overall status
// instead of failing it.
const DefaultCheckTimeout = 2 * time.Second

// Health status values Checks entries and the overall status take.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
	statusDegraded  = "degraded"
)

// HealthChecker probes one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers and serves the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named checker. Re-registering a name replaces it.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// runChecks runs every checker with a per-check timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		results[name] = m.runCheck(ctx, checker)
	}
	return results
}

func (m *HealthManager) runCheck(ctx context.Context, checker HealthChecker) string {
	checkCtx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- checker.CheckHealth(checkCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return statusUnhealthy
		}
		return statusHealthy
	case <-checkCtx.Done():
		return statusTimeout
	}
}

// determineOverallStatus folds per-check results into one status: any
// unhealthy check fails the probe, a timeout only degrades it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := statusHealthy
	for _, s := range checks {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			status = statusDegraded
		}
	}
	return status
}

// HealthHandler serves GET /health: full dependency checks.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == statusUnhealthy {
		m.writeUnavailable(w, checks)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  overall,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler serves GET /health/live: the process is up.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler serves GET /health/ready: dependencies answer, the
// service can take traffic.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == statusUnhealthy {
		m.writeUnavailable(w, checks)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ready",
		Version: m.version,
		Checks:  checks,
	})
}

// StartupHandler serves GET /health/startup: initialization finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "started", Version: m.version})
}

func (m *HealthManager) writeUnavailable(w http.ResponseWriter, checks map[string]string) {
	envelope := gferrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "one or more health checks failed")
	if enriched, err := envelope.WithContext(map[string]interface{}{"checks": checks}); err == nil {
		envelope = enriched
	}
	middleware.WriteError(w, envelope, http.StatusServiceUnavailable)
}

// globalHealthManager backs the package-level handlers the router mounts.
var globalHealthManager *HealthManager

// InitHealthManager creates the global health manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global health manager, or nil before
// InitHealthManager ran.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// HealthHandler serves /health through the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	m := globalHealthManager
	if m == nil {
		writeUninitialized(w)
		return
	}
	m.HealthHandler(w, r)
}

// LivenessHandler serves /health/live through the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m := globalHealthManager
	if m == nil {
		writeUninitialized(w)
		return
	}
	m.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready through the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m := globalHealthManager
	if m == nil {
		writeUninitialized(w)
		return
	}
	m.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup through the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	m := globalHealthManager
	if m == nil {
		writeUninitialized(w)
		return
	}
	m.StartupHandler(w, r)
}

func writeUninitialized(w http.ResponseWriter) {
	envelope := gferrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
	middleware.WriteError(w, envelope, http.StatusServiceUnavailable)
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
