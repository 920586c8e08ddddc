package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker backs /healthz and /readyz. Readiness is the engine flag set
// by SetReady combined with the last result of every named dependency check.
// Checks run only in Probe, so handlers and IsReady never block on I/O.
type HealthChecker struct {
	engineReady atomic.Bool
	startTime   time.Time

	mu      sync.RWMutex
	checks  map[string]CheckFunc
	results map[string]error
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
		results:   make(map[string]error),
	}
}

// AddCheck registers a dependency probe. Until its first Probe the check
// counts as failing.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
	h.results[name] = errNotProbed
}

// Probe runs every registered check with the given per-check timeout and
// stores the results. It reports whether the overall state is ready.
func (h *HealthChecker) Probe(ctx context.Context, timeout time.Duration) bool {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, fn := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		results[name] = fn(cctx)
		cancel()
	}

	h.mu.Lock()
	for name, err := range results {
		h.results[name] = err
	}
	h.mu.Unlock()
	return h.IsReady()
}

// SetReady sets the engine part of readiness.
func (h *HealthChecker) SetReady(ready bool) {
	h.engineReady.Store(ready)
}

// IsReady reports the engine flag and the last check results.
func (h *HealthChecker) IsReady() bool {
	if !h.engineReady.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, err := range h.results {
		if err != nil {
			return false
		}
	}
	return true
}

type checkStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *HealthChecker) statuses() []checkStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]checkStatus, 0, len(h.results))
	for name, err := range h.results {
		cs := checkStatus{Name: name, Status: "ok"}
		if err != nil {
			cs.Status = "failing"
			cs.Error = err.Error()
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when IsReady holds, 503 otherwise, with the
// engine flag and each dependency check in the body.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if !h.IsReady() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"engine": h.engineReady.Load(),
		"checks": h.statuses(),
	})
}

type healthError string

func (e healthError) Error() string { return string(e) }

const errNotProbed = healthError("not probed yet")
