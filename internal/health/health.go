// Package health exposes liveness, readiness and component health
// endpoints served alongside the metrics listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/etnwatch/etnwatch/internal/logging"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one component's verdict.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Response aggregates all component checks.
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker reports the health of one component.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready to serve; flipped on once the store
// is migrated and the scheduler is running.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// HealthHandler runs every registered check and reports the worst status.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	response := Response{
		Timestamp: time.Now(),
		Checks:    []Check{},
		Metadata:  metadata,
	}

	overall := StatusHealthy
	for name, checker := range checkers {
		check := checker.Check(ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == StatusUnhealthy {
			overall = StatusUnhealthy
		} else if check.Status == StatusDegraded && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}
	response.Status = overall

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// PingChecker wraps any ping-style connectivity probe (database, redis).
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return Check{
			Status:      StatusHealthy,
			Message:     c.name + " not configured",
			LastChecked: time.Now(),
		}
	}

	err := c.ping(ctx)
	duration := time.Since(start)
	if err != nil {
		return Check{
			Status:      StatusUnhealthy,
			Message:     c.name + " connection failed: " + err.Error(),
			LastChecked: time.Now(),
			Duration:    duration / time.Millisecond,
		}
	}
	return Check{
		Status:      StatusHealthy,
		Message:     c.name + " connection OK",
		LastChecked: time.Now(),
		Duration:    duration / time.Millisecond,
	}
}

// CycleChecker reports the orchestrator's position in the check cycle. A
// running cycle is healthy; it exists so operators can see the phase
// without scraping logs.
type CycleChecker struct {
	state func() string
}

func NewCycleChecker(state func() string) *CycleChecker {
	return &CycleChecker{state: state}
}

func (c *CycleChecker) Check(ctx context.Context) Check {
	return Check{
		Status:      StatusHealthy,
		Message:     "cycle state: " + c.state(),
		LastChecked: time.Now(),
	}
}

// StaleCycleChecker degrades when no cycle has completed within the
// configured window, catching schedulers that silently stopped firing.
type StaleCycleChecker struct {
	lastCompleted func() time.Time
	maxAge        time.Duration
}

func NewStaleCycleChecker(lastCompleted func() time.Time, maxAge time.Duration) *StaleCycleChecker {
	return &StaleCycleChecker{lastCompleted: lastCompleted, maxAge: maxAge}
}

func (c *StaleCycleChecker) Check(ctx context.Context) Check {
	last := c.lastCompleted()
	if last.IsZero() {
		return Check{
			Status:      StatusHealthy,
			Message:     "no cycle completed yet",
			LastChecked: time.Now(),
		}
	}
	if age := time.Since(last); age > c.maxAge {
		return Check{
			Status:      StatusDegraded,
			Message:     "last completed cycle is " + age.Round(time.Minute).String() + " old",
			LastChecked: time.Now(),
		}
	}
	return Check{
		Status:      StatusHealthy,
		Message:     "last cycle completed " + time.Since(last).Round(time.Second).String() + " ago",
		LastChecked: time.Now(),
	}
}
