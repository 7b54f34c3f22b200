package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// probeTimeout bounds a single dependency probe. The metadata store,
// the content store and the container orchestrator are all remote
// surfaces; a readiness call must not hang on any one of them.
const probeTimeout = 3 * time.Second

// HealthChecker answers liveness and readiness for the service.
// Liveness is unconditional; readiness runs every registered
// dependency probe and degrades when any of them fails.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
	logger *slog.Logger
}

type probe struct {
	name string
	run  func(ctx context.Context) error
}

// HealthStatus is the JSON body of the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates an empty checker; probes are registered at
// startup based on which dependencies the configuration enables.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, run: check})
}

// CheckHealth is the liveness answer: the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe, each under its own timeout,
// and aggregates the results. A checker with no probes is always ready.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := h.probes
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok"}
	if len(probes) == 0 {
		return status
	}
	status.Checks = make(map[string]CheckResult, len(probes))

	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err := p.run(probeCtx)
		cancel()

		result := CheckResult{
			Status:    "ok",
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			status.Status = "degraded"
			if h.logger != nil {
				h.logger.Warn("readiness probe failed",
					slog.String("probe", p.name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[p.name] = result
	}

	return status
}
