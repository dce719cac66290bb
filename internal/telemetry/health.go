package telemetry

import (
	"context"
	"log/slog"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from registered dependency checks,
// some of which are marked fatal: a fatal check failing (e.g. the
// configured sandbox backend's container runtime is unreachable) means the
// process should not be considered ready at all, not merely degraded.
type HealthChecker struct {
	checks []healthCheck
	logger *slog.Logger
}

type healthCheck struct {
	name  string
	fatal bool
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok", "degraded", or "fatal"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named, non-fatal health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, check: check})
}

// AddFatalCheck registers a check whose failure marks the process
// unready at the "fatal" level rather than merely "degraded". The serve
// command registers no fatal check, so the container runtime is not
// probed for readiness.
func (h *HealthChecker) AddFatalCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, fatal: true, check: check})
}

// CheckHealth returns liveness status. Always "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		if err := c.check(checkCtx); err != nil {
			if c.fatal {
				status.Status = "fatal"
			} else if status.Status == "ok" {
				status.Status = "degraded"
			}
			status.Checks[c.name] = CheckResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.name),
					slog.Bool("fatal", c.fatal),
					slog.String("error", err.Error()))
			}
		} else {
			status.Checks[c.name] = CheckResult{Status: "ok"}
		}
	}

	return status
}
