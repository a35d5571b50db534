// Package health runs readiness checks against the broker and the hub.
package health

import (
	"context"
	"log/slog"
	"time"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the result of one check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// Checker checks a single component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report is the combined result of all checks
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Run executes the checkers in order. The report status is the worst status
// of any check.
func Run(ctx context.Context, logger *slog.Logger, checkers ...Checker) Report {
	if logger == nil {
		logger = slog.Default()
	}

	report := Report{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checkers))}
	for _, c := range checkers {
		result := c.Check(ctx)
		if result.Name == "" {
			result.Name = c.Name()
		}
		report.Checks = append(report.Checks, result)

		if severity(result.Status) > severity(report.Status) {
			report.Status = result.Status
		}

		if result.Status != StatusHealthy {
			logger.Warn("health check failed",
				"check", result.Name,
				"status", result.Status,
				"error", result.Error)
		} else {
			logger.Debug("health check passed", "check", result.Name, "duration", result.Duration)
		}
	}
	return report
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
