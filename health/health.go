// Package health reports whether the broker subscriptions and the catalog
// store are usable.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the health of one check or of the whole service
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one Checker
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// Checker checks one dependency
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates every check
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Healthy reports whether every check passed
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Run executes the checkers concurrently, each bounded by timeout, and keeps
// results in checker order. The overall status is the worst of all checks.
func Run(ctx context.Context, timeout time.Duration, checkers ...Checker) Report {
	results := make([]CheckResult, len(checkers))

	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = checker.Check(checkCtx)
		}(i, checker)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: results, Timestamp: time.Now()}
	for _, r := range results {
		report.Status = worst(report.Status, r.Status)
	}
	return report
}

func worst(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
