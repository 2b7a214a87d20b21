package healthcheck

import (
	"context"
	"sync"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Subtitle string         `json:"subtitle,omitempty"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more dependency checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Report is the aggregated outcome of every checker.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Run evaluates checkers concurrently and keeps their order in the report.
func Run(ctx context.Context, checkers ...Checker) Report {
	results := make([][]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.ListChecks(ctx)
		}()
	}
	wg.Wait()

	report := Report{Checks: make([]CheckResult, 0, len(checkers))}
	for _, items := range results {
		report.Checks = append(report.Checks, items...)
	}
	report.Status = Aggregate(report.Checks)
	return report
}

// Aggregate returns the worst status among results.
func Aggregate(results []CheckResult) string {
	status := StatusOK
	for _, r := range results {
		switch r.Status {
		case StatusError:
			return StatusError
		case StatusWarn, StatusUnknown:
			status = StatusWarn
		}
	}
	return status
}
