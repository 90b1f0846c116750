package healthcheck

import (
	"context"
	"time"
)

// Report is the aggregated result of every registered checker.
type Report struct {
	Status    string        `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckResult `json:"checks"`
}

// Aggregator runs a fixed set of checkers.
type Aggregator struct {
	checkers []Checker
	now      func() time.Time
}

// NewAggregator creates an aggregator over checkers. Nil checkers are ignored.
func NewAggregator(checkers ...Checker) *Aggregator {
	kept := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Aggregator{checkers: kept, now: time.Now}
}

// Run evaluates every checker. The report status is the worst item status;
// an empty report is ok.
func (a *Aggregator) Run(ctx context.Context) Report {
	report := Report{Status: StatusOK, CheckedAt: time.Now().UTC(), Checks: []CheckResult{}}
	if a == nil {
		return report
	}
	report.CheckedAt = a.now().UTC()
	for _, c := range a.checkers {
		for _, item := range c.ListChecks(ctx) {
			report.Checks = append(report.Checks, item)
			if severity(item.Status) > severity(report.Status) {
				report.Status = item.Status
			}
		}
	}
	return report
}

func severity(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarn:
		return 2
	case StatusError:
		return 3
	}
	return 1
}
