package health

import (
	"context"
	"fmt"
	"time"
)

// SweepReporter is the part of idempotency.Reaper the checker reads.
type SweepReporter interface {
	LastSweep() (time.Time, int)
	Interval() time.Duration
	Running() bool
}

// ReaperChecker reports a reaper that is stopped or has not swept for
// several intervals. Expired records stay invisible either way, so a lagging
// reaper only degrades the service.
type ReaperChecker struct {
	reaper    SweepReporter
	maxMissed int
	started   time.Time
	now       func() time.Time
}

// NewReaperChecker creates a ReaperChecker. maxMissed is the number of
// intervals without a sweep that degrades the check; values below 1 mean 3.
func NewReaperChecker(r SweepReporter, maxMissed int) *ReaperChecker {
	if maxMissed < 1 {
		maxMissed = 3
	}
	return &ReaperChecker{reaper: r, maxMissed: maxMissed, started: time.Now(), now: time.Now}
}

// Name returns "reaper".
func (c *ReaperChecker) Name() string { return "reaper" }

// Check compares the last sweep with the sweep interval.
func (c *ReaperChecker) Check(context.Context) Result {
	last, removed := c.reaper.LastSweep()
	interval := c.reaper.Interval()
	details := map[string]any{
		"interval": interval.String(),
		"removed":  removed,
	}
	if !last.IsZero() {
		details["last_sweep"] = last.UTC().Format(time.RFC3339)
	}

	if !c.reaper.Running() {
		return Degraded("reaper not running").WithDetails(details)
	}

	since := last
	if since.IsZero() {
		since = c.started
	}
	limit := time.Duration(c.maxMissed) * interval
	if age := c.now().Sub(since); age > limit {
		return Degraded(fmt.Sprintf("no sweep for %s", age.Round(time.Second))).WithDetails(details)
	}
	return Healthy("reaper running").WithDetails(details)
}
