package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/tekupdk/actionguard/resilience"
)

// BreakerChecker reports open circuit breakers. An open breaker blocks one
// action type while the rest keep working, so it degrades the service.
type BreakerChecker struct {
	breakers *resilience.BreakerSet
}

// NewBreakerChecker creates a BreakerChecker.
func NewBreakerChecker(s *resilience.BreakerSet) *BreakerChecker {
	return &BreakerChecker{breakers: s}
}

// Name returns "breakers".
func (c *BreakerChecker) Name() string { return "breakers" }

// Check lists breakers that are not closed.
func (c *BreakerChecker) Check(context.Context) Result {
	open := c.breakers.Open()
	details := map[string]any{"breakers": c.breakers.Metrics()}
	if len(open) == 0 {
		return Healthy("all circuits closed").WithDetails(details)
	}
	return Degraded(fmt.Sprintf("circuits open: %s", strings.Join(open, ", "))).WithDetails(details)
}
