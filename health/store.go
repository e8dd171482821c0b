package health

import (
	"context"
	"fmt"

	"github.com/tekupdk/actionguard/idempotency"
)

// StoreCheckerConfig configures a StoreChecker.
type StoreCheckerConfig struct {
	// Backend names the store in results, e.g. "redis".
	Backend string

	// FailPolicy decides how an unreachable store is reported. Under
	// FailOpen requests still run, without de-duplication.
	FailPolicy idempotency.FailPolicy
}

// StoreChecker checks that the idempotency store is reachable.
type StoreChecker struct {
	store  idempotency.Store
	config StoreCheckerConfig
}

// NewStoreChecker creates a StoreChecker.
func NewStoreChecker(store idempotency.Store, config StoreCheckerConfig) *StoreChecker {
	return &StoreChecker{store: store, config: config}
}

// Name returns "store".
func (c *StoreChecker) Name() string { return "store" }

// Check pings the store, or reads its stats when it cannot be pinged.
func (c *StoreChecker) Check(ctx context.Context) Result {
	var err error
	if p, ok := c.store.(idempotency.Pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, err = c.store.Stats(ctx)
	}

	details := map[string]any{
		"backend":     c.config.Backend,
		"fail_policy": c.config.FailPolicy.String(),
	}
	if err == nil {
		return Healthy("store reachable").WithDetails(details)
	}
	if c.config.FailPolicy == idempotency.FailOpen {
		r := Degraded("store unreachable, executing without de-duplication").WithDetails(details)
		r.Error = err
		return r
	}
	return Unhealthy("store unreachable", err).WithDetails(details)
}

// RecordsCheckerConfig configures a RecordsChecker.
type RecordsCheckerConfig struct {
	// WarnActive is the active record count that degrades the check.
	// Zero disables it.
	WarnActive int

	// MaxActive is the active record count that fails the check.
	// Zero disables it.
	MaxActive int
}

// RecordsChecker reports store occupancy.
type RecordsChecker struct {
	store  idempotency.Store
	config RecordsCheckerConfig
}

// NewRecordsChecker creates a RecordsChecker.
func NewRecordsChecker(store idempotency.Store, config RecordsCheckerConfig) *RecordsChecker {
	return &RecordsChecker{store: store, config: config}
}

// Name returns "records".
func (c *RecordsChecker) Name() string { return "records" }

// Check reads store stats and compares the active count to the thresholds.
func (c *RecordsChecker) Check(ctx context.Context) Result {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return Unhealthy("stats unavailable", err)
	}

	details := map[string]any{
		"total":   st.Total,
		"active":  st.Active,
		"expired": st.Expired,
		"pending": st.Pending,
	}
	switch {
	case c.config.MaxActive > 0 && st.Active >= c.config.MaxActive:
		return Unhealthy(fmt.Sprintf("%d active records, limit %d", st.Active, c.config.MaxActive), ErrCheckFailed).WithDetails(details)
	case c.config.WarnActive > 0 && st.Active >= c.config.WarnActive:
		return Degraded(fmt.Sprintf("%d active records, warning at %d", st.Active, c.config.WarnActive)).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("%d active records", st.Active)).WithDetails(details)
}
