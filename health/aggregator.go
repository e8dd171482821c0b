package health

import (
	"context"
	"sync"
	"time"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout bounds a CheckAll call.
	// Default: 10 seconds
	Timeout time.Duration

	// Sequential runs checks one at a time instead of in parallel.
	Sequential bool
}

// Aggregator runs registered checkers and folds their results.
type Aggregator struct {
	config   AggregatorConfig
	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
}

// NewAggregator creates an aggregator.
func NewAggregator(config AggregatorConfig) *Aggregator {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Aggregator{
		config:   config,
		checkers: make(map[string]Checker),
	}
}

// Register adds or replaces a checker under its own name.
func (a *Aggregator) Register(c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := c.Name()
	if _, exists := a.checkers[name]; !exists {
		a.order = append(a.order, name)
	}
	a.checkers[name] = c
}

// CheckerNames returns registered names in registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// Check runs a single named check.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	c, ok := a.checkers[name]
	a.mu.RUnlock()
	if !ok {
		return Result{}, ErrCheckerNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	return runCheck(ctx, c), nil
}

// CheckAll runs every registered check and returns results by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	checkers := make([]Checker, 0, len(a.order))
	for _, name := range a.order {
		checkers = append(checkers, a.checkers[name])
	}
	a.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	if len(checkers) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	if a.config.Sequential {
		for _, c := range checkers {
			results[c.Name()] = runCheck(ctx, c)
		}
		return results
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checkers {
		wg.Go(func() {
			r := runCheck(ctx, c)
			mu.Lock()
			results[c.Name()] = r
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

// OverallStatus returns the worst status in results. No results is healthy.
func OverallStatus(results map[string]Result) Status {
	overall := StatusHealthy
	for _, r := range results {
		if r.Status > overall {
			overall = r.Status
		}
	}
	return overall
}

func runCheck(ctx context.Context, c Checker) Result {
	start := time.Now()
	ch := make(chan Result, 1)

	go func() {
		r := c.Check(ctx)
		r.Duration = time.Since(start)
		if r.Timestamp.IsZero() {
			r.Timestamp = start
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Result{
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Error:     ErrCheckTimeout,
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}
}
