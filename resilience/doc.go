// Package resilience provides the guards that sit around action execution.
//
// # Patterns
//
//   - KeyedLimiter: one token bucket per key (typically user and action
//     type), built on golang.org/x/time/rate. Denials carry the delay until
//     the next token.
//
//   - BreakerSet: one circuit breaker per action type so a failing
//     integration does not block the others.
//
//   - Bulkhead: caps concurrent executions, built on
//     golang.org/x/sync/semaphore.
//
//   - Timeout: bounds execution time.
//
//   - Retry: exponential backoff for repeatable operations, such as
//     recording a result after a transient store error.
//
// # Usage
//
//	exec := resilience.NewExecutor(
//	    resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 32})),
//	    resilience.WithBreakers(resilience.NewBreakerSet(resilience.CircuitBreakerConfig{MaxFailures: 5})),
//	    resilience.WithTimeout(resilience.NewTimeout(15*time.Second)),
//	)
//
//	err := exec.Execute(ctx, "create_invoice", func(ctx context.Context) error {
//	    return billing.CreateInvoice(ctx, req)
//	})
package resilience
