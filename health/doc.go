// Package health reports whether the action service can safely accept
// side-effecting requests.
//
// A Checker reports one component as Healthy, Degraded or Unhealthy. The
// Aggregator runs a set of checkers under a shared deadline and folds their
// results into one status: the worst one wins.
//
// # Checkers
//
//   - StoreChecker pings the idempotency store. An unreachable store is
//     Unhealthy under a fail-closed policy and Degraded under fail-open,
//     since requests are still served without de-duplication.
//   - RecordsChecker flags a store whose active record count passes the
//     configured thresholds.
//   - ReaperChecker flags a reaper that stopped or fell behind.
//   - BreakerChecker flags open circuit breakers per action type.
//
// # HTTP
//
//	mux.Handle("/healthz", health.LivenessHandler())
//	mux.Handle("/readyz", health.ReadinessHandler(agg))
//	mux.Handle("/health", health.DetailedHandler(agg))
package health
