// Package observe provides observability primitives for action execution.
//
// It is a pure instrumentation library: no execution, no transport, no I/O
// beyond exporter setup. The action service and the idempotency guard take
// the Logger, Tracer and Metrics defined here; the server wires an Observer
// built from configuration.
package observe
