package observe

import (
	"context"
	"time"
)

// ExecuteFunc is the signature for action execution functions.
type ExecuteFunc func(ctx context.Context, meta ActionMeta, input any) (any, error)

// Middleware wraps action execution with observability (tracing, metrics, logging).
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe ExecuteFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from wrapped function are recorded and propagated unchanged.
//   - Ownership: Input/output values are passed through without modification.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware with the given observability components.
// Nil components are replaced with no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = newNoopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps an ExecuteFunc with tracing, metrics, and logging.
func (m *Middleware) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, meta ActionMeta, input any) (any, error) {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		result, err := fn(ctx, meta, input)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordExecution(ctx, meta, duration, err)

		logger := m.logger.WithAction(meta)
		fields := []Field{F("duration_ms", float64(duration.Milliseconds()))}
		if err != nil {
			fields = append(fields, F("error", err.Error()))
			logger.Error(ctx, "action execution failed", fields...)
		} else {
			logger.Info(ctx, "action execution completed", fields...)
		}

		return result, err
	}
}

// Metrics returns the metrics recorder used by the middleware.
func (m *Middleware) Metrics() Metrics {
	return m.metrics
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return NewMiddleware(nil, nil, nil), nil
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
