package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records execution metrics for actions.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordExecution records an executor run with duration and error status.
	RecordExecution(ctx context.Context, meta ActionMeta, duration time.Duration, err error)

	// RecordDuplicate records a request answered from the idempotency store.
	RecordDuplicate(ctx context.Context, meta ActionMeta)
}

type metricsImpl struct {
	totalCount     metric.Int64Counter
	errorCount     metric.Int64Counter
	duplicateCount metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// NewMetrics creates a Metrics instance backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	totalCount, err := meter.Int64Counter(
		"action.exec.total",
		metric.WithDescription("Total number of action executions"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"action.exec.errors",
		metric.WithDescription("Total number of action execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	duplicateCount, err := meter.Int64Counter(
		"action.exec.duplicates",
		metric.WithDescription("Requests answered from a previously stored result"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"action.exec.duration_ms",
		metric.WithDescription("Action execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		totalCount:     totalCount,
		errorCount:     errorCount,
		duplicateCount: duplicateCount,
		durationHist:   durationHist,
	}, nil
}

// RecordExecution records metrics for an action execution.
func (m *metricsImpl) RecordExecution(ctx context.Context, meta ActionMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

// RecordDuplicate increments the duplicate counter.
func (m *metricsImpl) RecordDuplicate(ctx context.Context, meta ActionMeta) {
	m.duplicateCount.Add(ctx, 1, metric.WithAttributes(attribute.String("action.type", meta.Type)))
}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) RecordExecution(context.Context, ActionMeta, time.Duration, error) {}
func (nopMetrics) RecordDuplicate(context.Context, ActionMeta)                      {}
