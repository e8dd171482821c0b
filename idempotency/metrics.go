package idempotency

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records de-duplication outcomes.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	RecordLookup(ctx context.Context, actionType string, hit bool)
	RecordStore(ctx context.Context, actionType string)
	RecordInFlight(ctx context.Context, actionType string)
	RecordFailOpen(ctx context.Context, actionType string)
	RecordReaped(ctx context.Context, removed int)
}

type metricsImpl struct {
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	stores   metric.Int64Counter
	inflight metric.Int64Counter
	failOpen metric.Int64Counter
	reaped   metric.Int64Counter
}

// NewMetrics creates Metrics backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.hits, "idempotency.hits", "Lookups answered with a stored result"},
		{&m.misses, "idempotency.misses", "Lookups that found no active record"},
		{&m.stores, "idempotency.stores", "Results recorded"},
		{&m.inflight, "idempotency.inflight", "Requests rejected because the key was claimed elsewhere"},
		{&m.failOpen, "idempotency.fail_open", "Executions run without de-duplication"},
		{&m.reaped, "idempotency.reaped", "Expired records removed by the reaper"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func actionAttr(actionType string) metric.AddOption {
	return metric.WithAttributes(attribute.String("action.type", actionType))
}

func (m *metricsImpl) RecordLookup(ctx context.Context, actionType string, hit bool) {
	if hit {
		m.hits.Add(ctx, 1, actionAttr(actionType))
		return
	}
	m.misses.Add(ctx, 1, actionAttr(actionType))
}

func (m *metricsImpl) RecordStore(ctx context.Context, actionType string) {
	m.stores.Add(ctx, 1, actionAttr(actionType))
}

func (m *metricsImpl) RecordInFlight(ctx context.Context, actionType string) {
	m.inflight.Add(ctx, 1, actionAttr(actionType))
}

func (m *metricsImpl) RecordFailOpen(ctx context.Context, actionType string) {
	m.failOpen.Add(ctx, 1, actionAttr(actionType))
}

func (m *metricsImpl) RecordReaped(ctx context.Context, removed int) {
	m.reaped.Add(ctx, int64(removed))
}

// NopMetrics returns Metrics that record nothing.
func NopMetrics() Metrics { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) RecordLookup(context.Context, string, bool) {}
func (nopMetrics) RecordStore(context.Context, string)        {}
func (nopMetrics) RecordInFlight(context.Context, string)     {}
func (nopMetrics) RecordFailOpen(context.Context, string)     {}
func (nopMetrics) RecordReaped(context.Context, int)          {}
