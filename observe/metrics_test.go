package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_TotalCounterIncrements(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordExecution(context.Background(), ActionMeta{Type: "create_lead"}, 100*time.Millisecond, nil)

	found := findMetric(collect(t, reader), "action.exec.total")
	if found == nil {
		t.Fatal("action.exec.total metric not found")
	}
	if got := sumValue(t, found); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
}

func TestMetrics_ErrorCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	meta := ActionMeta{Type: "create_invoice"}

	m.RecordExecution(context.Background(), meta, 10*time.Millisecond, nil)
	m.RecordExecution(context.Background(), meta, 10*time.Millisecond, errors.New("billing down"))

	rm := collect(t, reader)
	if got := sumValue(t, findMetric(rm, "action.exec.total")); got != 2 {
		t.Errorf("total = %d, want 2", got)
	}
	errs := findMetric(rm, "action.exec.errors")
	if errs == nil {
		t.Fatal("action.exec.errors metric not found")
	}
	if got := sumValue(t, errs); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestMetrics_DurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordExecution(context.Background(), ActionMeta{Type: "book_meeting"}, 250*time.Millisecond, nil)

	found := findMetric(collect(t, reader), "action.exec.duration_ms")
	if found == nil {
		t.Fatal("action.exec.duration_ms metric not found")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", found.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Sum != 250 {
		t.Errorf("sum = %v, want 250", hist.DataPoints[0].Sum)
	}
}

func TestMetrics_AttributesCarryActionType(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordExecution(context.Background(), ActionMeta{Type: "create_task", RiskLevel: "low"}, time.Millisecond, nil)

	sum := findMetric(collect(t, reader), "action.exec.total").Data.(metricdata.Sum[int64])
	attrs := sum.DataPoints[0].Attributes
	if v, ok := attrs.Value(attribute.Key("action.type")); !ok || v.AsString() != "create_task" {
		t.Errorf("action.type = %v, want create_task", v)
	}
	if v, ok := attrs.Value(attribute.Key("action.risk")); !ok || v.AsString() != "low" {
		t.Errorf("action.risk = %v, want low", v)
	}
}

func TestMetrics_Duplicates(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordDuplicate(context.Background(), ActionMeta{Type: "create_lead"})
	m.RecordDuplicate(context.Background(), ActionMeta{Type: "create_lead"})

	found := findMetric(collect(t, reader), "action.exec.duplicates")
	if found == nil {
		t.Fatal("action.exec.duplicates metric not found")
	}
	if got := sumValue(t, found); got != 2 {
		t.Errorf("duplicates = %d, want 2", got)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m, reader := newTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordExecution(context.Background(), ActionMeta{Type: "list_tasks"}, time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if got := sumValue(t, findMetric(collect(t, reader), "action.exec.total")); got != 50 {
		t.Errorf("total = %d, want 50", got)
	}
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	m.RecordExecution(context.Background(), ActionMeta{Type: "x"}, time.Second, errors.New("boom"))
	m.RecordDuplicate(context.Background(), ActionMeta{Type: "x"})
}
