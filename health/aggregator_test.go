package health

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func fixed(name string, r Result) Checker {
	return NewCheckerFunc(name, func(context.Context) Result { return r })
}

func TestNewAggregator_Defaults(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	if agg.config.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", agg.config.Timeout)
	}
}

func TestAggregator_RegisterKeepsOrder(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	agg.Register(fixed("store", Healthy("ok")))
	agg.Register(fixed("reaper", Healthy("ok")))
	agg.Register(fixed("store", Degraded("replaced")))

	if got := agg.CheckerNames(); !slices.Equal(got, []string{"store", "reaper"}) {
		t.Errorf("CheckerNames() = %v", got)
	}

	r, err := agg.Check(context.Background(), "store")
	if err != nil {
		t.Fatal(err)
	}
	if r.Message != "replaced" {
		t.Errorf("Check(store) = %q, want replaced checker", r.Message)
	}
}

func TestAggregator_CheckUnknown(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	if _, err := agg.Check(context.Background(), "nope"); !errors.Is(err, ErrCheckerNotFound) {
		t.Errorf("Check() error = %v, want ErrCheckerNotFound", err)
	}
}

func TestAggregator_CheckAll(t *testing.T) {
	for _, sequential := range []bool{false, true} {
		agg := NewAggregator(AggregatorConfig{Sequential: sequential})
		agg.Register(fixed("store", Healthy("ok")))
		agg.Register(fixed("breakers", Degraded("open")))

		results := agg.CheckAll(context.Background())
		if len(results) != 2 {
			t.Fatalf("sequential=%v: got %d results", sequential, len(results))
		}
		if results["breakers"].Status != StatusDegraded {
			t.Errorf("sequential=%v: breakers = %v", sequential, results["breakers"].Status)
		}
		if results["store"].Timestamp.IsZero() {
			t.Errorf("sequential=%v: timestamp not set", sequential)
		}
	}
}

func TestAggregator_CheckAllEmpty(t *testing.T) {
	results := NewAggregator(AggregatorConfig{}).CheckAll(context.Background())
	if len(results) != 0 || OverallStatus(results) != StatusHealthy {
		t.Errorf("empty aggregator: %v", results)
	}
}

func TestAggregator_Timeout(t *testing.T) {
	var finished atomic.Bool
	agg := NewAggregator(AggregatorConfig{Timeout: 20 * time.Millisecond})
	agg.Register(NewCheckerFunc("slow", func(ctx context.Context) Result {
		select {
		case <-time.After(time.Second):
			finished.Store(true)
			return Healthy("late")
		case <-ctx.Done():
			return Healthy("cancelled")
		}
	}))

	r := agg.CheckAll(context.Background())["slow"]
	if r.Status != StatusUnhealthy || !errors.Is(r.Error, ErrCheckTimeout) {
		t.Errorf("slow check = %+v, want timeout", r)
	}
	if finished.Load() {
		t.Error("check ran past the deadline")
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"all healthy", map[string]Result{"a": Healthy(""), "b": Healthy("")}, StatusHealthy},
		{"one degraded", map[string]Result{"a": Healthy(""), "b": Degraded("")}, StatusDegraded},
		{"unhealthy wins", map[string]Result{"a": Degraded(""), "b": Unhealthy("", nil)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OverallStatus(tt.results); got != tt.want {
				t.Errorf("OverallStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
