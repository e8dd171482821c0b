package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"s": StatusDegraded})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"s":"degraded"}` {
		t.Errorf("json = %s", data)
	}
}

func TestResultConstructors(t *testing.T) {
	errDown := errors.New("down")

	if r := Healthy("ok"); r.Status != StatusHealthy || r.Message != "ok" || r.Timestamp.IsZero() {
		t.Errorf("Healthy() = %+v", r)
	}
	if r := Degraded("slow"); r.Status != StatusDegraded || r.Error != nil {
		t.Errorf("Degraded() = %+v", r)
	}
	r := Unhealthy("bad", errDown).WithDetails(map[string]any{"k": 1})
	if r.Status != StatusUnhealthy || !errors.Is(r.Error, errDown) || r.Details["k"] != 1 {
		t.Errorf("Unhealthy() = %+v", r)
	}
}

func TestCheckerFunc(t *testing.T) {
	c := NewCheckerFunc("probe", func(context.Context) Result { return Degraded("meh") })
	if c.Name() != "probe" {
		t.Errorf("Name() = %q", c.Name())
	}
	if got := c.Check(context.Background()); got.Status != StatusDegraded {
		t.Errorf("Check() status = %v", got.Status)
	}
}
