package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// LivenessHandler answers 200 while the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// ReadinessHandler answers 200 unless a check is unhealthy. A degraded
// service stays in rotation.
func ReadinessHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := OverallStatus(agg.CheckAll(ctx))

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(StatusCode(status))
		switch status {
		case StatusHealthy:
			_, _ = w.Write([]byte("OK"))
		case StatusDegraded:
			_, _ = w.Write([]byte("DEGRADED"))
		default:
			_, _ = w.Write([]byte("UNHEALTHY"))
		}
	}
}

// Report is the JSON body of the detailed endpoint.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckReport `json:"checks,omitempty"`
}

// CheckReport is one check in a Report.
type CheckReport struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// NewReport converts check results into a Report.
func NewReport(results map[string]Result) Report {
	rep := Report{
		Status:    OverallStatus(results),
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckReport, len(results)),
	}
	for name, r := range results {
		c := CheckReport{
			Status:   r.Status,
			Message:  r.Message,
			Duration: r.Duration.String(),
			Details:  r.Details,
		}
		if r.Error != nil {
			c.Error = r.Error.Error()
		}
		rep.Checks[name] = c
	}
	return rep
}

// DetailedHandler writes a Report as JSON.
func DetailedHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		rep := NewReport(agg.CheckAll(ctx))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(StatusCode(rep.Status))
		_ = json.NewEncoder(w).Encode(rep)
	}
}

// StatusCode maps a status to the HTTP code the handlers use.
func StatusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
