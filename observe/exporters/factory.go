// Package exporters provides factory functions for creating OpenTelemetry exporters.
package exporters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// MetricsReader pairs an sdk reader with an optional pull handler.
// Handler is non-nil only for pull-based exporters (prometheus).
type MetricsReader struct {
	Reader  sdkmetric.Reader
	Handler http.Handler
}

// NewTracingExporter creates a trace span exporter based on the exporter name.
// Supported exporters: stdout, otlp, none
func NewTracingExporter(ctx context.Context, name string) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))

	case "otlp":
		if otlpEndpoint("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
			return nil, fmt.Errorf("OTLP endpoint not configured: set OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		}
		return otlptracegrpc.New(ctx)

	case "none", "":
		return stdouttrace.New(stdouttrace.WithWriter(io.Discard))

	default:
		return nil, fmt.Errorf("unknown exporter: %q", name)
	}
}

// NewMetricsReader creates a metrics reader based on the exporter name.
// Supported exporters: stdout, otlp, prometheus, none
//
// The prometheus reader registers on a private registry so repeated
// construction (tests, reloads) never collides on the global one.
func NewMetricsReader(ctx context.Context, name string) (MetricsReader, error) {
	switch name {
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return MetricsReader{}, fmt.Errorf("failed to create stdout metrics exporter: %w", err)
		}
		return MetricsReader{Reader: sdkmetric.NewPeriodicReader(exp)}, nil

	case "otlp":
		if otlpEndpoint("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") == "" {
			return MetricsReader{}, fmt.Errorf("OTLP metrics endpoint not configured: set OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
		}
		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return MetricsReader{}, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		return MetricsReader{Reader: sdkmetric.NewPeriodicReader(exp)}, nil

	case "prometheus":
		registry := promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return MetricsReader{}, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		return MetricsReader{
			Reader:  exp,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		}, nil

	case "none", "":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
		if err != nil {
			return MetricsReader{}, err
		}
		return MetricsReader{Reader: sdkmetric.NewPeriodicReader(exp)}, nil

	default:
		return MetricsReader{}, fmt.Errorf("unknown metrics exporter: %q", name)
	}
}

func otlpEndpoint(specific string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return os.Getenv(specific)
}
