package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ActionMeta contains metadata about an assistant action for telemetry purposes.
type ActionMeta struct {
	Type           string // Action type, e.g. create_invoice (required)
	Label          string // Human label from the catalog (optional)
	RiskLevel      string // low|medium|high (optional)
	ConversationID string // Conversation that triggered the action (optional)
	IdempotencyKey string // Derived dedup key (optional)
}

// Validate checks that the required fields are present.
func (m ActionMeta) Validate() error {
	if m.Type == "" {
		return ErrMissingActionType
	}
	return nil
}

// SpanName returns the deterministic span name for this action.
// Format: action.exec.<type>
func (m ActionMeta) SpanName() string {
	return "action.exec." + m.Type
}

func (m ActionMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("action.type", m.Type),
	}
	if m.RiskLevel != "" {
		attrs = append(attrs, attribute.String("action.risk", m.RiskLevel))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with action-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for action execution.
	StartSpan(ctx context.Context, meta ActionMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return newNoopTracer()
	}
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with action metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta ActionMeta) (context.Context, trace.Span) {
	attrs := append(meta.attributes(), attribute.Bool("action.error", false))

	if meta.Label != "" {
		attrs = append(attrs, attribute.String("action.label", meta.Label))
	}
	if meta.ConversationID != "" {
		attrs = append(attrs, attribute.String("action.conversation_id", meta.ConversationID))
	}
	if meta.IdempotencyKey != "" {
		attrs = append(attrs, attribute.String("action.idempotency_key", meta.IdempotencyKey))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("action.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

func newNoopTracer() Tracer {
	return &noopTracer{noop: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta ActionMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
