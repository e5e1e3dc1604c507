package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/certflow/internal/config"
	"github.com/pitabwire/certflow/model"
)

const tracerName = "github.com/pitabwire/certflow"

// Span attribute keys.
var (
	AttrWorkflowID   = attribute.Key("certflow.workflow_id")
	AttrCaseID       = attribute.Key("certflow.case_id")
	AttrFromStage    = attribute.Key("certflow.from_stage")
	AttrToStage      = attribute.Key("certflow.to_stage")
	AttrReason       = attribute.Key("certflow.reason")
	AttrFailedRules  = attribute.Key("certflow.failed_rules")
	AttrActorRole    = attribute.Key("certflow.actor_role")
	AttrAssignmentID = attribute.Key("certflow.assignment_id")
	AttrRole         = attribute.Key("certflow.role")
	AttrStrategy     = attribute.Key("certflow.strategy")
	AttrAction       = attribute.Key("certflow.action")
	AttrErrorCode    = attribute.Key("certflow.error_code")
)

// InitTracing installs the global TracerProvider. Spans come from the
// workflow and assignment engines; the daemon's health endpoints are not
// traced. The returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	// Embedders propagate case context across their own services.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler follows the parent decision and samples root spans at rate.
// Non-positive rates select 10%.
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 {
		rate = 0.1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the certflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the certflow tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError ends span. A non-nil err is recorded, marks the span
// failed and, for envelope errors, sets certflow.error_code.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := model.CodeOf(err); code != "" {
			span.SetAttributes(AttrErrorCode.String(code))
		}
	}
	span.End()
}

// StartTransition starts the span around one transition decision.
func StartTransition(ctx context.Context, workflowID, from, to string, actor model.Actor, caseID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrWorkflowID.String(workflowID),
		AttrFromStage.String(from),
		AttrToStage.String(to),
		AttrActorRole.String(actor.Role),
	}
	if caseID != "" {
		attrs = append(attrs, AttrCaseID.String(caseID))
	}
	return StartSpan(ctx, "workflow.transition", attrs...)
}

// EndTransition records the decision and ends span. Rejections are
// ordinary outcomes: they carry the reason, failed rules and a
// "transition rejected" event but leave the span status unset.
func EndTransition(span trace.Span, res model.TransitionResult) {
	if res.Success {
		span.SetAttributes(AttrReason.String("ok"))
		span.End()
		return
	}
	span.SetAttributes(AttrReason.String(res.ReasonCode))
	if len(res.FailedRules) > 0 {
		span.SetAttributes(AttrFailedRules.StringSlice(res.FailedRules))
	}
	span.AddEvent("transition rejected", trace.WithAttributes(attribute.String("message", res.Message)))
	span.End()
}

// TraceIDFromContext returns the active trace id, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
