// Package traces wires OpenTelemetry export for the engine. Spans cover the
// billing sweep, lifecycle escalations, payment confirmation, charge
// dispatch, and the upgrade workflow.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/condohq/seatbill"

// Init installs the global tracer provider. An empty endpoint leaves the
// default no-op provider in place. The returned function flushes and stops
// the exporter and belongs in the server's shutdown path.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("seatbill"),
		semconv.ServiceVersion("0.1.0"),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	// The platform gateway forwards W3C trace context; join those traces.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span attribute constructors shared across packages, so dashboards can
// pivot on consistent names.

func TenantID(id string) attribute.KeyValue { return attribute.String("tenant.id", id) }

func Amount(v string) attribute.KeyValue { return attribute.String("billing.amount", v) }

func BillingStatus(s string) attribute.KeyValue { return attribute.String("billing.status", s) }

func UpgradeRequestID(id string) attribute.KeyValue {
	return attribute.String("upgrade_request.id", id)
}

func RunID(id string) attribute.KeyValue { return attribute.String("sweep_run.id", id) }

func SeatCount(n int) attribute.KeyValue { return attribute.Int("billing.seats", n) }
