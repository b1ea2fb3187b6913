// Package telemetry configures the OpenTelemetry tracer provider used by the
// vai-call binary.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-call/pkg/config"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "vai-call"

// Setup builds a tracer provider for cfg.Tracing and installs it globally.
// With tracing disabled it returns a no-op provider. The stdout exporter
// writes to w so spans stay off the transcript output.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string, w io.Writer, logger *slog.Logger) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.Tracing == "" || cfg.Tracing == config.TracingNone {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Tracing {
	case config.TracingOTLP:
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
