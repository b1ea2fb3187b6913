package analysis

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-call/pkg/live/transcript"
	"github.com/vango-go/vai-call/pkg/metrics"
)

type instrumented struct {
	name    string
	next    Analyzer
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Instrument wraps a with a span and latency metrics labeled name.
func Instrument(a Analyzer, name string, m *metrics.Metrics, tracer trace.Tracer) Analyzer {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &instrumented{name: name, next: a, metrics: m, tracer: tracer}
}

func (i *instrumented) Analyze(ctx context.Context, entries []transcript.Entry) (*Analytics, error) {
	ctx, span := i.tracer.Start(ctx, "analysis.analyze", trace.WithAttributes(
		attribute.String("analysis.analyzer", i.name),
		attribute.Int("analysis.entries", len(entries)),
	))
	defer span.End()

	start := time.Now()
	out, err := i.next.Analyze(ctx, entries)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	i.metrics.RecordAnalysis(i.name, status, time.Since(start))
	return out, err
}
