package capture

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/video-system/go-capture-core/pkg/capture"

// Defaults used when Options leaves a field zero.
const (
	DefaultPipelineDepth      = 4
	DefaultPartialResultCount = 1
	DefaultFlushTimeout       = time.Second
	DefaultFenceTimeout       = 500 * time.Millisecond
)

// Options is the read-only configuration threaded into the coordinators
type Options struct {
	DeviceID           string
	PipelineDepth      int           // Pool capacity and admission bound
	PartialResultCount int           // Metadata partials per request (indices 1..N)
	FlushTimeout       time.Duration // Upper bound on Flush
	FenceTimeout       time.Duration // Upper bound on a synchronous fence wait

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func (o Options) withDefaults() Options {
	if o.PipelineDepth <= 0 {
		o.PipelineDepth = DefaultPipelineDepth
	}
	if o.PartialResultCount <= 0 {
		o.PartialResultCount = DefaultPartialResultCount
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = DefaultFenceTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DeviceID != "" {
		o.Logger = o.Logger.With("device", o.DeviceID)
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
	return o
}

// instruments bundles the tracer and counters shared by the coordinators
type instruments struct {
	tracer    trace.Tracer
	submitted metric.Int64Counter
	completed metric.Int64Counter
	attrs     []attribute.KeyValue
}

func newInstruments(o Options) instruments {
	meter := o.MeterProvider.Meter(instrumentationName)

	submitted, err := meter.Int64Counter("capture.requests.submitted",
		metric.WithDescription("Submit outcomes by result"))
	if err != nil {
		submitted = noop.Int64Counter{}
	}
	completed, err := meter.Int64Counter("capture.requests.completed",
		metric.WithDescription("Requests torn down by the result coordinator"))
	if err != nil {
		completed = noop.Int64Counter{}
	}

	var attrs []attribute.KeyValue
	if o.DeviceID != "" {
		attrs = append(attrs, attribute.String("capture.device", o.DeviceID))
	}

	return instruments{
		tracer:    o.TracerProvider.Tracer(instrumentationName),
		submitted: submitted,
		completed: completed,
		attrs:     attrs,
	}
}

func (in instruments) countSubmit(ctx context.Context, outcome string) {
	in.submitted.Add(ctx, 1, metric.WithAttributes(append(in.attrs, attribute.String("outcome", outcome))...))
}

func (in instruments) countCompleted(failed bool) {
	in.completed.Add(context.Background(), 1, metric.WithAttributes(append(in.attrs, attribute.Bool("failed", failed))...))
}
