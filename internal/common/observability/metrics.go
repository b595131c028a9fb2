package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observability records event bus delivery through an OpenTelemetry meter exported to Prometheus.
// A nil *Observability is valid and records nothing.
type Observability struct {
	meterProvider   *metric.MeterProvider
	meter           otelmetric.Meter
	deliveryCounter otelmetric.Int64Counter
	handlerDuration otelmetric.Float64Histogram
	queueDepth      otelmetric.Int64UpDownCounter
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	deliveryCounter, _ := meter.Int64Counter(
		"eventbus.deliveries",
		otelmetric.WithDescription("Event deliveries to handlers"),
	)

	handlerDuration, _ := meter.Float64Histogram(
		"eventbus.handler.duration",
		otelmetric.WithDescription("Handler processing duration"),
		otelmetric.WithUnit("ms"),
	)

	queueDepth, _ := meter.Int64UpDownCounter(
		"eventbus.queue.depth",
		otelmetric.WithDescription("Events waiting for dispatch"),
	)

	return &Observability{
		meterProvider:   provider,
		meter:           meter,
		deliveryCounter: deliveryCounter,
		handlerDuration: handlerDuration,
		queueDepth:      queueDepth,
	}
}

func (o *Observability) RecordDelivery(ctx context.Context, channel, handler, status string) {
	if o == nil || o.deliveryCounter == nil {
		return
	}
	o.deliveryCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("handler", handler),
		attribute.String("status", status),
	))
}

func (o *Observability) RecordHandlerDuration(ctx context.Context, channel string, duration time.Duration) {
	if o == nil || o.handlerDuration == nil {
		return
	}
	o.handlerDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// QueueDelta adjusts the pending-event gauge for channel.
func (o *Observability) QueueDelta(ctx context.Context, channel string, delta int64) {
	if o == nil || o.queueDepth == nil {
		return
	}
	o.queueDepth.Add(ctx, delta, otelmetric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// StartDelivery opens a consumer span for one handler attempt on the global tracer provider.
// The span is a no-op unless a tracer provider has been installed.
func (o *Observability) StartDelivery(ctx context.Context, channel, handler, eventID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer("lifecycle-engine/eventbus").Start(ctx, channel+" "+handler,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", channel),
			attribute.String("messaging.message.id", eventID),
			attribute.String("handler", handler),
			attribute.Int("attempt", attempt),
		),
	)
}

// EndDelivery records err on span and ends it.
func EndDelivery(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *Observability) Shutdown() {
	if o != nil && o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
