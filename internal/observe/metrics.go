// Package observe holds cuecall's telemetry: otel metric instruments for the
// session state machine and the HTTP surface, span helpers that double as
// correlation ids, a context-aware slog logger and the HTTP middleware that
// ties them together. [InitProvider] bridges the metrics to Prometheus.
//
// Production code uses [DefaultMetrics]. Tests build their own with
// [NewMetrics] on a manual reader so counts never leak between tests.
package observe

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cuecall metrics.
const meterName = "github.com/MrWong99/cuecall"

// Metrics is the set of cuecall instruments. Safe for concurrent use.
type Metrics struct {
	// --- Session state machine ---

	// ModeTransitions counts mode transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("cause", ...)
	ModeTransitions metric.Int64Counter

	// Triggers counts accepted and ignored trigger detections. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	Triggers metric.Int64Counter

	// Interrupts counts interrupts that changed state. Use with attribute:
	//   attribute.String("source", ...)
	Interrupts metric.Int64Counter

	// --- Transport ---

	// TransportErrors counts errors reported by the realtime backend. Use with
	// attributes: attribute.String("code", ...), attribute.Bool("benign", ...)
	TransportErrors metric.Int64Counter

	// FirstAudioLatency tracks seconds from an accepted trigger to the first
	// audio fragment of the response.
	FirstAudioLatency metric.Float64Histogram

	// Reconnects counts transport dial attempts. Use with attribute:
	//   attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StreamClients tracks the number of attached control stream clients.
	StreamClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// firstAudioBuckets are the histogram bounds, in seconds, for
// [Metrics.FirstAudioLatency].
var firstAudioBuckets = []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10}

// instruments creates instruments on one meter and keeps the first error.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.err = errors.Join(b.err, err)
	return h
}

// NewMetrics creates every instrument on mp. Tests pass a provider backed by
// a manual reader.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ModeTransitions: b.counter("cuecall.mode.transitions", "Session mode transitions by from, to, and cause."),
		Triggers:        b.counter("cuecall.triggers", "Trigger detections by kind and outcome."),
		Interrupts:      b.counter("cuecall.interrupts", "Interrupts by source."),
		TransportErrors: b.counter("cuecall.transport.errors", "Realtime backend errors by code and whether they are benign."),
		Reconnects:      b.counter("cuecall.transport.dials", "Realtime transport dial attempts by status."),

		FirstAudioLatency: b.seconds("cuecall.response.first_audio",
			"Latency from accepted trigger to first response audio.", firstAudioBuckets...),
		HTTPRequestDuration: b.seconds("cuecall.http.request.duration", "HTTP request latency by method and path."),

		ActiveSessions: b.gauge("cuecall.active_sessions", "Number of connected sessions."),
		StreamClients:  b.gauge("cuecall.stream.clients", "Number of attached control stream clients."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// DefaultMetrics returns the process-wide instruments, created on first use
// from [otel.GetMeterProvider]. Install the provider before calling it.
var DefaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: create default metrics: " + err.Error())
	}
	return m
})

// RecordTransition records one mode transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, cause string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("cause", cause),
		),
	)
}

// RecordTrigger records one trigger detection. outcome is "accepted" or
// "ignored".
func (m *Metrics) RecordTrigger(ctx context.Context, kind, outcome string) {
	m.Triggers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordInterrupt records one effective interrupt.
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	m.Interrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordTransportError records one backend error.
func (m *Metrics) RecordTransportError(ctx context.Context, code string, benign bool) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", code),
			attribute.String("benign", strconv.FormatBool(benign)),
		),
	)
}

// RecordDial records one transport dial attempt.
func (m *Metrics) RecordDial(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
