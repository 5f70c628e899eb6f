// Package observe provides observability primitives for the SiteSpeak voice
// client: OpenTelemetry metrics, tracing helpers, and the Prometheus scrape
// endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
//
// Telemetry is best-effort throughout: a failed or absent recording never
// affects the voice session itself.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SiteSpeak metrics.
const meterName = "github.com/sitespeak/sitespeak"

// Metrics holds all OpenTelemetry metric instruments for the voice client.
// All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks gateway connection establishment latency.
	ConnectDuration metric.Float64Histogram

	// TurnDuration tracks full turn latency, speech start to agent final.
	TurnDuration metric.Float64Histogram

	// FirstResponseLatency tracks time from end of user speech to the first
	// agent response delta.
	FirstResponseLatency metric.Float64Histogram

	// FramesSent counts outbound audio frames. Attribute: codec.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames dropped on queue overflow.
	FramesDropped metric.Int64Counter

	// ChunksSkipped counts inbound playback chunks dropped or undecodable.
	ChunksSkipped metric.Int64Counter

	// BargeIns counts user interruptions of agent speech.
	BargeIns metric.Int64Counter

	// SessionErrors counts gateway error events. Attribute: code.
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("sitespeak.connect.duration",
		metric.WithDescription("Latency of gateway connection establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("sitespeak.turn.duration",
		metric.WithDescription("Full turn latency from speech start to agent final."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstResponseLatency, err = m.Float64Histogram("sitespeak.first_response.latency",
		metric.WithDescription("Time from end of user speech to first agent response delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("sitespeak.frames.sent",
		metric.WithDescription("Outbound audio frames sent by codec."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sitespeak.frames.dropped",
		metric.WithDescription("Outbound audio frames dropped on queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSkipped, err = m.Int64Counter("sitespeak.playback.chunks_skipped",
		metric.WithDescription("Inbound playback chunks dropped or undecodable."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("sitespeak.barge_ins",
		metric.WithDescription("User interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("sitespeak.session.errors",
		metric.WithDescription("Gateway error events by code."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sitespeak.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordError records one gateway error event with its code attribute.
func (m *Metrics) RecordError(ctx context.Context, code string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordFrame records one sent outbound frame with its codec attribute.
func (m *Metrics) RecordFrame(ctx context.Context, codec string) {
	m.FramesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("codec", codec)),
	)
}
