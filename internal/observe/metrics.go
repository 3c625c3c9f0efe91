// Package observe holds voicedesk's telemetry: OpenTelemetry metric
// instruments for the call pipeline, span and logger helpers, and the HTTP
// middleware used by the control API.
//
// In serve mode [InitProvider] registers providers whose metrics are exposed
// by [Telemetry.Handler]. [DefaultMetrics] binds to the global meter
// provider; tests build their own with [NewMetrics] and a ManualReader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicedesk metrics.
const meterName = "github.com/MrWong99/voicedesk"

// Reasons attached to dropped or suppressed audio.
const (
	ReasonMuted        = "muted"
	ReasonClosed       = "closed"
	ReasonBackpressure = "backpressure"
	ReasonDecode       = "decode"
	ReasonDevice       = "device"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks how long the session-start request takes.
	// Use with attribute:
	//   attribute.String("status", ...)
	NegotiationDuration metric.Float64Histogram

	// CallDuration tracks the wall time a call spent between active and ended.
	CallDuration metric.Float64Histogram

	// PlaybackStall tracks the silence inserted when a chunk arrives after
	// the playback cursor has already passed.
	PlaybackStall metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts captured frames handed to the writer goroutine.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that never reached the wire. Use
	// with attribute:
	//   attribute.String("reason", ReasonMuted|ReasonClosed|ReasonBackpressure)
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks placed on the output device.
	ChunksScheduled metric.Int64Counter

	// ChunksDropped counts inbound audio chunks that were not played. Use with
	// attribute:
	//   attribute.String("reason", ReasonDecode|ReasonDevice)
	ChunksDropped metric.Int64Counter

	// MessagesReceived counts inbound wire messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesReceived metric.Int64Counter

	// TranscriptTurns counts appended transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptTurns metric.Int64Counter

	// --- Error counters ---

	// RemoteErrors counts non-fatal error notices sent by the agent.
	RemoteErrors metric.Int64Counter

	// CallFailures counts calls that ended because of a failure. Use with
	// attribute:
	//   attribute.String("kind", "negotiation"|"device"|"transport")
	CallFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls in the active state.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request and stall latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers call lengths from a few seconds up to an hour.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("voicedesk.negotiation.duration",
		metric.WithDescription("Latency of the session-start negotiation request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voicedesk.call.duration",
		metric.WithDescription("Length of calls from active to ended."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStall, err = m.Float64Histogram("voicedesk.playback.stall",
		metric.WithDescription("Silence inserted before late playback chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voicedesk.capture.frames_sent",
		metric.WithDescription("Captured frames queued for the connection."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicedesk.capture.frames_dropped",
		metric.WithDescription("Captured frames not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("voicedesk.playback.chunks_scheduled",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voicedesk.playback.chunks_dropped",
		metric.WithDescription("Inbound audio chunks dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("voicedesk.transport.messages",
		metric.WithDescription("Inbound wire messages by type."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptTurns, err = m.Int64Counter("voicedesk.transcript.turns",
		metric.WithDescription("Transcript turns appended by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RemoteErrors, err = m.Int64Counter("voicedesk.remote.errors",
		metric.WithDescription("Error notices sent by the remote agent."),
	); err != nil {
		return nil, err
	}
	if met.CallFailures, err = m.Int64Counter("voicedesk.call.failures",
		metric.WithDescription("Calls ended by a failure, by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicedesk.active_calls",
		metric.WithDescription("Number of calls currently active."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicedesk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records a captured frame that did not reach the wire.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkDropped records an inbound audio chunk that was not played.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMessage records one inbound wire message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, kind string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

// RecordTranscriptTurn records one appended transcript turn.
func (m *Metrics) RecordTranscriptTurn(ctx context.Context, role string) {
	m.TranscriptTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordCallFailure records a call that ended because of a failure.
func (m *Metrics) RecordCallFailure(ctx context.Context, kind string) {
	m.CallFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordNegotiation records the latency and outcome of a negotiation request.
func (m *Metrics) RecordNegotiation(ctx context.Context, seconds float64, status string) {
	m.NegotiationDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
