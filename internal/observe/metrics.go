// Package observe provides application-wide observability primitives for the
// live voice-conversion client: OpenTelemetry metrics, tracing, structured
// logging and the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Recording methods are designed to be called from real-time audio callbacks:
// they take no locks of their own and pre-build their attribute sets.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all client metrics.
const meterName = "github.com/resemble-ai/resemble-live-sts-socket"

// Drop reasons reported on livevc.frames.dropped.
const (
	DropNotReady    = "not_ready"
	DropQueueFull   = "queue_full"
	DropCircuitOpen = "circuit_open"
	DropSendFailed  = "send_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture path ---

	// FramesSent counts captured frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that were not sent. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// --- Receive path ---

	// FramesReceived counts converted frames accepted into the jitter buffer.
	FramesReceived metric.Int64Counter

	// MalformedFrames counts received payloads that could not be decoded.
	MalformedFrames metric.Int64Counter

	// ResponseLatency tracks capture-to-receive round-trip time.
	ResponseLatency metric.Float64Histogram

	// ServerMessages counts status messages. Use with
	// attribute.String("severity", ...).
	ServerMessages metric.Int64Counter

	// --- Playback path ---

	// PlaybackBlocks counts device blocks filled by the playback callback.
	// Use with attribute.String("kind", "audio"|"silence").
	PlaybackBlocks metric.Int64Counter

	// SizeMismatches counts converted blocks whose length differed from the
	// device block size.
	SizeMismatches metric.Int64Counter

	// RTF tracks the real-time factor of each played block.
	RTF metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BreakerState tracks the send circuit breaker state (0 closed, 1 open,
	// 2 half-open).
	BreakerState metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// round-trip latency of a converted block.
var latencyBuckets = []float64{
	0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.3, 0.5, 1, 2.5,
}

// rtfBuckets brackets the interesting range around 1.0, where conversion
// stops keeping up with capture.
var rtfBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 4, 8,
}

var (
	attrsAudio   = metric.WithAttributeSet(attribute.NewSet(attribute.String("kind", "audio")))
	attrsSilence = metric.WithAttributeSet(attribute.NewSet(attribute.String("kind", "silence")))
	dropAttrs    = map[string]metric.MeasurementOption{
		DropNotReady:    metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", DropNotReady))),
		DropQueueFull:   metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", DropQueueFull))),
		DropCircuitOpen: metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", DropCircuitOpen))),
		DropSendFailed:  metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", DropSendFailed))),
	}
)

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livevc.frames.sent",
		metric.WithDescription("Captured frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevc.frames.dropped",
		metric.WithDescription("Captured frames dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("livevc.frames.received",
		metric.WithDescription("Converted frames accepted for playback."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("livevc.frames.malformed",
		metric.WithDescription("Received payloads that could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.ServerMessages, err = m.Int64Counter("livevc.server.messages",
		metric.WithDescription("Server status messages by severity."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBlocks, err = m.Int64Counter("livevc.playback.blocks",
		metric.WithDescription("Playback blocks by kind (audio or silence)."),
	); err != nil {
		return nil, err
	}
	if met.SizeMismatches, err = m.Int64Counter("livevc.playback.size_mismatches",
		metric.WithDescription("Converted blocks whose length differed from the device block size."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ResponseLatency, err = m.Float64Histogram("livevc.response.latency",
		metric.WithDescription("Round-trip time from capture to receipt of the converted block."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RTF, err = m.Float64Histogram("livevc.playback.rtf",
		metric.WithDescription("Real-time factor of each played block."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevc.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64Gauge("livevc.send.breaker_state",
		metric.WithDescription("Send circuit breaker state: 0 closed, 1 open, 2 half-open."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevc.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Call [InitProvider] first if the
// metrics should be exported.
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

// RecordFrameSent records one frame handed to the transport.
func (m *Metrics) RecordFrameSent(ctx context.Context) {
	m.FramesSent.Add(ctx, 1)
}

// RecordFrameDropped records one dropped capture frame. reason should be one
// of the Drop* constants.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	opt, ok := dropAttrs[reason]
	if !ok {
		m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		return
	}
	m.FramesDropped.Add(ctx, 1, opt)
}

// RecordFrameReceived records one converted frame and its round-trip latency
// in seconds.
func (m *Metrics) RecordFrameReceived(ctx context.Context, latencySeconds float64) {
	m.FramesReceived.Add(ctx, 1)
	m.ResponseLatency.Record(ctx, latencySeconds)
}

// RecordMalformedFrame records one undecodable payload.
func (m *Metrics) RecordMalformedFrame(ctx context.Context) {
	m.MalformedFrames.Add(ctx, 1)
}

// RecordServerMessage records one status message by severity.
func (m *Metrics) RecordServerMessage(ctx context.Context, severity string) {
	m.ServerMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordPlayback records one filled playback block. rtf is only recorded
// for audio blocks.
func (m *Metrics) RecordPlayback(ctx context.Context, silent bool, rtf float64) {
	if silent {
		m.PlaybackBlocks.Add(ctx, 1, attrsSilence)
		return
	}
	m.PlaybackBlocks.Add(ctx, 1, attrsAudio)
	m.RTF.Record(ctx, rtf)
}

// RecordSizeMismatch records one converted block of unexpected length.
func (m *Metrics) RecordSizeMismatch(ctx context.Context) {
	m.SizeMismatches.Add(ctx, 1)
}

// RegisterJitterDepth registers an observable gauge reporting the jitter
// buffer depth returned by depth. Unregister the returned registration when
// the buffer goes away.
func (m *Metrics) RegisterJitterDepth(depth func() int64) (metric.Registration, error) {
	g, err := m.meter.Int64ObservableGauge("livevc.jitter.depth",
		metric.WithDescription("Converted blocks waiting for playback."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, depth())
		return nil
	}, g)
}
