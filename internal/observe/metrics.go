// Package observe provides application-wide observability primitives for
// bardic: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed on
// /metrics by the Prometheus exporter bridge set up in [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// the binary; tests should use [NewMetrics] with a manual reader to avoid
// cross-test pollution.
//
// Every Record method is safe to call on a nil *Metrics, so components can
// treat instrumentation as optional.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bardic metrics.
const meterName = "github.com/MrWong99/bardic"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// --- Latency histograms ---

	// ResolveDuration tracks how long the extractor takes to resolve a query.
	// Attributes: status.
	ResolveDuration metric.Float64Histogram

	// PipeStartDuration tracks the time from spawning the decoder chain to
	// the first PCM frame.
	PipeStartDuration metric.Float64Histogram

	// --- Counters ---

	// TracksStarted counts tracks that began streaming.
	TracksStarted metric.Int64Counter

	// TracksEnded counts finished tracks. Attributes: reason.
	TracksEnded metric.Int64Counter

	// ResolveFailures counts failed resolutions. Attributes: kind.
	ResolveFailures metric.Int64Counter

	// FramesSent counts PCM frames handed to voice transports.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded while paused past the buffer.
	FramesDropped metric.Int64Counter

	// AdmissionRejections counts resolve/open attempts refused by the
	// subprocess cap. Attributes: stage.
	AdmissionRejections metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live guild sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubprocesses tracks running yt-dlp and ffmpeg processes.
	ActiveSubprocesses metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) sized for extractor and
// process start-up latencies, which range from tens of milliseconds to the
// resolve timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ResolveDuration, err = m.Float64Histogram("bardic.resolve.duration",
		metric.WithDescription("Latency of track resolution via the extractor."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipeStartDuration, err = m.Float64Histogram("bardic.pipe.start.duration",
		metric.WithDescription("Time from spawning the decoder chain to the first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TracksStarted, err = m.Int64Counter("bardic.tracks.started",
		metric.WithDescription("Tracks that started streaming."),
	); err != nil {
		return nil, err
	}
	if met.TracksEnded, err = m.Int64Counter("bardic.tracks.ended",
		metric.WithDescription("Tracks that stopped streaming, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ResolveFailures, err = m.Int64Counter("bardic.resolve.failures",
		metric.WithDescription("Failed track resolutions, by error kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("bardic.frames.sent",
		metric.WithDescription("Audio frames delivered to voice transports."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("bardic.frames.dropped",
		metric.WithDescription("Audio frames dropped because a pause outlasted the buffer."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("bardic.subprocess.rejections",
		metric.WithDescription("Resolve or open attempts refused by the subprocess cap."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("bardic.sessions.active",
		metric.WithDescription("Number of live guild sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubprocesses, err = m.Int64UpDownCounter("bardic.subprocesses.active",
		metric.WithDescription("Number of running extractor and decoder processes."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("bardic.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// first call using [otel.GetMeterProvider]. Call it after [InitProvider] so
// the instruments bind to the Prometheus-backed provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordResolve records one resolution attempt. kind is empty on success.
func (m *Metrics) RecordResolve(ctx context.Context, seconds float64, kind string) {
	if m == nil {
		return
	}
	status := "ok"
	if kind != "" {
		status = "error"
		m.ResolveFailures.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
	}
	m.ResolveDuration.Record(ctx, seconds, metric.WithAttributes(Attr("status", status)))
}

// RecordPipeStart records the time to the first frame of a new stream.
func (m *Metrics) RecordPipeStart(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.PipeStartDuration.Record(ctx, seconds)
}

// RecordTrackStarted increments the started-track counter.
func (m *Metrics) RecordTrackStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TracksStarted.Add(ctx, 1)
}

// RecordTrackEnded increments the ended-track counter for reason.
func (m *Metrics) RecordTrackEnded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TracksEnded.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordFrames adds sent and dropped frame counts.
func (m *Metrics) RecordFrames(ctx context.Context, sent, dropped int64) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.FramesSent.Add(ctx, sent)
	}
	if dropped > 0 {
		m.FramesDropped.Add(ctx, dropped)
	}
}

// RecordAdmissionRejected counts a subprocess cap rejection at stage
// ("resolve" or "open").
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// AddActiveSessions adjusts the live session gauge.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// AddActiveSubprocesses adjusts the running subprocess gauge.
func (m *Metrics) AddActiveSubprocesses(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSubprocesses.Add(ctx, delta)
}
