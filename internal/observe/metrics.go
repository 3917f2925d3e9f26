// Package observe provides application-wide observability primitives for
// Marz: OpenTelemetry metrics, tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge set up by [InitProvider]. A package-level
// [DefaultMetrics] instance exists for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Marz metrics.
const meterName = "github.com/MrWong99/marz"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SessionStartDuration tracks the time from a start request to the
	// session opening (or failing). Use with attribute.String("status", ...).
	SessionStartDuration metric.Float64Histogram

	// DeviceSwitchDuration tracks live microphone/camera switches.
	DeviceSwitchDuration metric.Float64Histogram

	// --- Counters ---

	// SessionEvents counts provider events by kind (open, message, error,
	// close) and whether they were accepted in the current state.
	SessionEvents metric.Int64Counter

	// CaptureWindows counts completed microphone windows. Use with
	// attribute.Bool("forwarded", ...).
	CaptureWindows metric.Int64Counter

	// VideoFrames counts camera stills sent to the service.
	VideoFrames metric.Int64Counter

	// PlaybackSegments counts decoded audio segments scheduled for playback.
	PlaybackSegments metric.Int64Counter

	// Interruptions counts barge-ins that flushed scheduled playback.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// MediaErrors counts device acquisition failures by kind.
	MediaErrors metric.Int64Counter

	// SendErrors counts realtime input that failed to reach the service.
	// Use with attribute.String("medium", "audio"|"video").
	SendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a live session is connecting or connected.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and device setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionStartDuration, err = m.Float64Histogram("marz.session.start.duration",
		metric.WithDescription("Time from start request to session open or failure."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeviceSwitchDuration, err = m.Float64Histogram("marz.device.switch.duration",
		metric.WithDescription("Time taken to acquire and wire a newly selected device."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SessionEvents, err = m.Int64Counter("marz.session.events",
		metric.WithDescription("Provider events by kind and acceptance."),
	); err != nil {
		return nil, err
	}
	if met.CaptureWindows, err = m.Int64Counter("marz.capture.windows",
		metric.WithDescription("Completed microphone windows, split by whether they were forwarded."),
	); err != nil {
		return nil, err
	}
	if met.VideoFrames, err = m.Int64Counter("marz.video.frames",
		metric.WithDescription("Camera stills sent to the service."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("marz.playback.segments",
		metric.WithDescription("Decoded audio segments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("marz.playback.interruptions",
		metric.WithDescription("Barge-ins that flushed scheduled playback."),
	); err != nil {
		return nil, err
	}

	if met.MediaErrors, err = m.Int64Counter("marz.media.errors",
		metric.WithDescription("Device acquisition failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("marz.send.errors",
		metric.WithDescription("Realtime input that failed to reach the service, by medium."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("marz.active_sessions",
		metric.WithDescription("Number of live sessions connecting or connected."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("marz.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route pattern and status."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordSessionStart records how long a start attempt took and its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string, d time.Duration) {
	m.SessionStartDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionEvent counts one provider event.
func (m *Metrics) RecordSessionEvent(ctx context.Context, kind string, accepted bool) {
	m.SessionEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("accepted", accepted),
		),
	)
}

// RecordCaptureWindow counts one completed microphone window.
func (m *Metrics) RecordCaptureWindow(ctx context.Context, forwarded bool) {
	m.CaptureWindows.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("forwarded", forwarded)),
	)
}

// RecordMediaError counts a device acquisition failure of the given kind.
func (m *Metrics) RecordMediaError(ctx context.Context, kind string) {
	m.MediaErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSendError counts a failed realtime send.
func (m *Metrics) RecordSendError(ctx context.Context, medium string) {
	m.SendErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("medium", medium)),
	)
}
