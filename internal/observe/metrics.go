// Package observe provides application-wide observability primitives for
// ccdscope: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the acquisition counters
// can be scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ccdscope metrics.
const meterName = "github.com/MrWong99/ccdscope"

// Sync loss reasons used as the "reason" attribute of [Metrics.SyncLosses].
const (
	ReasonTimeout   = "timeout"
	ReasonShortBody = "short_body"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Acquisition ---

	// FramesDecoded counts frames decoded from the device stream.
	FramesDecoded metric.Int64Counter

	// SyncLosses counts decode attempts that ended without a frame. Use with
	// attribute.String("reason", ReasonTimeout|ReasonShortBody).
	SyncLosses metric.Int64Counter

	// DiscardedBytes counts stream bytes skipped while searching for a frame
	// marker.
	DiscardedBytes metric.Int64Counter

	// FrameRate is the decode rate measured over the last second.
	FrameRate metric.Float64Gauge

	// SlotOverwrites counts frames replaced in the shared slot before the
	// consumer read them.
	SlotOverwrites metric.Int64Counter

	// ActiveConnections tracks open device connections (0 or 1 per engine).
	ActiveConnections metric.Int64UpDownCounter

	// ConnectionErrors counts failed connect attempts and fatal stream errors.
	// Use with attribute.String("kind", "open"|"io").
	ConnectionErrors metric.Int64Counter

	// --- Recording ---

	// RecordedFrames counts frames appended to recording sessions.
	RecordedFrames metric.Int64Counter

	// DroppedFrames counts sequence gaps found in finalized sessions.
	DroppedFrames metric.Int64Counter

	// ArchiveWriteDuration tracks how long writing a session archive takes.
	// Use with attribute.String("status", "ok"|"error").
	ArchiveWriteDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// archiveBuckets are histogram boundaries (in seconds) for archive writes,
// which range from a few frames to minutes of capture.
var archiveBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Acquisition.
	if met.FramesDecoded, err = m.Int64Counter("ccdscope.frames.decoded",
		metric.WithDescription("Total frames decoded from the device stream."),
	); err != nil {
		return nil, err
	}
	if met.SyncLosses, err = m.Int64Counter("ccdscope.sync.losses",
		metric.WithDescription("Decode attempts that ended without a frame, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DiscardedBytes, err = m.Int64Counter("ccdscope.stream.discarded",
		metric.WithDescription("Stream bytes skipped while searching for a frame marker."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FrameRate, err = m.Float64Gauge("ccdscope.frame_rate",
		metric.WithDescription("Frames decoded during the last second."),
		metric.WithUnit("{frame}/s"),
	); err != nil {
		return nil, err
	}
	if met.SlotOverwrites, err = m.Int64Counter("ccdscope.slot.overwrites",
		metric.WithDescription("Frames replaced in the shared slot before being consumed."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("ccdscope.active_connections",
		metric.WithDescription("Number of open device connections."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionErrors, err = m.Int64Counter("ccdscope.connection.errors",
		metric.WithDescription("Failed connects and fatal stream errors, by kind."),
	); err != nil {
		return nil, err
	}

	// Recording.
	if met.RecordedFrames, err = m.Int64Counter("ccdscope.recording.frames",
		metric.WithDescription("Frames appended to recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("ccdscope.recording.dropped",
		metric.WithDescription("Missing frame numbers found in finalized sessions."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveWriteDuration, err = m.Float64Histogram("ccdscope.archive.write.duration",
		metric.WithDescription("Latency of writing a session archive."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(archiveBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ccdscope.http.request.duration",
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

// RecordSyncLoss increments [Metrics.SyncLosses] for reason.
func (m *Metrics) RecordSyncLoss(ctx context.Context, reason string) {
	m.SyncLosses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnectionError increments [Metrics.ConnectionErrors] for kind.
func (m *Metrics) RecordConnectionError(ctx context.Context, kind string) {
	m.ConnectionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordArchiveWrite records the duration of an archive write.
func (m *Metrics) RecordArchiveWrite(ctx context.Context, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ArchiveWriteDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
