// Package observe provides application-wide observability primitives for
// micvad: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all micvad metrics.
const meterName = "github.com/MrWong99/micvad"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureBytes counts PCM bytes read from capture lines. Use with
	// attribute.String("device", ...).
	CaptureBytes metric.Int64Counter

	// CaptureReads counts successful line reads.
	CaptureReads metric.Int64Counter

	// CaptureReadErrors counts failed line reads. Use with
	// attribute.String("device", ...).
	CaptureReadErrors metric.Int64Counter

	// CaptureActive tracks the number of running capture workers.
	CaptureActive metric.Int64UpDownCounter

	// CaptureStopDuration tracks how long Stop waited for the producer.
	// Use with attribute.String("status", "ok"|"timeout").
	CaptureStopDuration metric.Float64Histogram

	// RingOverwrittenBytes counts bytes discarded by ring buffers to make
	// room for newer audio.
	RingOverwrittenBytes metric.Int64Counter

	// --- VAD ---

	// VADChecks counts completed voice checks. Use with
	// attribute.String("decision", "ON"|"OFF").
	VADChecks metric.Int64Counter

	// VADDuration tracks the wall time of a voice check.
	VADDuration metric.Float64Histogram

	// VADFrames counts analysed frames. Use with
	// attribute.String("kind", "above"|"below"|"dead_zone").
	VADFrames metric.Int64Counter

	// --- Export ---

	// ExportBytes counts PCM bytes written to WAV files.
	ExportBytes metric.Int64Counter

	// ExportErrors counts failed exports.
	ExportErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// short stop joins up to a full fifteen second voice check.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureBytes, err = m.Int64Counter("micvad.capture.bytes",
		metric.WithDescription("PCM bytes read from capture lines."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CaptureReads, err = m.Int64Counter("micvad.capture.reads",
		metric.WithDescription("Successful capture line reads."),
	); err != nil {
		return nil, err
	}
	if met.CaptureReadErrors, err = m.Int64Counter("micvad.capture.read_errors",
		metric.WithDescription("Failed capture line reads by device."),
	); err != nil {
		return nil, err
	}
	if met.CaptureActive, err = m.Int64UpDownCounter("micvad.capture.active",
		metric.WithDescription("Number of running capture workers."),
	); err != nil {
		return nil, err
	}
	if met.CaptureStopDuration, err = m.Float64Histogram("micvad.capture.stop.duration",
		metric.WithDescription("Time spent joining the capture producer on stop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RingOverwrittenBytes, err = m.Int64Counter("micvad.ring.overwritten.bytes",
		metric.WithDescription("Bytes discarded by ring buffers to make room for newer audio."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// VAD.
	if met.VADChecks, err = m.Int64Counter("micvad.vad.checks",
		metric.WithDescription("Completed voice checks by decision."),
	); err != nil {
		return nil, err
	}
	if met.VADDuration, err = m.Float64Histogram("micvad.vad.duration",
		metric.WithDescription("Wall time of a voice check."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADFrames, err = m.Int64Counter("micvad.vad.frames",
		metric.WithDescription("Analysed VAD frames by classification."),
	); err != nil {
		return nil, err
	}

	// Export.
	if met.ExportBytes, err = m.Int64Counter("micvad.export.bytes",
		metric.WithDescription("PCM bytes written to WAV files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ExportErrors, err = m.Int64Counter("micvad.export.errors",
		metric.WithDescription("Failed WAV exports."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("micvad.http.request.duration",
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

// DefaultMetrics returns a shared [Metrics] on the global meter provider as it
// is at the first call. CLI commands use it; serve mode builds its own.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordCaptureRead records one successful read of n bytes from device.
func (m *Metrics) RecordCaptureRead(ctx context.Context, device string, n int) {
	attrs := metric.WithAttributes(attribute.String("device", device))
	m.CaptureReads.Add(ctx, 1, attrs)
	m.CaptureBytes.Add(ctx, int64(n), attrs)
}

// RecordCaptureReadError records one failed read from device.
func (m *Metrics) RecordCaptureReadError(ctx context.Context, device string) {
	m.CaptureReadErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("device", device)),
	)
}

// RecordCaptureStop records how long a stop waited and whether it timed out.
func (m *Metrics) RecordCaptureStop(ctx context.Context, d time.Duration, timedOut bool) {
	status := "ok"
	if timedOut {
		status = "timeout"
	}
	m.CaptureStopDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordVADCheck records a completed voice check with its decision label and
// frame classification counts.
func (m *Metrics) RecordVADCheck(ctx context.Context, decision string, d time.Duration, above, below, dead int) {
	m.VADChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
	m.VADDuration.Record(ctx, d.Seconds())
	for kind, n := range map[string]int{"above": above, "below": below, "dead_zone": dead} {
		if n > 0 {
			m.VADFrames.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
}

// RecordExport records a WAV export of n PCM bytes, or a failure when err is
// non-nil.
func (m *Metrics) RecordExport(ctx context.Context, n int, err error) {
	if err != nil {
		m.ExportErrors.Add(ctx, 1)
		return
	}
	m.ExportBytes.Add(ctx, int64(n))
}

// RecordCaptureActive adjusts the running worker gauge by delta.
func (m *Metrics) RecordCaptureActive(ctx context.Context, delta int) {
	m.CaptureActive.Add(ctx, int64(delta))
}

// RecordRingOverwritten records n bytes discarded by a ring buffer.
func (m *Metrics) RecordRingOverwritten(ctx context.Context, n int) {
	m.RingOverwrittenBytes.Add(ctx, int64(n))
}
