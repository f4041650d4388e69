// Package observe provides the assistant's OpenTelemetry metrics and small
// helpers for keeping per-frame logging under control.
//
// Instruments are created from a [metric.MeterProvider]. [InitProvider]
// installs an SDK provider backed by a Prometheus exporter so the metrics can
// be scraped on /metrics. Tests should build [Metrics] with [NewMetrics] and a
// ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all assistant metrics.
const meterName = "github.com/agalue/duplex-assistant"

// Metrics holds the metric instruments. All fields are safe for concurrent use.
type Metrics struct {
	// CaptureDrops counts microphone frames dropped by the hand-off queue.
	CaptureDrops metric.Int64Counter

	// CaptureErrors counts device read errors. Attribute: kind (overflow, fatal).
	CaptureErrors metric.Int64Counter

	// AECERLE records the echo return loss enhancement estimate in dB.
	AECERLE metric.Float64Histogram

	// AECFailures counts frames passed through after a canceller failure.
	AECFailures metric.Int64Counter

	// WakeDetections counts wake events. Attribute: source (model, phrase).
	WakeDetections metric.Int64Counter

	// GateTransitions counts state changes. Attributes: state, reason.
	GateTransitions metric.Int64Counter

	// UplinkFrames counts frames by gate action. Attribute: action.
	UplinkFrames metric.Int64Counter

	// PlaybackChunks counts chunks written to the speaker. Attribute: source.
	PlaybackChunks metric.Int64Counter

	// FrameDuration tracks the processing time of one microphone frame.
	FrameDuration metric.Float64Histogram

	// TransportReconnects counts dialogue transport redials.
	TransportReconnects metric.Int64Counter

	// LocalSkills counts locally handled turns. Attributes: rule, status.
	LocalSkills metric.Int64Counter
}

// erleBuckets covers useless (0 dB) to excellent (40 dB) cancellation.
var erleBuckets = []float64{0, 3, 6, 10, 15, 20, 25, 30, 40}

// frameBuckets are in seconds; a 10ms frame must be processed well under 10ms.
var frameBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.02}

// NewMetrics creates the instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureDrops, err = m.Int64Counter("assistant.capture.drops",
		metric.WithDescription("Microphone frames dropped because the processing loop fell behind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("assistant.capture.errors",
		metric.WithDescription("Microphone read errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.AECERLE, err = m.Float64Histogram("assistant.aec.erle",
		metric.WithDescription("Echo return loss enhancement estimate."),
		metric.WithUnit("dB"),
		metric.WithExplicitBucketBoundaries(erleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AECFailures, err = m.Int64Counter("assistant.aec.failures",
		metric.WithDescription("Frames passed through unmodified after an echo canceller failure."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("assistant.wake.detections",
		metric.WithDescription("Wake events by source."),
	); err != nil {
		return nil, err
	}
	if met.GateTransitions, err = m.Int64Counter("assistant.gate.transitions",
		metric.WithDescription("Conversation state changes by target state and reason."),
	); err != nil {
		return nil, err
	}
	if met.UplinkFrames, err = m.Int64Counter("assistant.uplink.frames",
		metric.WithDescription("Microphone frames by gate action."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("assistant.playback.chunks",
		metric.WithDescription("Audio chunks written to the speaker by source."),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("assistant.frame.duration",
		metric.WithDescription("Processing time of one microphone frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportReconnects, err = m.Int64Counter("assistant.transport.reconnects",
		metric.WithDescription("Dialogue transport redials."),
	); err != nil {
		return nil, err
	}
	if met.LocalSkills, err = m.Int64Counter("assistant.skills.handled",
		metric.WithDescription("Turns handled by local skills by rule and status."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Panics if instrument creation fails.
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

// Attr is a shorthand for attribute.String.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCaptureError counts a device read error.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordWake counts a wake event.
func (m *Metrics) RecordWake(ctx context.Context, source string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(Attr("source", source)))
}

// RecordTransition counts a gate state change.
func (m *Metrics) RecordTransition(ctx context.Context, state, reason string) {
	m.GateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("state", state), Attr("reason", reason)))
}

// RecordUplink counts a frame by gate action.
func (m *Metrics) RecordUplink(ctx context.Context, action string) {
	m.UplinkFrames.Add(ctx, 1, metric.WithAttributes(Attr("action", action)))
}

// RecordPlayback counts a chunk by source.
func (m *Metrics) RecordPlayback(ctx context.Context, source string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(Attr("source", source)))
}

// RecordFrame records the processing time of one frame.
func (m *Metrics) RecordFrame(ctx context.Context, d time.Duration) {
	m.FrameDuration.Record(ctx, d.Seconds())
}

// RecordSkill counts a locally handled turn.
func (m *Metrics) RecordSkill(ctx context.Context, rule string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LocalSkills.Add(ctx, 1, metric.WithAttributes(Attr("rule", rule), Attr("status", status)))
}
