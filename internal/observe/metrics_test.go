package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(Attr(key, "").Key); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCaptureError(ctx, "overflow")
	m.RecordCaptureError(ctx, "overflow")
	m.RecordCaptureError(ctx, "fatal")
	m.RecordWake(ctx, "model")
	m.RecordTransition(ctx, "active", "wake word")
	m.RecordUplink(ctx, "silence")
	m.RecordUplink(ctx, "silence")
	m.RecordUplink(ctx, "send")
	m.RecordPlayback(ctx, "dialogue")
	m.RecordSkill(ctx, "time", nil)
	m.RecordSkill(ctx, "time", errors.New("boom"))

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"assistant.capture.errors", "kind", "overflow", 2},
		{"assistant.capture.errors", "kind", "fatal", 1},
		{"assistant.wake.detections", "source", "model", 1},
		{"assistant.gate.transitions", "state", "active", 1},
		{"assistant.uplink.frames", "action", "silence", 2},
		{"assistant.uplink.frames", "action", "send", 1},
		{"assistant.playback.chunks", "source", "dialogue", 1},
		{"assistant.skills.handled", "status", "ok", 1},
		{"assistant.skills.handled", "status", "error", 1},
	}
	for _, tt := range tests {
		if got := sumFor(t, rm, tt.name, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.name, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AECERLE.Record(ctx, 12.5)
	m.RecordFrame(ctx, 300*time.Microsecond)
	m.RecordFrame(ctx, 2*time.Millisecond)

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"assistant.aec.erle":       1,
		"assistant.frame.duration": 2,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 {
			t.Fatalf("metric %q has no histogram data", name)
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(100)
	var allowed []uint64
	for i := 0; i < 250; i++ {
		if n, ok := th.Allow(); ok {
			allowed = append(allowed, n)
		}
	}
	want := []uint64{1, 101, 201}
	if len(allowed) != len(want) {
		t.Fatalf("allowed = %v, want %v", allowed, want)
	}
	for i := range want {
		if allowed[i] != want[i] {
			t.Errorf("allowed[%d] = %d, want %d", i, allowed[i], want[i])
		}
	}
	if th.Count() != 250 {
		t.Errorf("Count() = %d, want 250", th.Count())
	}

	every := NewThrottle(0)
	for i := 0; i < 3; i++ {
		if _, ok := every.Allow(); !ok {
			t.Fatal("throttle of 1 suppressed an event")
		}
	}
}
