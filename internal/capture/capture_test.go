package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voclaria/voclaria/internal/observe"
	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/audio/mock"
	"github.com/voclaria/voclaria/pkg/pcm"
)

// fakeSink records every accepted chunk and fails the first failN calls.
type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
	failN  int
	calls  int
}

func (s *fakeSink) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("transport not ready")
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *fakeSink) accepted() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// frameOf builds a capture-rate frame of n samples, all set to v.
func frameOf(n int, v float32) audio.Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.Frame{Samples: samples, Rate: audio.CaptureRate}
}

func TestPipelineEncodesAndForwardsFrames(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Frames: make(chan audio.Frame, 4)}
	sink := &fakeSink{}
	p := NewPipeline(dev, sink)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Frames <- frameOf(8, 0.5)
	dev.Frames <- frameOf(8, -0.25)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := sink.accepted()
	if len(got) != 2 {
		t.Fatalf("sink received %d chunks, want 2", len(got))
	}

	samples, _ := pcm.DecodeFloat32(got[0])
	if len(samples) != 8 {
		t.Fatalf("first chunk decoded to %d samples, want 8", len(samples))
	}
	if math.Abs(float64(samples[0])-0.5) > 1.0/32768 {
		t.Errorf("decoded sample = %v, want ~0.5", samples[0])
	}
}

func TestLevelCallbackSeesEveryFrame(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Frames: make(chan audio.Frame, 4)}
	var levels []float64
	p := NewPipeline(dev, &fakeSink{},
		WithLevelFunc(func(l float64) { levels = append(levels, l) }),
	)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Constant 0.1 samples have RMS 0.1; the default gain of 5 maps that
	// to a display level of 0.5.
	dev.Frames <- frameOf(16, 0.1)
	dev.Frames <- frameOf(16, 0)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(levels) != 2 {
		t.Fatalf("level callback ran %d times, want 2", len(levels))
	}
	if math.Abs(levels[0]-0.5) > 1e-6 {
		t.Errorf("first level = %v, want 0.5", levels[0])
	}
	if levels[1] != 0 {
		t.Errorf("silent frame level = %v, want 0", levels[1])
	}
}

func TestSinkFailureDropsFrameAndContinues(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Frames: make(chan audio.Frame, 4)}
	sink := &fakeSink{failN: 1}
	p := NewPipeline(dev, sink)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Frames <- frameOf(8, 0.5)
	dev.Frames <- frameOf(8, 0.5)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := p.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if got := len(sink.accepted()); got != 1 {
		t.Errorf("sink received %d chunks, want 1", got)
	}
}

func TestDroppedFramesRecordedAsMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dev := &mock.CaptureDevice{Frames: make(chan audio.Frame, 4)}
	p := NewPipeline(dev, &fakeSink{failN: 2}, WithMetrics(metrics))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Frames <- frameOf(8, 0.5)
	dev.Frames <- frameOf(8, 0.5)
	dev.Frames <- frameOf(8, 0.5)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := map[string]int64{
		"voclaria.capture.frames.dropped": 2,
		"voclaria.audio.chunks.sent":      1,
	}
	for name, wantVal := range want {
		var found bool
		for _, sm := range rm.ScopeMetrics {
			for _, met := range sm.Metrics {
				if met.Name != name {
					continue
				}
				found = true
				sum, ok := met.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("metric %q is not a sum", name)
				}
				if got := sum.DataPoints[0].Value; got != wantVal {
					t.Errorf("%s = %d, want %d", name, got, wantVal)
				}
			}
		}
		if !found {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestStartPermissionErrorSurfaces(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{
		StartErr: fmt.Errorf("open device: %w", audio.ErrPermissionDenied),
	}
	p := NewPipeline(dev, &fakeSink{})

	err := p.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("Start error = %v, want wrapping ErrPermissionDenied", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Frames: make(chan audio.Frame)}
	p := NewPipeline(dev, &fakeSink{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}
	_ = p.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Frames: make(chan audio.Frame)}
	p := NewPipeline(dev, &fakeSink{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if dev.StopCalls != 1 {
		t.Errorf("device Stop called %d times, want 1", dev.StopCalls)
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	t.Parallel()

	p := NewPipeline(&mock.CaptureDevice{}, &fakeSink{})
	if err := p.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
