package audio

import (
	"math"
	"testing"
	"time"
)

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float32
		gain    float64
		want    float64
	}{
		{"empty", nil, DefaultLevelGain, 0},
		{"silence", make([]float32, 256), DefaultLevelGain, 0},
		{"full scale clamps to one", []float32{1, -1, 1, -1}, DefaultLevelGain, 1},
		{"quiet signal scales by gain", []float32{0.1, -0.1, 0.1, -0.1}, 5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Level(tt.samples, tt.gain)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevelBounded(t *testing.T) {
	t.Parallel()

	// Whatever the input, the level must stay in [0, 1].
	samples := []float32{3, -3, 100, -100}
	if got := Level(samples, 50); got < 0 || got > 1 {
		t.Errorf("Level() = %v, want within [0, 1]", got)
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	f := Frame{Samples: make([]float32, CaptureBlockSize), Rate: CaptureRate}
	want := 256 * time.Millisecond // 4096 samples at 16 kHz
	if got := f.Duration(); got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}

	var zero Frame
	if got := zero.Duration(); got != 0 {
		t.Errorf("zero frame Duration() = %v, want 0", got)
	}
}
