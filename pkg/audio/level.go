package audio

import (
	"errors"
	"math"
)

// ErrPermissionDenied indicates the user (or OS) denied access to the
// microphone. Capture devices wrap this sentinel so callers can distinguish
// a permission failure from an ordinary device error.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// DefaultLevelGain is the multiplier applied to the RMS loudness before
// clamping. Chosen so ordinary speech drives the level meter through most
// of its range.
const DefaultLevelGain = 5

// Level computes a bounded [0, 1] loudness value for a block of samples:
// RMS loudness scaled by gain and clamped. The value is display-only and is
// never used in control decisions.
func Level(samples []float32, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	level := math.Sqrt(sum/float64(len(samples))) * gain
	return math.Min(level, 1)
}
