// Package audio defines the frame type, sample-rate constants, loudness
// metering, and device interfaces for the Voclaria streaming pipeline.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] — a microphone source that delivers fixed-size blocks
//     of mono float32 samples at the capture rate.
//   - [Output] — a speaker sink with a monotonic playback clock on which
//     decoded buffers can be scheduled to start at an exact position.
//
// Implementations of these interfaces are provided by device-specific
// adapter packages (audio/miniaudio for capture, audio/otoout for output)
// and by audio/mock for tests. The interfaces are intentionally narrow to
// keep the session controller decoupled from audio hardware details.
package audio

import (
	"context"
	"time"
)

const (
	// CaptureRate is the fixed microphone sample rate in Hz. Outbound wire
	// frames are tagged with this rate and must never be conflated with
	// [PlaybackRate].
	CaptureRate = 16000

	// PlaybackRate is the fixed sample rate of synthesised audio received
	// from the remote service, in Hz.
	PlaybackRate = 24000

	// CaptureBlockSize is the number of samples in one capture frame.
	CaptureBlockSize = 4096
)

// Frame is a block of mono float32 samples in [-1, 1] at a single sample
// rate. Frames are ephemeral: produced by a capture device, consumed
// immediately by the codec, never retained.
type Frame struct {
	// Samples is the PCM data. Capture devices deliver exactly
	// [CaptureBlockSize] samples per frame.
	Samples []float32

	// Rate is the sample rate in Hz.
	Rate int
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate)
}

// CaptureDevice is a continuous microphone source.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Start acquires the microphone and returns a channel delivering
	// fixed-size frames until Stop is called. The supplied ctx governs the
	// acquisition attempt only. A permission failure is reported as an
	// error wrapping [ErrPermissionDenied].
	Start(ctx context.Context) (<-chan Frame, error)

	// Stop releases the microphone and closes the frame channel. Calling
	// Stop more than once, or on a device that was never started, is a
	// no-op and returns nil.
	Stop() error
}

// Voice is a handle to one scheduled playback buffer.
type Voice interface {
	// Stop halts playback of this buffer immediately and discards any
	// unplayed samples. Safe to call after the buffer has finished.
	Stop()
}

// Output is a speaker sink with a monotonic playback clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock. The clock is
	// monotonic and rate-independent; position zero is the moment the
	// output was opened.
	Now() time.Duration

	// PlayAt schedules samples (at [PlaybackRate]) to begin playing at
	// start on the output clock. The done callback, if non-nil, is invoked
	// exactly once when the buffer finishes playing or is stopped.
	// Scheduling in the past starts playback immediately.
	PlayAt(samples []float32, start time.Duration, done func()) (Voice, error)

	// Close tears down the output and stops all scheduled buffers.
	// Idempotent.
	Close() error
}
