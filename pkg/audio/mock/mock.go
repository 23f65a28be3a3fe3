// Package mock provides in-memory implementations of the [audio.CaptureDevice]
// and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields the test can set to control return values. The Output
// mock's clock is manual: tests advance it with [Output.Advance] to make
// scheduling decisions deterministic.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 4)
//	dev := &mock.CaptureDevice{Frames: frames}
//	out := &mock.Output{}
//	out.Advance(50 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voclaria/voclaria/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
// Tests own the Frames channel: send frames on it to simulate microphone
// blocks, close it to simulate the device going away.
type CaptureDevice struct {
	mu sync.Mutex

	// Frames is the channel returned by Start. If nil, Start creates an
	// unbuffered channel and stores it here.
	Frames chan audio.Frame

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// StartCalls is the number of times Start was called.
	StartCalls int

	// StopCalls is the number of times Stop was called.
	StopCalls int

	stopped bool
}

// Start implements [audio.CaptureDevice].
func (d *CaptureDevice) Start(_ context.Context) (<-chan audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	if d.Frames == nil {
		d.Frames = make(chan audio.Frame)
	}
	return d.Frames, nil
}

// Stop implements [audio.CaptureDevice]. The first call closes the Frames
// channel; subsequent calls are no-ops.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCalls++
	if d.stopped {
		return d.StopErr
	}
	d.stopped = true
	if d.Frames != nil {
		close(d.Frames)
	}
	return d.StopErr
}

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayAtCall records a single invocation of Output.PlayAt.
type PlayAtCall struct {
	// Samples is the buffer passed to PlayAt (not copied).
	Samples []float32

	// Start is the scheduled start position.
	Start time.Duration

	// Voice is the handle returned to the caller.
	Voice *Voice
}

// Output is a mock implementation of [audio.Output] with a manually advanced
// clock. PlayAt never plays anything; tests complete buffers explicitly via
// [Voice.Finish] or stop them via Voice.Stop.
type Output struct {
	mu sync.Mutex

	// PlayAtErr, if non-nil, is returned by every PlayAt call.
	PlayAtErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// PlayAtCalls records every call to PlayAt in order.
	PlayAtCalls []PlayAtCall

	// CloseCalls is the number of times Close was called.
	CloseCalls int

	now time.Duration
}

// Advance moves the mock clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// PlayAt implements [audio.Output]. It records the call and returns a
// [Voice] whose Stop and Finish both fire the done callback once.
func (o *Output) PlayAt(samples []float32, start time.Duration, done func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayAtErr != nil {
		return nil, o.PlayAtErr
	}
	v := &Voice{done: done}
	o.PlayAtCalls = append(o.PlayAtCalls, PlayAtCall{Samples: samples, Start: start, Voice: v})
	return v, nil
}

// Calls returns a snapshot of PlayAtCalls. Use this instead of reading the
// field directly when playback happens on another goroutine.
func (o *Output) Calls() []PlayAtCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayAtCall, len(o.PlayAtCalls))
	copy(out, o.PlayAtCalls)
	return out
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCalls++
	return o.CloseErr
}

// Compile-time interface assertion.
var _ audio.Output = (*Output)(nil)

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is the playback handle returned by [Output.PlayAt].
type Voice struct {
	mu       sync.Mutex
	done     func()
	stopped  bool
	finished bool
}

// Stop implements [audio.Voice]. It fires the done callback on first call.
func (v *Voice) Stop() {
	v.mu.Lock()
	already := v.stopped || v.finished
	v.stopped = true
	done := v.done
	v.mu.Unlock()
	if !already && done != nil {
		done()
	}
}

// Finish simulates the buffer playing to completion: it fires the done
// callback unless the voice was already stopped or finished.
func (v *Voice) Finish() {
	v.mu.Lock()
	already := v.stopped || v.finished
	v.finished = true
	done := v.done
	v.mu.Unlock()
	if !already && done != nil {
		done()
	}
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
