// Package capture pumps microphone frames into the outbound half of a live
// session: it pulls fixed-size blocks from an [audio.CaptureDevice], meters
// their loudness for display, encodes them to wire PCM and hands them to a
// frame sink.
//
// The pipeline never blocks on a slow or failing sink. A frame the sink
// cannot take is dropped, counted and logged at debug level; real-time
// capture has no use for stale audio.
//
// This package is internal because it encapsulates application-private
// session pipeline logic and is not intended for import by external code.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voclaria/voclaria/internal/observe"
	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/pcm"
)

// Sink receives encoded microphone frames. [live.Session] satisfies it.
type Sink interface {
	// SendAudio forwards one encoded PCM chunk. An error means the chunk
	// was not accepted; the pipeline drops the frame and carries on.
	SendAudio(chunk []byte) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLevelFunc registers a callback invoked with the [0, 1] loudness level
// of every captured frame, before encoding. The callback runs on the pump
// goroutine and must not block.
func WithLevelFunc(fn func(float64)) Option {
	return func(p *Pipeline) {
		p.onLevel = fn
	}
}

// WithGain overrides the loudness metering gain. Default:
// [audio.DefaultLevelGain].
func WithGain(gain float64) Option {
	return func(p *Pipeline) {
		p.gain = gain
	}
}

// WithMetrics sets the metrics instance used to count sent and dropped
// frames. Default: no metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline owns the capture device and the pump goroutine for one session.
type Pipeline struct {
	dev     audio.CaptureDevice
	sink    Sink
	onLevel func(float64)
	gain    float64
	metrics *observe.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	dropped atomic.Int64
}

// NewPipeline creates a Pipeline reading from dev and writing to sink.
func NewPipeline(dev audio.CaptureDevice, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:  dev,
		sink: sink,
		gain: audio.DefaultLevelGain,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start acquires the microphone and launches the pump goroutine. The ctx
// governs device acquisition only; the pump runs until [Pipeline.Stop].
// A permission failure surfaces as an error wrapping
// [audio.ErrPermissionDenied].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("capture: pipeline already started")
	}

	frames, err := p.dev.Start(ctx)
	if err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	p.started = true

	p.wg.Add(1)
	go p.pump(frames)
	return nil
}

// pump consumes frames until the device closes the channel.
func (p *Pipeline) pump(frames <-chan audio.Frame) {
	defer p.wg.Done()
	ctx := context.Background()

	for frame := range frames {
		if p.onLevel != nil {
			p.onLevel(audio.Level(frame.Samples, p.gain))
		}

		chunk := pcm.EncodeFloat32(frame.Samples)
		if err := p.sink.SendAudio(chunk); err != nil {
			n := p.dropped.Add(1)
			if p.metrics != nil {
				p.metrics.DroppedFrames.Add(ctx, 1)
			}
			slog.Debug("capture: dropped frame, sink not ready",
				"err", err, "dropped_total", n)
			continue
		}
		if p.metrics != nil {
			p.metrics.AudioChunksSent.Add(ctx, 1)
		}
	}
}

// Dropped returns the number of frames discarded because the sink refused
// them.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Stop releases the microphone and waits for the pump goroutine to drain.
// Idempotent; calling Stop on a pipeline that never started is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	err := p.dev.Stop()
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}
