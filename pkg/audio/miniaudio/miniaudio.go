// Package miniaudio provides the real microphone implementation of
// [audio.CaptureDevice], backed by the miniaudio library via
// github.com/gen2brain/malgo.
//
// The device captures mono 16-bit PCM at [audio.CaptureRate] and regroups
// the driver's delivery periods into fixed [audio.CaptureBlockSize] frames.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/pcm"
)

// frameBuf is the capacity of the frame channel. At 4096 samples per frame
// this is about two seconds of headroom before frames are dropped.
const frameBuf = 8

// Device is a microphone capture device. Create with [NewDevice]; the
// underlying audio context is only initialised on Start.
type Device struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	frames  chan audio.Frame
	pending []float32
	started bool
	stopped bool
}

// NewDevice returns an unstarted Device.
func NewDevice() *Device {
	return &Device{}
}

// Start implements [audio.CaptureDevice]. The returned channel delivers
// [audio.CaptureBlockSize]-sample frames until Stop is called. A frame that
// cannot be buffered because the consumer lags is dropped.
func (d *Device) Start(_ context.Context) (<-chan audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil, errors.New("miniaudio: device already started")
	}

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", mapErr(err))
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = audio.CaptureRate

	d.frames = make(chan audio.Frame, frameBuf)
	d.pending = make([]float32, 0, audio.CaptureBlockSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.onData(input)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("miniaudio: init device: %w", mapErr(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("miniaudio: start device: %w", mapErr(err))
	}

	d.ctx = mctx
	d.dev = dev
	d.started = true
	return d.frames, nil
}

// onData runs on the miniaudio capture thread. It converts the delivered
// s16le bytes and emits full fixed-size frames.
func (d *Device) onData(input []byte) {
	samples, _ := pcm.DecodeFloat32(input)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.pending = append(d.pending, samples...)
	for len(d.pending) >= audio.CaptureBlockSize {
		block := make([]float32, audio.CaptureBlockSize)
		copy(block, d.pending[:audio.CaptureBlockSize])
		d.pending = d.pending[audio.CaptureBlockSize:]

		select {
		case d.frames <- audio.Frame{Samples: block, Rate: audio.CaptureRate}:
		default:
			slog.Debug("miniaudio: frame buffer full, dropping capture frame")
		}
	}
}

// Stop implements [audio.CaptureDevice]. It releases the microphone and
// closes the frame channel. Idempotent.
func (d *Device) Stop() error {
	// The stopped flag is flipped before device teardown, outside of which
	// the lock is released: the data callback takes the same lock, and
	// malgo's Stop waits for in-flight callbacks.
	d.mu.Lock()
	if d.stopped || !d.started {
		d.stopped = true
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	dev, mctx, frames := d.dev, d.ctx, d.frames
	d.dev = nil
	d.ctx = nil
	d.mu.Unlock()

	_ = dev.Stop()
	dev.Uninit()
	if err := mctx.Uninit(); err != nil {
		slog.Warn("miniaudio: context uninit failed", "err", err)
	}
	mctx.Free()

	close(frames)
	return nil
}

// mapErr translates miniaudio's access-denied results into
// [audio.ErrPermissionDenied] so callers can distinguish a permission
// failure from an ordinary device error.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %s", audio.ErrPermissionDenied, err)
	}
	return err
}

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*Device)(nil)
