// Package otoout provides the real speaker implementation of
// [audio.Output], backed by github.com/ebitengine/oto/v3.
//
// The output clock starts at zero when the output is opened. Buffers
// scheduled in the future are held on a timer and handed to oto when their
// start position arrives; buffers scheduled at or before "now" start
// immediately.
package otoout

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/pcm"
)

// bufferDuration is oto's internal buffer length. Kept short for barge-in
// responsiveness: audio already handed to the device keeps playing through
// an interrupt.
const bufferDuration = 100 * time.Millisecond

// drainPollInterval is how often a playing voice is checked for completion.
const drainPollInterval = 10 * time.Millisecond

// Output is a speaker sink. Create with [NewOutput].
type Output struct {
	ctx   *oto.Context
	epoch time.Time

	mu     sync.Mutex
	closed bool
	voices map[*Voice]struct{}
}

// NewOutput opens the default speaker device at [audio.PlaybackRate], mono
// s16le. It blocks until the audio context is ready.
func NewOutput() (*Output, error) {
	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.PlaybackRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("otoout: open context: %w", err)
	}
	<-ready

	return &Output{
		ctx:    octx,
		epoch:  time.Now(),
		voices: make(map[*Voice]struct{}),
	}, nil
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	return time.Since(o.epoch)
}

// PlayAt implements [audio.Output].
func (o *Output) PlayAt(samples []float32, start time.Duration, done func()) (audio.Voice, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("otoout: output closed")
	}
	v := &Voice{
		out:  o,
		data: pcm.EncodeFloat32(samples),
		done: done,
	}
	o.voices[v] = struct{}{}
	o.mu.Unlock()

	if delay := start - o.Now(); delay > 0 {
		v.mu.Lock()
		v.timer = time.AfterFunc(delay, v.begin)
		v.mu.Unlock()
	} else {
		v.begin()
	}
	return v, nil
}

// Close implements [audio.Output]. It stops every scheduled voice; oto's
// context itself has no teardown.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := make([]*Voice, 0, len(o.voices))
	for v := range o.voices {
		voices = append(voices, v)
	}
	o.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// release removes v from the in-flight set.
func (o *Output) release(v *Voice) {
	o.mu.Lock()
	delete(o.voices, v)
	o.mu.Unlock()
}

// Voice is one scheduled playback buffer.
type Voice struct {
	out  *Output
	data []byte
	done func()

	mu       sync.Mutex
	timer    *time.Timer
	player   *oto.Player
	stopped  bool
	finished bool
}

// begin hands the buffer to oto. Runs either inline from PlayAt or on the
// timer goroutine when the start position arrives.
func (v *Voice) begin() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	p := v.out.ctx.NewPlayer(bytes.NewReader(v.data))
	v.player = p
	v.mu.Unlock()

	p.Play()
	go v.watch(p)
}

// watch polls the player until it has drained, then completes the voice.
func (v *Voice) watch(p *oto.Player) {
	for {
		time.Sleep(drainPollInterval)

		v.mu.Lock()
		stopped := v.stopped
		v.mu.Unlock()
		if stopped {
			return
		}
		if !p.IsPlaying() {
			v.complete(p)
			return
		}
	}
}

// complete marks the voice finished and fires the done callback once.
func (v *Voice) complete(p *oto.Player) {
	v.mu.Lock()
	if v.stopped || v.finished {
		v.mu.Unlock()
		return
	}
	v.finished = true
	done := v.done
	v.mu.Unlock()

	_ = p.Close()
	v.out.release(v)
	if done != nil {
		done()
	}
}

// Stop implements [audio.Voice]. It cancels a pending timer or halts the
// player, then fires the done callback once.
func (v *Voice) Stop() {
	v.mu.Lock()
	if v.stopped || v.finished {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	timer := v.timer
	p := v.player
	done := v.done
	v.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if p != nil {
		p.Pause()
		_ = p.Close()
	}
	v.out.release(v)
	if done != nil {
		done()
	}
}

// Compile-time interface assertions.
var (
	_ audio.Output = (*Output)(nil)
	_ audio.Voice  = (*Voice)(nil)
)
