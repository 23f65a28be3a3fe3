// Package playback decodes inbound synthesised-audio chunks and schedules
// them on an output audio clock so consecutive chunks play back-to-back
// with no gap or overlap, even though chunks arrive at irregular
// network-determined intervals.
//
// The core invariant: each buffer starts at max(nextStart, now), where
// nextStart is the end position of the previously scheduled buffer. Bursts
// arriving faster than real time queue up contiguously; a chunk arriving
// after a silence starts immediately.
//
// This package is internal because it encapsulates application-private
// session pipeline logic and is not intended for import by external code.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/pcm"
)

// Scheduler owns the output clock position and the set of in-flight
// playback voices for one session.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out audio.Output

	mu        sync.Mutex
	nextStart time.Duration
	inflight  map[*unit]struct{}
	closed    bool
}

// unit is one scheduled buffer: a decoded chunk plus its playback handle.
type unit struct {
	voice audio.Voice
	start time.Duration
	dur   time.Duration
}

// NewScheduler creates a Scheduler playing through out.
func NewScheduler(out audio.Output) *Scheduler {
	return &Scheduler{
		out:      out,
		inflight: make(map[*unit]struct{}),
	}
}

// Enqueue decodes chunk (s16le PCM at the playback rate) and schedules it to
// start the moment the previous chunk ends, or immediately if nothing is
// pending. A decode failure or a malformed chunk is logged and skipped; it
// never terminates the session. Calling Enqueue after Close is a no-op —
// inbound events can race session teardown.
func (s *Scheduler) Enqueue(chunk []byte) {
	samples, truncated := pcm.DecodeFloat32(chunk)
	if truncated > 0 {
		slog.Warn("playback: truncated odd-length chunk to even prefix",
			"bytes", len(chunk), "dropped", truncated)
	}
	if len(samples) == 0 {
		slog.Warn("playback: skipping empty chunk", "bytes", len(chunk))
		return
	}

	dur := time.Duration(len(samples)) * time.Second / audio.PlaybackRate

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	start := s.nextStart
	if now := s.out.Now(); now > start {
		start = now
	}

	u := &unit{start: start, dur: dur}
	voice, err := s.out.PlayAt(samples, start, func() { s.release(u) })
	if err != nil {
		slog.Warn("playback: schedule failed, skipping chunk", "err", err, "start", start)
		return
	}
	u.voice = voice
	s.inflight[u] = struct{}{}
	s.nextStart = start + dur
}

// release removes u from the in-flight set once its buffer has finished
// playing or was stopped.
func (s *Scheduler) release(u *unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, u)
}

// Interrupt stops and discards every in-flight voice immediately and resets
// the clock position so the next enqueued chunk starts at "now". After
// Interrupt, no previously scheduled audio is audible.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	units := make([]*unit, 0, len(s.inflight))
	for u := range s.inflight {
		units = append(units, u)
	}
	clear(s.inflight)
	s.nextStart = 0
	s.mu.Unlock()

	// Stop outside the lock: a voice's done callback calls release, which
	// takes the lock.
	for _, u := range units {
		u.voice.Stop()
	}
}

// Inflight returns the number of buffers currently scheduled or playing.
func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close stops all in-flight audio and marks the scheduler torn down.
// Subsequent Enqueue calls are no-ops. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	units := make([]*unit, 0, len(s.inflight))
	for u := range s.inflight {
		units = append(units, u)
	}
	clear(s.inflight)
	s.mu.Unlock()

	for _, u := range units {
		u.voice.Stop()
	}
}
