// Package session owns the lifecycle of one conversational voice session:
// connecting the live transport, running the capture and playback pipelines,
// aggregating transcript fragments into turns, and tearing everything down
// again.
//
// The [Controller] is a state machine (Idle → Connecting → Active → Closing
// → Idle). All mutation of controller state happens under a single mutex;
// the transport event pump is the only goroutine driving the scheduler and
// the aggregator. Teardown is unconditional and total: every exit path
// releases the microphone, stops all scheduled audio, and resets transient
// state — no resource outlives the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voclaria/voclaria/internal/capture"
	"github.com/voclaria/voclaria/internal/observe"
	"github.com/voclaria/voclaria/internal/playback"
	"github.com/voclaria/voclaria/internal/turns"
	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/live"
)

// State is the lifecycle phase of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// ErrNotActive is returned by operations that require an active session.
var ErrNotActive = errors.New("session: not active")

// ErrNotIdle is returned by Connect when a session is already in progress.
var ErrNotIdle = errors.New("session: already connecting or active")

// feedbackPrompt is the canned analysis request sent by
// [Controller.RequestFeedback]. The reply comes back as an ordinary agent
// turn; the FEEDBACK:/RATING: markers make the aggregator classify it as a
// feedback report.
const feedbackPrompt = `Please pause our conversation and give me a Speaking Scorecard ` +
	`for this session so far. Start your reply with "FEEDBACK:" and assess my ` +
	`pronunciation, grammar, vocabulary and fluency, giving each a RATING: out of 5 ` +
	`with one concrete suggestion to improve.`

// defaultConnectTimeout bounds session establishment when no timeout is
// configured.
const defaultConnectTimeout = 30 * time.Second

// Option configures a [Controller].
type Option func(*Controller)

// WithCredentialEnv names the environment variable that must hold the API
// credential. Default: "GEMINI_API_KEY".
func WithCredentialEnv(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.credentialEnv = name
		}
	}
}

// WithConnectTimeout bounds how long Connect waits for the transport to
// open. Default: 30s. Zero or negative keeps the default.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithLevelGain sets the loudness metering gain passed to the capture
// pipeline. Default: [audio.DefaultLevelGain].
func WithLevelGain(gain float64) Option {
	return func(c *Controller) {
		if gain > 0 {
			c.levelGain = gain
		}
	}
}

// WithMetrics sets the metrics instance. Default: no metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTurnFunc registers a callback invoked with each batch of finalised
// turn records, in order. The callback runs on the event pump goroutine and
// must not call back into the Controller's blocking methods.
func WithTurnFunc(fn func([]turns.Record)) Option {
	return func(c *Controller) {
		c.onTurn = fn
	}
}

// Controller drives one voice session end to end. Construct with
// [NewController]; multiple independent controllers are fine.
type Controller struct {
	provider  live.Provider
	newDevice func() audio.CaptureDevice
	newOutput func() (audio.Output, error)

	credentialEnv  string
	connectTimeout time.Duration
	levelGain      float64
	metrics        *observe.Metrics
	onTurn         func([]turns.Record)

	agg *turns.Aggregator

	mu            sync.Mutex
	state         State
	id            string
	log           *slog.Logger
	sess          live.Session
	scheduler     *playback.Scheduler
	closers       []func() error
	connectCancel context.CancelFunc
	connectDone   chan struct{}
	startedAt     time.Time
	volume        float64
	lastErr       string
	pump          *errgroup.Group
}

// NewController creates an idle Controller. newDevice builds the microphone
// device and newOutput opens the speaker sink; both are invoked per connect
// so a fresh session gets fresh devices.
func NewController(
	provider live.Provider,
	newDevice func() audio.CaptureDevice,
	newOutput func() (audio.Output, error),
	opts ...Option,
) *Controller {
	c := &Controller{
		provider:       provider,
		newDevice:      newDevice,
		newOutput:      newOutput,
		credentialEnv:  "GEMINI_API_KEY",
		connectTimeout: defaultConnectTimeout,
		levelGain:      audio.DefaultLevelGain,
		agg:            turns.NewAggregator(),
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a session with the given system instruction and voice.
// Valid only from Idle. It validates the credential before any connection
// attempt, dials the transport, opens the audio devices, and starts the
// capture and event pump goroutines. On any failure the controller is back
// in Idle with no resources held, and the returned [*Error] kind tells the
// caller how to recover.
func (c *Controller) Connect(ctx context.Context, instruction, voice string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = StateConnecting
	c.lastErr = ""
	c.id = uuid.NewString()
	log := slog.Default().With("session_id", c.id)
	c.log = log

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	done := make(chan struct{})
	c.connectCancel = cancel
	c.connectDone = done
	c.mu.Unlock()
	defer cancel()
	// Disconnect-while-Connecting blocks on this channel so it only returns
	// once the attempt has settled one way or the other.
	defer close(done)

	err := c.establish(dialCtx, instruction, voice)
	if err == nil {
		return nil
	}

	userCancelled := errors.Is(err, context.Canceled)

	c.mu.Lock()
	c.state = StateIdle
	c.connectCancel = nil
	c.connectDone = nil
	if !userCancelled {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()

	if userCancelled {
		log.Info("connect cancelled")
		return nil
	}
	log.Warn("connect failed", "err", err)
	if c.metrics != nil {
		c.metrics.RecordSessionError(context.Background(), KindOf(err).String())
	}
	return err
}

// establish performs the ordered resource acquisition for Connect. On error
// it has already released everything it acquired.
func (c *Controller) establish(ctx context.Context, instruction, voice string) error {
	if os.Getenv(c.credentialEnv) == "" {
		return newError(KindConfiguration,
			"credential environment variable %s is not set", c.credentialEnv)
	}

	// The previous conversation stays inspectable until a new session
	// begins.
	c.agg.Reset()

	dialStart := time.Now()
	sess, err := c.provider.Connect(ctx, live.SessionConfig{
		Instructions: instruction,
		Voice:        voice,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordConnect(context.Background(), time.Since(dialStart), "error")
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return newError(KindConnection, "open live session: %w", err)
	}
	log := c.log
	closers := []func() error{sess.Close}

	fail := func(cause error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				log.Warn("connect cleanup step failed", "err", cerr)
			}
		}
		return cause
	}

	// A Disconnect during Connecting cancels ctx. The dial honours it; the
	// device-acquisition steps after the dial do not, so cancellation is
	// re-checked between steps and once more before the Active transition —
	// a cancelled attempt must never come up holding the microphone.
	cancelled := func() error {
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return err
		}
		return newError(KindConnection, "session establishment aborted: %w", ctx.Err())
	}
	if ctx.Err() != nil {
		return fail(cancelled())
	}

	out, err := c.newOutput()
	if err != nil {
		return fail(newError(KindRuntime, "open audio output: %w", err))
	}
	closers = append(closers, out.Close)

	scheduler := playback.NewScheduler(out)
	closers = append(closers, func() error { scheduler.Close(); return nil })

	pipeline := capture.NewPipeline(c.newDevice(), sess,
		capture.WithLevelFunc(c.setVolume),
		capture.WithGain(c.levelGain),
		capture.WithMetrics(c.metrics),
	)
	if err := pipeline.Start(ctx); err != nil {
		kind := KindRuntime
		if errors.Is(err, audio.ErrPermissionDenied) {
			kind = KindPermission
		}
		return fail(newError(kind, "start capture: %w", err))
	}
	closers = append(closers, pipeline.Stop)

	if ctx.Err() != nil {
		return fail(cancelled())
	}

	// The controller must be Active (with metrics counted) before the pump
	// starts: an immediately failing session triggers teardown from the
	// pump goroutine, and teardown only acts on an Active controller.
	g := new(errgroup.Group)

	c.mu.Lock()
	c.state = StateActive
	c.connectCancel = nil
	c.connectDone = nil
	c.sess = sess
	c.scheduler = scheduler
	c.closers = closers
	c.startedAt = time.Now()
	c.pump = g
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordConnect(context.Background(), time.Since(dialStart), "ok")
		c.metrics.ActiveSessions.Add(context.Background(), 1)
	}

	g.Go(func() error {
		c.pumpEvents(sess, scheduler, log)
		return nil
	})

	log.Info("session active", "voice", voice)
	return nil
}

// pumpEvents consumes transport events until the event channel closes,
// driving the playback scheduler and the turn aggregator. It runs on its
// own goroutine; it is the sole writer to the aggregator while the session
// lives.
func (c *Controller) pumpEvents(sess live.Session, scheduler *playback.Scheduler, log *slog.Logger) {
	ctx := context.Background()

	for ev := range sess.Events() {
		switch ev.Type {
		case live.EventAudio:
			scheduler.Enqueue(ev.Audio)
			if c.metrics != nil {
				c.metrics.AudioChunksReceived.Add(ctx, 1)
			}

		case live.EventTranscript:
			c.agg.AddFragment(ev.Role, ev.Text)

		case live.EventTurnComplete:
			records := c.agg.CompleteTurn()
			for _, r := range records {
				if c.metrics != nil {
					c.metrics.RecordTurn(ctx, string(r.Role))
				}
				log.Debug("turn finalised",
					"role", r.Role, "feedback", r.IsFeedback, "chars", len(r.Text))
			}
			if c.onTurn != nil && len(records) > 0 {
				c.onTurn(records)
			}

		case live.EventInterrupted:
			scheduler.Interrupt()
			c.agg.Interrupt()
			if c.metrics != nil {
				c.metrics.Interruptions.Add(ctx, 1)
			}
			log.Debug("agent interrupted, playback discarded")

		case live.EventError:
			// Mid-session runtime failure: the offending chunk was already
			// skipped upstream, the session carries on.
			log.Warn("transport event error", "err", ev.Err)
			if c.metrics != nil {
				c.metrics.RecordSessionError(ctx, KindRuntime.String())
			}

		case live.EventClosed:
			// The channel close that follows drives teardown.
		}
	}

	cause := sess.Err()
	if cause == nil {
		cause = errors.New("session closed by remote")
	}
	c.teardown(fmt.Errorf("live session ended: %w", cause), false)
}

// Disconnect tears the session down. Valid from any state: a no-op when
// Idle, cancels the attempt when Connecting, full teardown when Active.
// It returns only once all session resources have been released.
// Idempotent.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateClosing:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		cancel := c.connectCancel
		done := c.connectDone
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		// The attempt may have reached Active just before the cancel
		// landed; a second pass settles it.
		return c.Disconnect()
	}
	pump := c.pump
	c.mu.Unlock()

	c.teardown(nil, true)
	if pump != nil {
		_ = pump.Wait()
	}
	return nil
}

// teardown runs the closers in reverse acquisition order, swallowing and
// logging their errors, then returns the controller to Idle. When the
// session ended without the user asking (userInitiated false), cause
// becomes the visible last error. Safe to call from any goroutine;
// concurrent calls collapse to one.
func (c *Controller) teardown(cause error, userInitiated bool) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	// Snapshot the logger: once the state returns to Idle a new Connect may
	// replace c.log while this goroutine is still reporting.
	log := c.log
	closers := c.closers
	c.closers = nil
	startedAt := c.startedAt
	c.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warn("teardown step failed", "err", err)
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.sess = nil
	c.scheduler = nil
	c.pump = nil
	c.volume = 0
	if !userInitiated && cause != nil {
		c.lastErr = cause.Error()
	}
	c.mu.Unlock()

	if c.metrics != nil {
		ctx := context.Background()
		c.metrics.ActiveSessions.Add(ctx, -1)
		c.metrics.SessionDuration.Record(ctx, time.Since(startedAt).Seconds())
	}
	if userInitiated {
		log.Info("session closed", "duration", time.Since(startedAt))
	} else {
		log.Warn("session ended", "cause", cause, "duration", time.Since(startedAt))
	}
}

// SendText delivers a text turn to the agent. Valid only while Active.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	sess := c.sess
	active := c.state == StateActive
	c.mu.Unlock()

	if !active {
		return ErrNotActive
	}
	if err := sess.SendText(text, true); err != nil {
		return newError(KindRuntime, "send text: %w", err)
	}
	return nil
}

// RequestFeedback asks the agent for a structured performance report on the
// conversation so far. Valid only while Active; the report arrives as a
// regular agent turn with IsFeedback set.
func (c *Controller) RequestFeedback() error {
	return c.SendText(feedbackPrompt)
}

// setVolume is the capture pipeline's level callback.
func (c *Controller) setVolume(level float64) {
	c.mu.Lock()
	c.volume = level
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the session is Active.
func (c *Controller) Connected() bool {
	return c.State() == StateActive
}

// VolumeLevel returns the current microphone loudness in [0, 1]. Zero when
// no session is active.
func (c *Controller) VolumeLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// History returns the finalised turn records of the current session, or of
// the previous one when idle.
func (c *Controller) History() []turns.Record {
	return c.agg.History()
}

// LastError returns the human-readable message of the most recent failure,
// or the empty string. Cleared when a new connect attempt begins.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ID returns the identifier of the current (or most recent) session.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}
