// Package live defines the Provider interface for real-time conversational
// voice backends.
//
// A live provider wraps a remote voice AI service that accepts streamed raw
// audio input and returns synthesised audio output in a single, stateful
// bidirectional session. The central abstraction is [Session]: an open
// connection that carries audio, transcript fragments, and turn signals as
// an ordered event stream.
//
// Two implementations ship with Voclaria: live/gemini (the Gemini Live
// BidiGenerateContent protocol over WebSocket) and live/mock (an in-memory
// fake for deterministic tests without network or audio hardware).
//
// All implementations must be safe for concurrent use.
package live

import "context"

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	// RoleUser is the input-side transcription of the user's speech.
	RoleUser Role = "user"

	// RoleAgent is the output-side transcription of the model's speech.
	RoleAgent Role = "agent"
)

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventAudio carries one inbound chunk of synthesised audio
	// (raw 16-bit little-endian PCM at the playback rate).
	EventAudio EventType = iota

	// EventTranscript carries one transcript fragment. Fragments are
	// concatenations: each appends to the current turn's text for its role.
	EventTranscript

	// EventTurnComplete marks the end of a conversational turn. It is the
	// sole boundary at which accumulated transcript state becomes final.
	EventTurnComplete

	// EventInterrupted signals that the user began speaking while the
	// model's audio was still playing; queued model audio must be
	// discarded immediately.
	EventInterrupted

	// EventClosed signals that the remote service closed the session.
	EventClosed

	// EventError carries a non-fatal protocol or service error.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventClosed:
		return "CLOSED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one message from the remote service. Exactly the fields relevant
// to Type are set.
type Event struct {
	Type EventType

	// Audio is the decoded PCM payload of an [EventAudio] event.
	Audio []byte

	// Role and Text describe an [EventTranscript] fragment.
	Role Role
	Text string

	// Err is the error carried by an [EventError] event.
	Err error
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Instructions is the system-level prompt supplied at connect time.
	// Opaque to the transport.
	Instructions string

	// Voice selects the prebuilt voice used for synthesised speech.
	// Empty selects the provider default.
	Voice string
}

// Session represents an open live session.
//
// Events for a single turn are delivered in the order produced by the
// remote service. The audio-chunk stream and the transcript-fragment
// stream are logically independent and must not be assumed interleaved 1:1.
//
// The session is the hot path of the audio pipeline — every method must
// return quickly. All methods must be safe for concurrent use. Callers
// must drain Events promptly and must call Close when done.
type Session interface {
	// SendAudio delivers one raw PCM capture chunk (16 kHz, s16le, mono)
	// to the remote service. Returns an error if the session is closed or
	// the write fails.
	SendAudio(chunk []byte) error

	// SendText delivers a text message into the conversation. When
	// endOfTurn is true the remote service treats the message as a
	// completed user turn and responds to it.
	SendText(text string, endOfTurn bool) error

	// Events returns the read-only event stream. The channel is closed
	// when the session ends; after it closes, call [Session.Err] to check
	// whether the session ended cleanly.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it
	// ended cleanly. Only meaningful after the Events channel is closed.
	Err() error

	// Close terminates the session and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live voice backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned Session is ready to accept audio immediately. Returns an
	// error if the session cannot be established (authentication failure,
	// network error, or ctx already cancelled). The caller owns the
	// Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
