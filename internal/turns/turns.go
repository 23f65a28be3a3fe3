// Package turns accumulates transcript fragments from a live session and
// finalises them into discrete conversational turn records.
//
// Fragments for each role are concatenated into a pending buffer; the
// remote service's turn-completion signal is the sole boundary at which the
// accumulated text becomes an immutable [Record] in the turn history. An
// interruption discards the pending agent buffer only — it represents the
// agent's speech being cut off, not the user's.
//
// This package is internal because it encapsulates application-private
// session semantics and is not intended for import by external code.
package turns

import (
	"strings"
	"sync"

	"github.com/voclaria/voclaria/pkg/live"
)

// feedbackMarkers are the tokens that mark a finalised agent turn as a
// structured feedback report rather than conversational dialogue. The
// canonical marker is "FEEDBACK:" (the one the tutor prompt asks the model
// to use); "RATING:" is recognised for older prompt phrasings. Both are
// checked in exactly one place so classification cannot drift between call
// sites.
var feedbackMarkers = []string{"FEEDBACK:", "RATING:"}

// Record is one finalised conversational turn. Immutable once created.
type Record struct {
	// Role is the speaker: [live.RoleUser] or [live.RoleAgent].
	Role live.Role

	// Text is the full, whitespace-trimmed utterance.
	Text string

	// IsFeedback marks an agent utterance recognised as a structured
	// performance report. Always false for user turns.
	IsFeedback bool
}

// IsFeedback reports whether text contains a recognised feedback marker.
func IsFeedback(text string) bool {
	for _, m := range feedbackMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Aggregator accumulates transcript fragments and maintains the ordered,
// append-only turn history for one session.
//
// All methods are safe for concurrent use, though in practice the session
// controller's event pump is the only writer.
type Aggregator struct {
	mu           sync.Mutex
	pendingUser  strings.Builder
	pendingAgent strings.Builder
	history      []Record
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AddFragment appends a transcript fragment to the pending buffer for its
// role. Fragments are concatenations, not replacements. Unknown roles are
// ignored.
func (a *Aggregator) AddFragment(role live.Role, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case live.RoleUser:
		a.pendingUser.WriteString(text)
	case live.RoleAgent:
		a.pendingAgent.WriteString(text)
	}
}

// CompleteTurn finalises the pending buffers into records, appends them to
// the history in {user, agent} order, clears both buffers, and returns the
// records created. A turn with no speech content produces no records.
func (a *Aggregator) CompleteTurn() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	userText := strings.TrimSpace(a.pendingUser.String())
	agentText := strings.TrimSpace(a.pendingAgent.String())
	a.pendingUser.Reset()
	a.pendingAgent.Reset()

	var finalized []Record
	if userText != "" {
		finalized = append(finalized, Record{Role: live.RoleUser, Text: userText})
	}
	if agentText != "" {
		finalized = append(finalized, Record{
			Role:       live.RoleAgent,
			Text:       agentText,
			IsFeedback: IsFeedback(agentText),
		})
	}

	a.history = append(a.history, finalized...)
	return finalized
}

// Interrupt discards the pending agent buffer (partially synthesised agent
// speech). The user buffer is untouched.
func (a *Aggregator) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingAgent.Reset()
}

// History returns a copy of the ordered turn history.
func (a *Aggregator) History() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.history))
	copy(out, a.history)
	return out
}

// Reset clears the history and both pending buffers. Called at session
// start so the previous conversation remains inspectable after disconnect.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingUser.Reset()
	a.pendingAgent.Reset()
	a.history = nil
}
