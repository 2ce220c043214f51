package callsession

import "github.com/dialvox/dialvox/pkg/types"

// EventType tags a session lifecycle event.
type EventType string

const (
	// EventRinging means the far end is being alerted.
	EventRinging EventType = "ringing"

	// EventConnected means the call was answered and media is flowing.
	EventConnected EventType = "connected"

	// EventTranscript carries one transcript line (interim or confirmed).
	EventTranscript EventType = "transcript"

	// EventEnded is emitted exactly once when the call reaches a terminal
	// status.
	EventEnded EventType = "ended"

	// EventError carries an operator-visible error. The session keeps
	// running unless the event coincides with a hangup.
	EventError EventType = "error"
)

// Event is one session-to-server notification. The session never talks to
// control clients directly; the call server maps Events onto the wire
// protocol.
type Event struct {
	Type    EventType
	CallID  string
	CallSID string

	// Transcript fields.
	Text    string
	Role    types.TranscriptRole
	IsFinal bool

	// Ended fields.
	Summary string
	Status  types.CallStatus

	// Error field.
	Message string
}
