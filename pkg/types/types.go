// Package types defines the shared types used across all dialvox packages.
//
// These types form the lingua franca between the audio codec, the provider
// clients, the conversation manager, and the call session. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word timing detail when available. May be nil for
	// providers that do not support word-level output.
	Words []WordDetail
}

// EndOffset returns the end time of the last word relative to the STT
// session start, or (0, false) when no word detail is present.
func (t Transcript) EndOffset() (time.Duration, bool) {
	if len(t.Words) == 0 {
		return 0, false
	}
	var max time.Duration
	for _, w := range t.Words {
		if w.End > max {
			max = w.End
		}
	}
	return max, true
}

// WordDetail holds per-word metadata from STT providers that support it.
// Start and End are offsets from the beginning of the STT session.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint passed to STT providers to raise the
// recognition probability of uncommon words (business names, street names).
type KeywordBoost struct {
	// Keyword is the word or short phrase to boost.
	Keyword string

	// Boost is the provider-specific intensity. For Deepgram, useful values
	// are in the range [1, 10].
	Boost float64
}

// Message is a single turn of an LLM conversation.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the text of the turn.
	Content string
}

// CallStatus is the lifecycle state of an outbound call. It follows the
// telephony carrier's status vocabulary.
type CallStatus string

const (
	// StatusInitiating covers the interval from originate request to the
	// carrier accepting the call (Twilio "queued"/"initiated").
	StatusInitiating CallStatus = "initiating"

	// StatusRinging means the far end is being alerted.
	StatusRinging CallStatus = "ringing"

	// StatusInProgress means the call was answered and media may flow.
	StatusInProgress CallStatus = "in-progress"

	// Terminal statuses. Once a call reaches one of these it never leaves it.
	StatusCompleted CallStatus = "completed"
	StatusBusy      CallStatus = "busy"
	StatusFailed    CallStatus = "failed"
	StatusNoAnswer  CallStatus = "no-answer"
	StatusCanceled  CallStatus = "canceled"
)

// IsTerminal reports whether s is an absorbing final status.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// TranscriptRole identifies the speaker of a call transcript entry.
type TranscriptRole string

const (
	// RoleHuman marks speech produced by the called party.
	RoleHuman TranscriptRole = "human"

	// RoleAssistant marks speech produced by the agent.
	RoleAssistant TranscriptRole = "assistant"
)

// TranscriptEntry is one confirmed turn of a call transcript as stored in
// the call state and broadcast to control-plane clients.
type TranscriptEntry struct {
	Role      TranscriptRole `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	IsFinal   bool           `json:"isFinal"`
}
