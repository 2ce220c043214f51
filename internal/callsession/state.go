package callsession

import (
	"strings"
	"time"

	"github.com/dialvox/dialvox/pkg/types"
)

// CallState is the externally visible state of one call. It is serialised
// as-is for the /status/<callId> endpoint and for control-plane clients.
//
// CallState is not self-synchronising; the owning Session guards it.
type CallState struct {
	CallID          string                  `json:"callId"`
	ExternalCallSID string                  `json:"externalCallSid,omitempty"`
	PhoneNumber     string                  `json:"phoneNumber"`
	Goal            string                  `json:"goal"`
	Context         string                  `json:"context,omitempty"`
	Status          types.CallStatus        `json:"status"`
	Transcript      []types.TranscriptEntry `json:"transcript"`
	StartedAt       time.Time               `json:"startedAt"`
	EndedAt         *time.Time              `json:"endedAt,omitempty"`
	Summary         string                  `json:"summary,omitempty"`
}

// Advance moves the call to the next lifecycle status and reports whether
// anything changed. Terminal statuses are absorbing: once the call has ended,
// no later status report from any source can move it.
func (c *CallState) Advance(next types.CallStatus) bool {
	if c.Status == next {
		return false
	}
	if c.Status.IsTerminal() {
		return false
	}
	c.Status = next
	if next.IsTerminal() {
		now := time.Now()
		c.EndedAt = &now
	}
	return true
}

// Summarize renders the confirmed transcript as a plain-text call summary,
// one "role: text" line per turn.
func (c *CallState) Summarize() string {
	if len(c.Transcript) == 0 {
		return "No conversation took place."
	}
	var b strings.Builder
	for i, e := range c.Transcript {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(e.Role))
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}

// clone returns a deep copy safe to hand out without holding the session lock.
func (c *CallState) clone() CallState {
	out := *c
	out.Transcript = make([]types.TranscriptEntry, len(c.Transcript))
	copy(out.Transcript, c.Transcript)
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return out
}
