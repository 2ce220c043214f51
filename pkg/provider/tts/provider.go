// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. Speak issues one cancelable
// synthesis request per utterance and returns a Stream that emits encoded
// audio bytes as they arrive from the provider — the format on the wire
// (MP3 for ElevenLabs) is opaque to this package; decoding is the caller's
// concern.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"fmt"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Speak starts a streaming synthesis of text. Audio bytes are emitted
	// on the returned Stream as the provider produces them. Returns a
	// non-nil error only if the request cannot be started; errors during
	// synthesis are reported via Stream.Err after the stream ends.
	Speak(ctx context.Context, text string) (Stream, error)

	// RemainingCredits returns the number of characters the account may
	// still synthesise in the current billing window.
	RemainingCredits(ctx context.Context) (int, error)
}

// Stream is one in-flight synthesis request.
//
// The implementation closes Audio and then Done when the request finishes,
// whether successfully, with an error, or by cancellation. Callers must
// drain Audio to avoid blocking the provider's internal goroutine.
type Stream interface {
	// Audio returns the channel of encoded audio chunks.
	Audio() <-chan []byte

	// Done is closed when the request has fully terminated.
	Done() <-chan struct{}

	// Err returns the terminal error of the stream: nil on success,
	// context.Canceled after Cancel, a *QuotaError when the provider
	// refused for quota reasons, or a transport error. Only meaningful
	// after Done is closed.
	Err() error

	// Cancel aborts the in-flight request. Safe to call at any time and
	// more than once.
	Cancel()
}

// QuotaError reports that the provider refused synthesis because the
// account's character quota is exhausted. Quota errors are not recoverable
// within a call; the session must hang up.
type QuotaError struct {
	// Remaining is the provider-reported remaining character count, when known.
	Remaining int

	// Detail is the provider's error description.
	Detail string
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	if e.Detail != "" {
		return "tts: quota exceeded: " + e.Detail
	}
	return "tts: quota exceeded"
}

// Budget bounds for EstimateCallBudget.
const (
	minCallBudget = 1200
	maxCallBudget = 3000
)

// EstimateCallBudget estimates the synthesis characters a call will need
// from the length of its goal and context strings. The estimate is clamped
// to [1200, 3000] characters.
func EstimateCallBudget(goal, context string) int {
	est := 900 + int(1.8*float64(len(goal))) + int(0.8*float64(len(context)))
	if est < minCallBudget {
		return minCallBudget
	}
	if est > maxCallBudget {
		return maxCallBudget
	}
	return est
}

// CheckBudget queries the provider's remaining quota and returns a
// *QuotaError when it cannot cover the estimated need for a call.
func CheckBudget(ctx context.Context, p Provider, goal, callContext string) error {
	need := EstimateCallBudget(goal, callContext)
	remaining, err := p.RemainingCredits(ctx)
	if err != nil {
		return fmt.Errorf("tts: query remaining credits: %w", err)
	}
	if remaining < need {
		return &QuotaError{
			Remaining: remaining,
			Detail:    fmt.Sprintf("need ~%d characters, %d remaining", need, remaining),
		}
	}
	return nil
}
