// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and
// emits a stream of Transcript values — low-latency interims for UI
// forwarding and authoritative finals for turn-taking. Low-confidence finals
// are routed to a separate channel so the caller can drive an
// "ask the human to repeat" path without confusing the main turn cycle.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/dialvox/dialvox/pkg/types"
)

// ErrUnavailable is returned by StartStream when the provider cannot be
// reached within the connect timeout. Callers should treat this as a
// degraded-mode signal, not a fatal error: a call can proceed without STT,
// the caller simply hears whatever the agent has already queued.
var ErrUnavailable = errors.New("stt: provider unavailable")

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony PCM decoded from
	// µ-law is always 8000.
	SampleRate int

	// Channels is the number of audio channels; telephony audio is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider use its default.
	Language string

	// Keywords is a list of vocabulary hints that raise recognition
	// probability for uncommon words such as business or street names.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so test code can provide mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the SampleRate and Channels agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Transcripts returns a read-only channel emitting both interim and
	// final Transcript values in recognition order. The channel is closed
	// when the session ends.
	Transcripts() <-chan types.Transcript

	// Unclear returns a read-only channel emitting final transcripts whose
	// confidence fell below the provider's clarity threshold. These do not
	// appear on Transcripts. The channel is closed when the session ends.
	Unclear() <-chan types.Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. After Close returns, both channels will be closed. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously (one per live call).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. Returns
	// [ErrUnavailable] (possibly wrapped) when the provider cannot be
	// reached in time, or another error for authentication and
	// configuration failures. The caller owns the SessionHandle and must
	// call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
