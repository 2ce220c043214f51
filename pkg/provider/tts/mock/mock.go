// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify which texts were spoken and in what order. Each
// Speak call returns a Stream pre-loaded with the chunks the test configured,
// or a live Stream the test drives by hand via NewStream.
package mock

import (
	"context"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned as the error from Speak.
	SpeakErr error

	// Chunks are the audio chunks each returned Stream emits before closing.
	Chunks [][]byte

	// StreamErr is the terminal error each returned Stream reports.
	StreamErr error

	// Streams, when non-empty, are returned from successive Speak calls in
	// order (overriding Chunks/StreamErr). After they run out, Speak falls
	// back to building streams from Chunks.
	Streams []*Stream

	// Remaining is returned by RemainingCredits.
	Remaining int

	// RemainingErr, if non-nil, is returned as the error from RemainingCredits.
	RemainingErr error

	// Spoken records the text of every Speak call, in order.
	Spoken []string

	speakIdx int
}

// Speak records text and returns the next configured Stream.
func (p *Provider) Speak(_ context.Context, text string) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Spoken = append(p.Spoken, text)
	if p.SpeakErr != nil {
		return nil, p.SpeakErr
	}
	if p.speakIdx < len(p.Streams) {
		s := p.Streams[p.speakIdx]
		p.speakIdx++
		return s, nil
	}
	s := NewStream()
	for _, c := range p.Chunks {
		s.Emit(c)
	}
	s.Finish(p.StreamErr)
	return s, nil
}

// RemainingCredits returns Remaining, RemainingErr.
func (p *Provider) RemainingCredits(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemainingErr != nil {
		return 0, p.RemainingErr
	}
	return p.Remaining, nil
}

// SpokenTexts returns a copy of all recorded Speak texts. Thread-safe.
func (p *Provider) SpokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Spoken))
	copy(out, p.Spoken)
	return out
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Stream is a mock implementation of tts.Stream driven by the test.
type Stream struct {
	audio chan []byte
	done  chan struct{}

	mu        sync.Mutex
	err       error
	finished  bool
	cancelled bool
}

// NewStream returns an open Stream ready for Emit/Finish.
func NewStream() *Stream {
	return &Stream{
		audio: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

// Emit queues one audio chunk. Panics if called after Finish.
func (s *Stream) Emit(chunk []byte) {
	s.audio <- chunk
}

// Finish closes the stream with the given terminal error (nil for success).
// Safe to call once.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.audio)
	close(s.done)
}

// Audio returns the channel of audio chunks.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Done is closed when Finish has been called.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal error set by Finish or Cancel.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel marks the stream cancelled and finishes it with context.Canceled.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	if s.err == nil {
		s.err = context.Canceled
	}
	finished := s.finished
	s.finished = true
	s.mu.Unlock()
	if !finished {
		close(s.audio)
		close(s.done)
	}
}

// Cancelled reports whether Cancel was called. Thread-safe.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Ensure Stream implements tts.Stream at compile time.
var _ tts.Stream = (*Stream)(nil)
