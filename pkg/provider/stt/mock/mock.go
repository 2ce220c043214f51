// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a fresh default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamDelay, when non-nil, is waited on before StartStream
	// returns. Lets tests hold the connect in flight to exercise the
	// caller's pre-open audio queueing.
	StartStreamDelay chan struct{}

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	delay := p.StartStreamDelay
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
// Tests send on TranscriptsCh/UnclearCh to simulate provider output and
// inspect Sent to verify audio delivery order.
type Session struct {
	mu sync.Mutex

	// TranscriptsCh is the channel returned by Transcripts(). The test owns
	// this channel and is responsible for sending to and closing it.
	TranscriptsCh chan types.Transcript

	// UnclearCh is the channel returned by Unclear(). The test owns it.
	UnclearCh chan types.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Sent records a copy of every chunk passed to SendAudio, in order.
	Sent [][]byte

	// Closed reports whether Close has been called.
	Closed bool
}

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		TranscriptsCh: make(chan types.Transcript, 64),
		UnclearCh:     make(chan types.Transcript, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Sent = append(s.Sent, cp)
	return nil
}

// SentChunks returns a copy of all recorded audio chunks. Thread-safe.
func (s *Session) SentChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan types.Transcript { return s.TranscriptsCh }

// Unclear returns UnclearCh.
func (s *Session) Unclear() <-chan types.Transcript { return s.UnclearCh }

// Close marks the session closed. It does not close the channels; the test
// owns them.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
