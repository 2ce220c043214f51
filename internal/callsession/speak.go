package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
)

// ErrNoAudio is returned by speak when synthesis completed without producing
// a single decoded chunk, after the one permitted retry.
var ErrNoAudio = errors.New("callsession: tts produced no audio output")

// errSuperseded means a newer speak cycle barged in on this one. The
// superseded utterance was cut off and must not be recorded as spoken.
var errSuperseded = errors.New("callsession: speech superseded")

// speak synthesises and plays one sentence chunk, returning only after the
// decoder has fully closed so the next speak never races a flushing
// predecessor. An empty synthesis is retried once.
func (s *Session) speak(ctx context.Context, text string) error {
	err := s.speakAttempt(ctx, text)
	if !errors.Is(err, ErrNoAudio) {
		return err
	}

	s.log.Warn("tts produced no audio, retrying once", slog.String("text", text))
	select {
	case <-time.After(s.timings.EmptyTTSRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.speakAttempt(ctx, text)
}

// speakAttempt runs one full speak cycle: barge in on any current playback,
// claim a new generation, stream TTS through a fresh decoder, and forward
// µ-law to the media socket. On decoder close the echo-suppression window is
// extended by the estimated audio still buffered on the carrier side.
func (s *Session) speakAttempt(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return errSessionEnded
	}
	transport := s.transport
	if transport == nil {
		s.mu.Unlock()
		return errors.New("callsession: no media transport attached")
	}

	// Intentional barge-in: the agent starting new speech cancels its own
	// playback and discards the carrier's un-played buffer.
	if s.isSpeaking {
		if s.ttsCancel != nil {
			s.ttsCancel()
		}
		if s.decoder != nil {
			s.decoder.Stop()
		}
		if err := transport.SendClear(); err != nil {
			s.log.Debug("media clear failed", slog.String("error", err.Error()))
		}
	}
	s.generation++
	gen := s.generation
	dec := s.cfg.NewDecoder()
	s.decoder = dec
	s.isSpeaking = true
	s.ttsCancel = nil
	s.mu.Unlock()

	fail := func(err error) error {
		dec.Stop()
		s.mu.Lock()
		if gen == s.generation {
			s.isSpeaking = false
		}
		s.mu.Unlock()
		return err
	}

	if err := dec.Start(s.ctx); err != nil {
		return fail(fmt.Errorf("callsession: decoder start: %w", err))
	}

	ttsStart := time.Now()
	stream, err := s.cfg.TTS.Speak(ctx, text)
	if err != nil {
		s.metrics.RecordProviderError(s.ctx, "elevenlabs", "tts")
		return fail(fmt.Errorf("callsession: tts request: %w", err))
	}

	s.mu.Lock()
	if gen != s.generation || s.cleaned {
		s.mu.Unlock()
		stream.Cancel()
		dec.Stop()
		return errSuperseded
	}
	s.ttsCancel = stream.Cancel
	s.mu.Unlock()

	var bytesEmitted atomic.Int64
	var firstChunkMs atomic.Int64
	firstChunkMs.Store(-1)

	// Forward decoded µ-law to the media socket in emission order. A stale
	// generation check guards against a late chunk sneaking out after a
	// barge-in already sent the clear frame.
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for chunk := range dec.Chunks() {
			s.mu.Lock()
			stale := gen != s.generation || s.cleaned
			s.mu.Unlock()
			if stale {
				return
			}
			if firstChunkMs.Load() < 0 {
				firstChunkMs.Store(s.nowMs())
			}
			bytesEmitted.Add(int64(len(chunk)))
			if err := transport.SendAudio(chunk); err != nil {
				s.log.Debug("media send failed", slog.String("error", err.Error()))
				return
			}
		}
	}()

	// Pump TTS audio into the decoder; end-of-stream flushes it.
	pumpDone := make(chan error, 1)
	go func() {
		for chunk := range stream.Audio() {
			if err := dec.Write(chunk); err != nil {
				break
			}
		}
		<-stream.Done()
		dec.End()
		// If nothing decodes shortly after synthesis finished, stop the
		// decoder so the attempt fails fast instead of hanging on a stuck
		// subprocess.
		time.AfterFunc(s.timings.EmptyTTSGrace, func() {
			if firstChunkMs.Load() < 0 {
				dec.Stop()
			}
		})
		pumpDone <- stream.Err()
	}()

	var ttsErr error
	select {
	case ttsErr = <-pumpDone:
	case <-ctx.Done():
		stream.Cancel()
		dec.Stop()
		ttsErr = <-pumpDone
	}
	<-dec.Done()
	<-forwardDone

	now := s.nowMs()
	bytes := bytesEmitted.Load()
	first := firstChunkMs.Load()

	s.mu.Lock()
	superseded := gen != s.generation
	if !superseded {
		s.isSpeaking = false
		s.ttsCancel = nil
		if bytes > 0 {
			// TTS is faster than real time: the carrier buffer keeps
			// playing after the decoder closes, so the suppression window
			// must cover the estimated un-played remainder.
			audioMs := bytes / 8
			buffered := max(audioMs-(now-first), 0)
			until := now + buffered + s.timings.PostTTSSuppression.Milliseconds()
			s.suppressUntilMs = max(s.suppressUntilMs, until)
		}
	}
	s.mu.Unlock()
	if superseded {
		return errSuperseded
	}

	if ttsErr != nil && !errors.Is(ttsErr, context.Canceled) {
		s.metrics.RecordProviderError(s.ctx, "elevenlabs", "tts")
		return fmt.Errorf("callsession: tts stream: %w", ttsErr)
	}

	if bytes == 0 {
		if err := dec.Err(); err != nil {
			s.log.Warn("decoder closed without output", slog.String("error", err.Error()))
		}
		return ErrNoAudio
	}

	// A mark after the audio lets the carrier echo back when playback of this
	// utterance has drained.
	if err := transport.SendMark(fmt.Sprintf("utt-%d", gen)); err != nil {
		s.log.Debug("media mark failed", slog.String("error", err.Error()))
	}

	s.metrics.TTSDuration.Record(s.ctx, time.Since(ttsStart).Seconds())
	s.metrics.RecordProviderRequest(s.ctx, "elevenlabs", "tts", "ok")
	return nil
}

// sendDTMF writes keypad tones straight to the media socket, bypassing TTS
// and the decoder, and extends the suppression window past the tone train.
func (s *Session) sendDTMF(digits string) {
	tones := audio.DTMFSequence(digits)
	if len(tones) == 0 {
		return
	}

	s.mu.Lock()
	transport := s.transport
	cleaned := s.cleaned
	s.mu.Unlock()
	if cleaned || transport == nil {
		return
	}

	if err := transport.SendAudio(tones); err != nil {
		s.log.Warn("dtmf send failed", slog.String("error", err.Error()))
		return
	}
	if err := transport.SendMark("dtmf"); err != nil {
		s.log.Debug("media mark failed", slog.String("error", err.Error()))
	}

	dur := int64(audio.DTMFDurationMs(len(digits)))
	now := s.nowMs()
	s.mu.Lock()
	s.suppressUntilMs = max(s.suppressUntilMs, now+dur+s.timings.PostTTSSuppression.Milliseconds())
	s.mu.Unlock()

	s.log.Info("dtmf emitted", slog.String("digits", digits))
}
