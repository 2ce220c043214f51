package callsession

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dialvox/dialvox/internal/convo"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

// fallbackUtterance is spoken after a recoverable response-generation error.
const fallbackUtterance = "I'm sorry, could you repeat that?"

// ─── greeting ───

// prefetchGreeting asks the conversation manager for the opening line as
// soon as the stream starts, so synthesis overlaps the deferral window.
func (s *Session) prefetchGreeting() {
	greeting, err := s.cfg.Convo.Greeting(s.ctx)
	s.mu.Lock()
	s.greeting = greeting
	s.greetingErr = err
	s.mu.Unlock()
	close(s.greetingReady)
}

func (s *Session) scheduleGreeting(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned || s.greeted {
		return
	}
	stopTimer(s.greetingTimer)
	s.greetingTimer = time.AfterFunc(d, s.fireGreeting)
}

// fireGreeting speaks the greeting unless the callee already took the first
// turn. Detected remote speech defers the greeting until PreGreetingIdle of
// quiet, but never past MaxGreetingDeferral after the start frame.
func (s *Session) fireGreeting() {
	s.mu.Lock()
	if s.cleaned || s.greeted {
		s.mu.Unlock()
		return
	}
	// A final transcript before the greeting means the callee opened the
	// conversation; the normal turn cycle drives the first response.
	if s.lastFinalMs >= 0 || len(s.pendingTranscript) > 0 {
		s.greeted = true
		s.mu.Unlock()
		return
	}

	now := s.nowMs()
	deadline := s.startMs + s.timings.MaxGreetingDeferral.Milliseconds()
	idle := s.timings.PreGreetingIdle.Milliseconds()
	if s.remoteSpeechMs >= 0 && now < deadline && now-s.remoteSpeechMs < idle {
		next := min(s.remoteSpeechMs+idle, deadline)
		delay := time.Duration(max(next-now, 0)) * time.Millisecond
		s.greetingTimer = time.AfterFunc(delay, s.fireGreeting)
		s.mu.Unlock()
		return
	}
	s.greeted = true
	s.mu.Unlock()

	select {
	case <-s.greetingReady:
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	greeting, err := s.greeting, s.greetingErr
	s.mu.Unlock()
	if err != nil {
		s.log.Error("greeting generation failed", slog.String("error", err.Error()))
		s.emit(Event{Type: EventError, Message: "greeting generation failed: " + err.Error()})
		return
	}
	if err := s.speakAndRecord(s.ctx, greeting); err != nil {
		s.handleSpeakFailure("greeting playback", err)
	}
}

// ─── transcript handling (the turn-taking core) ───

// handleTranscript runs for every STT transcript with non-empty text. The
// echo oracle filters self-echo; survivors are forwarded to control clients
// immediately, and finals accumulate in the pending buffer behind an
// adaptive debounce that confirms the human turn.
func (s *Session) handleTranscript(t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}

	transcriptEnd := int64(-1)
	if off, ok := t.EndOffset(); ok {
		transcriptEnd = s.sttTimelineStartMs + off.Milliseconds()
	}

	now := s.nowMs()
	verdict := DecideEcho(s.isSpeaking, s.suppressUntilMs, transcriptEnd, now)
	if verdict != VerdictNone {
		s.mu.Unlock()
		s.metrics.RecordDroppedTranscript(s.ctx, string(verdict))
		s.log.Debug("transcript dropped as echo",
			slog.String("verdict", string(verdict)),
			slog.String("text", text))
		return
	}
	s.mu.Unlock()

	// Interim UI forwarding; the confirmed turn is appended on debounce.
	s.emit(Event{Type: EventTranscript, Text: text, Role: types.RoleHuman, IsFinal: false})

	if !t.IsFinal {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}

	stopTimer(s.responseTimer)
	stopTimer(s.unclearTimer)

	sincePrior := int64(-1)
	if s.lastFinalMs >= 0 {
		sincePrior = now - s.lastFinalMs
	}
	s.lastFinalMs = now
	s.lastTranscriptEnd = transcriptEnd
	s.pendingTranscript = append(s.pendingTranscript, text)

	// A turn in flight picks the buffer up when it finishes.
	if s.isProcessingResponse {
		return
	}
	s.scheduleResponseLocked(sincePrior, transcriptEnd, now)
}

// scheduleResponseLocked arms the debounce timer for the pending buffer.
// s.mu must be held.
func (s *Session) scheduleResponseLocked(sincePriorMs, transcriptEndMs, nowMs int64) {
	pending := strings.Join(s.pendingTranscript, " ")
	if pending == "" {
		return
	}

	var window time.Duration
	switch {
	case convo.IsLikelyShortAcknowledgement(pending):
		window = s.timings.DebounceShortAck
	case strings.HasSuffix(pending, ".") || strings.HasSuffix(pending, "!") || strings.HasSuffix(pending, "?"):
		window = s.timings.DebounceSentenceEnd
	case sincePriorMs >= s.timings.LongSilenceAfter.Milliseconds():
		window = s.timings.DebounceLongSilence
	default:
		window = s.timings.DebounceDefault
	}

	// Credit silence the endpointer already observed since the last word.
	if transcriptEndMs >= 0 && nowMs > transcriptEndMs {
		window -= time.Duration(nowMs-transcriptEndMs) * time.Millisecond
	}
	window = max(window, s.timings.DebounceFloor)

	stopTimer(s.responseTimer)
	s.responseTimer = time.AfterFunc(window, s.confirmTurn)
}

// confirmTurn moves the pending buffer into the transcript as one human turn
// and starts response generation.
func (s *Session) confirmTurn() {
	s.mu.Lock()
	if s.cleaned || s.isProcessingResponse || len(s.pendingTranscript) == 0 {
		s.mu.Unlock()
		return
	}
	text := strings.Join(s.pendingTranscript, " ")
	s.pendingTranscript = nil
	s.turnConfirmedAt = time.Now()
	if s.cfg.Corrector != nil {
		text = s.cfg.Corrector.Correct(text)
	}
	s.state.Transcript = append(s.state.Transcript, types.TranscriptEntry{
		Role:      types.RoleHuman,
		Text:      text,
		Timestamp: time.Now(),
		IsFinal:   true,
	})
	s.mu.Unlock()

	s.metrics.RecordTranscriptTurn(s.ctx, string(types.RoleHuman))
	s.emit(Event{Type: EventTranscript, Text: text, Role: types.RoleHuman, IsFinal: true})
	s.generateAIResponse(text)
}

// ─── response generation ───

// generateAIResponse streams the agent's reply for one confirmed human turn:
// each sentence chunk is spoken as it completes, DTMF markers fire after
// their carrier sentence, and exactly one assistant turn is appended for the
// whole response.
func (s *Session) generateAIResponse(humanText string) {
	s.mu.Lock()
	if s.cleaned || s.isProcessingResponse {
		s.mu.Unlock()
		return
	}
	s.isProcessingResponse = true
	lastUtterance, lastQuestion := s.lastAssistantLocked()
	turnStart := s.turnConfirmedAt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isProcessingResponse = false
		pending := len(s.pendingTranscript) > 0
		if pending && !s.cleaned {
			s.scheduleResponseLocked(-1, s.lastTranscriptEnd, s.nowMs())
		}
		s.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(s.ctx, "session.respond")
	defer span.End()

	tc := convo.TurnContext{
		ShortAcknowledgement:   convo.IsLikelyShortAcknowledgement(humanText),
		LastAssistantUtterance: lastUtterance,
		LastAssistantQuestion:  lastQuestion,
	}

	llmStart := time.Now()
	reply, err := s.cfg.Convo.RespondStreaming(ctx, humanText, tc)
	if err != nil {
		s.handleResponseError(err)
		return
	}
	if reply == nil {
		return
	}

	firstAudio := true
	for chunk := range reply.Chunks() {
		speakable, sequences := convo.ExtractDTMF(chunk)
		if speakable != "" {
			err := s.speak(ctx, speakable)
			if errors.Is(err, errSuperseded) {
				continue
			}
			if err != nil {
				s.handleResponseError(err)
				return
			}
			if firstAudio && !turnStart.IsZero() {
				s.metrics.TurnDuration.Record(s.ctx, time.Since(turnStart).Seconds())
				firstAudio = false
			}
		}
		for _, seq := range sequences {
			s.sendDTMF(seq)
		}
	}

	<-reply.Done()
	if err := reply.Err(); err != nil {
		s.handleResponseError(err)
		return
	}
	s.metrics.LLMDuration.Record(s.ctx, time.Since(llmStart).Seconds())

	if full := convo.StripMarkers(reply.Text()); full != "" {
		s.appendAssistantTurn(full)
	}

	if s.cfg.Convo.IsComplete() {
		s.armCompletion()
	}
}

// appendAssistantTurn records one assistant turn in the call transcript and
// notifies control clients.
func (s *Session) appendAssistantTurn(text string) {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.state.Transcript = append(s.state.Transcript, types.TranscriptEntry{
		Role:      types.RoleAssistant,
		Text:      text,
		Timestamp: time.Now(),
		IsFinal:   true,
	})
	s.mu.Unlock()

	s.metrics.RecordTranscriptTurn(s.ctx, string(types.RoleAssistant))
	s.emit(Event{Type: EventTranscript, Text: text, Role: types.RoleAssistant, IsFinal: true})
}

// armCompletion schedules the hangup after the goodbye audio has had time to
// drain from the telephony buffer.
func (s *Session) armCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned || s.completionTimer != nil {
		return
	}
	s.log.Info("conversation complete, scheduling hangup")
	s.completionTimer = time.AfterFunc(s.timings.CompletionDelay, func() {
		s.Hangup(context.Background())
	})
}

// handleResponseError recovers locally where a single fallback is cheap and
// terminates where the provider is structurally unable to serve.
func (s *Session) handleResponseError(err error) {
	if errors.Is(err, errSessionEnded) || errors.Is(err, errSuperseded) || errors.Is(err, context.Canceled) {
		return
	}
	if s.terminateOnQuota(err) {
		return
	}

	s.log.Error("response generation failed", slog.String("error", err.Error()))
	s.emit(Event{Type: EventError, Message: "response generation failed: " + err.Error()})
	if err := s.speakAndRecord(s.ctx, fallbackUtterance); err != nil {
		s.handleSpeakFailure("fallback utterance", err)
	}
}

// terminateOnQuota ends the call when err carries a TTS quota error. Quota
// exhaustion affects every synthesis for the rest of the call, so it is
// terminal no matter which utterance surfaced it.
func (s *Session) terminateOnQuota(err error) bool {
	var quota *tts.QuotaError
	if !errors.As(err, &quota) {
		return false
	}
	s.log.Error("tts quota exceeded, hanging up", slog.String("error", err.Error()))
	s.emit(Event{Type: EventError, Message: "TTS quota exceeded, ending call: " + err.Error()})
	s.Hangup(context.Background())
	return true
}

// handleSpeakFailure surfaces a failed canned utterance (greeting, unclear
// reply, fallback). It never speaks a fallback of its own: the synthesis path
// that just failed would fail the same way.
func (s *Session) handleSpeakFailure(what string, err error) {
	if errors.Is(err, errSessionEnded) || errors.Is(err, context.Canceled) {
		return
	}
	if s.terminateOnQuota(err) {
		return
	}
	s.log.Error(what+" failed", slog.String("error", err.Error()))
	s.emit(Event{Type: EventError, Message: what + " failed: " + err.Error()})
}

// lastAssistantLocked returns the most recent assistant transcript entry and
// the most recent one ending in a question mark. s.mu must be held.
func (s *Session) lastAssistantLocked() (utterance, question string) {
	for i := len(s.state.Transcript) - 1; i >= 0; i-- {
		e := s.state.Transcript[i]
		if e.Role != types.RoleAssistant {
			continue
		}
		if utterance == "" {
			utterance = e.Text
		}
		if question == "" && strings.HasSuffix(strings.TrimSpace(e.Text), "?") {
			question = e.Text
		}
		if utterance != "" && question != "" {
			break
		}
	}
	return utterance, question
}

// ─── unclear speech ───

// handleUnclear debounces low-confidence finals and asks the caller to
// repeat, unless the agent itself plausibly caused the garble.
func (s *Session) handleUnclear(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned || !s.greeted || s.isSpeaking || s.isProcessingResponse {
		return
	}
	if s.nowMs() < s.suppressUntilMs {
		return
	}
	s.log.Debug("unclear speech", slog.Float64("confidence", t.Confidence))
	stopTimer(s.unclearTimer)
	s.unclearTimer = time.AfterFunc(s.timings.UnclearDebounce, s.fireUnclear)
}

// fireUnclear speaks the canned ask-to-repeat reply. A clear final transcript
// arriving inside the debounce window cancels the timer, so reaching here
// means the garble stood alone.
func (s *Session) fireUnclear() {
	s.mu.Lock()
	if s.cleaned || s.isSpeaking || s.isProcessingResponse || len(s.pendingTranscript) > 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	reply := s.cfg.Convo.RespondToUnclearSpeech()
	if err := s.speakAndRecord(s.ctx, reply); err != nil {
		s.handleSpeakFailure("unclear-speech reply", err)
	}
}

// ─── operator injection ───

// Speak administratively injects an utterance: it barges in on any current
// speech, is recorded as an assistant turn, and is noted in the conversation
// history so the model's next turn sees it.
func (s *Session) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return errSessionEnded
	}
	s.mu.Unlock()

	err := s.speak(ctx, text)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}
	s.cfg.Convo.NoteAssistant(text)
	s.appendAssistantTurn(text)
	return nil
}

// speakAndRecord speaks text and, on success, records it as an assistant
// turn in the call transcript. The conversation history side is already
// maintained by the conversation manager for its own replies.
func (s *Session) speakAndRecord(ctx context.Context, text string) error {
	err := s.speak(ctx, text)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}
	s.appendAssistantTurn(text)
	return nil
}
