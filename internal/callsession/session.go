// Package callsession implements the per-call state machine: it owns one
// outbound call from origination to terminal status and runs the full voice
// loop — inbound µ-law → STT → conversation manager → TTS → outbound µ-law —
// including turn debouncing, echo suppression, greeting deferral, DTMF
// emission, and call completion.
//
// The session is logically single-writer: provider callbacks, timers, and
// server calls all funnel through methods that hold the session mutex for
// the state they touch. I/O primitives never hold a reference back to the
// session; they surface events through channels the session drains.
package callsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dialvox/dialvox/internal/convo"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

// Decoder is the streaming MP3 → µ-law transcoder consumed by speak cycles.
// One Decoder serves exactly one utterance. Satisfied by [mp3.Decoder].
type Decoder interface {
	Start(ctx context.Context) error
	Write(p []byte) error
	End()
	Stop()
	Chunks() <-chan []byte
	Done() <-chan struct{}
	Err() error
}

// MediaTransport is the outbound half of the telephony media stream. The
// call server implements it over the media WebSocket; payloads are raw µ-law
// bytes, the transport owns base64 wrapping and the frame envelope.
//
// Writes are serialized by the session; implementations need not be safe for
// concurrent SendAudio calls.
type MediaTransport interface {
	SendAudio(mulaw []byte) error
	SendMark(name string) error
	SendClear() error
	Close() error
}

// Hangupper terminates the carrier leg of a call. Satisfied by the
// telephony client.
type Hangupper interface {
	Hangup(ctx context.Context, callSID string) error
}

// Config assembles the dependencies of one Session.
type Config struct {
	CallID      string
	PhoneNumber string
	Goal        string
	Context     string

	STT       stt.Provider
	TTS       tts.Provider
	Convo     *convo.Manager
	Telephony Hangupper

	// NewDecoder builds a fresh decoder per speak cycle.
	NewDecoder func() Decoder

	// Emit receives session events. Must not block for long; the call server
	// fans out to control clients from here. May be nil.
	Emit func(Event)

	// Keywords are vocabulary hints forwarded to the STT session.
	Keywords []types.KeywordBoost

	// Corrector repairs keyword mishearings in confirmed human turns before
	// they reach the conversation manager. May be nil. Satisfied by
	// [transcript.Corrector].
	Corrector interface{ Correct(string) string }

	Logger  *slog.Logger
	Metrics *observe.Metrics
	Timings Timings
}

// Session owns one call.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	timings Timings

	// ctx is cancelled by cleanup; it parents every in-flight provider call.
	ctx    context.Context
	cancel context.CancelFunc

	// epoch anchors the session's monotonic millisecond clock.
	epoch time.Time

	mu    sync.Mutex
	state CallState

	transport MediaTransport
	streamSID string

	sttSession         stt.SessionHandle
	sttConnected       bool
	sttTimelineStartMs int64
	preSTTQueue        [][]byte

	startMs        int64
	greeted        bool
	greeting       string
	greetingErr    error
	greetingReady  chan struct{}
	remoteSpeechMs int64
	loudFrames     int

	pendingTranscript    []string
	lastFinalMs          int64
	lastTranscriptEnd    int64
	turnConfirmedAt      time.Time
	isProcessingResponse bool

	isSpeaking      bool
	suppressUntilMs int64
	generation      int64
	decoder         Decoder
	ttsCancel       func()

	greetingTimer   *time.Timer
	responseTimer   *time.Timer
	unclearTimer    *time.Timer
	completionTimer *time.Timer

	cleaned   bool
	cleanOnce sync.Once
	endedOnce sync.Once
}

// New creates a Session in the initiating state. Media must be attached via
// [Session.AttachMedia] once the carrier opens the stream.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("call_id", cfg.CallID)),
		metrics: cfg.Metrics,
		timings: cfg.Timings.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		epoch:   time.Now(),
		state: CallState{
			CallID:      cfg.CallID,
			PhoneNumber: cfg.PhoneNumber,
			Goal:        cfg.Goal,
			Context:     cfg.Context,
			Status:      types.StatusInitiating,
			StartedAt:   time.Now(),
		},
		remoteSpeechMs:    -1,
		lastFinalMs:       -1,
		lastTranscriptEnd: -1,
		greetingReady:     make(chan struct{}),
	}
}

// nowMs is the session's monotonic millisecond clock.
func (s *Session) nowMs() int64 {
	return time.Since(s.epoch).Milliseconds()
}

// Snapshot returns a copy of the current call state.
func (s *Session) Snapshot() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// SetCallSID records the carrier call identifier assigned at origination.
func (s *Session) SetCallSID(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ExternalCallSID = sid
}

// emit fills the identity fields and delivers the event.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	ev.CallID = s.state.CallID
	if ev.CallSID == "" {
		ev.CallSID = s.state.ExternalCallSID
	}
	s.mu.Unlock()
	s.cfg.Emit(ev)
}

// ─── lifecycle ───

// UpdateStatus advances the call state machine. Terminal statuses trigger
// cleanup and the single ended event; ringing and in-progress transitions
// notify control clients. Terminal statuses are absorbing, so a late carrier
// webhook after an internal hangup is a no-op.
func (s *Session) UpdateStatus(status types.CallStatus) {
	s.mu.Lock()
	changed := s.state.Advance(status)
	s.mu.Unlock()
	if !changed {
		return
	}

	s.log.Info("call status changed", slog.String("status", string(status)))
	switch {
	case status == types.StatusRinging:
		s.emit(Event{Type: EventRinging})
	case status == types.StatusInProgress:
		s.emit(Event{Type: EventConnected})
	case status.IsTerminal():
		s.cleanup()
		s.emitEnded(status)
	}
}

// Hangup ends the call from our side: the carrier leg is torn down and the
// session settles on the completed status.
func (s *Session) Hangup(ctx context.Context) {
	s.mu.Lock()
	sid := s.state.ExternalCallSID
	terminal := s.state.Status.IsTerminal()
	s.mu.Unlock()

	if !terminal && sid != "" && s.cfg.Telephony != nil {
		if err := s.cfg.Telephony.Hangup(ctx, sid); err != nil {
			s.log.Warn("carrier hangup failed", slog.String("error", err.Error()))
		}
	}
	s.UpdateStatus(types.StatusCompleted)
}

// HandleMediaClosed is called by the server when the media socket closes. A
// close during an in-progress call means the far end hung up.
func (s *Session) HandleMediaClosed() {
	s.mu.Lock()
	inProgress := s.state.Status == types.StatusInProgress
	s.mu.Unlock()
	if inProgress {
		s.UpdateStatus(types.StatusCompleted)
	}
}

// cleanup releases every resource exactly once: timers, decoder, TTS stream,
// STT session, media transport, and the buffered audio queue.
func (s *Session) cleanup() {
	s.cleanOnce.Do(func() {
		s.mu.Lock()
		s.cleaned = true
		timers := []*time.Timer{s.greetingTimer, s.responseTimer, s.unclearTimer, s.completionTimer}
		dec := s.decoder
		cancelTTS := s.ttsCancel
		sttSess := s.sttSession
		transport := s.transport
		s.preSTTQueue = nil
		s.pendingTranscript = nil
		s.mu.Unlock()

		s.cancel()
		for _, t := range timers {
			if t != nil {
				t.Stop()
			}
		}
		if cancelTTS != nil {
			cancelTTS()
		}
		if dec != nil {
			dec.Stop()
		}
		if sttSess != nil {
			_ = sttSess.Close()
		}
		if transport != nil {
			_ = transport.Close()
		}
	})
}

// emitEnded runs exactly once per session.
func (s *Session) emitEnded(status types.CallStatus) {
	s.endedOnce.Do(func() {
		s.mu.Lock()
		summary := s.state.Summarize()
		s.state.Summary = summary
		s.mu.Unlock()

		s.metrics.RecordCallEnded(context.Background(), string(status))
		s.log.Info("call ended", slog.String("status", string(status)))
		s.emit(Event{Type: EventEnded, Summary: summary, Status: status})
	})
}

// ─── media attach & inbound audio ───

// AttachMedia binds the carrier media stream to the session. The ordering
// here is load-bearing: the transport is installed before any suspension
// point so no inbound frame is dropped, STT connects in the background with
// pre-open frames queued, and only then is the start frame processed, which
// arms the greeting.
func (s *Session) AttachMedia(transport MediaTransport, streamSID string) {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	s.transport = transport
	s.streamSID = streamSID
	s.startMs = s.nowMs()
	s.mu.Unlock()

	go s.connectSTT()
	go s.prefetchGreeting()

	s.UpdateStatus(types.StatusInProgress)
	s.scheduleGreeting(s.timings.GreetingDelay)
}

// HandleAudio processes one inbound media frame of µ-law bytes. Decoding to
// PCM copies the data, so the caller may reuse its buffer.
func (s *Session) HandleAudio(mulaw []byte) {
	pcm := audio.MulawToPCM16(mulaw)

	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}

	// Pre-greeting VAD: sustained energy marks remote speech so the
	// greeting can defer instead of talking over the callee's hello.
	if !s.greeted {
		if audio.RMS(pcm) >= s.timings.VADThreshold {
			s.loudFrames++
			if s.loudFrames >= s.timings.VADConsecutiveFrames {
				s.remoteSpeechMs = s.nowMs()
			}
		} else {
			s.loudFrames = 0
		}
	}

	if s.sttConnected {
		sess := s.sttSession
		s.mu.Unlock()
		if err := sess.SendAudio(pcm); err != nil {
			s.log.Debug("stt send failed", slog.String("error", err.Error()))
		}
		return
	}

	if len(s.preSTTQueue) >= s.timings.PreSTTQueueFrames {
		s.preSTTQueue = s.preSTTQueue[1:]
	}
	s.preSTTQueue = append(s.preSTTQueue, pcm)
	s.mu.Unlock()
}

// ─── STT ───

// connectSTT opens the streaming STT session in the background and flushes
// the queued PCM in arrival order. A connect failure is surfaced as a
// session error but does not end the call; the caller simply hears whatever
// the agent has already queued.
//
// The stream gets the session context: providers run their read/write loops
// on the context handed to StartStream, so it must stay live until cleanup.
// The dial itself is bounded by the provider's own connect timeout.
func (s *Session) connectSTT() {
	start := time.Now()
	handle, err := s.cfg.STT.StartStream(s.ctx, stt.StreamConfig{
		SampleRate: audio.MulawSampleRate,
		Channels:   1,
		Keywords:   s.cfg.Keywords,
	})
	if err != nil {
		s.metrics.RecordProviderError(s.ctx, "deepgram", "stt")
		s.log.Error("stt connect failed, continuing without transcription",
			slog.String("error", err.Error()))
		s.emit(Event{Type: EventError, Message: "speech recognition unavailable: " + err.Error()})
		return
	}
	s.metrics.STTConnectDuration.Record(s.ctx, time.Since(start).Seconds())

	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		_ = handle.Close()
		return
	}
	s.sttSession = handle
	s.sttTimelineStartMs = s.nowMs()
	s.mu.Unlock()

	// Drain the pre-open queue before marking the session connected so
	// frames keep their arrival order; anything landing mid-flush appends to
	// the queue and is picked up by the next pass.
	for {
		s.mu.Lock()
		if len(s.preSTTQueue) == 0 {
			s.sttConnected = true
			s.mu.Unlock()
			break
		}
		batch := s.preSTTQueue
		s.preSTTQueue = nil
		s.mu.Unlock()
		for _, frame := range batch {
			if err := handle.SendAudio(frame); err != nil {
				s.log.Debug("stt flush failed", slog.String("error", err.Error()))
			}
		}
	}

	go s.readTranscripts(handle)
	go s.readUnclear(handle)
}

func (s *Session) readTranscripts(handle stt.SessionHandle) {
	for t := range handle.Transcripts() {
		s.handleTranscript(t)
	}
}

func (s *Session) readUnclear(handle stt.SessionHandle) {
	for t := range handle.Unclear() {
		s.handleUnclear(t)
	}
}

// ─── internal helpers ───

var errSessionEnded = errors.New("callsession: session has ended")

// stopTimer stops t if armed.
func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
