// Package callserver is the dispatcher that owns call sessions. It serves
// the HTTP control API, the Twilio webhooks, and the two WebSocket
// endpoints (operator control plane and carrier media stream), reconciles
// session status against the carrier, and runs origination preflights.
package callserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialvox/dialvox/internal/callsession"
	"github.com/dialvox/dialvox/internal/convo"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/resilience"
	"github.com/dialvox/dialvox/internal/transcript"
	"github.com/dialvox/dialvox/pkg/audio/mp3"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/telephony/twilio"
	"github.com/dialvox/dialvox/pkg/types"
)

// Request body and field caps for POST /call and initiate_call.
const (
	maxBodyBytes   = 1 << 20
	maxPhoneLen    = 20
	maxGoalLen     = 1000
	maxContextLen  = 5000
	defaultAddr    = ":8080"
	defaultRecheck = 10 * time.Second
)

// Telephony is the carrier surface the server depends on, satisfied by
// [twilio.Client].
type Telephony interface {
	Originate(ctx context.Context, to, callID string) (twilio.CallHandle, error)
	Hangup(ctx context.Context, sid string) error
	FetchStatus(ctx context.Context, sid string) (types.CallStatus, error)
	ValidateSignature(signature, url string, params map[string]string) bool
	FetchRecordings(ctx context.Context, callSID string) ([]twilio.Recording, error)
	DownloadRecording(ctx context.Context, recordingSID string) (io.ReadCloser, error)
	VerifyAccount(ctx context.Context) error
	VerifyFromNumber(ctx context.Context) error
	VoiceTwiML(callID string) (string, error)
}

// Config assembles the server's dependencies.
type Config struct {
	ListenAddr string
	PublicURL  string

	Telephony Telephony
	STT       stt.Provider
	TTS       tts.Provider
	LLM       llm.Provider

	// Keywords are forwarded to the STT session of every call.
	Keywords []types.KeywordBoost

	// DecoderBinary is the MP3 transcoder executable. Empty means
	// [mp3.DefaultBinary].
	DecoderBinary string

	// SkipPreflight disables origination preflights. Development only.
	SkipPreflight bool

	// ReconcileInterval is the carrier status polling period. Zero means 10s.
	ReconcileInterval time.Duration

	// Timings overrides session timing constants; zero fields use defaults.
	Timings callsession.Timings

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// HTTPClient performs the public URL round-trip preflight. Nil uses
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Server owns the callId → session mapping and every network surface.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	hub     *hub
	breaker *resilience.CircuitBreaker
	handler http.Handler
	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[string]*callsession.Session
}

// New builds a Server from cfg. The configuration must carry all four
// provider dependencies.
func New(cfg Config) (*Server, error) {
	if cfg.Telephony == nil || cfg.STT == nil || cfg.TTS == nil || cfg.LLM == nil {
		return nil, errors.New("callserver: telephony, stt, tts and llm providers are all required")
	}
	if cfg.PublicURL == "" {
		return nil, errors.New("callserver: public URL is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultAddr
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultRecheck
	}
	if cfg.DecoderBinary == "" {
		cfg.DecoderBinary = mp3.DefaultBinary
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		hub:      newHub(cfg.Logger),
		sessions: make(map[string]*callsession.Session),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "twilio-status-poll",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		}),
	}

	mux := http.NewServeMux()
	hh := health.New(
		health.Checker{Name: "twilio", Check: cfg.Telephony.VerifyAccount},
		health.Checker{Name: "elevenlabs", Check: func(ctx context.Context) error {
			_, err := cfg.TTS.RemainingCredits(ctx)
			return err
		}},
	)
	hh.Register(mux)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/{callId}", s.handleCallStatus)
	mux.HandleFunc("POST /call", s.handleCall)
	mux.HandleFunc("/twilio/voice", s.handleVoice)
	mux.HandleFunc("/twilio/status", s.handleTwilioStatus)
	mux.HandleFunc("GET /recordings/{sid}", s.handleRecordings)
	mux.HandleFunc("GET /control", s.handleControl)
	mux.HandleFunc("GET /twilio/media", s.handleMedia)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// Handler returns the full HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then hangs up every live call and
// shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("call server listening",
			slog.String("addr", s.cfg.ListenAddr),
			slog.String("public_url", s.cfg.PublicURL))
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.reconcileLoop(ctx)

	select {
	case err := <-errCh:
		return fmt.Errorf("callserver: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.hangupAll(shutdownCtx)
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("callserver: shutdown: %w", err)
	}
	return nil
}

// session looks up a live session by call ID.
func (s *Server) session(callID string) *callsession.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[callID]
}

func (s *Server) activeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// initiateCall runs the preflights, registers a session and originates the
// carrier call. It returns the assigned call ID.
func (s *Server) initiateCall(ctx context.Context, phone, goal, callContext string) (string, error) {
	if err := validateCallFields(phone, goal, callContext); err != nil {
		return "", err
	}

	if !s.cfg.SkipPreflight {
		if err := s.preflight(ctx, goal, callContext); err != nil {
			return "", fmt.Errorf("preflight: %w", err)
		}
	}

	callID := uuid.NewString()
	log := s.log.With(slog.String("call_id", callID))

	manager := convo.New(s.cfg.LLM, goal, callContext, log)
	var corrector interface{ Correct(string) string }
	if len(s.cfg.Keywords) > 0 {
		words := make([]string, 0, len(s.cfg.Keywords))
		for _, kw := range s.cfg.Keywords {
			words = append(words, kw.Keyword)
		}
		corrector = transcript.New(words)
	}
	session := callsession.New(callsession.Config{
		CallID:      callID,
		PhoneNumber: phone,
		Goal:        goal,
		Context:     callContext,
		STT:         s.cfg.STT,
		TTS:         s.cfg.TTS,
		Convo:       manager,
		Telephony:   s.cfg.Telephony,
		NewDecoder: func() callsession.Decoder {
			return mp3.New(mp3.WithBinary(s.cfg.DecoderBinary))
		},
		Emit:      s.handleEvent,
		Keywords:  s.cfg.Keywords,
		Corrector: corrector,
		Logger:    log,
		Metrics:   s.metrics,
		Timings:   s.cfg.Timings,
	})

	s.mu.Lock()
	s.sessions[callID] = session
	s.mu.Unlock()
	s.metrics.ActiveCalls.Add(ctx, 1)
	s.metrics.CallsStarted.Add(ctx, 1)

	handle, err := s.cfg.Telephony.Originate(ctx, phone, callID)
	if err != nil {
		s.dropSession(callID)
		session.UpdateStatus(types.StatusFailed)
		return "", fmt.Errorf("originate: %w", err)
	}

	session.SetCallSID(handle.SID)
	log.Info("call originated",
		slog.String("call_sid", handle.SID),
		slog.String("status", string(handle.Status)))

	s.hub.broadcast(ServerMessage{
		Type:    TypeCallStarted,
		CallID:  callID,
		CallSID: handle.SID,
	})
	if handle.Status != types.StatusInitiating {
		session.UpdateStatus(handle.Status)
	}
	return callID, nil
}

// handleEvent maps a session event onto the control-plane protocol and
// retires the session when it ends.
func (s *Server) handleEvent(ev callsession.Event) {
	switch ev.Type {
	case callsession.EventRinging:
		s.hub.broadcast(ServerMessage{Type: TypeCallRinging, CallID: ev.CallID})

	case callsession.EventConnected:
		s.hub.broadcast(ServerMessage{Type: TypeCallConnected, CallID: ev.CallID})

	case callsession.EventTranscript:
		isFinal := ev.IsFinal
		s.hub.broadcast(ServerMessage{
			Type:    TypeTranscript,
			CallID:  ev.CallID,
			Text:    ev.Text,
			Role:    string(ev.Role),
			IsFinal: &isFinal,
		})

	case callsession.EventEnded:
		s.hub.broadcast(ServerMessage{
			Type:    TypeCallEnded,
			CallID:  ev.CallID,
			CallSID: ev.CallSID,
			Summary: ev.Summary,
			Status:  string(ev.Status),
		})
		if s.dropSession(ev.CallID) {
			s.metrics.ActiveCalls.Add(context.Background(), -1)
		}

	case callsession.EventError:
		s.hub.broadcast(ServerMessage{
			Type:    TypeError,
			CallID:  ev.CallID,
			Message: ev.Message,
		})
	}
}

// dropSession removes callID from the map and reports whether it was present.
func (s *Server) dropSession(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[callID]; !ok {
		return false
	}
	delete(s.sessions, callID)
	return true
}

func (s *Server) hangupAll(ctx context.Context) {
	s.mu.Lock()
	live := make([]*callsession.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		live = append(live, session)
	}
	s.mu.Unlock()

	for _, session := range live {
		session.Hangup(ctx)
	}
}

// ─── status reconciliation ───

// reconcileLoop polls the carrier for every non-terminal session so a lost
// webhook cannot strand a call in the map forever. The poll is wrapped in a
// circuit breaker: a dead carrier API backs the loop off instead of logging
// the same failure every tick.
func (s *Server) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Server) reconcileOnce(ctx context.Context) {
	s.mu.Lock()
	live := make([]*callsession.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		live = append(live, session)
	}
	s.mu.Unlock()

	for _, session := range live {
		state := session.Snapshot()
		if state.ExternalCallSID == "" || state.Status.IsTerminal() {
			continue
		}
		err := s.breaker.Execute(func() error {
			status, err := s.cfg.Telephony.FetchStatus(ctx, state.ExternalCallSID)
			if err != nil {
				return err
			}
			if status.IsTerminal() {
				s.log.Info("carrier reports terminal status, reconciling",
					slog.String("call_id", state.CallID),
					slog.String("status", string(status)))
				session.UpdateStatus(status)
			}
			return nil
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return
		}
		if err != nil {
			s.log.Warn("status poll failed",
				slog.String("call_id", state.CallID),
				slog.String("error", err.Error()))
		}
	}
}

// validateCallFields enforces the request field caps.
func validateCallFields(phone, goal, callContext string) error {
	switch {
	case phone == "":
		return errors.New("phoneNumber is required")
	case len(phone) > maxPhoneLen:
		return fmt.Errorf("phoneNumber exceeds %d characters", maxPhoneLen)
	case goal == "":
		return errors.New("goal is required")
	case len(goal) > maxGoalLen:
		return fmt.Errorf("goal exceeds %d characters", maxGoalLen)
	case len(callContext) > maxContextLen:
		return fmt.Errorf("context exceeds %d characters", maxContextLen)
	}
	return nil
}
