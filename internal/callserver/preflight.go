package callserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/pkg/audio/mp3"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
)

// Preflight deadlines. The public URL round-trip is the slowest check
// because it goes out through the tunnel and back.
const (
	preflightTimeout = 10 * time.Second
	roundTripTimeout = 6 * time.Second
)

// preflight verifies every dependency of a call before any carrier money is
// spent: the local transcoder binary, the Twilio account and caller ID, the
// Deepgram streaming endpoint, the ElevenLabs character budget, and the
// public URL round-trip that Twilio's webhooks will take. All checks run in
// parallel; the first failure aborts origination.
func (s *Server) preflight(ctx context.Context, goal, callContext string) error {
	ctx, span := observe.StartSpan(ctx, "call.preflight")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mp3.Available(s.cfg.DecoderBinary); err != nil {
			return fmt.Errorf("audio transcoder: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.cfg.Telephony.VerifyAccount(ctx); err != nil {
			return err
		}
		return s.cfg.Telephony.VerifyFromNumber(ctx)
	})

	g.Go(func() error {
		// Opening and immediately closing a streaming session proves both
		// the credentials and the WS endpoint.
		handle, err := s.cfg.STT.StartStream(ctx, stt.StreamConfig{
			SampleRate: 8000,
			Channels:   1,
		})
		if err != nil {
			return fmt.Errorf("stt reachability: %w", err)
		}
		return handle.Close()
	})

	g.Go(func() error {
		return tts.CheckBudget(ctx, s.cfg.TTS, goal, callContext)
	})

	g.Go(func() error {
		return s.verifyPublicURL(ctx)
	})

	return g.Wait()
}

// verifyPublicURL round-trips the tunnel by requesting the server's own
// health, voice and status paths through the public base URL. A flapping
// tunnel fails here instead of during Twilio's webhook delivery.
func (s *Server) verifyPublicURL(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, roundTripTimeout)
	defer cancel()

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/twilio/voice?callId=preflight"},
		{http.MethodPost, "/twilio/status?callId=preflight"},
	}
	for _, p := range paths {
		req, err := http.NewRequestWithContext(ctx, p.method, s.cfg.PublicURL+p.path, nil)
		if err != nil {
			return fmt.Errorf("public url: %w", err)
		}
		resp, err := s.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("public url %s unreachable: %w", p.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("public url %s returned %d", p.path, resp.StatusCode)
		}
	}
	return nil
}
