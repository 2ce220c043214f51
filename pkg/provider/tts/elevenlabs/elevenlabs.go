// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming HTTPS API. It implements the tts.Provider interface.
//
// Synthesis uses the chunked-transfer stream endpoint rather than the
// WebSocket input stream: each call session speaks one complete sentence at
// a time, so there is no incremental text to feed, and the HTTPS stream is
// trivially cancelable by aborting the request context.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/tts"
)

const (
	streamEndpointFmt    = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream"
	subscriptionEndpoint = "https://api.elevenlabs.io/v1/user/subscription"
	voicesEndpoint       = "https://api.elevenlabs.io/v1/voices"

	defaultModel = "eleven_flash_v2_5"

	// defaultOutputFmt requests MP3 on the wire; the session pipes it
	// through the streaming transcoder to µ-law.
	defaultOutputFmt = "mp3_22050_32"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format query parameter.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL overrides the API origin; used by tests against a local server.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = base }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response types ----

// speakRequest is the JSON body for the stream endpoint.
type speakRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// apiError is the JSON error envelope returned on non-2xx responses.
type apiError struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// subscriptionResponse is the relevant subset of GET /v1/user/subscription.
type subscriptionResponse struct {
	CharacterCount int `json:"character_count"`
	CharacterLimit int `json:"character_limit"`
}

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Speak implements tts.Provider. The returned stream emits MP3 bytes.
func (p *Provider) Speak(ctx context.Context, text string) (tts.Stream, error) {
	body, _ := json.Marshal(speakRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})

	reqCtx, cancel := context.WithCancel(ctx)

	u := fmt.Sprintf(streamEndpointFmt, p.voiceID)
	if p.baseURL != "" {
		u = p.baseURL + "/v1/text-to-speech/" + p.voiceID + "/stream"
	}
	u += "?output_format=" + p.outputFormat

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	s := &stream{
		cancel: cancel,
		audio:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	go s.run(p.httpClient, req)

	return s, nil
}

// stream is one in-flight synthesis request. It implements tts.Stream.
type stream struct {
	cancel context.CancelFunc
	audio  chan []byte
	done   chan struct{}

	cancelOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Audio returns the channel of MP3 chunks.
func (s *stream) Audio() <-chan []byte { return s.audio }

// Done is closed when the request has fully terminated.
func (s *stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal stream error. Only meaningful after Done.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Cancel aborts the in-flight request.
func (s *stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.setErr(context.Canceled)
		s.cancel()
	})
}

// run executes the HTTP request and pumps body chunks to the audio channel.
func (s *stream) run(client *http.Client, req *http.Request) {
	defer close(s.done)
	defer close(s.audio)
	defer s.cancel()

	resp, err := client.Do(req)
	if err != nil {
		s.setErr(fmt.Errorf("elevenlabs: request: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.setErr(classifyHTTPError(resp))
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.audio <- chunk:
			case <-req.Context().Done():
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			if req.Context().Err() == nil {
				s.setErr(fmt.Errorf("elevenlabs: read stream: %w", err))
			}
			return
		}
	}
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil || s.err == context.Canceled {
		s.err = err
	}
}

// classifyHTTPError maps a non-2xx response to an error, distinguishing
// quota exhaustion so callers can terminate the call rather than retry.
func classifyHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	if isQuotaStatus(ae.Detail.Status) || resp.StatusCode == http.StatusPaymentRequired {
		return &tts.QuotaError{Detail: ae.Detail.Message}
	}
	if ae.Detail.Message != "" {
		return fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, ae.Detail.Message)
	}
	return fmt.Errorf("elevenlabs: unexpected status %d", resp.StatusCode)
}

// isQuotaStatus reports whether the provider error status names a quota
// problem ("quota_exceeded", "character_limit_reached").
func isQuotaStatus(status string) bool {
	return strings.Contains(status, "quota") || strings.Contains(status, "character_limit")
}

// RemainingCredits implements tts.Provider by querying the subscription
// endpoint and returning character_limit − character_count.
func (p *Provider) RemainingCredits(ctx context.Context) (int, error) {
	u := subscriptionEndpoint
	if p.baseURL != "" {
		u = p.baseURL + "/v1/user/subscription"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("elevenlabs: build subscription request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("elevenlabs: subscription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("elevenlabs: subscription: unexpected status %d", resp.StatusCode)
	}

	var sub subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return 0, fmt.Errorf("elevenlabs: decode subscription: %w", err)
	}
	remaining := sub.CharacterLimit - sub.CharacterCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ---- voices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []voiceEntry `json:"voices"`
}

// voiceEntry is a single voice from the ElevenLabs catalogue.
type voiceEntry struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Voice describes one available ElevenLabs voice.
type Voice struct {
	ID       string
	Name     string
	Category string
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]Voice, error) {
	u := voicesEndpoint
	if p.baseURL != "" {
		u = p.baseURL + "/v1/voices"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, Voice{ID: v.VoiceID, Name: v.Name, Category: v.Category})
	}
	return voices, nil
}
