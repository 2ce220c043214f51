// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/types"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-2"
	defaultLanguage  = "en-US"

	// defaultSampleRate matches telephony PCM decoded from µ-law.
	defaultSampleRate = 8000

	// defaultEndpointing is the silence (ms) after which Deepgram finalises
	// an utterance. 300 ms keeps turn latency low without splitting phrases.
	defaultEndpointing = 300

	// defaultConnectTimeout bounds the WebSocket dial. On expiry StartStream
	// returns stt.ErrUnavailable.
	defaultConnectTimeout = 10 * time.Second

	// defaultClarityThreshold is the confidence below which a non-empty
	// final transcript is routed to the Unclear channel.
	defaultClarityThreshold = 0.55
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpointing sets the utterance-end silence threshold in milliseconds.
func WithEndpointing(ms int) Option {
	return func(p *Provider) { p.endpointing = ms }
}

// WithConnectTimeout overrides the WebSocket dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// WithClarityThreshold sets the confidence below which final transcripts are
// emitted on the Unclear channel instead of Transcripts.
func WithClarityThreshold(c float64) Option {
	return func(p *Provider) { p.clarityThreshold = c }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey           string
	model            string
	language         string
	endpointing      int
	connectTimeout   time.Duration
	clarityThreshold float64
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:           apiKey,
		model:            defaultModel,
		language:         defaultLanguage,
		endpointing:      defaultEndpointing,
		connectTimeout:   defaultConnectTimeout,
		clarityThreshold: defaultClarityThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram
// configured for linear16 telephony audio with interim results and
// endpointing enabled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("deepgram: dial timed out after %s: %w", p.connectTimeout, stt.ErrUnavailable)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:             conn,
		clarityThreshold: p.clarityThreshold,
		transcripts:      make(chan types.Transcript, 64),
		unclear:          make(chan types.Transcript, 16),
		audio:            make(chan []byte, 256),
		done:             make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(p.endpointing))

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Fairview:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn             *websocket.Conn
	clarityThreshold float64

	transcripts chan types.Transcript
	unclear     chan types.Transcript
	audio       chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Transcripts returns the channel of interim and final transcripts.
func (s *session) Transcripts() <-chan types.Transcript { return s.transcripts }

// Unclear returns the channel of low-confidence final transcripts.
func (s *session) Unclear() <-chan types.Transcript { return s.unclear }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before the socket drops.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// transcripts and unclear channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.transcripts)
	defer close(s.unclear)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		t, ok := parseResponse(msg)
		if !ok {
			continue
		}

		out := s.transcripts
		if t.IsFinal && t.Text != "" && t.Confidence < s.clarityThreshold {
			out = s.unclear
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

// parseResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (zero, false) for messages that should be ignored.
func parseResponse(data []byte) (types.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}
	if resp.Type != "Results" {
		return types.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}
