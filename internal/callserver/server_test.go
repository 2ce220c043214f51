package callserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/internal/callsession"
	"github.com/dialvox/dialvox/internal/resilience"
	llmmock "github.com/dialvox/dialvox/pkg/provider/llm/mock"
	sttmock "github.com/dialvox/dialvox/pkg/provider/stt/mock"
	ttsmock "github.com/dialvox/dialvox/pkg/provider/tts/mock"
	"github.com/dialvox/dialvox/pkg/telephony/twilio"
	"github.com/dialvox/dialvox/pkg/types"
)

// ─── fakes ───

type fakeTelephony struct {
	mu           sync.Mutex
	originated   []string
	originateErr error
	hangups      []string
	fetchStatus  types.CallStatus
	fetchErr     error
	sigValid     bool
	recordings   []twilio.Recording
	recordingWAV string
}

var _ Telephony = (*fakeTelephony)(nil)

func (f *fakeTelephony) Originate(_ context.Context, to, callID string) (twilio.CallHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.originateErr != nil {
		return twilio.CallHandle{}, f.originateErr
	}
	f.originated = append(f.originated, to)
	return twilio.CallHandle{
		SID:    fmt.Sprintf("CA%04d", len(f.originated)),
		Status: types.StatusInitiating,
	}, nil
}

func (f *fakeTelephony) Hangup(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
	return nil
}

func (f *fakeTelephony) FetchStatus(context.Context, string) (types.CallStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	if f.fetchStatus == "" {
		return types.StatusInProgress, nil
	}
	return f.fetchStatus, nil
}

func (f *fakeTelephony) ValidateSignature(string, string, map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigValid
}

func (f *fakeTelephony) FetchRecordings(context.Context, string) ([]twilio.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordings, nil
}

func (f *fakeTelephony) DownloadRecording(context.Context, string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.recordingWAV)), nil
}

func (f *fakeTelephony) VerifyAccount(context.Context) error    { return nil }
func (f *fakeTelephony) VerifyFromNumber(context.Context) error { return nil }

func (f *fakeTelephony) VoiceTwiML(callID string) (string, error) {
	return `<Response><Connect><Stream url="wss://calls.test/twilio/media">` +
		`<Parameter name="callId" value="` + callID + `"/></Stream></Connect></Response>`, nil
}

func (f *fakeTelephony) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

// ─── harness ───

type serverHarness struct {
	t    *testing.T
	srv  *Server
	ts   *httptest.Server
	tel  *fakeTelephony
	llm  *llmmock.Provider
	stt  *sttmock.Provider
	tts  *ttsmock.Provider
	sess *sttmock.Session
}

// newServerHarness starts a full server on a loopback listener whose address
// doubles as the public URL, so webhook round-trips are real HTTP.
func newServerHarness(t *testing.T, mutate func(*Config)) *serverHarness {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sess := sttmock.NewSession()
	h := &serverHarness{
		t:    t,
		tel:  &fakeTelephony{sigValid: true, recordingWAV: "RIFFdata"},
		llm:  &llmmock.Provider{Responses: []string{"Hello, this is a call about a booking."}},
		stt:  &sttmock.Provider{Session: sess},
		tts:  &ttsmock.Provider{Remaining: 1 << 20, Chunks: [][]byte{{0x7F, 0x7F}}},
		sess: sess,
	}

	cfg := Config{
		ListenAddr:        l.Addr().String(),
		PublicURL:         "http://" + l.Addr().String(),
		Telephony:         h.tel,
		STT:               h.stt,
		TTS:               h.tts,
		LLM:               h.llm,
		DecoderBinary:     "true",
		SkipPreflight:     true,
		ReconcileInterval: time.Hour,
		// Keep the greeting far away so tests never spawn a decoder.
		Timings: callsession.Timings{GreetingDelay: time.Hour},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.srv = srv

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Listener.Close()
	ts.Listener = l
	ts.Start()
	h.ts = ts
	t.Cleanup(func() {
		srv.hangupAll(context.Background())
		ts.Close()
	})
	return h
}

func (h *serverHarness) postCall(body string) *http.Response {
	h.t.Helper()
	resp, err := http.Post(h.ts.URL+"/call", "application/json", strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("POST /call: %v", err)
	}
	return resp
}

// startCall originates a call over HTTP and returns its callId.
func (h *serverHarness) startCall() string {
	h.t.Helper()
	resp := h.postCall(`{"phoneNumber":"+15551234567","goal":"book a table for two"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("POST /call = %d: %s", resp.StatusCode, b)
	}
	var out callResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		h.t.Fatalf("decode call response: %v", err)
	}
	return out.CallID
}

// dialControl connects a control client and returns a reader for its frames.
func (h *serverHarness) dialControl(ctx context.Context) *websocket.Conn {
	h.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/control"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		h.t.Fatalf("dial control: %v", err)
	}
	h.t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readFrame reads control frames until one matches wantType.
func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) ServerMessage {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read control frame (waiting for %s): %v", wantType, err)
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal control frame: %v", err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── tests ───

func TestInitiateCallFlow(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")

	callID := h.startCall()
	if callID == "" {
		t.Fatal("empty callId")
	}

	started := readFrame(t, ctx, conn, TypeCallStarted)
	if started.CallID != callID || started.CallSID != "CA0001" {
		t.Errorf("call_started = %+v", started)
	}

	resp, err := http.Get(h.ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ActiveCalls != 1 || status.ControlClients != 1 {
		t.Errorf("status = %+v", status)
	}

	resp2, err := http.Get(h.ts.URL + "/status/" + callID)
	if err != nil {
		t.Fatalf("GET /status/{id}: %v", err)
	}
	defer resp2.Body.Close()
	var state callsession.CallState
	if err := json.NewDecoder(resp2.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.PhoneNumber != "+15551234567" || state.Goal != "book a table for two" {
		t.Errorf("state = %+v", state)
	}
	if state.ExternalCallSID != "CA0001" {
		t.Errorf("ExternalCallSID = %q", state.ExternalCallSID)
	}
}

func TestCallFieldValidation(t *testing.T) {
	h := newServerHarness(t, nil)

	long := func(n int) string { return strings.Repeat("x", n) }
	tests := []struct {
		name string
		body string
	}{
		{"missing phone", `{"goal":"g"}`},
		{"phone too long", `{"phoneNumber":"` + long(21) + `","goal":"g"}`},
		{"missing goal", `{"phoneNumber":"+15551234567"}`},
		{"goal too long", `{"phoneNumber":"+15551234567","goal":"` + long(1001) + `"}`},
		{"context too long", `{"phoneNumber":"+15551234567","goal":"g","context":"` + long(5001) + `"}`},
		{"not json", `pick up the phone`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.postCall(tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if got := h.srv.activeCalls(); got != 0 {
		t.Errorf("activeCalls = %d after rejected requests", got)
	}
}

func TestCallBodyTooLarge(t *testing.T) {
	h := newServerHarness(t, nil)

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	resp := h.postCall(`{"phoneNumber":"+15551234567","goal":"` + string(big) + `"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestOriginateFailureDropsSession(t *testing.T) {
	h := newServerHarness(t, nil)
	h.tel.originateErr = fmt.Errorf("carrier rejected")

	resp := h.postCall(`{"phoneNumber":"+15551234567","goal":"g"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := h.srv.activeCalls(); got != 0 {
		t.Errorf("activeCalls = %d, want 0", got)
	}
}

func TestCallStatusUnknown(t *testing.T) {
	h := newServerHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/status/no-such-call")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTwilioStatusSignatureMismatch(t *testing.T) {
	h := newServerHarness(t, nil)
	h.tel.sigValid = false
	callID := h.startCall()

	form := url.Values{"CallStatus": {"completed"}, "CallSid": {"CA0001"}}
	req, _ := http.NewRequest(http.MethodPost,
		h.ts.URL+"/twilio/status?callId="+callID,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if got := h.srv.activeCalls(); got != 1 {
		t.Errorf("activeCalls = %d, forged webhook must not advance the call", got)
	}
}

func TestTwilioStatusAdvancesToTerminal(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")
	callID := h.startCall()

	form := url.Values{"CallStatus": {"no-answer"}, "CallSid": {"CA0001"}}
	resp, err := http.PostForm(h.ts.URL+"/twilio/status?callId="+callID, form)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	ended := readFrame(t, ctx, conn, TypeCallEnded)
	if ended.Status != string(types.StatusNoAnswer) {
		t.Errorf("call_ended status = %q, want no-answer", ended.Status)
	}
	if ended.Summary == "" {
		t.Error("call_ended missing summary")
	}
	waitUntil(t, time.Second, func() bool { return h.srv.activeCalls() == 0 }, "session retired")
}

func TestVoiceTwiML(t *testing.T) {
	h := newServerHarness(t, nil)
	callID := h.startCall()

	resp, err := http.Post(h.ts.URL+"/twilio/voice?callId="+callID, "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST voice: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(string(body), callID) || !strings.Contains(string(body), "<Connect>") {
		t.Errorf("voice twiml = %s", body)
	}

	resp2, err := http.Post(h.ts.URL+"/twilio/voice?callId=ghost", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST voice unknown: %v", err)
	}
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if !strings.Contains(string(body2), "<Say>") || !strings.Contains(string(body2), "<Hangup/>") {
		t.Errorf("unknown-call twiml = %s", body2)
	}
}

func TestRecordingsListAndDownload(t *testing.T) {
	h := newServerHarness(t, nil)
	h.tel.recordings = []twilio.Recording{
		{SID: "RE1", CallSID: "CA0001", Duration: "42"},
		{SID: "RE2", CallSID: "CA0001", Duration: "7"},
	}

	resp, err := http.Get(h.ts.URL + "/recordings/CA0001")
	if err != nil {
		t.Fatalf("GET recordings: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Recordings []recordingInfo `json:"recordings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Recordings) != 2 || out.Recordings[0].SID != "RE1" || out.Recordings[0].Duration != "42" {
		t.Errorf("recordings = %+v", out.Recordings)
	}

	resp2, err := http.Get(h.ts.URL + "/recordings/CA0001?download=true")
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	body, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if ct := resp2.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp2.Header.Get("Content-Disposition"); !strings.Contains(cd, "RE1.wav") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if string(body) != "RIFFdata" {
		t.Errorf("body = %q", body)
	}
}

func TestReconcileAdvancesTerminalStatus(t *testing.T) {
	h := newServerHarness(t, nil)
	h.tel.fetchStatus = types.StatusCompleted
	h.startCall()

	h.srv.reconcileOnce(context.Background())
	waitUntil(t, time.Second, func() bool { return h.srv.activeCalls() == 0 }, "session reconciled away")
}

func TestReconcileBreakerStopsPolling(t *testing.T) {
	h := newServerHarness(t, nil)
	h.tel.fetchErr = fmt.Errorf("twilio down")
	h.startCall()

	for range 5 {
		h.srv.reconcileOnce(context.Background())
	}
	if h.srv.breaker.State() == resilience.StateClosed {
		t.Error("breaker still closed after repeated poll failures")
	}
	if got := h.srv.activeCalls(); got != 1 {
		t.Errorf("activeCalls = %d, failed polls must not end the call", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newServerHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServerHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
