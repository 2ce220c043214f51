package twilio

import (
	"strings"
	"testing"

	"github.com/dialvox/dialvox/pkg/types"
)

func TestVoiceTwiML(t *testing.T) {
	doc, err := VoiceTwiML("https://calls.example.com", "call-123")
	if err != nil {
		t.Fatalf("VoiceTwiML: %v", err)
	}

	for _, want := range []string{
		"<Connect>",
		"<Stream",
		`url="wss://calls.example.com/twilio/media"`,
		`track="inbound_track"`,
		`name="callId"`,
		`value="call-123"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("TwiML missing %q:\n%s", want, doc)
		}
	}
}

func TestErrorTwiML(t *testing.T) {
	doc, err := ErrorTwiML("Sorry, an application error occurred.")
	if err != nil {
		t.Fatalf("ErrorTwiML: %v", err)
	}
	if !strings.Contains(doc, "<Say>Sorry, an application error occurred.</Say>") {
		t.Errorf("missing Say verb:\n%s", doc)
	}
	if !strings.Contains(doc, "<Hangup") {
		t.Errorf("missing Hangup verb:\n%s", doc)
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   string
		want types.CallStatus
	}{
		{"queued", types.StatusInitiating},
		{"initiated", types.StatusInitiating},
		{"ringing", types.StatusRinging},
		{"answered", types.StatusInProgress},
		{"in-progress", types.StatusInProgress},
		{"completed", types.StatusCompleted},
		{"busy", types.StatusBusy},
		{"no-answer", types.StatusNoAnswer},
		{"canceled", types.StatusCanceled},
		{"failed", types.StatusFailed},
		{"something-new", types.StatusFailed},
	}
	for _, tt := range tests {
		if got := MapStatus(tt.in); got != tt.want {
			t.Errorf("MapStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://calls.example.com", "wss://calls.example.com"},
		{"http://localhost:8080", "ws://localhost:8080"},
		{"wss://already.example.com", "wss://already.example.com"},
	}
	for _, tt := range tests {
		if got := websocketURL(tt.in); got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateSignatureRejectsGarbage(t *testing.T) {
	c, err := New("AC00000000000000000000000000000000", "token", "+15550001111", "https://calls.example.com")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok := c.ValidateSignature("bm90LWEtcmVhbC1zaWduYXR1cmU=",
		"https://calls.example.com/twilio/status?callId=x",
		map[string]string{"CallStatus": "completed"})
	if ok {
		t.Error("garbage signature validated")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "tok", "+1", "https://x"); err == nil {
		t.Error("expected error for empty accountSID")
	}
	if _, err := New("AC1", "tok", "", "https://x"); err == nil {
		t.Error("expected error for empty fromNumber")
	}
	if _, err := New("AC1", "tok", "+1", ""); err == nil {
		t.Error("expected error for empty publicURL")
	}
}
