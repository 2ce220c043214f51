package callserver

// Control-plane message types, JSON-framed over the /control WebSocket.
const (
	// Client → server.
	TypeInitiateCall = "initiate_call"
	TypeSpeak        = "speak"
	TypeHangup       = "hangup"

	// Server → all control clients.
	TypeCallStarted   = "call_started"
	TypeCallRinging   = "call_ringing"
	TypeCallConnected = "call_connected"
	TypeTranscript    = "transcript"
	TypeCallEnded     = "call_ended"
	TypeError         = "error"
)

// ClientMessage is a control-plane frame sent by an operator client.
type ClientMessage struct {
	Type        string `json:"type"`
	CallID      string `json:"callId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Context     string `json:"context,omitempty"`
	Text        string `json:"text,omitempty"`
}

// ServerMessage is a control-plane frame broadcast to every connected client.
type ServerMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"callId,omitempty"`
	CallSID string `json:"callSid,omitempty"`
	Text    string `json:"text,omitempty"`
	Role    string `json:"role,omitempty"`

	// IsFinal distinguishes interim from confirmed transcript frames. A
	// pointer so non-transcript messages omit it while interim frames still
	// carry an explicit false.
	IsFinal *bool  `json:"isFinal,omitempty"`
	Summary string `json:"summary,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// callRequest is the POST /call body.
type callRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Goal        string `json:"goal"`
	Context     string `json:"context,omitempty"`
}

// callResponse acknowledges an accepted origination.
type callResponse struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// statusResponse is the GET /status body.
type statusResponse struct {
	Status         string `json:"status"`
	ActiveCalls    int    `json:"activeCalls"`
	ControlClients int    `json:"controlClients"`
	PublicURL      string `json:"publicUrl"`
}

// recordingInfo is one entry of the GET /recordings response.
type recordingInfo struct {
	SID      string `json:"sid"`
	Duration string `json:"duration"`
	URL      string `json:"url"`
}

// ─── Twilio media-stream envelope ───

// mediaFrame is the JSON envelope on the /twilio/media WebSocket, both
// directions. Twilio sends connected/start/media/stop/mark events; the
// server sends media/mark/clear.
type mediaFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	// Payload is base64-encoded µ-law audio.
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}
