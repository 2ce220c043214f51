package callserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/internal/callsession"
)

const mediaWriteTimeout = 5 * time.Second

// handleMedia serves the /twilio/media WebSocket. Twilio does not put the
// callId in the URL, so the socket stays unbound until the first start frame
// names the session through its custom parameters.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Twilio connects from carrier infrastructure, not a browser origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error("media websocket accept failed", slog.String("error", err.Error()))
		return
	}
	// Twilio start frames can exceed the 32 KiB default once custom
	// parameters are attached.
	conn.SetReadLimit(1 << 20)

	var session *callsession.Session
	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		if session != nil {
			session.HandleMediaClosed()
		}
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped, not fatal.
			continue
		}

		switch frame.Event {
		case "connected":
			// Handshake preamble, nothing to bind yet.

		case "start":
			if session != nil || frame.Start == nil {
				continue
			}
			callID := frame.Start.CustomParameters["callId"]
			bound := s.session(callID)
			if bound == nil {
				s.log.Warn("media stream for unknown call", slog.String("call_id", callID))
				conn.Close(websocket.StatusPolicyViolation, "unknown callId")
				return
			}
			session = bound
			transport := newMediaTransport(conn, frame.Start.StreamSID)
			session.AttachMedia(transport, frame.Start.StreamSID)
			s.log.Info("media stream bound",
				slog.String("call_id", callID),
				slog.String("stream_sid", frame.Start.StreamSID))

		case "media":
			if session == nil || frame.Media == nil {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			session.HandleAudio(mulaw)

		case "stop":
			return

		case "mark":
			// Playback checkpoints are not tracked.
		}
	}
}

// mediaTransport sends outbound frames on the Twilio media socket. Writes
// are serialized so decoder chunks and DTMF trains never interleave.
type mediaTransport struct {
	conn      *websocket.Conn
	streamSID string

	mu sync.Mutex
}

var _ callsession.MediaTransport = (*mediaTransport)(nil)

func newMediaTransport(conn *websocket.Conn, streamSID string) *mediaTransport {
	return &mediaTransport{conn: conn, streamSID: streamSID}
}

func (t *mediaTransport) SendAudio(mulaw []byte) error {
	return t.write(mediaFrame{
		Event:     "media",
		StreamSID: t.streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

func (t *mediaTransport) SendMark(name string) error {
	return t.write(mediaFrame{
		Event:     "mark",
		StreamSID: t.streamSID,
		Mark:      &markPayload{Name: name},
	})
}

func (t *mediaTransport) SendClear() error {
	return t.write(mediaFrame{Event: "clear", StreamSID: t.streamSID})
}

func (t *mediaTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *mediaTransport) write(frame mediaFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), mediaWriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}
