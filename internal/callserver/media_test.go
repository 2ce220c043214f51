package callserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/types"
)

func (h *serverHarness) dialMedia(ctx context.Context) *websocket.Conn {
	h.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/twilio/media"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		h.t.Fatalf("dial media: %v", err)
	}
	h.t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendMediaFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, frame mediaFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal media frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write media frame: %v", err)
	}
}

func startFrame(callID, streamSID string) mediaFrame {
	return mediaFrame{
		Event: "start",
		Start: &startPayload{
			StreamSID:        streamSID,
			CallSID:          "CA0001",
			CustomParameters: map[string]string{"callId": callID},
		},
	}
}

func TestMediaUnknownCallClosedWithPolicyViolation(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialMedia(ctx)
	sendMediaFrame(t, ctx, conn, mediaFrame{Event: "connected"})
	sendMediaFrame(t, ctx, conn, startFrame("ghost", "MZ1"))

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("socket not closed for unknown callId")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want 1008", got)
	}
}

func TestMediaBindAndAudioFlow(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctrl := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")
	callID := h.startCall()

	conn := h.dialMedia(ctx)
	sendMediaFrame(t, ctx, conn, mediaFrame{Event: "connected"})
	sendMediaFrame(t, ctx, conn, startFrame(callID, "MZ42"))

	connected := readFrame(t, ctx, ctrl, TypeCallConnected)
	if connected.CallID != callID {
		t.Errorf("call_connected callId = %q", connected.CallID)
	}

	mulaw := make([]byte, 160)
	sendMediaFrame(t, ctx, conn, mediaFrame{
		Event: "media",
		Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})

	waitUntil(t, 2*time.Second, func() bool {
		return len(h.sess.SentChunks()) >= 1
	}, "audio forwarded to stt")

	state := h.srv.session(callID).Snapshot()
	if state.Status != types.StatusInProgress {
		t.Errorf("status = %s, want in-progress", state.Status)
	}
}

func TestMediaStopCompletesCall(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctrl := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")
	callID := h.startCall()

	conn := h.dialMedia(ctx)
	sendMediaFrame(t, ctx, conn, startFrame(callID, "MZ7"))
	readFrame(t, ctx, ctrl, TypeCallConnected)

	sendMediaFrame(t, ctx, conn, mediaFrame{Event: "stop"})

	ended := readFrame(t, ctx, ctrl, TypeCallEnded)
	if ended.Status != string(types.StatusCompleted) {
		t.Errorf("call_ended status = %q, want completed", ended.Status)
	}
	waitUntil(t, time.Second, func() bool { return h.srv.activeCalls() == 0 }, "session retired")
}

func TestMediaMalformedFramesDropped(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctrl := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")
	callID := h.startCall()

	conn := h.dialMedia(ctx)
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendMediaFrame(t, ctx, conn, startFrame(callID, "MZ9"))

	// The garbage frame must not have killed the socket.
	readFrame(t, ctx, ctrl, TypeCallConnected)
}
