package callserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func sendClientMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write control frame: %v", err)
	}
}

func TestControlInitiateCall(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")

	sendClientMessage(t, ctx, conn, ClientMessage{
		Type:        TypeInitiateCall,
		PhoneNumber: "+15559876543",
		Goal:        "ask about opening hours",
	})

	started := readFrame(t, ctx, conn, TypeCallStarted)
	if started.CallID == "" || started.CallSID == "" {
		t.Errorf("call_started = %+v", started)
	}
	if got := h.srv.activeCalls(); got != 1 {
		t.Errorf("activeCalls = %d, want 1", got)
	}
}

func TestControlInitiateCallValidationError(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")

	sendClientMessage(t, ctx, conn, ClientMessage{Type: TypeInitiateCall, Goal: "no phone"})

	errMsg := readFrame(t, ctx, conn, TypeError)
	if errMsg.Message == "" {
		t.Error("error frame missing message")
	}
}

func TestControlSpeakUnknownCall(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")

	sendClientMessage(t, ctx, conn, ClientMessage{Type: TypeSpeak, CallID: "ghost", Text: "hello"})

	errMsg := readFrame(t, ctx, conn, TypeError)
	if errMsg.CallID != "ghost" {
		t.Errorf("error callId = %q", errMsg.CallID)
	}
}

func TestControlHangup(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")
	callID := h.startCall()

	sendClientMessage(t, ctx, conn, ClientMessage{Type: TypeHangup, CallID: callID})

	ended := readFrame(t, ctx, conn, TypeCallEnded)
	if ended.CallID != callID {
		t.Errorf("call_ended callId = %q", ended.CallID)
	}
	if h.tel.hangupCount() != 1 {
		t.Errorf("carrier hangups = %d, want 1", h.tel.hangupCount())
	}
	waitUntil(t, time.Second, func() bool { return h.srv.activeCalls() == 0 }, "session retired")
}

func TestControlUnknownTypeRejected(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")

	sendClientMessage(t, ctx, conn, ClientMessage{Type: "dance"})
	errMsg := readFrame(t, ctx, conn, TypeError)
	if errMsg.Message == "" {
		t.Error("error frame missing message")
	}
}

func TestControlDisconnectDoesNotEndCall(t *testing.T) {
	h := newServerHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dialControl(ctx)
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 1 }, "control client registered")
	h.startCall()

	conn.Close(websocket.StatusNormalClosure, "")
	waitUntil(t, time.Second, func() bool { return h.srv.hub.count() == 0 }, "client removed")

	if got := h.srv.activeCalls(); got != 1 {
		t.Errorf("activeCalls = %d, client disconnect must not end the call", got)
	}
	if h.tel.hangupCount() != 0 {
		t.Errorf("carrier hangups = %d, want 0", h.tel.hangupCount())
	}
}
