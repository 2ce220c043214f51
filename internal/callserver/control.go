package callserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// handleControl serves the /control WebSocket. Every connected client sees
// every session event; client frames drive origination, speech injection
// and hangup. A client disconnecting never affects a running call.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("control websocket accept failed", slog.String("error", err.Error()))
		return
	}

	client := s.hub.add(conn)
	s.metrics.ControlClients.Add(r.Context(), 1)
	s.log.Info("control client connected", slog.Int("clients", s.hub.count()))

	defer func() {
		s.hub.remove(client)
		s.metrics.ControlClients.Add(context.Background(), -1)
		conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("control client disconnected", slog.Int("clients", s.hub.count()))
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.sendTo(client, ServerMessage{
				Type:    TypeError,
				Message: "malformed control message",
			})
			continue
		}
		s.dispatchControl(r.Context(), client, msg)
	}
}

func (s *Server) dispatchControl(ctx context.Context, client *controlClient, msg ClientMessage) {
	switch msg.Type {
	case TypeInitiateCall:
		// Origination blocks on preflights; run it off the read loop so the
		// client can still hang up other calls meanwhile.
		go func() {
			if _, err := s.initiateCall(context.WithoutCancel(ctx), msg.PhoneNumber, msg.Goal, msg.Context); err != nil {
				s.hub.sendTo(client, ServerMessage{
					Type:    TypeError,
					Message: "initiate_call failed: " + err.Error(),
				})
			}
		}()

	case TypeSpeak:
		session := s.session(msg.CallID)
		if session == nil {
			s.hub.sendTo(client, ServerMessage{
				Type:    TypeError,
				CallID:  msg.CallID,
				Message: "no active call " + msg.CallID,
			})
			return
		}
		if msg.Text == "" {
			s.hub.sendTo(client, ServerMessage{
				Type:    TypeError,
				CallID:  msg.CallID,
				Message: "speak requires text",
			})
			return
		}
		go func() {
			if err := session.Speak(context.WithoutCancel(ctx), msg.Text); err != nil {
				s.hub.sendTo(client, ServerMessage{
					Type:    TypeError,
					CallID:  msg.CallID,
					Message: "speak failed: " + err.Error(),
				})
			}
		}()

	case TypeHangup:
		session := s.session(msg.CallID)
		if session == nil {
			s.hub.sendTo(client, ServerMessage{
				Type:    TypeError,
				CallID:  msg.CallID,
				Message: "no active call " + msg.CallID,
			})
			return
		}
		session.Hangup(context.WithoutCancel(ctx))

	default:
		s.hub.sendTo(client, ServerMessage{
			Type:    TypeError,
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		})
	}
}
