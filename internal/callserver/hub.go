package callserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// clientSendBuf is the per-client outbound queue depth. A client that
	// cannot drain this many messages is considered dead and dropped.
	clientSendBuf = 64

	controlWriteTimeout = 5 * time.Second
)

// hub fans session events out to every connected control client. A slow or
// dead client never blocks the session emitting the event.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*controlClient]struct{}
}

type controlClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[*controlClient]struct{}),
	}
}

// add registers conn and starts its write pump. The returned client must be
// passed to remove when the connection ends.
func (h *hub) add(conn *websocket.Conn) *controlClient {
	c := &controlClient{
		conn: conn,
		send: make(chan []byte, clientSendBuf),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	return c
}

func (h *hub) remove(c *controlClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast marshals msg once and queues it on every client. Clients whose
// queue is full miss the message; the session must not stall on them.
func (h *hub) broadcast(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("control broadcast marshal failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("control client send queue full, dropping message",
				slog.String("type", msg.Type))
		}
	}
}

// sendTo queues msg on a single client, for request-scoped error replies.
func (h *hub) sendTo(c *controlClient, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	_, ok := h.clients[c]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *controlClient) writeLoop() {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), controlWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			// Drain remaining messages so broadcast never blocks; the read
			// side notices the dead connection and removes the client.
			for range c.send {
			}
			return
		}
	}
}
