package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeWait, pongWait, and pingPeriod follow Gorilla's documented chat
// example timings (see github.com/gorilla/websocket/examples/chat).
const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second // spec §5: dashboard WS read timeout is 30s
	pingPeriod = (pongWait * 9) / 10
)

// sendQueueSize is the bounded per-client send queue (spec §4.7, default 64).
const sendQueueSize = 64

// Client is one dashboard WebSocket connection. Only the Hub's writer
// goroutine for this client ever writes to conn (spec §4.7: "Only the
// Hub writes to sockets").
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	log       *zap.SugaredLogger
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		log:  hub.log.With("client", id),
	}
}

// enqueue attempts a non-blocking send; if the client's queue is full it
// is dropped (spec §4.7: "a slow client whose queue overflows is
// dropped").
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close(closeCode int) {
	c.closeOnce.Do(func() {
		c.hub.removeClient(c)
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""), deadline)
		c.conn.Close()
	})
}

// writePump drains send and writes each frame to the socket, serializing
// all writes for this client (spec §4.7: "multiple concurrent broadcasts
// must be serialized per client").
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards or interprets advisory client frames (subscribe,
// ping/pong) and prunes the connection once the peer closes it (spec
// §4.7: "Prune sockets closed by the peer").
func (c *Client) readPump() {
	defer c.close(websocket.CloseNormalClosure)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientFrame
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "ping":
			c.enqueue(mustMarshal(ServerFrame{Type: "pong", Timestamp: time.Now().UTC()}))
		case "subscribe":
			// Advisory: client-declared event filters are accepted but the
			// gateway broadcasts the full document to every client (spec
			// §4.7 — filtering, if any, happens on the dashboard side).
		}
	}
}

type clientFrame struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}
