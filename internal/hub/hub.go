// Package hub implements the Fan-out Hub (C7): the single writer of
// dashboard-facing WebSocket frames, broadcasting every FSM state change
// to all connected clients while enforcing a connection cap and a
// bounded per-client send queue.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/englishfox90/nina-gateway/internal/logger"
	"github.com/englishfox90/nina-gateway/internal/session"
)

// MaxClients is the default connection cap (spec §4.7, default 100).
const MaxClients = 100

// BroadcastRate caps how often a sessionUpdate frame is allowed out to
// dashboard clients. A Broadcast over the rate is dropped and not resent
// later, so within a burst of FSM transitions only the first frame reaches
// the clients.
const BroadcastRate = 20 // frames/sec

// ServerFrame is the envelope every broadcast and advisory message is
// wrapped in: {type, data, timestamp} (spec §4.7).
type ServerFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub owns the set of connected dashboard clients and is the only
// component permitted to write to any of their sockets (spec §5).
type Hub struct {
	mu         sync.Mutex
	clients    map[*Client]bool
	maxClients int

	lastBroadcast time.Time // guards monotonic ordering, see Broadcast
	limiter       *rate.Limiter

	log *zap.SugaredLogger
}

// New constructs a Hub. maxClients <= 0 selects MaxClients.
func New(maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = MaxClients
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		maxClients: maxClients,
		limiter:    rate.NewLimiter(rate.Limit(BroadcastRate), 1),
		log:        logger.Named("hub"),
	}
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request to a WebSocket and registers the
// resulting client, rejecting the connection once maxClients is reached
// (spec §4.7: "a connection beyond the cap is rejected with a close
// frame, never silently dropped").
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, welcome session.Document) error {
	h.mu.Lock()
	full := len(h.clients) >= h.maxClients
	h.mu.Unlock()

	if full {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return err
		}
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection cap reached"), deadline)
		conn.Close()
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	id := clientID()
	client := newClient(id, h, conn)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Infow("dashboard client connected", "client", id, "clients", count)

	client.enqueue(mustMarshal(ServerFrame{
		Type:      "sessionUpdate",
		Data:      welcome,
		Timestamp: time.Now().UTC(),
	}))

	go client.writePump()
	go client.readPump()
	return nil
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("dashboard client disconnected", "client", c.id, "clients", count)
}

// Broadcast sends doc to every connected client wrapped as msgType,
// skipping the send entirely if doc is older than the last broadcast
// (spec §8: "the Hub never emits a frame whose lastUpdate precedes one
// it already emitted on that connection"). Because all clients share a
// single ordered broadcast call, enforcing it once here enforces it for
// every connection.
func (h *Hub) Broadcast(msgType string, doc session.Document) {
	h.mu.Lock()
	if !h.lastBroadcast.IsZero() && doc.LastUpdate.Before(h.lastBroadcast) {
		h.mu.Unlock()
		h.log.Warnw("dropped out-of-order broadcast", "lastUpdate", doc.LastUpdate, "lastBroadcast", h.lastBroadcast)
		return
	}
	h.lastBroadcast = doc.LastUpdate
	if !h.limiter.Allow() {
		h.mu.Unlock()
		h.log.Infow("broadcast rate limited", "msgType", msgType)
		return
	}
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	frame := mustMarshal(ServerFrame{
		Type:      msgType,
		Data:      doc,
		Timestamp: time.Now().UTC(),
	})

	for _, c := range clients {
		if !c.enqueue(frame) {
			h.log.Warnw("dropping slow client", "client", c.id)
			go c.close(websocket.ClosePolicyViolation)
		}
	}
}

// BroadcastRaw fans out a pre-built payload under msgType without the
// ordering guard, for non-session frames such as config-update,
// nina-event passthrough, and heartbeat (spec §4.7).
func (h *Hub) BroadcastRaw(msgType string, data any) {
	frame := mustMarshal(ServerFrame{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(frame) {
			go c.close(websocket.ClosePolicyViolation)
		}
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// ServerFrame's Data is always a session.Document or a plain map;
		// a marshal failure here means a programming error upstream.
		return []byte(`{"type":"error"}`)
	}
	return b
}

var clientSeq atomic.Uint64

func clientID() string {
	n := clientSeq.Add(1)
	return time.Now().UTC().Format("150405.000") + "-" + itoa(n)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
