// Package upstream implements the Upstream Link (C1): the single
// WebSocket connection the gateway maintains to the imaging host, with
// heartbeat liveness tracking and exponential-backoff reconnection.
package upstream

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/errors"
	"github.com/englishfox90/nina-gateway/internal/logger"
)

// Config configures the Upstream Link.
type Config struct {
	URL               string        // ws://<host>:<port>/v2/socket
	HandshakeTimeout  time.Duration // default 10s
	PingInterval      time.Duration // default 30s
	LivenessTimeout   time.Duration // default 60s
	MaxReconnectDelay time.Duration // default 30s
	MaxAttempts       int           // default 10; retries continue at the cap past this
	BackoffBase       time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 60 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Health is the Upstream Link's contribution to the gateway health triad
// (spec §7: "ninaConnected flag in health reflects link state").
type Health struct {
	Connected           bool
	MaxReconnectReached bool
	Attempt             int
	LastError           string
}

// Link owns the single WebSocket connection to the imaging host. No other
// component ever writes to this socket (spec §5).
type Link struct {
	cfg Config
	out chan map[string]any
	log *zap.SugaredLogger

	connected           atomic.Bool
	maxReconnectReached atomic.Bool
	attempt             atomic.Int32
	lastLiveness        atomic.Int64 // unix nanos
	lastErr             atomic.Value // string
}

// New constructs a Link. Out() delivers raw frames to the Event
// Normalizer; the Link never knows who consumes it (spec §9: "outbound
// channel only").
func New(cfg Config) *Link {
	l := &Link{
		cfg: cfg.withDefaults(),
		out: make(chan map[string]any, 256),
		log: logger.Named("upstream"),
	}
	l.lastErr.Store("")
	return l
}

// Out returns the channel of raw JSON frames read from the imaging host.
func (l *Link) Out() <-chan map[string]any {
	return l.out
}

// Health reports the link's current connection state.
func (l *Link) Health() Health {
	errStr, _ := l.lastErr.Load().(string)
	return Health{
		Connected:           l.connected.Load(),
		MaxReconnectReached: l.maxReconnectReached.Load(),
		Attempt:             int(l.attempt.Load()),
		LastError:           errStr,
	}
}

// Run connects and reconnects until ctx is canceled, at which point it
// closes Out() and returns. Connection failures are never fatal to the
// process (spec §4.1: "Failures surfaced... non-fatal").
func (l *Link) Run(ctx context.Context) {
	defer close(l.out)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.connectAndServe(ctx); err != nil {
			l.lastErr.Store(err.Error())
			l.log.Warnw("upstream connection ended", "error", err.Error())
		}
		l.connected.Store(false)

		if ctx.Err() != nil {
			return
		}

		if !l.sleepBackoff(ctx) {
			return
		}
	}
}

// connectAndServe dials once, subscribes, and pumps frames until the
// connection drops or ctx is canceled.
func (l *Link) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial upstream")
	}
	defer conn.Close()

	l.connected.Store(true)
	l.attempt.Store(0)
	l.maxReconnectReached.Store(false)
	l.markLiveness()
	l.log.Infow("upstream connected", "url", l.cfg.URL)

	// Small delay before subscribing avoids a race where the host drops
	// frames sent before its own handshake finishes settling (spec §4.1).
	time.Sleep(50 * time.Millisecond)
	if err := conn.WriteJSON(map[string]any{"type": "subscribe"}); err != nil {
		return errors.Wrap(err, "send subscribe frame")
	}

	conn.SetPongHandler(func(string) error {
		l.markLiveness()
		return nil
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.heartbeat(connCtx, conn)

	for {
		if err := l.checkLiveness(); err != nil {
			return err
		}

		conn.SetReadDeadline(time.Now().Add(l.cfg.LivenessTimeout))
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			return errors.Wrap(err, "read upstream frame")
		}
		l.markLiveness()

		select {
		case l.out <- raw:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Link) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (l *Link) markLiveness() {
	l.lastLiveness.Store(time.Now().UnixNano())
}

func (l *Link) checkLiveness() error {
	last := time.Unix(0, l.lastLiveness.Load())
	if time.Since(last) > l.cfg.LivenessTimeout {
		return errors.New("no liveness within timeout, reconnecting")
	}
	return nil
}

// sleepBackoff waits delay = min(2^attempt * base + jitter, cap) before
// the next reconnect attempt, surfacing maxReconnectReached once the
// configured attempt budget is exhausted but continuing to retry at the
// cap thereafter (spec §4.1).
func (l *Link) sleepBackoff(ctx context.Context) bool {
	attempt := int(l.attempt.Add(1))
	if attempt >= l.cfg.MaxAttempts {
		l.maxReconnectReached.Store(true)
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * l.cfg.BackoffBase
	delay += time.Duration(rand.Int63n(int64(l.cfg.BackoffBase)))
	if delay > l.cfg.MaxReconnectDelay {
		delay = l.cfg.MaxReconnectDelay
	}

	l.log.Infow("reconnecting after backoff", "attempt", attempt, "delay", delay)

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// marshalSubscribe renders, for tests, the wire shape of the single
// subscription frame the Link sends on open.
func marshalSubscribe() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "subscribe"})
}
