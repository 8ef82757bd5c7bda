// Package normalize implements the Event Normalizer (C2): it turns the
// imaging host's heterogeneous raw JSON frames into the single explicit
// event.Event record the rest of the gateway operates on.
package normalize

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/event"
	"github.com/englishfox90/nina-gateway/internal/logger"
)

// noiseEventTypes are dropped outright — they carry no session meaning.
var noiseEventTypes = map[string]bool{
	"HEARTBEAT": true,
	"PING":      true,
	"KEEPALIVE": true,
}

// Normalizer is stateful only in its dedupe window and rolling enrichment
// context; it owns neither channel end (spec §5: "the dedupe map is local
// to the Normalizer, never shared").
type Normalizer struct {
	localOffset string // e.g. "-05:00", applied when a timestamp carries none
	dedupe      *dedupeWindow
	rolling     rollingContext
	log         *zap.SugaredLogger
}

// Config configures a Normalizer.
type Config struct {
	// LocalOffset is the imaging host's declared local UTC offset, used
	// only when an incoming timestamp carries none (spec §3, default
	// "-05:00").
	LocalOffset string
}

// New constructs a Normalizer with the given configured local offset.
func New(cfg Config) *Normalizer {
	offset := cfg.LocalOffset
	if offset == "" {
		offset = "-05:00"
	}
	return &Normalizer{
		localOffset: offset,
		dedupe:      newDedupeWindow(time.Second, 5*time.Minute),
		rolling:     newRollingContext(),
		log:         logger.Named("normalizer"),
	}
}

// Normalize turns one raw upstream frame into zero or one normalized
// events. It returns ok=false when the frame was dropped (noise,
// duplicate, or unparseable), never an error — drops are logged, not
// propagated (spec §9: "bad events are filtered upstream").
func (n *Normalizer) Normalize(raw map[string]any, sessionUUID string) (event.Event, bool) {
	eventType, data, ok := extractShape(raw)
	if !ok {
		n.log.Debugw("dropping frame with unrecognized shape", "raw", raw)
		return event.Event{}, false
	}
	if noiseEventTypes[eventType] {
		return event.Event{}, false
	}

	ts, ok := n.parseTimestamp(data)
	if !ok {
		n.log.Warnw("dropping event with unparseable timestamp", "eventType", eventType)
		return event.Event{}, false
	}

	if n.dedupe.seen(eventType, ts, data) {
		n.log.Debugw("dropping duplicate event", "eventType", eventType)
		return event.Event{}, false
	}

	ev := event.Event{
		EventType:   eventType,
		Timestamp:   ts,
		Payload:     data,
		SessionUUID: sessionUUID,
	}

	if isNoOpFilterChange(ev) {
		return event.Event{}, false
	}

	ev = n.rolling.enrich(ev)
	n.rolling.observe(ev)

	return ev, true
}

// extractShape detects the live-socket shape
// { Response: { Event, ... }, Type: "Socket" } and the historical-replay
// shape { Event, Time, ... } (spec §4.2), returning the event type and the
// flattened inner data map either way.
func extractShape(raw map[string]any) (eventType string, data map[string]any, ok bool) {
	if resp, hasResp := raw["Response"].(map[string]any); hasResp {
		if t, _ := raw["Type"].(string); t == "Socket" {
			eventType, _ = resp["Event"].(string)
			if eventType == "" {
				return "", nil, false
			}
			return eventType, resp, true
		}
	}
	if et, hasEvent := raw["Event"].(string); hasEvent && et != "" {
		return et, raw, true
	}
	return "", nil, false
}

func isNoOpFilterChange(ev event.Event) bool {
	if ev.EventType != "FILTERWHEEL-CHANGED" {
		return false
	}
	prev := ev.GetMap("Previous")
	next := ev.GetMap("New")
	prevName, _ := prev["Name"].(string)
	nextName, _ := next["Name"].(string)
	return prevName == nextName
}

// marshalForHash renders a payload deterministically for the dedupe hash.
func marshalForHash(data map[string]any) []byte {
	b, _ := json.Marshal(data)
	return b
}
