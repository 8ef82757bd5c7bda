package normalize

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// dedupeWindow drops repeats of the same event within a short window,
// keyed by eventType + second-bucket + hash(payload) (spec §4.2). It is
// pruned on every insert using a fixed cutoff, never growing unbounded.
type dedupeWindow struct {
	mu     sync.Mutex
	window time.Duration
	cutoff time.Duration
	seenAt map[string]time.Time
}

func newDedupeWindow(window, cutoff time.Duration) *dedupeWindow {
	return &dedupeWindow{
		window: window,
		cutoff: cutoff,
		seenAt: make(map[string]time.Time),
	}
}

// seen reports whether this (eventType, timestamp-bucket, payload) was
// already observed within the window, recording it if not.
func (d *dedupeWindow) seen(eventType string, ts time.Time, payload map[string]any) bool {
	key := dedupeKey(eventType, ts, payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.prune(now)

	if last, ok := d.seenAt[key]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seenAt[key] = now
	return false
}

// prune drops entries older than cutoff; must be called with mu held.
func (d *dedupeWindow) prune(now time.Time) {
	for k, t := range d.seenAt {
		if now.Sub(t) > d.cutoff {
			delete(d.seenAt, k)
		}
	}
}

func dedupeKey(eventType string, ts time.Time, payload map[string]any) string {
	bucket := ts.Unix()
	h := fnv.New64a()
	h.Write(marshalForHash(payload))
	return fmt.Sprintf("%s|%d|%x", eventType, bucket, h.Sum64())
}
