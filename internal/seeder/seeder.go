// Package seeder implements the Seeder (C5): the three-step boot
// sequence that replays historical events through the FSM, starts the
// Upstream Link, and loads any previously persisted state for
// diagnostics. Re-running it is the manual recovery path exposed as
// POST /api/session/refresh.
package seeder

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/errors"
	"github.com/englishfox90/nina-gateway/internal/event"
	"github.com/englishfox90/nina-gateway/internal/eventlog"
	"github.com/englishfox90/nina-gateway/internal/logger"
	"github.com/englishfox90/nina-gateway/internal/normalize"
	"github.com/englishfox90/nina-gateway/internal/session"
	"github.com/englishfox90/nina-gateway/internal/statestore"
	"github.com/englishfox90/nina-gateway/internal/upstream"
)

// retainedEvents is the size of the window persisted to the Event Log
// after replay (spec §4.5: "the purpose is state reconstruction, not
// archival").
const retainedEvents = 20

// recentActivityFallback is the window used when history shows imaging
// activity (an IMAGE-SAVE) but no explicit session-start event: the
// session is still considered active if that activity is this recent
// (spec §9 Open Questions: "recent imaging activity within 30 minutes
// implies active session").
const recentActivityFallback = 30 * time.Minute

// Config configures the Seeder's HTTP fetch of upstream history.
type Config struct {
	HistoryURL string        // e.g. http://<host>:<port>/api/nina/event-history
	Timeout    time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Seeder owns the one-time (and re-runnable) boot sequence described in
// spec §4.5.
type Seeder struct {
	cfg        Config
	httpClient *http.Client
	normalizer *normalize.Normalizer
	eventLog   *eventlog.Store
	state      *statestore.Store
	link       *upstream.Link
	log        *zap.SugaredLogger
}

// New constructs a Seeder wired to the already-constructed Event Log,
// State Store, Normalizer, and Upstream Link.
func New(cfg Config, normalizer *normalize.Normalizer, eventLog *eventlog.Store, state *statestore.Store, link *upstream.Link) *Seeder {
	cfg = cfg.withDefaults()
	return &Seeder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		normalizer: normalizer,
		eventLog:   eventLog,
		state:      state,
		link:       link,
		log:        logger.Named("seeder"),
	}
}

// Result reports what the boot sequence (or a manual refresh) produced.
type Result struct {
	ReplayedEvents int
	Document       session.Document
	LinkStarted    bool
	ReplayError    error
}

// Boot runs the three-step sequence. It never returns an error: failures
// are logged and absorbed so the gateway still starts with whatever
// state could be reconstructed (spec §7: "Seeder failure: logged, gateway
// continues").
func (s *Seeder) Boot(ctx context.Context, startLink func(context.Context)) Result {
	res := s.Replay(ctx)

	if startLink != nil {
		go startLink(ctx)
		res.LinkStarted = true
	}

	if _, _, err := statestore.LoadFromEventLog(ctx, s.eventLog); err != nil {
		s.log.Warnw("failed to load persisted state for diagnostics", "error", err.Error())
	}

	return res
}

// Replay performs step 1 of the boot sequence on its own, which is also
// the full body of POST /api/session/refresh (spec §4.5: "Seeding must
// be idempotent with respect to already-persisted events").
func (s *Seeder) Replay(ctx context.Context) Result {
	raw, err := s.fetchHistory(ctx)
	if err != nil {
		s.log.Warnw("historical replay fetch failed", "error", err.Error())
		return Result{Document: s.state.Snapshot(), ReplayError: err}
	}

	doc := session.NewDocument()
	events := make([]event.Event, 0, len(raw))

	for _, r := range raw {
		ev, ok := s.normalizer.Normalize(r, doc.SessionUUID)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for _, ev := range events {
		next, _ := session.Reduce(doc, ev)
		doc = next
	}

	doc = applyRecentActivityFallback(doc, events)

	if err := s.persistWindow(ctx, events); err != nil {
		s.log.Warnw("failed to persist replay window", "error", err.Error())
	}

	if err := s.eventLog.UpdateState(ctx, doc); err != nil {
		s.log.Warnw("failed to persist derived document", "error", err.Error())
	}

	if err := s.state.Apply(ctx, doc, true); err != nil {
		s.log.Warnw("failed to apply replayed document to state store", "error", err.Error())
	}

	s.log.Infow("historical replay complete", "events", len(events))
	return Result{ReplayedEvents: len(events), Document: doc}
}

// applyRecentActivityFallback implements the "recent imaging activity"
// heuristic: if replay leaves the document idle and inactive but the most
// recent replayed event is an IMAGE-SAVE less than recentActivityFallback
// before now, the session is still considered active rather than idle.
func applyRecentActivityFallback(doc session.Document, events []event.Event) session.Document {
	if doc.IsActive || doc.FSMState != session.StateIdle || len(events) == 0 {
		return doc
	}

	last := events[len(events)-1]
	if last.EventType != "IMAGE-SAVE" {
		return doc
	}
	if time.Since(last.Timestamp) > recentActivityFallback {
		return doc
	}

	doc.IsActive = true
	doc.FSMState = session.StateImaging
	return doc
}

// persistWindow keeps only the most recent retainedEvents entries (spec
// §4.5), so a re-run never grows the log unbounded.
func (s *Seeder) persistWindow(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	window := events
	if len(window) > retainedEvents {
		window = window[len(window)-retainedEvents:]
	}
	return s.eventLog.AppendBatch(ctx, window)
}

// fetchHistory retrieves the imaging host's recent event history over
// HTTP (spec §7: "HTTP GET /api/nina/event-history ... used by the
// Seeder").
func (s *Seeder) fetchHistory(ctx context.Context) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HistoryURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build history request")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch event history")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("event history endpoint returned %d", resp.StatusCode)
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode event history")
	}
	return raw, nil
}
