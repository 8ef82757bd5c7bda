package seeder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/englishfox90/nina-gateway/internal/eventlog"
	"github.com/englishfox90/nina-gateway/internal/normalize"
	"github.com/englishfox90/nina-gateway/internal/session"
	"github.com/englishfox90/nina-gateway/internal/statestore"
)

func sessionDoc(t *testing.T) session.Document {
	t.Helper()
	return session.NewDocument()
}

func newTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	store, err := eventlog.Open(":memory:")
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	return store
}

func historyServer(t *testing.T, events []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(events)
	}))
}

func TestReplay_FeedsEventsInTimestampOrder(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	events := []map[string]any{
		{
			"Event": "TS-TARGETSTART",
			"Time":  now.Add(2 * time.Second).Format(time.RFC3339),
			"TargetName": "M31",
			"ProjectName": "Andromeda Mosaic",
		},
		{
			"Event": "SEQUENCE-STARTING",
			"Time":  now.Format(time.RFC3339),
		},
	}

	srv := historyServer(t, events)
	defer srv.Close()

	store := newTestStore(t)
	defer store.Close()

	state := statestore.New(store, sessionDoc(t), time.Second)
	norm := normalize.New(normalize.Config{})

	s := New(Config{HistoryURL: srv.URL}, norm, store, state, nil)

	result := s.Replay(context.Background())
	if result.ReplayError != nil {
		t.Fatalf("unexpected replay error: %v", result.ReplayError)
	}
	if result.ReplayedEvents != 2 {
		t.Fatalf("expected 2 replayed events, got %d", result.ReplayedEvents)
	}
	if result.Document.Target == nil || result.Document.Target.Name != "M31" {
		t.Errorf("expected target M31 after replay, got %+v", result.Document.Target)
	}
}

func TestReplay_IsIdempotent(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	events := []map[string]any{
		{"Event": "SEQUENCE-STARTING", "Time": now.Format(time.RFC3339)},
	}

	srv := historyServer(t, events)
	defer srv.Close()

	store := newTestStore(t)
	defer store.Close()

	state := statestore.New(store, sessionDoc(t), time.Second)
	norm := normalize.New(normalize.Config{})
	s := New(Config{HistoryURL: srv.URL}, norm, store, state, nil)

	first := s.Replay(context.Background())
	second := s.Replay(context.Background())

	if first.ReplayError != nil || second.ReplayError != nil {
		t.Fatalf("unexpected replay errors: %v / %v", first.ReplayError, second.ReplayError)
	}
	if first.Document.FSMState != second.Document.FSMState {
		t.Errorf("expected re-running Replay to reach the same state, got %q then %q",
			first.Document.FSMState, second.Document.FSMState)
	}
}

func TestReplay_AppliesRecentActivityFallback(t *testing.T) {
	recent := time.Now().Add(-5 * time.Minute)
	events := []map[string]any{
		{
			"Event": "IMAGE-SAVE",
			"Time":  recent.Format(time.RFC3339),
			"ImageStatistics": map[string]any{
				"ImageType":    "LIGHT",
				"Filter":       "L",
				"ExposureTime": 120,
			},
		},
	}

	srv := historyServer(t, events)
	defer srv.Close()

	store := newTestStore(t)
	defer store.Close()

	state := statestore.New(store, sessionDoc(t), time.Second)
	norm := normalize.New(normalize.Config{})
	s := New(Config{HistoryURL: srv.URL}, norm, store, state, nil)

	result := s.Replay(context.Background())
	if result.ReplayError != nil {
		t.Fatalf("unexpected replay error: %v", result.ReplayError)
	}
	if !result.Document.IsActive || result.Document.FSMState != session.StateImaging {
		t.Errorf("expected recent lone IMAGE-SAVE to imply an active session, got isActive=%v fsmState=%q",
			result.Document.IsActive, result.Document.FSMState)
	}
}

func TestReplay_DoesNotApplyFallbackForStaleActivity(t *testing.T) {
	stale := time.Now().Add(-2 * time.Hour)
	events := []map[string]any{
		{
			"Event": "IMAGE-SAVE",
			"Time":  stale.Format(time.RFC3339),
			"ImageStatistics": map[string]any{
				"ImageType":    "LIGHT",
				"Filter":       "L",
				"ExposureTime": 120,
			},
		},
	}

	srv := historyServer(t, events)
	defer srv.Close()

	store := newTestStore(t)
	defer store.Close()

	state := statestore.New(store, sessionDoc(t), time.Second)
	norm := normalize.New(normalize.Config{})
	s := New(Config{HistoryURL: srv.URL}, norm, store, state, nil)

	result := s.Replay(context.Background())
	if result.ReplayError != nil {
		t.Fatalf("unexpected replay error: %v", result.ReplayError)
	}
	if result.Document.IsActive || result.Document.FSMState != session.StateIdle {
		t.Errorf("expected stale lone IMAGE-SAVE to leave the session idle, got isActive=%v fsmState=%q",
			result.Document.IsActive, result.Document.FSMState)
	}
}

func TestReplay_HandlesUnreachableHost(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	state := statestore.New(store, sessionDoc(t), time.Second)
	norm := normalize.New(normalize.Config{})
	s := New(Config{HistoryURL: "http://127.0.0.1:1"}, norm, store, state, nil)

	result := s.Replay(context.Background())
	if result.ReplayError == nil {
		t.Fatal("expected a replay error for an unreachable host")
	}
	// A well-formed empty document, not a panic or zero value (spec §4.8).
	if result.Document.FSMState == "" {
		t.Error("expected a well-formed document even when replay fails")
	}
}
