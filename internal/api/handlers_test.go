package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/englishfox90/nina-gateway/internal/eventlog"
	"github.com/englishfox90/nina-gateway/internal/hub"
	"github.com/englishfox90/nina-gateway/internal/normalize"
	"github.com/englishfox90/nina-gateway/internal/seeder"
	"github.com/englishfox90/nina-gateway/internal/session"
	"github.com/englishfox90/nina-gateway/internal/statestore"
	"github.com/englishfox90/nina-gateway/internal/upstream"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	store, err := eventlog.Open(":memory:")
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	state := statestore.New(store, session.NewDocument(), time.Second)
	link := upstream.New(upstream.Config{URL: "ws://127.0.0.1:1/v2/socket"})
	h := hub.New(hub.MaxClients)
	norm := normalize.New(normalize.Config{})
	sd := seeder.New(seeder.Config{HistoryURL: "http://127.0.0.1:1"}, norm, store, state, link)

	return New(state, store, link, h, sd, &Counters{}, nil)
}

func TestHandleSession_ReturnsWrappedEnvelope(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()

	h.handleSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !env.Success || env.Data == nil || env.Timestamp.IsZero() {
		t.Errorf("expected {success: true, data, timestamp}, got %+v", env)
	}
}

func TestHandleSession_RejectsWrongMethod(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	rec := httptest.NewRecorder()

	h.handleSession(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleHealth_ReportsTriad(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/session/health", nil)
	rec := httptest.NewRecorder()

	h.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	for _, key := range []string{"sessionManager", "websocket", "database"} {
		if _, ok := env.Data[key].(bool); !ok {
			t.Errorf("expected boolean %q in the health triad, got %+v", key, env.Data)
		}
	}
}

func TestHandleRefresh_NeverReturns500OnUpstreamFailure(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/session/refresh", nil)
	rec := httptest.NewRecorder()

	h.handleRefresh(rec, req)

	// Unreachable upstream (spec §4.8): "unavailable upstreams... return
	// well-formed empty documents, not 500s".
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even when the upstream history fetch fails, got %d", rec.Code)
	}
}
