// Package api implements the Session API (C8): the HTTP surface dashboards
// and operators use to read the current session document, trigger a
// manual reseed, and check health/stats.
package api

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/eventlog"
	"github.com/englishfox90/nina-gateway/internal/hub"
	"github.com/englishfox90/nina-gateway/internal/logger"
	"github.com/englishfox90/nina-gateway/internal/seeder"
	"github.com/englishfox90/nina-gateway/internal/statestore"
	"github.com/englishfox90/nina-gateway/internal/upstream"
)

// Counters are the process/db/WS/event counters served by
// GET /api/session/stats (spec §4.8).
type Counters struct {
	EventsProcessed  atomic.Int64
	EventsDropped    atomic.Int64
	PersistenceCalls atomic.Int64
}

// Handlers wires the Session API to its collaborators.
type Handlers struct {
	state     *statestore.Store
	eventLog  *eventlog.Store
	link      *upstream.Link
	hub       *hub.Hub
	refresher *seeder.Seeder
	counters  *Counters
	startedAt time.Time
	allowed   []string
	log       *zap.SugaredLogger
}

// New constructs Handlers. allowedOrigins mirrors the teacher's
// prefix-matched CORS allow-list; an empty list allows any origin (dev
// default).
func New(state *statestore.Store, eventLog *eventlog.Store, link *upstream.Link, h *hub.Hub, refresher *seeder.Seeder, counters *Counters, allowedOrigins []string) *Handlers {
	return &Handlers{
		state:     state,
		eventLog:  eventLog,
		link:      link,
		hub:       h,
		refresher: refresher,
		counters:  counters,
		startedAt: time.Now().UTC(),
		allowed:   allowedOrigins,
		log:       logger.Named("api"),
	}
}

// Register installs every route on mux, each wrapped in CORS middleware.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/session", h.cors(h.handleSession))
	mux.HandleFunc("/api/nina/session-state", h.cors(h.handleSessionStateCompat))
	mux.HandleFunc("/api/session/refresh", h.cors(h.handleRefresh))
	mux.HandleFunc("/api/session/stats", h.cors(h.handleStats))
	mux.HandleFunc("/api/session/health", h.cors(h.handleHealth))
}

// handleSession serves GET /api/session: the current document wrapped
// { success, data, timestamp } (spec §4.8).
func (h *Handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOK(w, h.state.Snapshot())
}

// handleSessionStateCompat serves GET /api/nina/session-state: the same
// document, unwrapped for compatibility with older dashboard builds
// (spec §4.8).
func (h *Handlers) handleSessionStateCompat(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// handleRefresh serves POST /api/session/refresh: re-run the Seeder's
// replay step and return the resulting document (spec §4.5, §4.8).
func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	result := h.refresher.Replay(ctx)
	if result.ReplayError != nil {
		h.log.Warnw("manual refresh replay failed", "error", result.ReplayError.Error())
	}
	writeOK(w, h.state.Snapshot())
}

// handleStats serves GET /api/session/stats: process/db/WS/event
// counters (spec §4.8).
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	stats := map[string]any{
		"uptimeSeconds":    time.Since(h.startedAt).Seconds(),
		"eventsProcessed":  h.counters.EventsProcessed.Load(),
		"eventsDropped":    h.counters.EventsDropped.Load(),
		"persistenceCalls": h.counters.PersistenceCalls.Load(),
		"connectedClients": h.hub.ClientCount(),
		"upstream":         h.link.Health(),
	}
	writeOK(w, stats)
}

// handleHealth serves GET /api/session/health: the boolean triad
// { sessionManager, websocket, database } plus uptime — the single
// truth source the rest of the gateway's surfaces defer to (spec §7).
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	dbHealthy := true
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := h.eventLog.ReadState(ctx); err != nil {
		dbHealthy = false
	}

	health := map[string]any{
		"sessionManager": true, // the FSM/State Store are always in memory once the process is up
		"websocket":      h.link.Health().Connected,
		"database":       dbHealthy,
		"uptimeSeconds":  time.Since(h.startedAt).Seconds(),
	}
	writeOK(w, health)
}

// cors mirrors the prefix-matched allow-list CORS middleware, restricted
// to the methods the Session API actually exposes.
func (h *Handlers) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (h *Handlers) originAllowed(origin string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	for _, allowed := range h.allowed {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
