// Package configstore implements the Config Store (D2): a read-only HTTP
// view of the gateway's own configuration and HTTP CRUD over the
// dashboard's widget layout blob, the latter persisted as JSON in the gateway's own SQLite
// database (not the event/session tables, spec §4.11).
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/englishfox90/nina-gateway/internal/config"
	"github.com/englishfox90/nina-gateway/internal/errors"
)

const widgetLayoutSchema = `
CREATE TABLE IF NOT EXISTS widget_layout (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	layout_json TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// coreKeys are the configuration fields whose change on a live reload is
// forwarded to the Supervisor. The Supervisor re-applies only the
// timezone offset (to the Normalizer, C2); C1 and C7 keep their start-up
// values.
var coreKeys = map[string]bool{
	"nina.host": true, "nina.port": true, "nina.timezone_offset": true,
	"nina.event_replay_window": true, "server.max_dashboard_clients": true,
}

// Store wraps the gateway's own database for widget-layout persistence
// and holds the live Config plus a channel that receives the core
// subset of any config change (spec §4.11).
type Store struct {
	db         *sql.DB
	path       string
	current    *config.Config
	coreUpdate chan *config.Config
}

// New wires a Store to the gateway's own database handle and the
// already-loaded Config.
func New(db *sql.DB, path string, cfg *config.Config) (*Store, error) {
	if _, err := db.Exec(widgetLayoutSchema); err != nil {
		return nil, errors.Wrap(err, "apply widget layout schema")
	}
	return &Store{
		db:         db,
		path:       path,
		current:    cfg,
		coreUpdate: make(chan *config.Config, 1),
	}, nil
}

// CoreUpdates delivers a Config whenever a reload changes one of
// coreKeys, for the Supervisor, which applies the new timezone offset to
// the Normalizer (C2).
func (s *Store) CoreUpdates() <-chan *config.Config {
	return s.coreUpdate
}

// OnReload is a config.ReloadCallback: installed on the watcher, it
// swaps the live Config and notifies CoreUpdates if a core key changed.
func (s *Store) OnReload(cfg *config.Config) error {
	prev := s.current
	s.current = cfg

	if prev == nil || coreChanged(prev, cfg) {
		select {
		case s.coreUpdate <- cfg:
		default:
			// A previous update hasn't been consumed yet; the latest
			// Config always wins, so drop and retry non-blocking.
			select {
			case <-s.coreUpdate:
			default:
			}
			s.coreUpdate <- cfg
		}
	}
	return nil
}

func coreChanged(prev, next *config.Config) bool {
	return prev.Nina != next.Nina || prev.Server.MaxDashboardClients != next.Server.MaxDashboardClients
}

// Current returns the live Config.
func (s *Store) Current() *config.Config {
	return s.current
}

// WidgetLayout is an opaque JSON blob the dashboard owns the shape of.
type WidgetLayout struct {
	Layout    json.RawMessage `json:"layout"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// GetWidgetLayout reads the persisted widget layout, or a zero value if
// none has ever been saved.
func (s *Store) GetWidgetLayout(ctx context.Context) (WidgetLayout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT layout_json, updated_at FROM widget_layout WHERE id = 1`)
	var layoutJSON, updatedAt string
	if err := row.Scan(&layoutJSON, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return WidgetLayout{}, nil
		}
		return WidgetLayout{}, errors.Wrap(err, "read widget layout")
	}
	t, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return WidgetLayout{Layout: json.RawMessage(layoutJSON), UpdatedAt: t}, nil
}

// PutWidgetLayout overwrites the persisted widget layout.
func (s *Store) PutWidgetLayout(ctx context.Context, layout json.RawMessage) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widget_layout (id, layout_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET layout_json = excluded.layout_json, updated_at = excluded.updated_at`,
		string(layout), now)
	if err != nil {
		return errors.Wrap(err, "write widget layout")
	}
	return nil
}

// Register installs GET /api/config (read only; other methods get 405),
// GET/PUT /api/config/widgets, and GET /api/config/health.
func (s *Store) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/config/widgets", s.handleWidgets)
	mux.HandleFunc("/api/config/health", s.handleHealth)
}

func (s *Store) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Current())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Store) handleWidgets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		layout, err := s.GetWidgetLayout(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, layout)
	case http.MethodPut:
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.PutWidgetLayout(r.Context(), body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth serves GET /api/config/health: liveness only (spec §6).
func (s *Store) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
