// Package eventlog implements the Event Log (C3): append-only
// persistence of normalized events plus the singleton derived-state row,
// both backed by SQLite. It is the only package that knows SQLite stores
// booleans as 0/1 integers and dates as ISO-8601 strings (spec §9).
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/errors"
	"github.com/englishfox90/nina-gateway/internal/event"
	"github.com/englishfox90/nina-gateway/internal/logger"
	"github.com/englishfox90/nina-gateway/internal/session"
)

// Store is the Event Log: append(event), updateState(document),
// readState(), listRecent(n), pruneOlderThan(n) (spec §4.3).
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open opens (creating if needed) the gateway's own SQLite database file
// and applies the Event Log schema. Exactly one Store should own this
// file per process (spec §5).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, errors.Wrap(err, "open event log database")
	}
	db.SetMaxOpenConns(1) // SQLite writers are serialized by the file itself (spec §5)

	store := NewStore(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an already-open *sql.DB, e.g. an in-memory database in
// tests.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logger.Named("eventlog")}
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "apply event log schema")
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection, for collaborators (e.g. the
// Config Store's widget-layout table) that persist into the same
// gateway database file without opening a second handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append persists one normalized event synchronously (spec §4.3:
// "append is synchronous per event").
func (s *Store) Append(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_event (session_uuid, event_type, timestamp_utc, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.SessionUUID, ev.EventType, isoUTC(ev.Timestamp), string(payload), isoUTC(time.Now().UTC()))
	if err != nil {
		return errors.Wrap(err, "append event")
	}
	return nil
}

// AppendBatch persists many events as a single transaction, the form the
// Seeder's boot replay uses (spec §4.3: "batched on the seeding path,
// transaction-per-batch, e.g. 50 events"). A failure partway through
// rolls the whole batch back, so a canceled seed never corrupts the log
// (spec §5: "cancellation is cooperative and bounded").
func (s *Store) AppendBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch append transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_event (session_uuid, event_type, timestamp_utc, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare batch append statement")
	}
	defer stmt.Close()

	createdAt := isoUTC(time.Now().UTC())
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return errors.Wrap(err, "marshal event payload")
		}
		if _, err := stmt.ExecContext(ctx, ev.SessionUUID, ev.EventType, isoUTC(ev.Timestamp), string(payload), createdAt); err != nil {
			return errors.Wrap(err, "append event in batch")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit batch append transaction")
	}
	return nil
}

// ListRecent returns the n most recently appended events, oldest first
// (suitable for sequential replay).
func (s *Store) ListRecent(ctx context.Context, n int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_uuid, event_type, timestamp_utc, payload_json
		 FROM session_event ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "list recent events")
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var sessionUUID, eventType, ts, payloadJSON string
		if err := rows.Scan(&sessionUUID, &eventType, &ts, &payloadJSON); err != nil {
			return nil, errors.Wrap(err, "scan recent event")
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal event payload")
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, errors.Wrap(err, "parse persisted timestamp")
			}
		}
		events = append(events, event.Event{
			SessionUUID: sessionUUID,
			EventType:   eventType,
			Timestamp:   parsed,
			Payload:     payload,
		})
	}
	// Reverse: query was newest-first, replay wants oldest-first (spec
	// invariant 4: "monotonic per sessionUuid... achieved by stable sort").
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}

// PruneOlderThan keeps only the most recent keepPerSession events for
// each session_uuid, deleting the rest (spec §3 Lifecycles: "events are
// pruned on a periodic sweep").
func (s *Store) PruneOlderThan(ctx context.Context, keepPerSession int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_event
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY session_uuid ORDER BY id DESC
				) AS rn
				FROM session_event
			) WHERE rn <= ?
		)`, keepPerSession)
	if err != nil {
		return errors.Wrap(err, "prune event log")
	}
	return nil
}

// UpdateState overwrites the singleton session_state row with the given
// document (spec §4.3, §3 Lifecycles: "overwritten on every change").
func (s *Store) UpdateState(ctx context.Context, doc session.Document) error {
	targetJSON, err := json.Marshal(doc.Target)
	if err != nil {
		return errors.Wrap(err, "marshal target")
	}
	lastImageJSON, err := json.Marshal(doc.LastImage)
	if err != nil {
		return errors.Wrap(err, "marshal last image")
	}
	activityJSON, err := json.Marshal(doc.Activity)
	if err != nil {
		return errors.Wrap(err, "marshal activity")
	}
	equipJSON, err := json.Marshal(doc.LastEquipmentChange)
	if err != nil {
		return errors.Wrap(err, "marshal equipment change")
	}
	flatsJSON, err := json.Marshal(doc.Flats)
	if err != nil {
		return errors.Wrap(err, "marshal flats")
	}
	darksJSON, err := json.Marshal(doc.Darks)
	if err != nil {
		return errors.Wrap(err, "marshal darks")
	}

	filterName := ""
	if doc.Filter != nil {
		filterName = doc.Filter.Name
	}

	var sessionStart *string
	if doc.SessionStart != nil {
		s := isoUTC(*doc.SessionStart)
		sessionStart = &s
	}

	safetyIsSafe := triStateToNullableInt(doc.Safety.IsSafe)
	var safetyTime *string
	if !doc.Safety.Time.IsZero() {
		t := isoUTC(doc.Safety.Time)
		safetyTime = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state (
			id, current_session_uuid, target_json, filter_name, last_image_json,
			safety_is_safe, safety_time, activity_json, last_equipment_change_json,
			flats_json, darks_json, session_start, is_active, is_guiding, last_update
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_session_uuid = excluded.current_session_uuid,
			target_json = excluded.target_json,
			filter_name = excluded.filter_name,
			last_image_json = excluded.last_image_json,
			safety_is_safe = excluded.safety_is_safe,
			safety_time = excluded.safety_time,
			activity_json = excluded.activity_json,
			last_equipment_change_json = excluded.last_equipment_change_json,
			flats_json = excluded.flats_json,
			darks_json = excluded.darks_json,
			session_start = excluded.session_start,
			is_active = excluded.is_active,
			is_guiding = excluded.is_guiding,
			last_update = excluded.last_update`,
		doc.SessionUUID, string(targetJSON), filterName, string(lastImageJSON),
		safetyIsSafe, safetyTime, string(activityJSON), string(equipJSON),
		string(flatsJSON), string(darksJSON), sessionStart,
		boolToInt(doc.IsActive), boolToInt(doc.IsGuiding), isoUTC(doc.LastUpdate))
	if err != nil {
		return errors.Wrap(err, "update session state")
	}
	return nil
}

// ReadState returns the persisted derived document, or ok=false if no
// state has ever been written (fresh database).
func (s *Store) ReadState(ctx context.Context) (session.Document, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT current_session_uuid, target_json, filter_name, last_image_json,
			safety_is_safe, safety_time, activity_json, last_equipment_change_json,
			flats_json, darks_json, session_start, is_active, is_guiding, last_update
		FROM session_state WHERE id = 1`)

	var (
		sessionUUID, targetJSON, filterName, lastImageJSON                 string
		activityJSON, equipJSON, flatsJSON, darksJSON                      string
		safetyIsSafe                                                       sql.NullInt64
		safetyTime, sessionStart, lastUpdate                               sql.NullString
		isActive, isGuiding                                                int
	)
	err := row.Scan(&sessionUUID, &targetJSON, &filterName, &lastImageJSON,
		&safetyIsSafe, &safetyTime, &activityJSON, &equipJSON,
		&flatsJSON, &darksJSON, &sessionStart, &isActive, &isGuiding, &lastUpdate)
	if err == sql.ErrNoRows {
		return session.NewDocument(), false, nil
	}
	if err != nil {
		return session.Document{}, false, errors.Wrap(err, "read session state")
	}

	doc := session.NewDocument()
	doc.SessionUUID = sessionUUID
	doc.IsActive = isActive != 0
	doc.IsGuiding = isGuiding != 0

	if targetJSON != "" && targetJSON != "null" {
		var t session.Target
		if err := json.Unmarshal([]byte(targetJSON), &t); err == nil {
			doc.Target = &t
		}
	}
	if filterName != "" {
		doc.Filter = &session.Filter{Name: filterName}
	}
	if lastImageJSON != "" && lastImageJSON != "null" {
		var li session.LastImage
		if err := json.Unmarshal([]byte(lastImageJSON), &li); err == nil {
			doc.LastImage = &li
		}
	}
	if activityJSON != "" {
		json.Unmarshal([]byte(activityJSON), &doc.Activity)
	}
	if equipJSON != "" && equipJSON != "null" {
		var ec session.EquipmentChange
		if err := json.Unmarshal([]byte(equipJSON), &ec); err == nil {
			doc.LastEquipmentChange = &ec
		}
	}
	if flatsJSON != "" {
		json.Unmarshal([]byte(flatsJSON), &doc.Flats)
	}
	if darksJSON != "" {
		json.Unmarshal([]byte(darksJSON), &doc.Darks)
	}
	doc.Safety.IsSafe = nullableIntToTriState(safetyIsSafe)
	if safetyTime.Valid {
		if t, err := time.Parse(time.RFC3339Nano, safetyTime.String); err == nil {
			doc.Safety.Time = t
		}
	}
	if sessionStart.Valid {
		if t, err := time.Parse(time.RFC3339Nano, sessionStart.String); err == nil {
			doc.SessionStart = &t
		}
	}
	if lastUpdate.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastUpdate.String); err == nil {
			doc.LastUpdate = t
		}
	}

	return doc, true, nil
}

func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// triStateToNullableInt and nullableIntToTriState encapsulate the
// safety tri-state's SQLite representation: NULL means unknown, 1/0
// means true/false (spec §9).
func triStateToNullableInt(t session.TriState) any {
	switch t {
	case session.True:
		return 1
	case session.False:
		return 0
	default:
		return nil
	}
}

func nullableIntToTriState(v sql.NullInt64) session.TriState {
	if !v.Valid {
		return session.Unknown
	}
	if v.Int64 != 0 {
		return session.True
	}
	return session.False
}
