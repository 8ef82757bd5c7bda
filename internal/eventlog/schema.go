package eventlog

const schema = `
CREATE TABLE IF NOT EXISTS session_event (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid  TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	timestamp_utc TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_event_session ON session_event(session_uuid);
CREATE INDEX IF NOT EXISTS idx_session_event_timestamp ON session_event(timestamp_utc);

CREATE TABLE IF NOT EXISTS session_state (
	id                         INTEGER PRIMARY KEY CHECK (id = 1),
	current_session_uuid       TEXT,
	target_json                TEXT,
	filter_name                TEXT,
	last_image_json            TEXT,
	safety_is_safe             INTEGER,
	safety_time                TEXT,
	activity_json              TEXT,
	last_equipment_change_json TEXT,
	flats_json                 TEXT,
	darks_json                 TEXT,
	session_start              TEXT,
	is_active                  INTEGER NOT NULL DEFAULT 0,
	is_guiding                 INTEGER NOT NULL DEFAULT 0,
	last_update                TEXT
);
`
