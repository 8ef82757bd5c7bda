// Package scheduler implements the Scheduler View (D1): a read-only
// window onto the target-scheduler's own SQLite database, used only by
// a thin HTTP surface — never by the FSM or Event Log (spec §5, §4.10).
package scheduler

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/englishfox90/nina-gateway/internal/errors"
)

// Project is a row from the scheduler's project table.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Target is a row from the scheduler's target table.
type Target struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"projectId"`
	Name           string  `json:"name"`
	Rotation       float64 `json:"rotation"`
	ScheduledEndAt *string `json:"scheduledEndAt,omitempty"`
}

// View is a read-only connection to the scheduler database.
type View struct {
	db *sql.DB
}

// Open connects to the scheduler's SQLite file in read-only mode (spec
// §4.10: "file:path?mode=ro&_query_only=1"); it never writes to it and
// it is opened independently of the gateway's own database file.
func Open(path string) (*View, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_query_only=1")
	if err != nil {
		return nil, errors.Wrap(err, "open scheduler database read-only")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping scheduler database")
	}
	return &View{db: db}, nil
}

// Close closes the underlying read-only connection.
func (v *View) Close() error {
	return v.db.Close()
}

// ListProjects returns every scheduled project.
func (v *View) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT id, name FROM project ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list projects")
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, errors.Wrap(err, "scan project row")
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetTarget returns one scheduled target by id.
func (v *View) GetTarget(ctx context.Context, id string) (Target, error) {
	row := v.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, rotation, scheduled_end_at FROM target WHERE id = ?`, id)

	var t Target
	var scheduledEndAt sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Rotation, &scheduledEndAt); err != nil {
		if err == sql.ErrNoRows {
			return Target{}, errors.Newf("target %q not found", id)
		}
		return Target{}, errors.Wrap(err, "scan target row")
	}
	if scheduledEndAt.Valid {
		t.ScheduledEndAt = &scheduledEndAt.String
	}
	return t, nil
}
