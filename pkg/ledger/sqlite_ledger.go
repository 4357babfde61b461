package ledger

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS releases_v1 (
	application TEXT NOT NULL,
	release_id TEXT NOT NULL,
	status TEXT NOT NULL,
	position INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (application, release_id)
);

CREATE TABLE IF NOT EXISTS events_v1 (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	application TEXT NOT NULL,
	operation TEXT NOT NULL,
	release_id TEXT NOT NULL,
	result TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS events_v1_application ON events_v1 (application, id);
`

const activateReleaseSql = `
INSERT INTO releases_v1 (application, release_id, status, position, run_id, updated_at)
VALUES (?, ?, 'active',
	(SELECT COALESCE(MAX(position), 0) + 1 FROM releases_v1 WHERE application = ?),
	?, CURRENT_TIMESTAMP)
ON CONFLICT (application, release_id)
DO UPDATE SET status = 'active', position = excluded.position, run_id = excluded.run_id, updated_at = excluded.updated_at
`

const demoteActiveSql = `
UPDATE releases_v1 SET status = ?, run_id = ?, updated_at = CURRENT_TIMESTAMP
WHERE application = ? AND status = 'active' AND release_id != ?
`

type sqliteLedger struct {
	db     *sqlx.DB
	logger logging.Logger
}

// OpenSQLiteLedger opens or creates the ledger database at path
func OpenSQLiteLedger(path string, logger logging.Logger) (Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewIOError("failed to create ledger directory", err).WithContext("path", path)
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewIOError("failed to open ledger", err).WithContext("path", path)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewIOError("failed to initialize ledger schema", err).WithContext("path", path)
	}

	logger.Debugf("Opened release ledger, path: %s", path)
	return &sqliteLedger{db: db, logger: logger}, nil
}

func (l *sqliteLedger) RecordDeploy(ctx context.Context, app, release, runID string) error {
	return l.activate(ctx, app, release, runID, ReleaseStatusSuperseded)
}

func (l *sqliteLedger) RecordRollback(ctx context.Context, app, release, runID string) error {
	return l.activate(ctx, app, release, runID, ReleaseStatusRolledBack)
}

func (l *sqliteLedger) activate(ctx context.Context, app, release, runID string, demoteTo ReleaseStatus) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewIOError("failed to begin ledger transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, demoteActiveSql, demoteTo, runID, app, release); err != nil {
		return errors.NewIOError("failed to update previous release", err).WithContext("application", app)
	}
	if _, err := tx.ExecContext(ctx, activateReleaseSql, app, release, app, runID); err != nil {
		return errors.NewIOError("failed to record active release", err).
			WithContext("application", app).
			WithContext("release", release)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewIOError("failed to commit ledger transaction", err)
	}

	l.logger.Debugf("Recorded active release, application: %s, release: %s, previous: %s", app, release, demoteTo)
	return nil
}

func (l *sqliteLedger) RecordUndeploy(ctx context.Context, app, runID string) error {
	_, err := l.db.ExecContext(ctx, demoteActiveSql, ReleaseStatusUndeployed, runID, app, "")
	if err != nil {
		return errors.NewIOError("failed to record undeploy", err).WithContext("application", app)
	}
	return nil
}

func (l *sqliteLedger) ActiveRelease(ctx context.Context, app string) (string, error) {
	return l.latestWithStatus(ctx, app, ReleaseStatusActive)
}

func (l *sqliteLedger) PreviousRelease(ctx context.Context, app string) (string, error) {
	return l.latestWithStatus(ctx, app, ReleaseStatusSuperseded)
}

func (l *sqliteLedger) latestWithStatus(ctx context.Context, app string, status ReleaseStatus) (string, error) {
	var release string
	err := l.db.GetContext(ctx, &release,
		"SELECT release_id FROM releases_v1 WHERE application = ? AND status = ? ORDER BY position DESC LIMIT 1",
		app, status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.NewIOError("failed to query ledger", err).
			WithContext("application", app).
			WithContext("status", string(status))
	}
	return release, nil
}

func (l *sqliteLedger) Releases(ctx context.Context, app string) ([]Release, error) {
	var releases []Release
	err := l.db.SelectContext(ctx, &releases,
		`SELECT application, release_id, status, position, run_id, updated_at
		FROM releases_v1 WHERE application = ? ORDER BY position DESC`,
		app)
	if err != nil {
		return nil, errors.NewIOError("failed to query releases", err).WithContext("application", app)
	}
	return releases, nil
}

func (l *sqliteLedger) RecordEvent(ctx context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.NamedExecContext(ctx,
		`INSERT INTO events_v1 (run_id, application, operation, release_id, result, message, created_at)
		VALUES (:run_id, :application, :operation, :release_id, :result, :message, :created_at)`,
		event)
	if err != nil {
		return errors.NewIOError("failed to record event", err).
			WithContext("application", event.Application).
			WithContext("operation", event.Operation)
	}
	return nil
}

func (l *sqliteLedger) Events(ctx context.Context, app string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var events []Event
	err := l.db.SelectContext(ctx, &events,
		`SELECT id, run_id, application, operation, release_id, result, message, created_at
		FROM events_v1 WHERE application = ? ORDER BY id DESC LIMIT ?`,
		app, limit)
	if err != nil {
		return nil, errors.NewIOError("failed to query events", err).WithContext("application", app)
	}
	return events, nil
}

func (l *sqliteLedger) Close() error {
	return l.db.Close()
}
