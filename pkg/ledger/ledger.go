package ledger

import (
	"context"
	"time"
)

// ReleaseStatus is the lifecycle position of a release in the ledger
type ReleaseStatus string

const (
	ReleaseStatusActive     ReleaseStatus = "active"
	ReleaseStatusSuperseded ReleaseStatus = "superseded"  // Replaced by a newer deploy
	ReleaseStatusRolledBack ReleaseStatus = "rolled_back" // Replaced by a rollback
	ReleaseStatusUndeployed ReleaseStatus = "undeployed"
)

// Release is one release of an application known to the ledger
type Release struct {
	Application string        `db:"application"`
	Release     string        `db:"release_id"`
	Status      ReleaseStatus `db:"status"`
	Position    int64         `db:"position"` // Increases every time the release becomes active
	RunID       string        `db:"run_id"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// Event records the outcome of one operation on one application
type Event struct {
	ID          int64     `db:"id"`
	RunID       string    `db:"run_id"`
	Application string    `db:"application"`
	Operation   string    `db:"operation"`
	Release     string    `db:"release_id"`
	Result      string    `db:"result"`
	Message     string    `db:"message"`
	CreatedAt   time.Time `db:"created_at"`
}

// Ledger keeps track of which release of an application is linked into the supervisor
type Ledger interface {
	// RecordDeploy makes release active, the previously active release becomes superseded
	RecordDeploy(ctx context.Context, app, release, runID string) error

	// RecordRollback makes release active, the previously active release becomes rolled back
	RecordRollback(ctx context.Context, app, release, runID string) error

	// RecordUndeploy marks the active release undeployed
	RecordUndeploy(ctx context.Context, app, runID string) error

	// ActiveRelease returns the active release, or "" when there is none
	ActiveRelease(ctx context.Context, app string) (string, error)

	// PreviousRelease returns the most recently superseded release, or "" when there is none
	PreviousRelease(ctx context.Context, app string) (string, error)

	// Releases returns all known releases of app, most recently active first
	Releases(ctx context.Context, app string) ([]Release, error)

	RecordEvent(ctx context.Context, event Event) error

	// Events returns up to limit most recent events of app
	Events(ctx context.Context, app string, limit int) ([]Event, error)

	Close() error
}

type nullLedger struct{}

// NewNullLedger returns a Ledger that remembers nothing
func NewNullLedger() Ledger {
	return nullLedger{}
}

func (nullLedger) RecordDeploy(ctx context.Context, app, release, runID string) error   { return nil }
func (nullLedger) RecordRollback(ctx context.Context, app, release, runID string) error { return nil }
func (nullLedger) RecordUndeploy(ctx context.Context, app, runID string) error          { return nil }
func (nullLedger) ActiveRelease(ctx context.Context, app string) (string, error)        { return "", nil }
func (nullLedger) PreviousRelease(ctx context.Context, app string) (string, error)      { return "", nil }
func (nullLedger) Releases(ctx context.Context, app string) ([]Release, error)          { return nil, nil }
func (nullLedger) RecordEvent(ctx context.Context, event Event) error                   { return nil }
func (nullLedger) Events(ctx context.Context, app string, limit int) ([]Event, error) {
	return nil, nil
}
func (nullLedger) Close() error { return nil }
