package store

import (
	"context"
	"errors"

	"github.com/joescharf/onboard/internal/models"
)

// ErrRecordNotFound is returned when a journal entry does not exist.
var ErrRecordNotFound = errors.New("session record not found")

// Journal records the sessions this client has started and the states it
// has observed for them.
type Journal interface {
	RecordSession(ctx context.Context, rec *models.SessionRecord) error
	GetSessionRecord(ctx context.Context, id string) (*models.SessionRecord, error)
	ListSessionRecords(ctx context.Context, limit int) ([]*models.SessionRecord, error)
	// RecordState updates the last known state and appends a transition when
	// the state changed. It reports whether a transition was appended.
	RecordState(ctx context.Context, id string, state models.SessionState, errMsg string) (bool, error)
	ListTransitions(ctx context.Context, id string) ([]*models.StateTransition, error)
	DeleteSessionRecord(ctx context.Context, id string) error
}

// Store is the local SQLite database: the session pointer plus the journal.
type Store interface {
	Journal

	// Session pointer
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
	Delete(ctx context.Context) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
