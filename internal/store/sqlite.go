package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/persist"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ persist.Backend = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the status watcher and CLI commands share the file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Session pointer ---

func (s *SQLiteStore) Load(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id FROM session_pointer WHERE name = ?", persist.SessionKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && id == "") {
		return "", persist.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load session pointer: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_pointer (name, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		persist.SessionKey, id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session pointer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_pointer WHERE name = ?", persist.SessionKey); err != nil {
		return fmt.Errorf("delete session pointer: %w", err)
	}
	return nil
}

// --- Session journal ---

// RecordSession inserts rec, or refreshes brand and email when the session
// is already journaled.
func (s *SQLiteStore) RecordSession(ctx context.Context, rec *models.SessionRecord) error {
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_journal (id, brand_name, email, last_state, last_error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET brand_name = excluded.brand_name, email = excluded.email, updated_at = excluded.updated_at`,
		rec.ID, rec.BrandName, rec.Email, string(rec.LastState), rec.LastError, rec.StartedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if rec.LastState != "" {
		if _, err := s.RecordState(ctx, rec.ID, rec.LastState, rec.LastError); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetSessionRecord(ctx context.Context, id string) (*models.SessionRecord, error) {
	r := &models.SessionRecord{}
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, brand_name, email, last_state, last_error, started_at, updated_at
		FROM session_journal WHERE id = ?`, id,
	).Scan(&r.ID, &r.BrandName, &r.Email, &state, &r.LastError, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	r.LastState = models.SessionState(state)
	return r, nil
}

// ListSessionRecords returns the most recently started sessions first.
// A limit of zero or less returns all records.
func (s *SQLiteStore) ListSessionRecords(ctx context.Context, limit int) ([]*models.SessionRecord, error) {
	query := `SELECT id, brand_name, email, last_state, last_error, started_at, updated_at
		FROM session_journal ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.SessionRecord
	for rows.Next() {
		r := &models.SessionRecord{}
		var state string
		if err := rows.Scan(&r.ID, &r.BrandName, &r.Email, &state, &r.LastError, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		r.LastState = models.SessionState(state)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) RecordState(ctx context.Context, id string, state models.SessionState, errMsg string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last string
	var hasTransitions int
	err = tx.QueryRowContext(ctx,
		`SELECT j.last_state, (SELECT COUNT(*) FROM session_transitions t WHERE t.session_id = j.id)
		FROM session_journal j WHERE j.id = ?`, id,
	).Scan(&last, &hasTransitions)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("read session state: %w", err)
	}

	now := time.Now().UTC()
	changed := last != string(state) || hasTransitions == 0
	if changed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_transitions (id, session_id, state, error_message, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			newULID(), id, string(state), errMsg, now,
		); err != nil {
			return false, fmt.Errorf("append transition: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_journal SET last_state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(state), errMsg, now, id,
	); err != nil {
		return false, fmt.Errorf("update session state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record state: %w", err)
	}
	return changed, nil
}

// ListTransitions returns the observed states of a session, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, id string) ([]*models.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, state, error_message, recorded_at
		FROM session_transitions WHERE session_id = ? ORDER BY recorded_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.StateTransition
	for rows.Next() {
		tr := &models.StateTransition{}
		var state string
		if err := rows.Scan(&tr.ID, &tr.SessionID, &state, &tr.ErrorMessage, &tr.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.State = models.SessionState(state)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSessionRecord(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM session_journal WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return nil
}
