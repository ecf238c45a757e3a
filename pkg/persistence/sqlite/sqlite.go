// Package sqlite provides a file-backed Store for single-node deployments,
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.Store = (*Store)(nil)

// NewStore opens (or creates) the database file and initializes the schema.
func NewStore(ctx context.Context, logger *slog.Logger, path string) (*Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The driver is safe for concurrent use but sqlite allows one writer.
	database.SetMaxOpenConns(1)

	store := &Store{db: database, logger: logger}

	err = store.initSchema(ctx)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			input TEXT,
			status TEXT NOT NULL,
			cursor INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			errors TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);

		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, sequence_number)
		);

		CREATE TABLE IF NOT EXISTS run_timers (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			fire_at INTEGER NOT NULL,
			fired INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_run_timers_due ON run_timers(fire_at, fired);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}

	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: err}
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_type, input, status, cursor, result, errors, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Type, nullableText(run.Input), run.Status, run.Cursor,
		nullableText(run.Result), string(errorsJSON),
		run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(), completedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: persistence.ErrRunAlreadyExists}
		}

		return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: err}
	}

	return nil
}

func (s *Store) Run(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, input, status, cursor, result, errors, created_at, updated_at, completed_at
		FROM workflow_runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.RunError{Op: "Run", RunID: id, Err: persistence.ErrRunNotFound}
		}

		return nil, &persistence.RunError{Op: "Run", RunID: id, Err: err}
	}

	return run, nil
}

func (s *Store) Runs(ctx context.Context, filter persistence.RunFilter) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, workflow_type, input, status, cursor, result, errors, created_at, updated_at, completed_at
		FROM workflow_runs WHERE 1=1`

	args := []any{}

	if filter.Type != "" {
		query += " AND workflow_type = ?"

		args = append(args, filter.Type)
	}

	if filter.Status != "" {
		query += " AND status = ?"

		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		out = append(out, run)
	}

	return out, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return &persistence.RunError{Op: "UpdateRun", RunID: run.ID, Err: err}
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UnixNano()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, cursor = ?, result = ?, errors = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		run.Status, run.Cursor, nullableText(run.Result), string(errorsJSON),
		time.Now().UTC().UnixNano(), completedAt, run.ID,
	)
	if err != nil {
		return &persistence.RunError{Op: "UpdateRun", RunID: run.ID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &persistence.RunError{Op: "UpdateRun", RunID: run.ID, Err: err}
	}

	if affected == 0 {
		return &persistence.RunError{Op: "UpdateRun", RunID: run.ID, Err: persistence.ErrRunNotFound}
	}

	return nil
}

func (s *Store) AppendEvents(ctx context.Context, runID string, expectedNext uint64, evs []*events.Event) (uint64, error) {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: err}
	}
	defer func() { _ = transaction.Rollback() }()

	var current uint64

	err = transaction.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) FROM run_events WHERE run_id = ?", runID,
	).Scan(&current)
	if err != nil {
		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: err}
	}

	if expectedNext != current+1 {
		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: persistence.ErrConflict}
	}

	seq := expectedNext

	for _, ev := range evs {
		_, err = transaction.ExecContext(ctx, `
			INSERT INTO run_events (run_id, sequence_number, event_id, kind, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, seq, ev.ID, ev.Kind, nullableText(ev.Payload), ev.Timestamp.UnixNano(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: persistence.ErrConflict}
			}

			return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: err}
		}

		seq++
	}

	err = transaction.Commit()
	if err != nil {
		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: err}
	}

	return seq - 1, nil
}

func (s *Store) ReadEvents(ctx context.Context, runID string, fromSeq uint64) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence_number, event_id, kind, payload, created_at
		FROM run_events
		WHERE run_id = ? AND sequence_number >= ?
		ORDER BY sequence_number ASC`, runID, fromSeq)
	if err != nil {
		return nil, &persistence.RunError{Op: "ReadEvents", RunID: runID, Err: err}
	}
	defer rows.Close()

	var out []*events.Event

	for rows.Next() {
		var (
			ev        events.Event
			payload   sql.NullString
			createdAt int64
		)

		err := rows.Scan(&ev.RunID, &ev.SequenceNumber, &ev.ID, &ev.Kind, &payload, &createdAt)
		if err != nil {
			return nil, &persistence.RunError{Op: "ReadEvents", RunID: runID, Err: err}
		}

		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}

		ev.Timestamp = time.Unix(0, createdAt).UTC()

		out = append(out, &ev)
	}

	return out, rows.Err()
}

func (s *Store) SaveTimer(ctx context.Context, timer *models.Timer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_timers (id, run_id, fire_at, fired)
		VALUES (?, ?, ?, ?)`,
		timer.ID, timer.RunID, timer.FireAt.UnixNano(), boolToInt(timer.Fired),
	)
	if err != nil {
		return fmt.Errorf("failed to save timer %s: %w", timer.ID, err)
	}

	return nil
}

func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*models.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, fire_at, fired
		FROM run_timers
		WHERE fired = 0 AND fire_at <= ?
		ORDER BY fire_at ASC`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}
	defer rows.Close()

	var out []*models.Timer

	for rows.Next() {
		var (
			timer  models.Timer
			fireAt int64
			fired  int
		)

		err := rows.Scan(&timer.ID, &timer.RunID, &fireAt, &fired)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}

		timer.FireAt = time.Unix(0, fireAt).UTC()
		timer.Fired = fired != 0

		out = append(out, &timer)
	}

	return out, rows.Err()
}

func (s *Store) MarkTimerFired(ctx context.Context, timerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE run_timers SET fired = 1 WHERE id = ? AND fired = 0", timerID)
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s fired: %w", timerID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s fired: %w", timerID, err)
	}

	return affected == 1, nil
}

func (s *Store) DeleteTimer(ctx context.Context, timerID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_timers WHERE id = ?", timerID)
	if err != nil {
		return fmt.Errorf("failed to delete timer %s: %w", timerID, err)
	}

	return nil
}

func (s *Store) PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int, error) {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
	}
	defer func() { _ = transaction.Rollback() }()

	rows, err := transaction.QueryContext(ctx, `
		SELECT id FROM workflow_runs
		WHERE status <> ? AND completed_at IS NOT NULL AND completed_at < ?`,
		models.RunStatusRunning, cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
	}

	var ids []string

	for rows.Next() {
		var id string

		err := rows.Scan(&id)
		if err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
		}

		ids = append(ids, id)
	}

	err = rows.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
	}

	for _, id := range ids {
		for _, stmt := range []string{
			"DELETE FROM run_events WHERE run_id = ?",
			"DELETE FROM run_timers WHERE run_id = ?",
			"DELETE FROM workflow_runs WHERE id = ?",
		} {
			_, err = transaction.ExecContext(ctx, stmt, id)
			if err != nil {
				return 0, fmt.Errorf("failed to purge run %s: %w", id, err)
			}
		}
	}

	err = transaction.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
	}

	return len(ids), nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.WorkflowRun, error) {
	var (
		run         models.WorkflowRun
		input       sql.NullString
		result      sql.NullString
		errorsJSON  sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)

	err := row.Scan(&run.ID, &run.Type, &input, &run.Status, &run.Cursor,
		&result, &errorsJSON, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		run.Input = json.RawMessage(input.String)
	}

	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}

	if errorsJSON.Valid && errorsJSON.String != "null" {
		err := json.Unmarshal([]byte(errorsJSON.String), &run.Errors)
		if err != nil {
			return nil, fmt.Errorf("failed to decode run errors: %w", err)
		}
	}

	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		run.CompletedAt = &t
	}

	return &run, nil
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
