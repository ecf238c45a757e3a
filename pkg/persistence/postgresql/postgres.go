// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/persistence/sqlbase"
)

const uniqueViolation = "23505"

// Store implements persistence.Store on PostgreSQL. The run_events primary
// key (run_id, sequence_number) is what turns concurrent appenders into a
// single writer per run.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.Store = (*Store)(nil)

// NewStore connects, pings, and runs migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_type, input, status, cursor, result, errors, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.Type, nullableJSON(run.Input), run.Status, run.Cursor,
		nullableJSON(run.Result), errorsJSON, run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: persistence.ErrRunAlreadyExists}
		}

		return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: err}
	}

	return nil
}

func (s *Store) Run(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, input, status, cursor, result, errors, created_at, updated_at, completed_at
		FROM workflow_runs WHERE id = $1`, id)

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
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND workflow_type = $%d", len(args))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
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

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $2, cursor = $3, result = $4, errors = $5, updated_at = NOW(), completed_at = $6
		WHERE id = $1`,
		run.ID, run.Status, run.Cursor, nullableJSON(run.Result), errorsJSON, run.CompletedAt,
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
		"SELECT COALESCE(MAX(sequence_number), 0) FROM run_events WHERE run_id = $1", runID,
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
			VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, seq, ev.ID, ev.Kind, nullableJSON(ev.Payload), ev.Timestamp,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: persistence.ErrConflict}
			}

			return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: err}
		}

		seq++
	}

	err = transaction.Commit()
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: persistence.ErrConflict}
		}

		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: err}
	}

	return seq - 1, nil
}

func (s *Store) ReadEvents(ctx context.Context, runID string, fromSeq uint64) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence_number, event_id, kind, payload, created_at
		FROM run_events
		WHERE run_id = $1 AND sequence_number >= $2
		ORDER BY sequence_number ASC`, runID, fromSeq)
	if err != nil {
		return nil, &persistence.RunError{Op: "ReadEvents", RunID: runID, Err: err}
	}
	defer rows.Close()

	var out []*events.Event

	for rows.Next() {
		var (
			ev      events.Event
			payload sql.NullString
		)

		err := rows.Scan(&ev.RunID, &ev.SequenceNumber, &ev.ID, &ev.Kind, &payload, &ev.Timestamp)
		if err != nil {
			return nil, &persistence.RunError{Op: "ReadEvents", RunID: runID, Err: err}
		}

		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}

		out = append(out, &ev)
	}

	return out, rows.Err()
}

func (s *Store) SaveTimer(ctx context.Context, timer *models.Timer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_timers (id, run_id, fire_at, fired)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		timer.ID, timer.RunID, timer.FireAt, timer.Fired,
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
		WHERE NOT fired AND fire_at <= $1
		ORDER BY fire_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}
	defer rows.Close()

	var out []*models.Timer

	for rows.Next() {
		var timer models.Timer

		err := rows.Scan(&timer.ID, &timer.RunID, &timer.FireAt, &timer.Fired)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}

		out = append(out, &timer)
	}

	return out, rows.Err()
}

func (s *Store) MarkTimerFired(ctx context.Context, timerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE run_timers SET fired = TRUE WHERE id = $1 AND NOT fired", timerID)
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
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_timers WHERE id = $1", timerID)
	if err != nil {
		return fmt.Errorf("failed to delete timer %s: %w", timerID, err)
	}

	return nil
}

func (s *Store) PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_runs
		WHERE status <> $1 AND completed_at IS NOT NULL AND completed_at < $2`,
		models.RunStatusRunning, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal runs: %w", err)
	}

	return int(affected), nil
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
			return fmt.Errorf("failed to close database connection: %w", err)
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
		completedAt sql.NullTime
	)

	err := row.Scan(&run.ID, &run.Type, &input, &run.Status, &run.Cursor,
		&result, &errorsJSON, &run.CreatedAt, &run.UpdatedAt, &completedAt)
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

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	return &run, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}
