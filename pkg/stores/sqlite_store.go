package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/bollardhq/bollard/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.ReportStore on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open creates the store, opens the database in WAL mode, and applies
// pending migrations.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies pending schema migrations from the embedded source.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRun implements engine.ReportStore.
func (s *SQLiteStore) CreateRun(ctx context.Context, report *engine.RunReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, spec_name, status, started_at, summary_json)
		VALUES (?, ?, ?, ?, '{}')`,
		report.RunID, report.SpecName, string(engine.RunStatusRunning),
		report.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SaveResult implements engine.ReportStore.
func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, result *engine.ExecutionResult) error {
	var errJSON sql.NullString
	if result.Error != nil {
		data, err := json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to encode result error: %w", err)
		}
		errJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_results
			(run_id, operation_id, host, outcome, attempts, started_at, completed_at, duration_ms, output, error_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.OperationID, result.Host, string(result.Outcome), result.Attempts,
		nullTime(result.StartedAt), nullTime(result.CompletedAt),
		result.Duration.Milliseconds(), result.Output, errJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// CompleteRun implements engine.ReportStore.
func (s *SQLiteStore) CompleteRun(ctx context.Context, report *engine.RunReport) error {
	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ms = ?, summary_json = ?
		WHERE run_id = ?`,
		string(report.Status), report.CompletedAt.UTC().Format(time.RFC3339Nano),
		report.Duration.Milliseconds(), string(summary), report.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested implements engine.ReportStore.
func (s *SQLiteStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var requestedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT requested_at FROM cancellations WHERE run_id = ?`, runID,
	).Scan(&requestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return true, nil
}

// RequestCancel records a cancellation request for an active run. The
// executing process observes it at its next dispatch boundary.
func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = ?`, runID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up run: %w", err)
	}
	if !engine.RunStatus(status).IsActive() {
		return ErrRunNotActive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cancellations (run_id, requested_at) VALUES (?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		runID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	return nil
}

// AppendEvent persists one timeline event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, type, operation_id, host, occurred_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, string(event.Type), event.OperationID, event.Host,
		event.Timestamp.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListRuns returns run metadata, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunMeta, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, spec_name, status, started_at, completed_at, duration_ms, summary_json
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunMeta
	for rows.Next() {
		meta, err := scanRunMeta(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, meta)
	}
	return runs, rows.Err()
}

// GetRun reconstructs a full run report, results included.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.RunReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, spec_name, status, started_at, completed_at, duration_ms, summary_json
		FROM runs WHERE run_id = ?`, runID)

	meta, err := scanRunMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	report := &engine.RunReport{
		RunID:       meta.RunID,
		SpecName:    meta.SpecName,
		Status:      meta.Status,
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		Duration:    meta.Duration,
		Summary:     meta.Summary,
		Hosts:       make(map[string]*engine.RunSummary),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, host, outcome, attempts, started_at, completed_at, duration_ms, output, error_json
		FROM operation_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res                    engine.ExecutionResult
			outcome                string
			startedAt, completedAt sql.NullString
			durationMS             int64
			errJSON                sql.NullString
		)
		if err := rows.Scan(&res.OperationID, &res.Host, &outcome, &res.Attempts,
			&startedAt, &completedAt, &durationMS, &res.Output, &errJSON); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}

		res.Outcome = engine.Outcome(outcome)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		if res.StartedAt, err = parseNullTime(startedAt); err != nil {
			return nil, err
		}
		if res.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		if errJSON.Valid {
			var engErr engine.EngineError
			if err := json.Unmarshal([]byte(errJSON.String), &engErr); err != nil {
				return nil, fmt.Errorf("failed to decode result error: %w", err)
			}
			res.Error = &engErr
		}

		report.Results = append(report.Results, res)
		hs, ok := report.Hosts[res.Host]
		if !ok {
			hs = &engine.RunSummary{}
			report.Hosts[res.Host] = hs
		}
		countOutcome(hs, res.Outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

// ListEvents returns the persisted timeline for a run in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, operation_id, host, occurred_at, payload_json
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			evt               StoredEvent
			typ, occurredAt   string
			operationID, host sql.NullString
			payload           string
		)
		if err := rows.Scan(&evt.ID, &evt.RunID, &typ, &operationID, &host, &occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Type = engine.EventType(typ)
		evt.OperationID = operationID.String
		evt.Host = host.String
		if evt.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("failed to parse event time: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRunMeta(row scanner) (RunMeta, error) {
	var (
		meta        RunMeta
		status      string
		startedAt   string
		completedAt sql.NullString
		durationMS  int64
		summary     string
	)
	if err := row.Scan(&meta.RunID, &meta.SpecName, &status, &startedAt,
		&completedAt, &durationMS, &summary); err != nil {
		return RunMeta{}, err
	}

	meta.Status = engine.RunStatus(status)
	meta.Duration = time.Duration(durationMS) * time.Millisecond

	var err error
	if meta.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return RunMeta{}, fmt.Errorf("failed to parse run start time: %w", err)
	}
	if meta.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return RunMeta{}, err
	}
	if err := json.Unmarshal([]byte(summary), &meta.Summary); err != nil {
		return RunMeta{}, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return meta, nil
}

// countOutcome rebuilds per-host tallies when loading a stored run.
func countOutcome(s *engine.RunSummary, o engine.Outcome) {
	s.Total++
	switch o {
	case engine.OutcomeSucceeded:
		s.Succeeded++
	case engine.OutcomeSkippedSatisfied:
		s.Satisfied++
	case engine.OutcomeSkippedBlocked:
		s.Blocked++
	case engine.OutcomeSkippedCancelled:
		s.Cancelled++
	case engine.OutcomeFailedFatal:
		s.Failed++
	}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time: %w", err)
	}
	return t, nil
}
