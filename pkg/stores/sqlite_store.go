package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/sequencer"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}, nil
}

// dsn builds the modernc connection string with the pragmas applied to every connection.
func (s *SQLiteStore) dsn() string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	// WAL needs a file
	if s.cfg.Path != MemoryPath {
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "synchronous(NORMAL)")
	}
	params.Set("_time_format", "sqlite")
	return s.cfg.Path + "?" + params.Encode()
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("store opened")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded files
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveSnapshot inserts or updates the run described by snap. It has the
// shape of a sequencer listener once the context is bound.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap sequencer.Snapshot) error {
	if snap.RunID == "" {
		return fmt.Errorf("snapshot has no run ID")
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	// Nullable columns
	now := time.Now()
	var startedAt, completedAt *time.Time
	if !snap.StartedAt.IsZero() {
		startedAt = &snap.StartedAt
	}
	if snap.Phase.IsTerminal() {
		completedAt = &now
	}
	var errMsg *string
	if snap.ErrorMessage != "" {
		errMsg = &snap.ErrorMessage
	}

	// Upsert, keeping the first start and completion times
	query := `
		INSERT INTO runs (id, assembly_id, phase, current_step, error, snapshot, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assembly_id = excluded.assembly_id,
			phase = excluded.phase,
			current_step = excluded.current_step,
			error = excluded.error,
			snapshot = excluded.snapshot,
			started_at = COALESCE(runs.started_at, excluded.started_at),
			completed_at = COALESCE(runs.completed_at, excluded.completed_at),
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snap.RunID,
		snap.AssemblyID,
		snap.Phase,
		snap.CurrentStepID,
		errMsg,
		string(blob),
		startedAt,
		completedAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

const runColumns = `id, assembly_id, phase, current_step, error, snapshot, started_at, completed_at, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.AssemblyID,
		&run.Phase,
		&run.CurrentStep,
		&run.Error,
		&run.Snapshot,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// Decode unmarshals the stored snapshot.
func (r *Run) Decode() (sequencer.Snapshot, error) {
	var snap sequencer.Snapshot
	if err := json.Unmarshal([]byte(r.Snapshot), &snap); err != nil {
		return sequencer.Snapshot{}, fmt.Errorf("failed to decode snapshot of run %s: %w", r.ID, err)
	}
	return snap, nil
}

// ListRuns lists runs newest first. An empty assemblyID lists every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, assemblyID string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR assembly_id = ?)
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, assemblyID, assemblyID, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run together with its step results and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Delete the run first so a missing ID aborts the transaction
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	// Then its attempts and events
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete step results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	return tx.Commit()
}

// RecordStep stores one attempt without a run association.
func (s *SQLiteStore) RecordStep(ctx context.Context, assemblyID, stepID string, result engine.StepResult) error {
	return s.insertStep(ctx, nil, assemblyID, stepID, result)
}

// Recorder returns an AnalyticsRecorder that tags every attempt with runID.
func (s *SQLiteStore) Recorder(runID string) engine.AnalyticsRecorder {
	return runRecorder{store: s, runID: runID}
}

type runRecorder struct {
	store *SQLiteStore
	runID string
}

func (r runRecorder) RecordStep(ctx context.Context, assemblyID, stepID string, result engine.StepResult) error {
	return r.store.insertStep(ctx, &r.runID, assemblyID, stepID, result)
}

func (s *SQLiteStore) insertStep(ctx context.Context, runID *string, assemblyID, stepID string, result engine.StepResult) error {
	// The verdict is stored whole, with its confidence in its own column for querying
	var confidence *float64
	var verification *string
	if v := result.Verification; v != nil {
		c := v.Confidence
		confidence = &c
		blob, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode verification: %w", err)
		}
		str := string(blob)
		verification = &str
	}

	// Results built by hand may lack a completion time
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	query := `
		INSERT INTO step_results (
			run_id, assembly_id, step_id, attempt, success, handler_used, duration_ms,
			error_message, peak_force, confidence, verification, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		runID,
		assemblyID,
		stepID,
		result.Attempt,
		result.Success,
		result.HandlerUsed,
		result.Duration.Milliseconds(),
		result.ErrorMessage,
		result.PeakForce,
		confidence,
		verification,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record step %s/%s: %w", assemblyID, stepID, err)
	}

	return nil
}

// ListStepResults lists recorded attempts in insertion order.
func (s *SQLiteStore) ListStepResults(ctx context.Context, filter StepFilter) ([]*StepRecord, error) {
	query := `
		SELECT id, run_id, assembly_id, step_id, attempt, success, handler_used, duration_ms,
			error_message, peak_force, confidence, verification, completed_at
		FROM step_results
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR assembly_id = ?)
		  AND (? = '' OR step_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.AssemblyID, filter.AssemblyID,
		filter.StepID, filter.StepID,
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	records := []*StepRecord{}
	for rows.Next() {
		rec := &StepRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.AssemblyID,
			&rec.StepID,
			&rec.Attempt,
			&rec.Success,
			&rec.HandlerUsed,
			&rec.DurationMS,
			&rec.ErrorMessage,
			&rec.PeakForce,
			&rec.Confidence,
			&rec.Verification,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	return records, nil
}

// StepStats aggregates the recorded attempts of every step of an assembly,
// ordered by step ID.
func (s *SQLiteStore) StepStats(ctx context.Context, assemblyID string) ([]StepStats, error) {
	query := `
		SELECT step_id,
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(MAX(peak_force), 0)
		FROM step_results
		WHERE assembly_id = ?
		GROUP BY step_id
		ORDER BY step_id
	`

	rows, err := s.db.QueryContext(ctx, query, assemblyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step stats: %w", err)
	}
	defer rows.Close()

	stats := []StepStats{}
	for rows.Next() {
		st := StepStats{AssemblyID: assemblyID}
		if err := rows.Scan(&st.StepID, &st.Attempts, &st.Successes, &st.AvgDurationMS, &st.MaxPeakForce); err != nil {
			return nil, fmt.Errorf("failed to scan step stats: %w", err)
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step stats: %w", err)
	}

	return stats, nil
}

// AppendEvent stores a run event. Events without an ID get one.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	// Fill in ID and timestamp
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Encode details as JSON
	var details *string
	if len(event.Details) > 0 {
		blob, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		str := string(blob)
		details = &str
	}

	query := `
		INSERT INTO events (id, run_id, assembly_id, step_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.AssemblyID,
		event.StepID,
		string(event.Type),
		event.Level,
		event.Message,
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// HandleEvent persists event and logs failures. It matches the
// telemetry.EventSubscriber signature. Cancellation of ctx is ignored so the
// events that close a cancelled run are still written.
func (s *SQLiteStore) HandleEvent(ctx context.Context, event engine.Event) {
	if err := s.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error().Err(err).
			Str("event_type", string(event.Type)).
			Str("run_id", event.RunID).
			Msg("Failed to persist event")
	}
}

// ListEvents lists the events of a run in the order they were stored.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, assembly_id, step_id, type, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.AssemblyID,
			&ev.StepID,
			&ev.Type,
			&ev.Level,
			&ev.Message,
			&ev.Details,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
