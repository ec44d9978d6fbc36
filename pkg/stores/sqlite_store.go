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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/fabprov/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is how timestamps are stored.
const timeLayout = time.RFC3339Nano

// SQLiteStore keeps records, run history and events in one SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get returns the record for key, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*engine.ProvisioningRecord, error) {
	query := `
		SELECT idempotency_key, kind, display_name, parent_key, resolved_id, state,
		       last_http_status, attempts, run_id, created_at, completed_at,
		       error_class, error_code, error_message
		FROM provisioning_records
		WHERE idempotency_key = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// Put inserts or replaces the record for record.IdempotencyKey.
func (s *SQLiteStore) Put(ctx context.Context, record *engine.ProvisioningRecord) error {
	if record == nil || record.IdempotencyKey == "" {
		return fmt.Errorf("record has no idempotency key")
	}

	query := `
		INSERT INTO provisioning_records (
			idempotency_key, kind, display_name, parent_key, resolved_id, state,
			last_http_status, attempts, run_id, created_at, completed_at,
			error_class, error_code, error_message, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			kind = excluded.kind,
			display_name = excluded.display_name,
			parent_key = excluded.parent_key,
			resolved_id = excluded.resolved_id,
			state = excluded.state,
			last_http_status = excluded.last_http_status,
			attempts = excluded.attempts,
			run_id = excluded.run_id,
			created_at = excluded.created_at,
			completed_at = excluded.completed_at,
			error_class = excluded.error_class,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`

	var completedAt *string
	if record.CompletedAtUTC != nil {
		v := record.CompletedAtUTC.UTC().Format(timeLayout)
		completedAt = &v
	}
	var errClass, errCode, errMessage string
	if record.Error != nil {
		errClass = string(record.Error.Class)
		errCode = record.Error.Code
		errMessage = record.Error.Message
	}

	_, err := s.db.ExecContext(ctx, query,
		record.IdempotencyKey,
		string(record.Kind),
		record.DisplayName,
		record.ParentKey,
		record.ResolvedID,
		string(record.State),
		record.LastHTTPStatus,
		record.Attempts,
		record.RunID,
		record.CreatedAtUTC.UTC().Format(timeLayout),
		completedAt,
		errClass,
		errCode,
		errMessage,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// List returns every record ordered by key.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.ProvisioningRecord, error) {
	query := `
		SELECT idempotency_key, kind, display_name, parent_key, resolved_id, state,
		       last_http_status, attempts, run_id, created_at, completed_at,
		       error_class, error_code, error_message
		FROM provisioning_records
		ORDER BY idempotency_key
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*engine.ProvisioningRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*engine.ProvisioningRecord, error) {
	var (
		rec                           engine.ProvisioningRecord
		kind, state, createdAt        string
		completedAt                   sql.NullString
		errClass, errCode, errMessage string
	)
	err := row.Scan(
		&rec.IdempotencyKey,
		&kind,
		&rec.DisplayName,
		&rec.ParentKey,
		&rec.ResolvedID,
		&state,
		&rec.LastHTTPStatus,
		&rec.Attempts,
		&rec.RunID,
		&createdAt,
		&completedAt,
		&errClass,
		&errCode,
		&errMessage,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = engine.Kind(kind)
	rec.State = engine.RecordState(state)
	if rec.CreatedAtUTC, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid completed_at %q: %w", completedAt.String, err)
		}
		rec.CompletedAtUTC = &t
	}
	if errClass != "" || errMessage != "" {
		rec.Error = &engine.RecordError{
			Class:   engine.ErrorClass(errClass),
			Code:    errCode,
			Message: errMessage,
		}
	}
	return &rec, nil
}

// Write records a finished run in the run history.
func (s *SQLiteStore) Write(ctx context.Context, summary *engine.RunSummary) error {
	counts, err := json.Marshal(summary.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode run counts: %w", err)
	}
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	query := `
		INSERT INTO runs (id, status, dry_run, forced, catalog_path, started_at, completed_at, duration_ms, error, counts, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			counts = excluded.counts,
			summary = excluded.summary
	`

	_, err = s.db.ExecContext(ctx, query,
		summary.RunID,
		string(summary.Status),
		summary.DryRun,
		summary.Forced,
		summary.CatalogPath,
		summary.StartedAt.UTC().Format(timeLayout),
		summary.CompletedAt.UTC().Format(timeLayout),
		summary.DurationMS,
		summary.Error,
		string(counts),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns lists the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, status, dry_run, forced, catalog_path, started_at, completed_at, duration_ms, error, counts
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		var (
			run                            Run
			status, startedAt, completedAt string
			counts                         string
		)
		err := rows.Scan(
			&run.ID,
			&status,
			&run.DryRun,
			&run.Forced,
			&run.CatalogPath,
			&startedAt,
			&completedAt,
			&run.DurationMS,
			&run.Error,
			&counts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.RunStatus(status)
		if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
		}
		if run.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
			return nil, fmt.Errorf("invalid completed_at %q: %w", completedAt, err)
		}
		if err := json.Unmarshal([]byte(counts), &run.Counts); err != nil {
			return nil, fmt.Errorf("invalid counts for run %s: %w", run.ID, err)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// Publish appends an event to the run timeline.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (id, run_id, resource_id, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.ResourceID,
		string(event.Type),
		event.Level,
		event.Message,
		event.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a run in timestamp order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, run_id, resource_id, type, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			event      engine.Event
			typ, stamp string
		)
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.ResourceID,
			&typ,
			&event.Level,
			&event.Message,
			&stamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(typ)
		if event.Timestamp, err = time.Parse(timeLayout, stamp); err != nil {
			return nil, fmt.Errorf("invalid event timestamp %q: %w", stamp, err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
