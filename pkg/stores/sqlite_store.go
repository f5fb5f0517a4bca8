package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/converge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps run history in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: opens a separate database, and the
		// database is gone once its only connection closes.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates the database file and its directory if needed, connects and
// applies migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection with foreign keys and WAL enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_time_format=sqlite", s.path)

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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, manifest, source, host, status, started_at, completed_at, total, applied, already_converged, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Manifest,
		run.Source,
		run.Host,
		string(run.Status),
		run.StartedAt.UTC(),
		utcOrNil(run.CompletedAt),
		run.Total,
		run.Applied,
		run.AlreadyConverged,
		run.Failed,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun stores the terminal status and outcome counts of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *engine.Run, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, applied = ?, already_converged = ?, failed = ?, error = ?
		WHERE id = ?
	`

	summary := run.Summary()
	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		utcOrNil(run.CompletedAt),
		summary.Applied,
		summary.AlreadyConverged,
		summary.Failed,
		errMsg,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, manifest, source, host, status, started_at, completed_at, total, applied, already_converged, failed, error`

// GetRun retrieves a run by ID. A unique ID prefix is accepted.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ? OR id LIKE ? ORDER BY id = ? DESC LIMIT 2`

	rows, err := s.db.QueryContext(ctx, query, id, id+"%", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case runs[0].ID == id || len(runs) == 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run ID prefix %s is ambiguous", id)
	}
}

// ListRuns lists runs, newest first, with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// PruneRuns deletes all but the newest keep runs along with their results.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM runs
		WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		run         RunRecord
		status      string
		completedAt sql.NullTime
		errMsg      sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&run.Manifest,
		&run.Source,
		&run.Host,
		&status,
		&run.StartedAt,
		&completedAt,
		&run.Total,
		&run.Applied,
		&run.AlreadyConverged,
		&run.Failed,
		&errMsg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = engine.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return &run, nil
}

// AppendResult stores the outcome of one resource.
func (s *SQLiteStore) AppendResult(ctx context.Context, result *ResultRecord) error {
	query := `
		INSERT INTO results (run_id, position, kind, name, action, attributes, outcome, error_kind, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	attrs, err := json.Marshal(result.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if result.Attributes == nil {
		attrs = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, query,
		result.RunID,
		result.Position,
		result.Kind,
		result.Name,
		result.Action,
		string(attrs),
		string(result.Outcome),
		result.ErrorKind,
		result.Error,
		result.StartedAt.UTC(),
		int64(result.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}

	return nil
}

// ListResults returns the results of a run in declaration order.
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*ResultRecord, error) {
	query := `
		SELECT run_id, position, kind, name, action, attributes, outcome, error_kind, error, started_at, duration_ns
		FROM results
		WHERE run_id = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []*ResultRecord{}
	for rows.Next() {
		var (
			r         ResultRecord
			attrs     string
			outcome   string
			errorKind sql.NullString
			errMsg    sql.NullString
			duration  int64
		)
		err := rows.Scan(
			&r.RunID,
			&r.Position,
			&r.Kind,
			&r.Name,
			&r.Action,
			&attrs,
			&outcome,
			&errorKind,
			&errMsg,
			&r.StartedAt,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of %s: %w", r.ID(), err)
		}
		r.Outcome = engine.Outcome(outcome)
		r.Duration = time.Duration(duration)
		if errorKind.Valid {
			r.ErrorKind = &errorKind.String
		}
		if errMsg.Valid {
			r.Error = &errMsg.String
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
