package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/upstack-io/upstack/internal/core/run"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations. For
// path-based DSNs the parent directory is created if missing, so defaults
// like ./data/upstack.db work on first use.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, NewStoreError("NewSQLiteStore", "", "", "failed to create database directory", ErrConnectionFailed)
			}
		}
	}

	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID           string  `db:"id"`
	StackName    string  `db:"stack_name"`
	Status       string  `db:"status"`
	Services     string  `db:"services"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	StartedAt    *string `db:"started_at"`
	StoppedAt    *string `db:"stopped_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *run.Run) error {
	row, err := runToRow("CreateRun", r)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (
			id, stack_name, status, services, error_message,
			created_at, updated_at, started_at, stopped_at
		) VALUES (
			:id, :stack_name, :status, :services, :error_message,
			:created_at, :updated_at, :started_at, :stopped_at
		)`

	_, err = s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", r.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", r.ID, err.Error(), err)
	}

	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	return rowToRun(&row)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *run.Run) error {
	row, err := runToRow("UpdateRun", r)
	if err != nil {
		return err
	}

	query := `
		UPDATE runs SET
			stack_name = :stack_name,
			status = :status,
			services = :services,
			error_message = :error_message,
			updated_at = :updated_at,
			started_at = :started_at,
			stopped_at = :stopped_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateRun", "run", r.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRun", "run", r.ID, "run not found", ErrNotFound)
	}

	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteRun", "run", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteRun", "run", id, "run not found", ErrNotFound)
	}

	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]run.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	return rowsToRuns(rows)
}

func (s *SQLiteStore) ListRunsByStack(ctx context.Context, stackName string, opts ListOptions) ([]run.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs WHERE stack_name = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, query, stackName, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRunsByStack", "run", "", err.Error(), err)
	}

	return rowsToRuns(rows)
}

// =============================================================================
// Row Conversion
// =============================================================================

func runToRow(op string, r *run.Run) (map[string]any, error) {
	servicesJSON, err := json.Marshal(r.Services)
	if err != nil {
		return nil, NewStoreError(op, "run", r.ID, "failed to serialize services", ErrInvalidData)
	}

	var startedAt, stoppedAt *string
	if r.StartedAt != nil {
		s := r.StartedAt.Format(time.RFC3339Nano)
		startedAt = &s
	}
	if r.StoppedAt != nil {
		s := r.StoppedAt.Format(time.RFC3339Nano)
		stoppedAt = &s
	}

	return map[string]any{
		"id":            r.ID,
		"stack_name":    r.StackName,
		"status":        string(r.Status),
		"services":      string(servicesJSON),
		"error_message": r.Error,
		"created_at":    r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    r.UpdatedAt.Format(time.RFC3339Nano),
		"started_at":    startedAt,
		"stopped_at":    stoppedAt,
	}, nil
}

func rowToRun(row *runRow) (*run.Run, error) {
	r := &run.Run{
		ID:        row.ID,
		StackName: row.StackName,
		Status:    run.Status(row.Status),
		Error:     row.ErrorMessage,
	}

	if row.Services != "" {
		if err := json.Unmarshal([]byte(row.Services), &r.Services); err != nil {
			return nil, NewStoreError("GetRun", "run", row.ID, "failed to deserialize services", ErrInvalidData)
		}
	}

	var err error
	r.CreatedAt, err = time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("GetRun", "run", row.ID, "invalid created_at timestamp", ErrInvalidData)
	}
	r.UpdatedAt, err = time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("GetRun", "run", row.ID, "invalid updated_at timestamp", ErrInvalidData)
	}

	if row.StartedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *row.StartedAt)
		if err != nil {
			return nil, NewStoreError("GetRun", "run", row.ID, "invalid started_at timestamp", ErrInvalidData)
		}
		r.StartedAt = &t
	}
	if row.StoppedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *row.StoppedAt)
		if err != nil {
			return nil, NewStoreError("GetRun", "run", row.ID, "invalid stopped_at timestamp", ErrInvalidData)
		}
		r.StoppedAt = &t
	}

	return r, nil
}

func rowsToRuns(rows []runRow) ([]run.Run, error) {
	runs := make([]run.Run, 0, len(rows))
	for i := range rows {
		r, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}
