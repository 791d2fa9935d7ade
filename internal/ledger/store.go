package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/config"
)

// FileName is the ledger database under the coordination root.
const FileName = "ledger.db"

// Package statuses that are final. A saved package never moves out of them.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Run is one orchestration run.
type Run struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ReportJSON string     `json:"report_json,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Package is the last recorded state of a work package within a run.
type Package struct {
	RunID          string     `json:"run_id"`
	ID             string     `json:"id"`
	Description    string     `json:"description,omitempty"`
	Type           string     `json:"type,omitempty"`
	Complexity     int        `json:"complexity"`
	Status         string     `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error,omitempty"`
	ResultJSON     string     `json:"result_json,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Store manages ledger persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the ledger database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenFromConfig opens the ledger under the configured coordination root.
func OpenFromConfig(cfg *config.Config) (*Store, error) {
	return Open(filepath.Join(cfg.Paths.Root, FileName))
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records a new run in state.
func (s *Store) BeginRun(ctx context.Context, id, state string, startedAt time.Time) error {
	if id == "" {
		return errors.New("run id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, started_at) VALUES (?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET state = excluded.state`,
		id, state, formatTime(startedAt),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun stores the final state, report and error of a run.
func (s *Store) FinishRun(ctx context.Context, id, state string, finishedAt time.Time, report []byte, runErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ?, report_json = ?, error = ? WHERE id = ?`,
		state, formatTime(finishedAt), nullableString(string(report)), nullableString(runErr), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: unknown run %q", id)
	}
	return nil
}

// SavePackage inserts or updates a package. Once a package is stored as
// completed or error, later saves leave it untouched.
func (s *Store) SavePackage(ctx context.Context, pkg Package) error {
	if pkg.RunID == "" || pkg.ID == "" {
		return errors.New("package run id and id are required")
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO packages (
            run_id, id, description, type, complexity, status, assigned_worker,
            attempts, error, result_json, created_at, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(run_id, id) DO UPDATE SET
            description = excluded.description,
            type = excluded.type,
            complexity = excluded.complexity,
            status = excluded.status,
            assigned_worker = excluded.assigned_worker,
            attempts = excluded.attempts,
            error = excluded.error,
            result_json = excluded.result_json,
            completed_at = excluded.completed_at
        WHERE packages.status NOT IN (?, ?)`,
		pkg.RunID,
		pkg.ID,
		nullableString(pkg.Description),
		nullableString(pkg.Type),
		pkg.Complexity,
		pkg.Status,
		nullableString(pkg.AssignedWorker),
		pkg.Attempts,
		nullableString(pkg.Error),
		nullableString(pkg.ResultJSON),
		formatTime(pkg.CreatedAt),
		nullableTime(pkg.CompletedAt),
		StatusCompleted,
		StatusError,
	)
	if err != nil {
		return fmt.Errorf("save package %s: %w", pkg.ID, err)
	}
	return nil
}

const runColumns = "id, state, started_at, finished_at, report_json, error"

// ListRuns returns runs newest first. A limit of zero or less returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun fetches a run by id. It returns nil without error when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// Packages returns every package recorded for runID ordered by id.
func (s *Store) Packages(ctx context.Context, runID string) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, id, description, type, complexity, status, assigned_worker,
                attempts, error, result_json, created_at, completed_at
         FROM packages WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}
