package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// SQLiteStore provides SQLite-backed snapshot storage. Records are stored as
// JSON snapshots keyed by identifier, matching the wire shapes exactly.
type SQLiteStore struct {
	db     *sql.DB
	maxObs int
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite snapshot store
func NewSQLiteStore(dbPath string, maxObservations int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if maxObservations <= 0 {
		maxObservations = 200
	}

	s := &SQLiteStore{db: db, maxObs: maxObservations}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS observations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTask upserts a task snapshot
func (s *SQLiteStore) SaveTask(ctx context.Context, task *v1.TaskRecord) error {
	snapshot, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, snapshot, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, task.ID, string(task.Status), string(snapshot), time.Now().UTC())
	return err
}

// ListTasks returns all stored task snapshots
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*v1.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM tasks ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.TaskRecord
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		task := &v1.TaskRecord{}
		if err := json.Unmarshal([]byte(snapshot), task); err != nil {
			return nil, fmt.Errorf("failed to decode task snapshot: %w", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// SaveRun upserts a run snapshot
func (s *SQLiteStore) SaveRun(ctx context.Context, run *v1.RunRecord) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, run.ID, run.TaskID, string(run.Status), string(snapshot), time.Now().UTC())
	return err
}

// ListRuns returns all stored run snapshots
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*v1.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM runs ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.RunRecord
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		run := &v1.RunRecord{}
		if err := json.Unmarshal([]byte(snapshot), run); err != nil {
			return nil, fmt.Errorf("failed to decode run snapshot: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// SaveObservation appends an observation and prunes entries past the cap
func (s *SQLiteStore) SaveObservation(ctx context.Context, obs *v1.Observation) error {
	snapshot, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode observation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO observations (snapshot, recorded_at) VALUES (?, ?)`,
		string(snapshot), obs.Timestamp.UTC())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM observations WHERE seq NOT IN (
			SELECT seq FROM observations ORDER BY seq DESC LIMIT ?
		)
	`, s.maxObs)
	return err
}

// ListObservations returns up to limit recent observations, oldest first
func (s *SQLiteStore) ListObservations(ctx context.Context, limit int) ([]*v1.Observation, error) {
	if limit <= 0 {
		limit = s.maxObs
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM (
			SELECT seq, snapshot FROM observations ORDER BY seq DESC LIMIT ?
		) ORDER BY seq
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Observation
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		obs := &v1.Observation{}
		if err := json.Unmarshal([]byte(snapshot), obs); err != nil {
			return nil, fmt.Errorf("failed to decode observation: %w", err)
		}
		result = append(result, obs)
	}
	return result, rows.Err()
}
