// ABOUTME: SQLite-backed CheckpointStore and persistent ResultCache using mattn/go-sqlite3 in WAL mode.
// ABOUTME: Run headers and task states are upserted as JSON documents; cache entries expire by expires_at.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/pipewright/engine"
)

const sqliteTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// SQLite persists runs, task states, and cached results in one database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates a database at path and ensures the schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			graph_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			header TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, task_id)
		);

		CREATE TABLE IF NOT EXISTS results (
			cache_key TEXT PRIMARY KEY,
			outputs TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at INTEGER
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveRun upserts the run header.
func (s *SQLite) SaveRun(ctx context.Context, h engine.RunHeader) error {
	doc, err := json.Marshal(newHeaderRecord(h))
	if err != nil {
		return fmt.Errorf("encode run header: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, graph_id, graph_version, status, started_at, header)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			header = excluded.header`,
		h.RunID,
		h.GraphID,
		h.GraphVersion,
		string(h.Status),
		h.StartedAt.UTC().Format(sqliteTimeFormat),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// Save upserts one task state.
func (s *SQLite) Save(ctx context.Context, runID, taskID string, t engine.TaskState) error {
	doc, err := json.Marshal(newTaskRecord(t))
	if err != nil {
		return fmt.Errorf("encode task %q: %w", taskID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (run_id, task_id, status, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, task_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		runID,
		taskID,
		string(t.Status),
		string(doc),
		s.now().UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("upsert task %q: %w", taskID, err)
	}
	return nil
}

// Load reads a run header and all its task states.
func (s *SQLite) Load(ctx context.Context, runID string) (*engine.RunState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT header FROM runs WHERE run_id = ?`, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	var hr headerRecord
	if err := json.Unmarshal([]byte(doc), &hr); err != nil {
		return nil, fmt.Errorf("decode run header %q: %w", runID, err)
	}
	rs := &engine.RunState{RunHeader: hr.header(), Tasks: make(map[string]*engine.TaskState)}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, state FROM tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, state string
		if err := rows.Scan(&taskID, &state); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var tr taskRecord
		if err := json.Unmarshal([]byte(state), &tr); err != nil {
			return nil, fmt.Errorf("decode task %q: %w", taskID, err)
		}
		t := tr.state()
		rs.Tasks[taskID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return rs, nil
}

// List returns every run header, most recently started first.
func (s *SQLite) List(ctx context.Context) ([]engine.RunHeader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT header FROM runs ORDER BY started_at DESC, run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []engine.RunHeader
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var hr headerRecord
		if err := json.Unmarshal([]byte(doc), &hr); err != nil {
			return nil, fmt.Errorf("decode run header: %w", err)
		}
		out = append(out, hr.header())
	}
	return out, rows.Err()
}

// Get returns cached outputs for key if present and unexpired.
func (s *SQLite) Get(ctx context.Context, key string) (engine.Values, bool, error) {
	var doc string
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT outputs, expires_at FROM results WHERE cache_key = ?`, key).Scan(&doc, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query cache: %w", err)
	}
	if expires.Valid && s.now().UnixNano() >= expires.Int64 {
		return nil, false, nil
	}

	v, err := engine.DecodeValues([]byte(doc))
	if err != nil {
		return nil, false, fmt.Errorf("decode cached outputs: %w", err)
	}
	return v, true, nil
}

// Put stores outputs under key. ttl <= 0 means the entry never expires.
func (s *SQLite) Put(ctx context.Context, key string, v engine.Values, ttl time.Duration) error {
	doc, err := engine.EncodeValues(v)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	now := s.now()
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (cache_key, outputs, created_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
			outputs = excluded.outputs,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		key,
		string(doc),
		now.UTC().Format(sqliteTimeFormat),
		expires,
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired cache entries and returns how many were removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}
