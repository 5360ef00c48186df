// Package sqlite persists workflow documents and finished runs in SQLite.
//
// Every SaveVersion appends a new version of a workflow; nothing is ever
// overwritten, so earlier versions stay loadable. Runs evicted from the
// in-memory run store are archived here as JSON.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/document"
)

// ErrNotFound is returned when a workflow, version or run does not exist.
var ErrNotFound = errors.New("sqlite: not found")

// Version describes one stored version of a workflow.
type Version struct {
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DB stores documents and archived runs.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open opens or creates a database at path.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS workflow_versions (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, version)
		);

		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			body TEXT NOT NULL,
			archived_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_graph ON runs(graph_id);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	d := &DB{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveVersion appends doc as the next version of its workflow and returns
// the new version number, starting at 1.
func (d *DB) SaveVersion(ctx context.Context, doc *document.Document) (int, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	body, err := doc.Encode(document.FormatJSON)
	if err != nil {
		return 0, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_versions WHERE workflow_id = ?",
		doc.ID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO workflow_versions (workflow_id, version, name, body, created_at) VALUES (?, ?, ?, ?, ?)",
		doc.ID, version, doc.Name, string(body), formatTime(d.now()))
	if err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

// Load returns the latest version of a workflow.
func (d *DB) Load(ctx context.Context, workflowID string) (*document.Document, int, error) {
	var (
		version int
		body    string
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT version, body FROM workflow_versions WHERE workflow_id = ? ORDER BY version DESC LIMIT 1",
		workflowID).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("workflow %q: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load workflow: %w", err)
	}
	doc, err := document.Decode([]byte(body))
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

// LoadVersion returns a specific version of a workflow.
func (d *DB) LoadVersion(ctx context.Context, workflowID string, version int) (*document.Document, error) {
	var body string
	err := d.db.QueryRowContext(ctx,
		"SELECT body FROM workflow_versions WHERE workflow_id = ? AND version = ?",
		workflowID, version).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %q version %d: %w", workflowID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	return document.Decode([]byte(body))
}

// Versions lists a workflow's versions, oldest first.
func (d *DB) Versions(ctx context.Context, workflowID string) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT workflow_id, version, name, created_at FROM workflow_versions WHERE workflow_id = ? ORDER BY version",
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// List returns the latest version of every workflow, ordered by ID.
func (d *DB) List(ctx context.Context) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT v.workflow_id, v.version, v.name, v.created_at
		FROM workflow_versions v
		JOIN (
			SELECT workflow_id, MAX(version) AS version
			FROM workflow_versions GROUP BY workflow_id
		) latest ON latest.workflow_id = v.workflow_id AND latest.version = v.version
		ORDER BY v.workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

func scanVersions(rows *sql.Rows) ([]Version, error) {
	var out []Version
	for rows.Next() {
		var (
			v       Version
			created string
		)
		if err := rows.Scan(&v.WorkflowID, &v.Version, &v.Name, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

// ArchiveRun stores a run snapshot, replacing any earlier archive of the
// same run.
func (d *DB) ArchiveRun(ctx context.Context, run *loom.Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	var started any
	if !run.StartedAt.IsZero() {
		started = formatTime(run.StartedAt)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, graph_id, status, started_at, body, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			body = excluded.body,
			archived_at = excluded.archived_at`,
		run.ID, run.GraphID, string(run.Status), started, string(body), formatTime(d.now()))
	if err != nil {
		return fmt.Errorf("archive run: %w", err)
	}
	return nil
}

// ArchivedRun loads an archived run.
func (d *DB) ArchivedRun(ctx context.Context, runID string) (*loom.Run, error) {
	var body string
	err := d.db.QueryRowContext(ctx, "SELECT body FROM runs WHERE run_id = ?", runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return decodeRun(body)
}

// ArchivedRuns lists a graph's archived runs, oldest first.
func (d *DB) ArchivedRuns(ctx context.Context, graphID string) ([]*loom.Run, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT body FROM runs WHERE graph_id = ? ORDER BY started_at, run_id", graphID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*loom.Run
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := decodeRun(body)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func decodeRun(body string) (*loom.Run, error) {
	var run loom.Run
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
