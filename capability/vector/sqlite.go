package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentstation/loom"
)

// SQLite is a persistent index. Vectors are stored as JSON and scored by a
// full scan, which suits the small corpora research nodes work over.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates an index database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			metadata TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create vectors table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Upsert implements loom.VectorIndex.
func (s *SQLite) Upsert(ctx context.Context, id string, embedding []float64, metadata map[string]any) error {
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}
	vec, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	var meta []byte
	if metadata != nil {
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (id, embedding, metadata, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		id, string(vec), nullable(meta))
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// Search implements loom.VectorIndex.
func (s *SQLite) Search(ctx context.Context, embedding []float64, limit int, threshold float64) ([]loom.SearchResult, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding, metadata FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var results []loom.SearchResult
	for rows.Next() {
		var (
			id, vec string
			meta    sql.NullString
		)
		if err := rows.Scan(&id, &vec, &meta); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		var stored []float64
		if err := json.Unmarshal([]byte(vec), &stored); err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", id, err)
		}
		score := Cosine(embedding, stored)
		if score < threshold {
			continue
		}
		r := loom.SearchResult{ID: id, Score: score}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata %s: %w", id, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return rank(results, limit), nil
}

// Delete removes an entry.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
