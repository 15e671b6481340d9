package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FranksOps/instaharvest/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS fetch_attempts (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	resource_key TEXT NOT NULL,
	url TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	proxy TEXT,
	user_agent TEXT,
	attempts INTEGER NOT NULL,
	bytes INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	detection_src TEXT,
	created_at DATETIME NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS fetch_attempts_resource ON fetch_attempts (category, resource_key);
`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Save(ctx context.Context, a *storage.Attempt) error {
	query := `
	INSERT INTO fetch_attempts (
		id, category, resource_key, url, outcome, status_code, proxy, user_agent,
		attempts, bytes, duration_ms, detection_src, created_at, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := b.db.ExecContext(ctx, query,
		a.ID,
		a.Category,
		a.Key,
		a.URL,
		string(a.Outcome),
		a.StatusCode,
		a.Proxy,
		a.UserAgent,
		a.Attempts,
		a.Bytes,
		a.Duration.Milliseconds(),
		a.DetectionSrc,
		a.CreatedAt,
		a.Error,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}

	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Attempt, error) {
	query := `SELECT id, category, resource_key, url, outcome, status_code, proxy, user_agent,
		attempts, bytes, duration_ms, detection_src, created_at, error FROM fetch_attempts WHERE 1=1`
	args := []any{}

	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Key != "" {
		query += ` AND resource_key = ?`
		args = append(args, filter.Key)
	}
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var results []*storage.Attempt
	for rows.Next() {
		var (
			a          storage.Attempt
			outcome    string
			durationMs int64
		)

		err := rows.Scan(
			&a.ID, &a.Category, &a.Key, &a.URL, &outcome, &a.StatusCode, &a.Proxy, &a.UserAgent,
			&a.Attempts, &a.Bytes, &durationMs, &a.DetectionSrc, &a.CreatedAt, &a.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}

		a.Outcome = storage.Outcome(outcome)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return results, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
