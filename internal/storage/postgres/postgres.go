package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/FranksOps/instaharvest/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
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
	duration_ms BIGINT NOT NULL,
	detection_src TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS fetch_attempts_resource ON fetch_attempts (category, resource_key);
`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Save(ctx context.Context, a *storage.Attempt) error {
	query := `
	INSERT INTO fetch_attempts (
		id, category, resource_key, url, outcome, status_code, proxy, user_agent,
		attempts, bytes, duration_ms, detection_src, created_at, error
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := b.pool.Exec(ctx, query,
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

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Attempt, error) {
	query := `SELECT id, category, resource_key, url, outcome, status_code, proxy, user_agent,
		attempts, bytes, duration_ms, detection_src, created_at, error FROM fetch_attempts WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.Category != "" {
		query += fmt.Sprintf(` AND category = $%d`, paramCount)
		args = append(args, filter.Category)
		paramCount++
	}
	if filter.Key != "" {
		query += fmt.Sprintf(` AND resource_key = $%d`, paramCount)
		args = append(args, filter.Key)
		paramCount++
	}
	if filter.Outcome != "" {
		query += fmt.Sprintf(` AND outcome = $%d`, paramCount)
		args = append(args, string(filter.Outcome))
		paramCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
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

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
