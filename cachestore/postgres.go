package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"github.com/matchcast/matchcast/pkg/models"
)

// PostgresBackend implements store.Backend on the service database.
//
// Timestamps are unix milliseconds so the expiry predicate matches the
// in-process one exactly. The call log is append-only and unbounded.
type PostgresBackend struct {
	db *sqldb.Database
}

// NewPostgresBackend wraps the service database. The schema comes from
// the service migrations.
func NewPostgresBackend(db *sqldb.Database) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Get(ctx context.Context, category models.Category, key string) (models.Entry, bool, error) {
	var (
		value     []byte
		createdAt int64
		expiresAt int64
	)
	err := b.db.QueryRow(ctx, `
		SELECT value, created_at, expires_at
		FROM cache_entries
		WHERE category = $1 AND key = $2
	`, string(category), key).Scan(&value, &createdAt, &expiresAt)
	if errors.Is(err, sqldb.ErrNoRows) {
		return models.Entry{}, false, nil
	}
	if err != nil {
		return models.Entry{}, false, fmt.Errorf("failed to get entry: %w", err)
	}

	return models.Entry{
		Category:  category,
		Key:       key,
		Value:     value,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}, true, nil
}

// Put upserts the entry in a single statement.
func (b *PostgresBackend) Put(ctx context.Context, entry models.Entry) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO cache_entries (category, key, value, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (category, key) DO UPDATE SET
			value = EXCLUDED.value,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`,
		string(entry.Category),
		entry.Key,
		[]byte(entry.Value),
		entry.CreatedAt.UnixMilli(),
		entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put entry: %w", err)
	}
	return nil
}

func (b *PostgresBackend) DeleteIfExpired(ctx context.Context, category models.Category, key string, now time.Time) error {
	_, err := b.db.Exec(ctx, `
		DELETE FROM cache_entries
		WHERE category = $1 AND key = $2 AND expires_at < $3
	`, string(category), key, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to delete expired entry: %w", err)
	}
	return nil
}

func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at < $1`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	return int(res.RowsAffected()), nil
}

func (b *PostgresBackend) CountValid(ctx context.Context, now time.Time) (map[models.Category]int, error) {
	rows, err := b.db.Query(ctx, `
		SELECT category, COUNT(*)
		FROM cache_entries
		WHERE expires_at >= $1
		GROUP BY category
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.Category(category)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

func (b *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	return nil
}

func (b *PostgresBackend) AppendCall(ctx context.Context, call models.CallLogEntry) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO api_call_log (endpoint, success, cached, timestamp)
		VALUES ($1, $2, $3, $4)
	`, call.Endpoint, call.Success, call.Cached, call.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append call: %w", err)
	}
	return nil
}

// CallStats aggregates the log after since.
// Complexity: O(log n + k) with the timestamp index.
func (b *PostgresBackend) CallStats(ctx context.Context, since time.Time) (int, int, int, error) {
	var total, cached, successful int
	err := b.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE cached),
			COUNT(*) FILTER (WHERE success)
		FROM api_call_log
		WHERE timestamp > $1
	`, since.UnixMilli()).Scan(&total, &cached, &successful)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get call stats: %w", err)
	}
	return total, cached, successful, nil
}
