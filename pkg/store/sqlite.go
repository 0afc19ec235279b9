package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/matchcast/matchcast/pkg/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (category, key)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at);
CREATE TABLE IF NOT EXISTS api_call_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint TEXT NOT NULL,
	success INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_call_log_timestamp ON api_call_log (timestamp);
`

// SQLiteBackend persists entries in a single SQLite file. Timestamps are
// stored as unix milliseconds.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	b := NewSQLiteBackend(db)
	if err := b.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend wraps an already open database handle.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// EnsureSchema creates the tables and indexes if they are missing.
func (b *SQLiteBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) Get(ctx context.Context, category models.Category, key string) (models.Entry, bool, error) {
	var (
		value     []byte
		createdAt int64
		expiresAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT value, created_at, expires_at FROM cache_entries WHERE category = ? AND key = ?`,
		string(category), key,
	).Scan(&value, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entry{}, false, nil
	}
	if err != nil {
		return models.Entry{}, false, fmt.Errorf("get entry: %w", err)
	}

	return models.Entry{
		Category:  category,
		Key:       key,
		Value:     value,
		CreatedAt: fromMillis(createdAt),
		ExpiresAt: fromMillis(expiresAt),
	}, true, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, entry models.Entry) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO cache_entries (category, key, value, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (category, key) DO UPDATE SET
	value = excluded.value,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at
`,
		string(entry.Category), entry.Key, []byte(entry.Value),
		entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteIfExpired(ctx context.Context, category models.Category, key string, now time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE category = ? AND key = ? AND expires_at < ?`,
		string(category), key, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("delete expired entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	return int(n), nil
}

func (b *SQLiteBackend) CountValid(ctx context.Context, now time.Time) (map[models.Category]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM cache_entries WHERE expires_at >= ? GROUP BY category`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.Category(category)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) AppendCall(ctx context.Context, call models.CallLogEntry) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO api_call_log (endpoint, success, cached, timestamp) VALUES (?, ?, ?, ?)`,
		call.Endpoint, boolToInt(call.Success), boolToInt(call.Cached), call.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append call: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) CallStats(ctx context.Context, since time.Time) (int, int, int, error) {
	var total, cached, successful int
	err := b.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(cached), 0), COALESCE(SUM(success), 0)
FROM api_call_log
WHERE timestamp > ?
`, since.UnixMilli()).Scan(&total, &cached, &successful)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("call stats: %w", err)
	}
	return total, cached, successful, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
