// Package store implements the TTL cache store: four fixed-TTL categories of
// opaque JSON values, an append-only call log, and derived statistics.
//
// Persistence is pluggable through Backend. Every backend is judged by the
// same expiry predicate (models.Entry.Expired); lazy expiry on Get, the
// periodic sweep and the stats counters all agree on it.
//
// Writes favour availability: Set and LogCall never fail the caller. A failed
// write is logged and the entry simply shows up later as a cache miss.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/matchcast/matchcast/pkg/models"
)

// Backend persists entries and call-log records.
//
// Implementations must make Put atomic per entry and must treat an entry as
// expired exactly when its ExpiresAt is strictly before the supplied time.
type Backend interface {
	Get(ctx context.Context, category models.Category, key string) (models.Entry, bool, error)
	Put(ctx context.Context, entry models.Entry) error
	// DeleteIfExpired removes the entry only if it is still expired at now,
	// so a concurrent overwrite is never lost to lazy expiry.
	DeleteIfExpired(ctx context.Context, category models.Category, key string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	CountValid(ctx context.Context, now time.Time) (map[models.Category]int, error)
	Clear(ctx context.Context) error

	AppendCall(ctx context.Context, call models.CallLogEntry) error
	// CallStats aggregates call-log entries with Timestamp strictly after since.
	CallStats(ctx context.Context, since time.Time) (total, cached, successful int, err error)
}

// Store is the category-aware facade over a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache_store")
	return s
}

// clock returns the current time at millisecond precision, the resolution
// every backend persists timestamps at.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Get returns the value stored under key, or false when absent or expired.
// An expired entry is deleted as a side effect.
func (s *Store) Get(ctx context.Context, category models.Category, key string) (json.RawMessage, bool) {
	if !category.Valid() {
		s.logger.Warn("cache get with unknown category", "category", category, "key", key)
		return nil, false
	}

	entry, ok, err := s.backend.Get(ctx, category, key)
	if err != nil {
		s.logger.Error("cache read failed", "category", category, "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	now := s.clock()
	if entry.Expired(now) {
		if err := s.backend.DeleteIfExpired(ctx, category, key, now); err != nil {
			s.logger.Warn("lazy expiry delete failed", "category", category, "key", key, "error", err)
		}
		return nil, false
	}

	return entry.Value, true
}

// Set upserts value under key with a fresh CreatedAt/ExpiresAt pair. An
// empty value is not stored.
func (s *Store) Set(ctx context.Context, category models.Category, key string, value json.RawMessage) {
	if !category.Valid() {
		s.logger.Warn("cache set with unknown category", "category", category, "key", key)
		return
	}
	if len(value) == 0 {
		s.logger.Warn("cache set with empty value", "category", category, "key", key)
		return
	}

	entry := models.NewEntry(category, key, value, s.clock())
	if err := s.backend.Put(ctx, entry); err != nil {
		s.logger.Error("cache write failed", "category", category, "key", key, "error", err)
	}
}

// LogCall appends a call-log record. Failures are swallowed.
func (s *Store) LogCall(ctx context.Context, endpoint string, success, cached bool) {
	call := models.CallLogEntry{
		Endpoint:  endpoint,
		Success:   success,
		Cached:    cached,
		Timestamp: s.clock(),
	}
	if err := s.backend.AppendCall(ctx, call); err != nil {
		s.logger.Warn("call log append failed", "endpoint", endpoint, "error", err)
	}
}

// Stats returns the per-category count of currently valid entries and the
// call-log summary for the trailing 24 hours.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	now := s.clock()

	counts, err := s.backend.CountValid(ctx, now)
	if err != nil {
		return models.Stats{}, err
	}
	full := make(map[models.Category]int, len(models.Categories()))
	for _, c := range models.Categories() {
		full[c] = counts[c]
	}

	total, cached, successful, err := s.backend.CallStats(ctx, now.Add(-models.CallStatsWindow))
	if err != nil {
		return models.Stats{}, err
	}

	return models.Stats{
		Counts:      full,
		APICalls24h: models.NewAPICallStats(total, cached, successful),
	}, nil
}

// ClearAll deletes every entry in every category. The call log is kept.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("cache cleared")
	return nil
}

// SweepExpired deletes every expired entry and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.backend.DeleteExpired(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("swept expired cache entries", "count", n)
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("cache sweep failed", "error", err)
			}
		}
	}
}

// FixtureKey renders a numeric fixture identifier as a cache key.
func FixtureKey(fixtureID int) string {
	return strconv.Itoa(fixtureID)
}

func (s *Store) GetFixtures(ctx context.Context, key string) (json.RawMessage, bool) {
	return s.Get(ctx, models.CategoryFixtures, key)
}

func (s *Store) SetFixtures(ctx context.Context, key string, value json.RawMessage) {
	s.Set(ctx, models.CategoryFixtures, key, value)
}

func (s *Store) GetMatchData(ctx context.Context, fixtureID int) (json.RawMessage, bool) {
	return s.Get(ctx, models.CategoryMatchData, FixtureKey(fixtureID))
}

func (s *Store) SetMatchData(ctx context.Context, fixtureID int, value json.RawMessage) {
	s.Set(ctx, models.CategoryMatchData, FixtureKey(fixtureID), value)
}

func (s *Store) GetPrediction(ctx context.Context, fixtureID int) (json.RawMessage, bool) {
	return s.Get(ctx, models.CategoryPrediction, FixtureKey(fixtureID))
}

func (s *Store) SetPrediction(ctx context.Context, fixtureID int, value json.RawMessage) {
	s.Set(ctx, models.CategoryPrediction, FixtureKey(fixtureID), value)
}

func (s *Store) GetLeagueStats(ctx context.Context, key string) (json.RawMessage, bool) {
	return s.Get(ctx, models.CategoryLeagueStats, key)
}

func (s *Store) SetLeagueStats(ctx context.Context, key string, value json.RawMessage) {
	s.Set(ctx, models.CategoryLeagueStats, key, value)
}
