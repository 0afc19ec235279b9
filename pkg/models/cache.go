// Package models provides the canonical data models shared by the cache store,
// the generation orchestrator and the Encore services.
//
// Design Philosophy:
// - Values are opaque JSON; nothing here knows the upstream sports API schema
// - One expiry predicate (Entry.Expired) used by every deletion and counting path
// - Categories carry their own fixed TTL
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category namespaces cache keys. Two categories may reuse the same literal key.
type Category string

const (
	CategoryFixtures    Category = "fixtures"
	CategoryMatchData   Category = "match_data"
	CategoryPrediction  Category = "prediction"
	CategoryLeagueStats Category = "league_stats"
)

// Fixed per-category time-to-live.
const (
	FixturesTTL    = 1 * time.Hour
	MatchDataTTL   = 6 * time.Hour
	PredictionTTL  = 7 * 24 * time.Hour
	LeagueStatsTTL = 12 * time.Hour
)

// Categories returns every cache category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryFixtures,
		CategoryMatchData,
		CategoryPrediction,
		CategoryLeagueStats,
	}
}

// TTL returns the fixed time-to-live of the category, or 0 for an unknown category.
func (c Category) TTL() time.Duration {
	switch c {
	case CategoryFixtures:
		return FixturesTTL
	case CategoryMatchData:
		return MatchDataTTL
	case CategoryPrediction:
		return PredictionTTL
	case CategoryLeagueStats:
		return LeagueStatsTTL
	default:
		return 0
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c.TTL() > 0
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown cache category: %q", s)
	}
	return c, nil
}

// Entry is one cached value within a category.
//
// Value is stored and returned byte-for-byte; the store never re-encodes it.
type Entry struct {
	Category  Category        `json:"category"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewEntry builds an entry whose expiry is now + the category TTL.
func NewEntry(category Category, key string, value json.RawMessage, now time.Time) Entry {
	return Entry{
		Category:  category,
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(category.TTL()),
	}
}

// Expired reports whether the entry is no longer readable at now.
// An entry is readable iff now <= ExpiresAt.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// CallLogEntry is an append-only record of one upstream or cache-served request.
type CallLogEntry struct {
	Endpoint  string    `json:"endpoint"`
	Success   bool      `json:"success"`
	Cached    bool      `json:"cached"`
	Timestamp time.Time `json:"timestamp"`
}
