// Package matchdata assembles the upstream data a prediction needs, reading
// through the cache store and recording every sub-request in the call log.
package matchdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matchcast/matchcast/pkg/sportsapi"
)

// DefaultFanOut bounds concurrent sub-requests for one fixture.
const DefaultFanOut = 4

// Fetcher is the upstream sports-data API.
type Fetcher interface {
	UpcomingFixtures(ctx context.Context, league, season, next int) ([]sportsapi.Fixture, error)
	TeamStatistics(ctx context.Context, league, season, team int) (json.RawMessage, error)
	HeadToHead(ctx context.Context, home, away, last int) (json.RawMessage, error)
	Standings(ctx context.Context, league, season int) (json.RawMessage, error)
	Injuries(ctx context.Context, fixtureID int) (json.RawMessage, error)
}

// Cache is the slice of the cache store this package reads and writes.
type Cache interface {
	GetFixtures(ctx context.Context, key string) (json.RawMessage, bool)
	SetFixtures(ctx context.Context, key string, value json.RawMessage)
	GetLeagueStats(ctx context.Context, key string) (json.RawMessage, bool)
	SetLeagueStats(ctx context.Context, key string, value json.RawMessage)
	LogCall(ctx context.Context, endpoint string, success, cached bool)
}

// MatchData is everything known about a fixture before prediction.
type MatchData struct {
	Fixture    sportsapi.Fixture `json:"fixture"`
	HomeStats  json.RawMessage   `json:"home_stats,omitempty"`
	AwayStats  json.RawMessage   `json:"away_stats,omitempty"`
	HeadToHead json.RawMessage   `json:"head_to_head,omitempty"`
	Standings  json.RawMessage   `json:"standings,omitempty"`
	Injuries   json.RawMessage   `json:"injuries,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// Source is a cache-aware view of the upstream API.
type Source struct {
	fetcher Fetcher
	cache   Cache
	logger  *slog.Logger
	now     func() time.Time

	fanOut  int
	h2hLast int
}

// Option configures a Source.
type Option func(*Source)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithFanOut sets the per-fixture concurrency limit.
func WithFanOut(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.fanOut = n
		}
	}
}

// WithHeadToHeadLast sets how many past meetings are requested.
func WithHeadToHeadLast(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.h2hLast = n
		}
	}
}

// NewSource creates a Source.
func NewSource(fetcher Fetcher, cache Cache, opts ...Option) *Source {
	s := &Source{
		fetcher: fetcher,
		cache:   cache,
		logger:  slog.Default(),
		now:     time.Now,
		fanOut:  DefaultFanOut,
		h2hLast: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "matchdata")
	return s
}

// LeagueKey is the cache key for league-scoped entries.
func LeagueKey(league, season int) string {
	return fmt.Sprintf("%d:%d", league, season)
}

// Fixtures returns the next fixtures of a league season, served from the
// fixtures category while fresh.
func (s *Source) Fixtures(ctx context.Context, league, season, next int) ([]sportsapi.Fixture, error) {
	key := LeagueKey(league, season)

	if raw, ok := s.cache.GetFixtures(ctx, key); ok {
		var fixtures []sportsapi.Fixture
		if err := json.Unmarshal(raw, &fixtures); err == nil {
			s.cache.LogCall(ctx, sportsapi.PathFixtures, true, true)
			return fixtures, nil
		}
		s.logger.Warn("discarding undecodable cached fixtures", "key", key)
	}

	fixtures, err := s.fetcher.UpcomingFixtures(ctx, league, season, next)
	s.cache.LogCall(ctx, sportsapi.PathFixtures, err == nil, false)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(fixtures); err == nil {
		s.cache.SetFixtures(ctx, key, raw)
	}
	return fixtures, nil
}

// Standings returns the league table, served from the league-stats category
// while fresh.
func (s *Source) Standings(ctx context.Context, league, season int) (json.RawMessage, error) {
	key := LeagueKey(league, season)

	if raw, ok := s.cache.GetLeagueStats(ctx, key); ok {
		s.cache.LogCall(ctx, sportsapi.PathStandings, true, true)
		return raw, nil
	}

	raw, err := s.fetcher.Standings(ctx, league, season)
	s.cache.LogCall(ctx, sportsapi.PathStandings, err == nil, false)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		s.cache.SetLeagueStats(ctx, key, raw)
	}
	return raw, nil
}

// MatchData fetches every sub-resource of a fixture concurrently. Any
// sub-request failure fails the whole fixture; a 403 "no data" does not.
func (s *Source) MatchData(ctx context.Context, f sportsapi.Fixture) (*MatchData, error) {
	md := &MatchData{Fixture: f}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanOut)

	g.Go(func() error {
		raw, err := s.logged(gctx, sportsapi.PathTeamStatistics, func() (json.RawMessage, error) {
			return s.fetcher.TeamStatistics(gctx, f.LeagueID, f.Season, f.HomeTeamID)
		})
		md.HomeStats = raw
		return wrap("home team statistics", err)
	})
	g.Go(func() error {
		raw, err := s.logged(gctx, sportsapi.PathTeamStatistics, func() (json.RawMessage, error) {
			return s.fetcher.TeamStatistics(gctx, f.LeagueID, f.Season, f.AwayTeamID)
		})
		md.AwayStats = raw
		return wrap("away team statistics", err)
	})
	g.Go(func() error {
		raw, err := s.logged(gctx, sportsapi.PathHeadToHead, func() (json.RawMessage, error) {
			return s.fetcher.HeadToHead(gctx, f.HomeTeamID, f.AwayTeamID, s.h2hLast)
		})
		md.HeadToHead = raw
		return wrap("head to head", err)
	})
	g.Go(func() error {
		raw, err := s.logged(gctx, sportsapi.PathInjuries, func() (json.RawMessage, error) {
			return s.fetcher.Injuries(gctx, f.ID)
		})
		md.Injuries = raw
		return wrap("injuries", err)
	})
	g.Go(func() error {
		raw, err := s.Standings(gctx, f.LeagueID, f.Season)
		md.Standings = raw
		return wrap("standings", err)
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fixture %d: %w", f.ID, err)
	}
	md.FetchedAt = s.now().UTC()
	return md, nil
}

func (s *Source) logged(ctx context.Context, endpoint string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	raw, err := fn()
	s.cache.LogCall(ctx, endpoint, err == nil, false)
	return raw, err
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
