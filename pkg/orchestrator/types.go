package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matchcast/matchcast/pkg/matchdata"
	"github.com/matchcast/matchcast/pkg/sportsapi"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("generation run already in progress")

// State is the lifecycle state of the runner.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Stage names where a fixture failed.
const (
	StageFixtures = "fixtures"
	StageFetch    = "fetch"
	StagePrompt   = "prompt"
	StageGenerate = "generate"
	StageValidate = "validate"
	StageEncode   = "encode"
)

// FixtureError records one per-fixture failure.
type FixtureError struct {
	FixtureID int    `json:"fixture_id"`
	Match     string `json:"match,omitempty"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// RunStats are the counters of one run.
type RunStats struct {
	ID         string         `json:"id"`
	State      State          `json:"state"`
	Total      int            `json:"total"`
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	Cached     int            `json:"cached"`
	Skipped    int            `json:"skipped"`
	Errors     []FixtureError `json:"errors,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func (s *RunStats) clone() *RunStats {
	if s == nil {
		return nil
	}
	c := *s
	c.Errors = append([]FixtureError(nil), s.Errors...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Status is a point-in-time view of the runner.
type Status struct {
	State   State     `json:"state"`
	Running bool      `json:"running"`
	Current *RunStats `json:"current,omitempty"`
	Last    *RunStats `json:"last,omitempty"`
}

// League selects a competition to generate previews for. A zero Season
// means the season in progress.
type League struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	Season int    `json:"season,omitempty"`
}

// Config controls what a run covers and how it paces upstream calls.
type Config struct {
	Leagues           []League      `json:"leagues"`
	FixturesPerLeague int           `json:"fixtures_per_league"`
	MaxFixtures       int           `json:"max_fixtures"`
	ItemDelay         time.Duration `json:"item_delay"`
	RateLimitDelay    time.Duration `json:"rate_limit_delay"`
}

// DefaultConfig covers the five major European leagues.
func DefaultConfig() Config {
	return Config{
		Leagues: []League{
			{ID: 39, Name: "Premier League"},
			{ID: 140, Name: "La Liga"},
			{ID: 135, Name: "Serie A"},
			{ID: 78, Name: "Bundesliga"},
			{ID: 61, Name: "Ligue 1"},
		},
		FixturesPerLeague: 10,
		MaxFixtures:       50,
		ItemDelay:         2 * time.Second,
		RateLimitDelay:    60 * time.Second,
	}
}

// CurrentSeason returns the starting year of the season in progress at now.
// Seasons start in July.
func CurrentSeason(now time.Time) int {
	if now.Month() >= time.July {
		return now.Year()
	}
	return now.Year() - 1
}

// DataSource lists fixtures and gathers match data.
type DataSource interface {
	Fixtures(ctx context.Context, league, season, next int) ([]sportsapi.Fixture, error)
	MatchData(ctx context.Context, f sportsapi.Fixture) (*matchdata.MatchData, error)
}

// Generator produces preview text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Cache is the slice of the cache store the runner uses.
type Cache interface {
	GetPrediction(ctx context.Context, fixtureID int) (json.RawMessage, bool)
	SetPrediction(ctx context.Context, fixtureID int, value json.RawMessage)
	SetMatchData(ctx context.Context, fixtureID int, value json.RawMessage)
}
