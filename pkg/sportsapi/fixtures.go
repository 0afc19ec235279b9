package sportsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Fixture is a scheduled match.
type Fixture struct {
	ID         int       `json:"id"`
	Kickoff    time.Time `json:"kickoff"`
	LeagueID   int       `json:"league_id"`
	LeagueName string    `json:"league_name"`
	Season     int       `json:"season"`
	Round      string    `json:"round,omitempty"`
	Venue      string    `json:"venue,omitempty"`
	HomeTeamID int       `json:"home_team_id"`
	HomeTeam   string    `json:"home_team"`
	AwayTeamID int       `json:"away_team_id"`
	AwayTeam   string    `json:"away_team"`
}

// HasTeams reports whether both team identifiers are known.
func (f Fixture) HasTeams() bool {
	return f.HomeTeamID > 0 && f.AwayTeamID > 0
}

func (f Fixture) String() string {
	return fmt.Sprintf("%s vs %s (%d)", f.HomeTeam, f.AwayTeam, f.ID)
}

type apiFixture struct {
	Fixture struct {
		ID    int       `json:"id"`
		Date  time.Time `json:"date"`
		Venue struct {
			Name string `json:"name"`
		} `json:"venue"`
	} `json:"fixture"`
	League struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		Season int    `json:"season"`
		Round  string `json:"round"`
	} `json:"league"`
	Teams struct {
		Home struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"home"`
		Away struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"away"`
	} `json:"teams"`
}

// ParseFixtures converts a /fixtures response array.
func ParseFixtures(raw json.RawMessage) ([]Fixture, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []apiFixture
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	fixtures := make([]Fixture, 0, len(items))
	for _, it := range items {
		fixtures = append(fixtures, Fixture{
			ID:         it.Fixture.ID,
			Kickoff:    it.Fixture.Date.UTC(),
			LeagueID:   it.League.ID,
			LeagueName: it.League.Name,
			Season:     it.League.Season,
			Round:      it.League.Round,
			Venue:      it.Fixture.Venue.Name,
			HomeTeamID: it.Teams.Home.ID,
			HomeTeam:   it.Teams.Home.Name,
			AwayTeamID: it.Teams.Away.ID,
			AwayTeam:   it.Teams.Away.Name,
		})
	}
	return fixtures, nil
}

// UpcomingFixtures lists the next n fixtures of a league season.
func (c *Client) UpcomingFixtures(ctx context.Context, league, season, next int) ([]Fixture, error) {
	raw, err := c.Get(ctx, PathFixtures, url.Values{
		"league": {strconv.Itoa(league)},
		"season": {strconv.Itoa(season)},
		"next":   {strconv.Itoa(next)},
	})
	if err != nil {
		return nil, fmt.Errorf("upcoming fixtures for league %d: %w", league, err)
	}
	return ParseFixtures(raw)
}

// TeamStatistics returns a team's season statistics.
func (c *Client) TeamStatistics(ctx context.Context, league, season, team int) (json.RawMessage, error) {
	return c.Get(ctx, PathTeamStatistics, url.Values{
		"league": {strconv.Itoa(league)},
		"season": {strconv.Itoa(season)},
		"team":   {strconv.Itoa(team)},
	})
}

// HeadToHead returns the last n meetings of two teams.
func (c *Client) HeadToHead(ctx context.Context, home, away, last int) (json.RawMessage, error) {
	return c.Get(ctx, PathHeadToHead, url.Values{
		"h2h":  {fmt.Sprintf("%d-%d", home, away)},
		"last": {strconv.Itoa(last)},
	})
}

// Standings returns the league table.
func (c *Client) Standings(ctx context.Context, league, season int) (json.RawMessage, error) {
	return c.Get(ctx, PathStandings, url.Values{
		"league": {strconv.Itoa(league)},
		"season": {strconv.Itoa(season)},
	})
}

// Injuries returns reported absences for a fixture.
func (c *Client) Injuries(ctx context.Context, fixtureID int) (json.RawMessage, error) {
	return c.Get(ctx, PathInjuries, url.Values{
		"fixture": {strconv.Itoa(fixtureID)},
	})
}
