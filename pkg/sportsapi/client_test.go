package sportsapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchcast/matchcast/pkg/retry"
)

const fixturesBody = `{
  "errors": [],
  "results": 2,
  "response": [
    {
      "fixture": {"id": 1035, "date": "2026-03-07T15:00:00+00:00", "venue": {"name": "Anfield"}},
      "league": {"id": 39, "name": "Premier League", "season": 2025, "round": "Regular Season - 28"},
      "teams": {"home": {"id": 40, "name": "Liverpool"}, "away": {"id": 50, "name": "Manchester City"}}
    },
    {
      "fixture": {"id": 1036, "date": "2026-03-07T17:30:00+00:00", "venue": {"name": ""}},
      "league": {"id": 39, "name": "Premier League", "season": 2025, "round": "Regular Season - 28"},
      "teams": {"home": {"id": 42, "name": "Arsenal"}, "away": {"id": 0, "name": "TBD"}}
    }
  ]
}`

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newTestClient(url string) *Client {
	return NewClient("test-key",
		WithBaseURL(url),
		WithRateLimit(0, 0),
		WithRetryPolicy(testPolicy()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestUpcomingFixtures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-apisports-key"))
		assert.Equal(t, PathFixtures, r.URL.Path)
		assert.Equal(t, "39", r.URL.Query().Get("league"))
		assert.Equal(t, "2025", r.URL.Query().Get("season"))
		assert.Equal(t, "10", r.URL.Query().Get("next"))
		_, _ = w.Write([]byte(fixturesBody))
	}))
	defer server.Close()

	fixtures, err := newTestClient(server.URL).UpcomingFixtures(context.Background(), 39, 2025, 10)
	require.NoError(t, err)
	require.Len(t, fixtures, 2)

	f := fixtures[0]
	assert.Equal(t, 1035, f.ID)
	assert.Equal(t, "Liverpool", f.HomeTeam)
	assert.Equal(t, 50, f.AwayTeamID)
	assert.Equal(t, "Anfield", f.Venue)
	assert.Equal(t, time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC), f.Kickoff)
	assert.True(t, f.HasTeams())
	assert.False(t, fixtures[1].HasTeams())
}

func TestGet_ForbiddenIsNoData(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	raw, err := newTestClient(server.URL).Injuries(context.Background(), 1035)
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_RateLimitIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"errors":[],"response":[{"league":{}}]}`))
	}))
	defer server.Close()

	raw, err := newTestClient(server.URL).Standings(context.Background(), 39, 2025)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"league":{}}]`, string(raw))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).TeamStatistics(context.Background(), 39, 2025, 40)
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrRateLimited))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_EnvelopeRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"errors":{"rateLimit":"Too many requests"},"response":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Standings(context.Background(), 39, 2025)
	assert.ErrorIs(t, err, retry.ErrRateLimited)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_EnvelopeErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"errors":{"token":"Error/Missing application key"},"response":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Standings(context.Background(), 39, 2025)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing application key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"errors":[],"response":{"form":"WWDLW"}}`))
	}))
	defer server.Close()

	raw, err := newTestClient(server.URL).TeamStatistics(context.Background(), 39, 2025, 40)
	require.NoError(t, err)
	assert.JSONEq(t, `{"form":"WWDLW"}`, string(raw))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad h2h parameter"))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).HeadToHead(context.Background(), 40, 50, 10)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHeadToHeadQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathHeadToHead, r.URL.Path)
		assert.Equal(t, "40-50", r.URL.Query().Get("h2h"))
		assert.Equal(t, "5", r.URL.Query().Get("last"))
		_, _ = w.Write([]byte(`{"errors":[],"response":[]}`))
	}))
	defer server.Close()

	raw, err := newTestClient(server.URL).HeadToHead(context.Background(), 40, 50, 5)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"garbage", 0},
		{"-3", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseRetryAfter(tt.in), "input %q", tt.in)
	}
}

func TestParseFixtures_Empty(t *testing.T) {
	fixtures, err := ParseFixtures(nil)
	require.NoError(t, err)
	assert.Empty(t, fixtures)
}
