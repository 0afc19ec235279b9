package cli

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("matchcast", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MATCHCAST_CONFIG", "MATCHCAST_DB_PATH", "MATCHCAST_LOG_LEVEL",
		"MATCHCAST_SPORTS_API_KEY", "MATCHCAST_SPORTS_API_URL", "MATCHCAST_SPORTS_RPM",
		"MATCHCAST_LLM_API_KEY", "MATCHCAST_LLM_BASE_URL", "MATCHCAST_LLM_MODEL",
		"MATCHCAST_LEAGUES", "MATCHCAST_SEASON", "MATCHCAST_FIXTURES_PER_LEAGUE",
		"MATCHCAST_MAX_FIXTURES", "MATCHCAST_ITEM_DELAY", "MATCHCAST_RATE_LIMIT_DELAY",
		"MATCHCAST_TIMEOUT", "MATCHCAST_SWEEP_EVERY",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestParseConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseConfig(newFlagSet(), []string{"stats"})
	require.NoError(t, err)

	assert.Equal(t, CommandStats, cfg.Command)
	assert.Equal(t, filepath.Join("data", "matchcast.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.SportsRPM)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMModel)
	assert.Equal(t, 10, cfg.FixturesPerLeague)
	assert.Equal(t, 50, cfg.MaxFixtures)
	assert.Equal(t, 2*time.Second, cfg.ItemDelay)
	assert.Equal(t, 60*time.Second, cfg.RateLimitDelay)
	assert.Equal(t, 2*time.Hour, cfg.Timeout)
}

func TestParseConfigEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MATCHCAST_DB_PATH", "/tmp/env.db")
	t.Setenv("MATCHCAST_LEAGUES", "39,140")
	t.Setenv("MATCHCAST_ITEM_DELAY", "5s")

	cfg, err := ParseConfig(newFlagSet(), []string{"sweep"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, []int{39, 140}, cfg.Leagues)
	assert.Equal(t, 5*time.Second, cfg.ItemDelay)
}

func TestParseConfigPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("MATCHCAST_DB_PATH", "/tmp/env.db")
	t.Setenv("MATCHCAST_MAX_FIXTURES", "20")
	t.Setenv("MATCHCAST_LOG_LEVEL", "warn")

	file := filepath.Join(t.TempDir(), "matchcast.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
db_path: /tmp/file.db
max_fixtures: 30
item_delay: 3s
leagues: [78, 61]
`), 0o600))

	cfg, err := ParseConfig(newFlagSet(), []string{"stats", "-config", file, "-max-fixtures", "40"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/file.db", cfg.DBPath, "file overrides env")
	assert.Equal(t, 40, cfg.MaxFixtures, "flag overrides file")
	assert.Equal(t, 3*time.Second, cfg.ItemDelay)
	assert.Equal(t, []int{78, 61}, cfg.Leagues)
	assert.Equal(t, "warn", cfg.LogLevel, "env kept when file is silent")
}

func TestParseConfigLeaguesFlag(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseConfig(newFlagSet(), []string{"stats", "-leagues", "39, 135", "-season", "2025"})
	require.NoError(t, err)
	assert.Equal(t, []int{39, 135}, cfg.Leagues)

	rc := cfg.RunnerConfig()
	require.Len(t, rc.Leagues, 2)
	assert.Equal(t, 135, rc.Leagues[1].ID)
	assert.Equal(t, 2025, rc.Leagues[1].Season)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "no command", args: nil},
		{name: "unknown command", args: []string{"deploy"}},
		{name: "bad league", args: []string{"stats", "-leagues", "39,abc"}},
		{name: "negative league", args: []string{"stats", "-leagues", "-1"}},
		{name: "bad log level", args: []string{"stats", "-log-level", "loud"}},
		{name: "zero fixtures per league", args: []string{"stats", "-fixtures-per-league", "0"}},
		{name: "negative delay", args: []string{"stats", "-item-delay", "-1s"}},
		{name: "zero timeout", args: []string{"stats", "-timeout", "0"}},
		{name: "missing config file", args: []string{"stats", "-config", "/nonexistent/matchcast.yaml"}},
		{name: "run without keys", args: []string{"run"}},
		{name: "run without llm key", args: []string{"run"}, env: map[string]string{"MATCHCAST_SPORTS_API_KEY": "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ParseConfig(newFlagSet(), tt.args)
			assert.Error(t, err)
		})
	}
}

func TestParseConfigSweepEvery(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseConfig(newFlagSet(), []string{"sweep", "-every", "1h"})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.SweepEvery)
	assert.True(t, cfg.repeating())

	cfg, err = ParseConfig(newFlagSet(), []string{"sweep"})
	require.NoError(t, err)
	assert.False(t, cfg.repeating())

	cfg, err = ParseConfig(newFlagSet(), []string{"stats", "-every", "1h"})
	require.NoError(t, err)
	assert.False(t, cfg.repeating(), "only sweep repeats")
}

func TestRunnerConfigDefaultsLeagues(t *testing.T) {
	cfg := Config{FixturesPerLeague: 5, MaxFixtures: 7}
	rc := cfg.RunnerConfig()

	assert.Len(t, rc.Leagues, 5)
	assert.Equal(t, 5, rc.FixturesPerLeague)
	assert.Equal(t, 7, rc.MaxFixtures)
	assert.Zero(t, rc.Leagues[0].Season)
}
