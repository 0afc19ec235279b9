package cli

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/matchcast/matchcast/pkg/orchestrator"
)

// Commands understood by the CLI.
const (
	CommandRun   = "run"
	CommandStats = "stats"
	CommandClear = "clear"
	CommandSweep = "sweep"
)

// Config holds CLI configuration. Values come from the environment, then
// an optional YAML file, then flags, each overriding the previous.
type Config struct {
	Command    string `yaml:"-"`
	ConfigFile string `env:"MATCHCAST_CONFIG" yaml:"-"`

	DBPath   string `env:"MATCHCAST_DB_PATH" yaml:"db_path"`
	LogLevel string `env:"MATCHCAST_LOG_LEVEL" envDefault:"info" yaml:"log_level"`

	SportsAPIKey      string `env:"MATCHCAST_SPORTS_API_KEY" yaml:"sports_api_key"`
	SportsAPIURL      string `env:"MATCHCAST_SPORTS_API_URL" yaml:"sports_api_url"`
	SportsRPM         int    `env:"MATCHCAST_SPORTS_RPM" envDefault:"10" yaml:"sports_requests_per_minute"`
	LLMAPIKey         string `env:"MATCHCAST_LLM_API_KEY" yaml:"llm_api_key"`
	LLMBaseURL        string `env:"MATCHCAST_LLM_BASE_URL" yaml:"llm_base_url"`
	LLMModel          string `env:"MATCHCAST_LLM_MODEL" envDefault:"gpt-4o-mini" yaml:"llm_model"`
	Leagues           []int  `env:"MATCHCAST_LEAGUES" envSeparator:"," yaml:"leagues"`
	Season            int    `env:"MATCHCAST_SEASON" yaml:"season"`
	FixturesPerLeague int    `env:"MATCHCAST_FIXTURES_PER_LEAGUE" envDefault:"10" yaml:"fixtures_per_league"`
	MaxFixtures       int    `env:"MATCHCAST_MAX_FIXTURES" envDefault:"50" yaml:"max_fixtures"`

	ItemDelay      time.Duration `env:"MATCHCAST_ITEM_DELAY" envDefault:"2s" yaml:"item_delay"`
	RateLimitDelay time.Duration `env:"MATCHCAST_RATE_LIMIT_DELAY" envDefault:"60s" yaml:"rate_limit_delay"`
	Timeout        time.Duration `env:"MATCHCAST_TIMEOUT" envDefault:"2h" yaml:"timeout"`

	// SweepEvery keeps the sweep command running on this interval.
	SweepEvery time.Duration `env:"MATCHCAST_SWEEP_EVERY" yaml:"sweep_every"`
}

// ParseConfig reads the command from args[0] and flags from the rest.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "matchcast.db")
	}

	if len(args) == 0 {
		return Config{}, errors.New("command is required (run, stats, clear, sweep)")
	}
	cfg.Command = args[0]
	switch cfg.Command {
	case CommandRun, CommandStats, CommandClear, CommandSweep:
	default:
		return Config{}, fmt.Errorf("unknown command %q", cfg.Command)
	}
	args = args[1:]

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to a YAML config file (default: MATCHCAST_CONFIG)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the sqlite cache database (default: MATCHCAST_DB_PATH or data/matchcast.db)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.SportsAPIURL, "sports-api-url", cfg.SportsAPIURL, "sports API base URL")
	fs.IntVar(&cfg.SportsRPM, "sports-rpm", cfg.SportsRPM, "sports API requests per minute (0 = unlimited)")
	fs.StringVar(&cfg.LLMBaseURL, "llm-base-url", cfg.LLMBaseURL, "OpenAI-compatible API base URL")
	fs.StringVar(&cfg.LLMModel, "llm-model", cfg.LLMModel, "model name")
	fs.Func("leagues", "comma-separated league IDs", func(v string) error {
		leagues, err := parseLeagues(v)
		if err != nil {
			return err
		}
		cfg.Leagues = leagues
		return nil
	})
	fs.IntVar(&cfg.Season, "season", cfg.Season, "season start year (0 = season in progress)")
	fs.IntVar(&cfg.FixturesPerLeague, "fixtures-per-league", cfg.FixturesPerLeague, "upcoming fixtures listed per league")
	fs.IntVar(&cfg.MaxFixtures, "max-fixtures", cfg.MaxFixtures, "max fixtures per run (0 = no cap)")
	fs.DurationVar(&cfg.ItemDelay, "item-delay", cfg.ItemDelay, "pause between fixtures")
	fs.DurationVar(&cfg.RateLimitDelay, "rate-limit-delay", cfg.RateLimitDelay, "pause after a rate-limited fixture")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout (ignored by sweep -every)")
	fs.DurationVar(&cfg.SweepEvery, "every", cfg.SweepEvery, "sweep: repeat on this interval until interrupted (0 = once)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		if err := loadFile(cfg.ConfigFile, &cfg); err != nil {
			return Config{}, err
		}
		// Flags win over the file.
		if err := fs.Parse(args); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func parseLeagues(v string) ([]int, error) {
	var leagues []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid league id %q", part)
		}
		leagues = append(leagues, id)
	}
	return leagues, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db path is required")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	for _, id := range c.Leagues {
		if id <= 0 {
			return fmt.Errorf("league id must be positive, got %d", id)
		}
	}
	if c.FixturesPerLeague <= 0 {
		return errors.New("fixtures per league must be positive")
	}
	if c.MaxFixtures < 0 || c.ItemDelay < 0 || c.RateLimitDelay < 0 || c.SweepEvery < 0 {
		return errors.New("limits and delays cannot be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Command == CommandRun {
		if c.SportsAPIKey == "" {
			return errors.New("MATCHCAST_SPORTS_API_KEY is required for run")
		}
		if c.LLMAPIKey == "" {
			return errors.New("MATCHCAST_LLM_API_KEY is required for run")
		}
	}
	return nil
}

// repeating reports whether the command keeps running until interrupted.
func (c Config) repeating() bool {
	return c.Command == CommandSweep && c.SweepEvery > 0
}

// RunnerConfig converts the CLI settings into a run configuration. Without
// explicit leagues the default set is used.
func (c Config) RunnerConfig() orchestrator.Config {
	rc := orchestrator.DefaultConfig()
	if len(c.Leagues) > 0 {
		rc.Leagues = make([]orchestrator.League, 0, len(c.Leagues))
		for _, id := range c.Leagues {
			rc.Leagues = append(rc.Leagues, orchestrator.League{ID: id})
		}
	}
	if c.Season > 0 {
		for i := range rc.Leagues {
			rc.Leagues[i].Season = c.Season
		}
	}
	rc.FixturesPerLeague = c.FixturesPerLeague
	rc.MaxFixtures = c.MaxFixtures
	rc.ItemDelay = c.ItemDelay
	rc.RateLimitDelay = c.RateLimitDelay
	return rc
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
