// Package orchestrator drives prediction generation runs. A Runner owns the
// run state and guarantees at most one run is active at a time.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matchcast/matchcast/pkg/prediction"
	"github.com/matchcast/matchcast/pkg/retry"
	"github.com/matchcast/matchcast/pkg/sportsapi"
)

// Runner executes generation runs.
type Runner struct {
	data  DataSource
	gen   Generator
	cache Cache

	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	onComplete func(RunStats)

	mu      sync.Mutex
	config  Config
	state   State
	current *RunStats
	last    *RunStats
	wg      sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleep replaces the pause between fixtures.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// WithOnComplete registers a hook called with the final stats of every run.
func WithOnComplete(fn func(RunStats)) Option {
	return func(r *Runner) { r.onComplete = fn }
}

// NewRunner creates an idle runner.
func NewRunner(data DataSource, gen Generator, cache Cache, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		data:   data,
		gen:    gen,
		cache:  cache,
		config: cfg,
		state:  StateIdle,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "orchestrator")
	return r
}

// Config returns the configuration used by the next run.
func (r *Runner) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// SetConfig replaces the configuration. An active run keeps its snapshot.
func (r *Runner) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Status returns copies of the current and last run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:   r.state,
		Running: r.state == StateRunning,
		Current: r.current.clone(),
		Last:    r.last.clone(),
	}
}

// Start begins a run in the background and returns its ID. The run is
// detached from ctx cancellation.
func (r *Runner) Start(ctx context.Context) (string, error) {
	stats, cfg, err := r.begin()
	if err != nil {
		return "", err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _ = r.execute(context.WithoutCancel(ctx), stats, cfg)
	}()
	return stats.ID, nil
}

// Run executes a run synchronously and returns its final stats.
func (r *Runner) Run(ctx context.Context) (RunStats, error) {
	stats, cfg, err := r.begin()
	if err != nil {
		return RunStats{}, err
	}
	return r.execute(ctx, stats, cfg)
}

// Wait blocks until background runs started with Start have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) begin() (*RunStats, Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRunning {
		return nil, Config{}, ErrRunInProgress
	}

	stats := &RunStats{
		ID:        uuid.New().String(),
		State:     StateRunning,
		StartedAt: r.now().UTC(),
	}
	r.state = StateRunning
	r.current = stats
	return stats, r.config, nil
}

func (r *Runner) finish(stats *RunStats, state State, fatal error) RunStats {
	r.mu.Lock()
	finished := r.now().UTC()
	stats.State = state
	stats.FinishedAt = &finished
	if fatal != nil {
		stats.Error = fatal.Error()
	}
	r.state = state
	r.current = nil
	r.last = stats
	final := *stats.clone()
	r.mu.Unlock()

	r.logger.Info("generation run finished",
		"run_id", final.ID,
		"state", final.State,
		"total", final.Total,
		"success", final.Success,
		"failed", final.Failed,
		"cached", final.Cached,
		"skipped", final.Skipped,
		"duration", finished.Sub(final.StartedAt),
	)

	if r.onComplete != nil {
		r.onComplete(final)
	}
	return final
}

// update mutates the active stats under the lock so Status never sees a
// torn counter set.
func (r *Runner) update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func (r *Runner) execute(ctx context.Context, stats *RunStats, cfg Config) (RunStats, error) {
	log := r.logger.With("run_id", stats.ID)
	log.Info("generation run started", "leagues", len(cfg.Leagues))

	fixtures, err := r.listFixtures(ctx, stats, cfg)
	if err != nil {
		log.Error("fixture listing failed", "error", err)
		return r.finish(stats, StateFailed, err), err
	}

	r.update(func() { stats.Total = len(fixtures) })

	for i, f := range fixtures {
		outcome, err := r.processFixture(ctx, f)

		r.update(func() {
			switch outcome {
			case outcomeSuccess:
				stats.Success++
			case outcomeCached:
				stats.Cached++
			case outcomeSkipped:
				stats.Skipped++
			case outcomeFailed:
				stats.Failed++
				stats.Errors = append(stats.Errors, FixtureError{
					FixtureID: f.ID,
					Match:     f.HomeTeam + " vs " + f.AwayTeam,
					Stage:     stageOf(err),
					Error:     err.Error(),
				})
			}
		})

		if outcome == outcomeFailed {
			log.Warn("fixture failed", "fixture_id", f.ID, "error", err)
		}

		if !outcome.touchedUpstream() || i == len(fixtures)-1 {
			continue
		}
		delay := cfg.ItemDelay
		if errors.Is(err, retry.ErrRateLimited) {
			delay = cfg.RateLimitDelay
			log.Warn("upstream rate limited, backing off", "delay", delay)
		}
		if delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				err = fmt.Errorf("run interrupted: %w", err)
				return r.finish(stats, StateFailed, err), err
			}
		}
	}

	return r.finish(stats, StateCompleted, nil), nil
}

// listFixtures gathers, de-duplicates, orders and caps the fixture set.
// A league whose listing fails is recorded; the run fails only when every
// league fails.
func (r *Runner) listFixtures(ctx context.Context, stats *RunStats, cfg Config) ([]sportsapi.Fixture, error) {
	if len(cfg.Leagues) == 0 {
		return nil, errors.New("no leagues configured")
	}

	seen := make(map[int]struct{})
	var (
		fixtures []sportsapi.Fixture
		lastErr  error
		failures int
	)
	for _, league := range cfg.Leagues {
		season := league.Season
		if season == 0 {
			season = CurrentSeason(r.now())
		}

		list, err := r.data.Fixtures(ctx, league.ID, season, cfg.FixturesPerLeague)
		if err != nil {
			failures++
			lastErr = fmt.Errorf("list fixtures for league %d: %w", league.ID, err)
			r.update(func() {
				stats.Errors = append(stats.Errors, FixtureError{
					Match: league.Name,
					Stage: StageFixtures,
					Error: lastErr.Error(),
				})
			})
			continue
		}
		for _, f := range list {
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			fixtures = append(fixtures, f)
		}
	}
	if failures == len(cfg.Leagues) {
		return nil, lastErr
	}

	sort.SliceStable(fixtures, func(i, j int) bool {
		return fixtures[i].Kickoff.Before(fixtures[j].Kickoff)
	})
	if cfg.MaxFixtures > 0 && len(fixtures) > cfg.MaxFixtures {
		fixtures = fixtures[:cfg.MaxFixtures]
	}
	return fixtures, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeCached
	outcomeSkipped
	outcomeFailed
)

func (o outcome) touchedUpstream() bool {
	return o == outcomeSuccess || o == outcomeFailed
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

func (r *Runner) processFixture(ctx context.Context, f sportsapi.Fixture) (outcome, error) {
	if _, ok := r.cache.GetPrediction(ctx, f.ID); ok {
		return outcomeCached, nil
	}
	if !f.HasTeams() || f.Kickoff.Before(r.now()) {
		return outcomeSkipped, nil
	}

	md, err := r.data.MatchData(ctx, f)
	if err != nil {
		return outcomeFailed, &stageError{StageFetch, err}
	}

	prompt, err := prediction.BuildPrompt(md)
	if err != nil {
		return outcomeFailed, &stageError{StagePrompt, err}
	}

	text, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return outcomeFailed, &stageError{StageGenerate, err}
	}
	if err := prediction.Validate(text); err != nil {
		return outcomeFailed, &stageError{StageValidate, err}
	}

	rawMatch, err := json.Marshal(md)
	if err != nil {
		return outcomeFailed, &stageError{StageEncode, err}
	}
	rawPrediction, err := prediction.New(md, text, r.now()).Marshal()
	if err != nil {
		return outcomeFailed, &stageError{StageEncode, err}
	}

	r.cache.SetMatchData(ctx, f.ID, rawMatch)
	r.cache.SetPrediction(ctx, f.ID, rawPrediction)
	return outcomeSuccess, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
