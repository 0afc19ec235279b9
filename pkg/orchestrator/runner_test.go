package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchcast/matchcast/pkg/matchdata"
	"github.com/matchcast/matchcast/pkg/prediction"
	"github.com/matchcast/matchcast/pkg/retry"
	"github.com/matchcast/matchcast/pkg/sportsapi"
	"github.com/matchcast/matchcast/pkg/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixture(id int) sportsapi.Fixture {
	return sportsapi.Fixture{
		ID:         id,
		Kickoff:    testNow.Add(time.Duration(24+id) * time.Hour),
		LeagueID:   39,
		LeagueName: "Premier League",
		Season:     2025,
		HomeTeamID: 100 + id,
		HomeTeam:   fmt.Sprintf("Home %d", id),
		AwayTeamID: 200 + id,
		AwayTeam:   fmt.Sprintf("Away %d", id),
	}
}

func validPreview() string {
	var sb strings.Builder
	for _, s := range prediction.RequiredSections {
		sb.WriteString("## " + s + "\n")
		sb.WriteString(strings.Repeat("Form and numbers point towards a competitive afternoon. ", 4))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

type fakeData struct {
	mu           sync.Mutex
	fixtures     map[int][]sportsapi.Fixture
	listErr      map[int]error
	fetchErr     map[int]error
	matchCalls   int
	fixtureCalls int
}

func newFakeData(fixtures ...sportsapi.Fixture) *fakeData {
	return &fakeData{
		fixtures: map[int][]sportsapi.Fixture{39: fixtures},
		listErr:  map[int]error{},
		fetchErr: map[int]error{},
	}
}

func (d *fakeData) Fixtures(_ context.Context, league, _, _ int) ([]sportsapi.Fixture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixtureCalls++
	if err := d.listErr[league]; err != nil {
		return nil, err
	}
	return d.fixtures[league], nil
}

func (d *fakeData) MatchData(_ context.Context, f sportsapi.Fixture) (*matchdata.MatchData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matchCalls++
	if err := d.fetchErr[f.ID]; err != nil {
		return nil, err
	}
	return &matchdata.MatchData{Fixture: f, FetchedAt: testNow}, nil
}

func (d *fakeData) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.matchCalls
}

type fakeGenerator struct {
	mu      sync.Mutex
	text    string
	errs    []error
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, _ string) (string, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return g.text, nil
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type harness struct {
	data   *fakeData
	gen    *fakeGenerator
	store  *store.Store
	sleeps *sleepRecorder
	runner *Runner
}

func newHarness(t *testing.T, fixtures []sportsapi.Fixture, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		data:   newFakeData(fixtures...),
		gen:    &fakeGenerator{text: validPreview()},
		store:  store.New(store.NewMemoryBackend(), store.WithClock(func() time.Time { return testNow }), store.WithLogger(logger)),
		sleeps: &sleepRecorder{},
	}
	cfg := DefaultConfig()
	cfg.Leagues = []League{{ID: 39, Name: "Premier League", Season: 2025}}

	all := append([]Option{
		WithLogger(logger),
		WithClock(func() time.Time { return testNow }),
		WithSleep(h.sleeps.sleep),
	}, opts...)
	h.runner = NewRunner(h.data, h.gen, h.store, cfg, all...)
	return h
}

func fixtures(ids ...int) []sportsapi.Fixture {
	out := make([]sportsapi.Fixture, 0, len(ids))
	for _, id := range ids {
		out = append(out, fixture(id))
	}
	return out
}

func TestRun_GeneratesAndCaches(t *testing.T) {
	h := newHarness(t, fixtures(1, 2, 3))
	ctx := context.Background()

	stats, err := h.runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, stats.State)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Success)
	assert.Zero(t, stats.Failed)
	assert.NotEmpty(t, stats.ID)
	require.NotNil(t, stats.FinishedAt)

	for _, id := range []int{1, 2, 3} {
		_, ok := h.store.GetPrediction(ctx, id)
		assert.True(t, ok, "prediction %d cached", id)
		_, ok = h.store.GetMatchData(ctx, id)
		assert.True(t, ok, "match data %d cached", id)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps.delays)
}

func TestRun_IsIdempotentWhileCached(t *testing.T) {
	h := newHarness(t, fixtures(1, 2, 3))
	ctx := context.Background()

	_, err := h.runner.Run(ctx)
	require.NoError(t, err)
	fetches, generations := h.data.calls(), h.gen.count()

	stats, err := h.runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, stats.Total, stats.Cached)
	assert.Zero(t, stats.Success)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, fetches, h.data.calls(), "no match data fetched")
	assert.Equal(t, generations, h.gen.count(), "no generation requested")
}

func TestRun_PartialFailureIsIsolated(t *testing.T) {
	h := newHarness(t, fixtures(1, 2, 3, 4, 5))
	h.data.fetchErr[2] = errors.New("status 500")

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, stats.State)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 4, stats.Success)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, 2, stats.Errors[0].FixtureID)
	assert.Equal(t, StageFetch, stats.Errors[0].Stage)
	assert.Equal(t, "Home 2 vs Away 2", stats.Errors[0].Match)

	_, ok := h.store.GetPrediction(context.Background(), 2)
	assert.False(t, ok)
}

func TestRun_FixtureListFailureIsFatal(t *testing.T) {
	h := newHarness(t, fixtures(1))
	h.data.listErr[39] = errors.New("connection refused")

	stats, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, stats.State)
	assert.Contains(t, stats.Error, "connection refused")

	status := h.runner.Status()
	assert.False(t, status.Running)
	assert.Equal(t, StateFailed, status.State)
	require.NotNil(t, status.Last)
	assert.Equal(t, StateFailed, status.Last.State)
	assert.Zero(t, h.data.calls())
}

func TestRun_OneLeagueFailingIsRecorded(t *testing.T) {
	h := newHarness(t, fixtures(1))
	h.data.listErr[140] = errors.New("status 500")
	cfg := h.runner.Config()
	cfg.Leagues = append(cfg.Leagues, League{ID: 140, Name: "La Liga", Season: 2025})
	h.runner.SetConfig(cfg)

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, StageFixtures, stats.Errors[0].Stage)
	assert.Zero(t, stats.Failed, "league errors are not fixture failures")
}

func TestRun_NoLeaguesFails(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.SetConfig(Config{})

	_, err := h.runner.Run(context.Background())
	assert.Error(t, err)
}

func TestStart_SingleFlight(t *testing.T) {
	h := newHarness(t, fixtures(1, 2))
	h.gen.entered = make(chan struct{})
	h.gen.release = make(chan struct{})
	ctx := context.Background()

	id, err := h.runner.Start(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	<-h.gen.entered
	before := h.runner.Status()
	require.True(t, before.Running)
	require.NotNil(t, before.Current)
	assert.Equal(t, id, before.Current.ID)

	_, err = h.runner.Start(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = h.runner.Run(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)

	during := h.runner.Status()
	assert.Equal(t, before.Current, during.Current, "rejected trigger leaves the active run untouched")

	h.gen.release <- struct{}{}
	<-h.gen.entered
	h.gen.release <- struct{}{}
	h.runner.Wait()

	after := h.runner.Status()
	assert.False(t, after.Running)
	assert.Nil(t, after.Current)
	require.NotNil(t, after.Last)
	assert.Equal(t, id, after.Last.ID)
	assert.Equal(t, 2, after.Last.Success)

	h.gen.entered = nil
	_, err = h.runner.Run(ctx)
	assert.NoError(t, err, "a new run may start once the previous one completed")
}

func TestStart_DetachedFromRequestContext(t *testing.T) {
	h := newHarness(t, fixtures(1))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.runner.Start(ctx)
	require.NoError(t, err)
	cancel()
	h.runner.Wait()

	last := h.runner.Status().Last
	require.NotNil(t, last)
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, 1, last.Success)
}

func TestRun_RateLimitUsesLongerDelay(t *testing.T) {
	h := newHarness(t, fixtures(1, 2, 3))
	h.gen.errs = []error{&retry.RateLimitError{Err: errors.New("429")}}

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, []time.Duration{60 * time.Second, 2 * time.Second}, h.sleeps.delays)
}

func TestRun_ValidationFailureSkipsCacheWrite(t *testing.T) {
	h := newHarness(t, fixtures(1))
	h.gen.text = "## Prediction\nHome win."

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, StageValidate, stats.Errors[0].Stage)

	_, ok := h.store.GetPrediction(context.Background(), 1)
	assert.False(t, ok)
	_, ok = h.store.GetMatchData(context.Background(), 1)
	assert.False(t, ok)
}

func TestRun_SkipsStartedAndIncompleteFixtures(t *testing.T) {
	started := fixture(1)
	started.Kickoff = testNow.Add(-time.Hour)
	noAway := fixture(2)
	noAway.AwayTeamID = 0

	h := newHarness(t, []sportsapi.Fixture{started, noAway, fixture(3)})

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, h.data.calls())
	assert.Empty(t, h.sleeps.delays)
}

func TestRun_CapsAndOrdersFixtures(t *testing.T) {
	h := newHarness(t, fixtures(5, 3, 1, 4, 2, 3))
	cfg := h.runner.Config()
	cfg.MaxFixtures = 3
	h.runner.SetConfig(cfg)

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)

	for _, id := range []int{1, 2, 3} {
		_, ok := h.store.GetPrediction(context.Background(), id)
		assert.True(t, ok, "earliest fixture %d processed", id)
	}
	_, ok := h.store.GetPrediction(context.Background(), 5)
	assert.False(t, ok)
}

func TestRun_OnCompleteHook(t *testing.T) {
	var got []RunStats
	h := newHarness(t, fixtures(1), WithOnComplete(func(s RunStats) { got = append(got, s) }))

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stats.ID, got[0].ID)
	assert.Equal(t, StateCompleted, got[0].State)
}

func TestRun_InterruptedSleepFailsRun(t *testing.T) {
	h := newHarness(t, fixtures(1, 2), WithSleep(func(context.Context, time.Duration) error {
		return context.Canceled
	}))

	stats, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, stats.State)
	assert.Equal(t, 1, stats.Success)
}

func TestCurrentSeason(t *testing.T) {
	assert.Equal(t, 2025, CurrentSeason(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2026, CurrentSeason(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)))
}

func TestStatusInitiallyIdle(t *testing.T) {
	h := newHarness(t, nil)
	status := h.runner.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.Running)
	assert.Nil(t, status.Last)
}
