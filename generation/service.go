// Package generation runs match preview generation. It lists upcoming
// fixtures, gathers match data, asks the language model for a preview and
// stores the validated result in the cache store.
//
// At most one run is active at a time. A trigger while a run is active is
// rejected, never queued.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/rlog"

	"github.com/matchcast/matchcast/cachestore"
	"github.com/matchcast/matchcast/pkg/events"
	"github.com/matchcast/matchcast/pkg/llm"
	"github.com/matchcast/matchcast/pkg/matchdata"
	"github.com/matchcast/matchcast/pkg/orchestrator"
	"github.com/matchcast/matchcast/pkg/sportsapi"
)

var secrets struct {
	SportsAPIKey string // API-Football key
	LLMAPIKey    string // OpenAI-compatible API key
}

// Service owns the single orchestrator instance.
type Service struct {
	runner  *orchestrator.Runner
	metrics *Metrics
	publish func(ctx context.Context, event *events.RunCompletedEvent) error
}

// Metrics counts runs since start.
type Metrics struct {
	RunsStarted          atomic.Int64
	RunsRejected         atomic.Int64
	RunsCompleted        atomic.Int64
	RunsFailed           atomic.Int64
	PredictionsGenerated atomic.Int64
	FixturesFailed       atomic.Int64
}

func initService() (*Service, error) {
	logger := slog.Default().With("service", "generation")
	cache := remoteCache{}

	sports := sportsapi.NewClient(secrets.SportsAPIKey, sportsapi.WithLogger(logger))
	source := matchdata.NewSource(sports, cache, matchdata.WithLogger(logger))

	cfg := llm.DefaultConfig()
	cfg.APIKey = secrets.LLMAPIKey
	gen := llm.NewClient(cfg, logger)

	return newService(source, gen, cache, orchestrator.DefaultConfig(), publishRunCompleted,
		orchestrator.WithLogger(logger)), nil
}

func newService(
	data orchestrator.DataSource,
	gen orchestrator.Generator,
	cache orchestrator.Cache,
	cfg orchestrator.Config,
	publish func(context.Context, *events.RunCompletedEvent) error,
	opts ...orchestrator.Option,
) *Service {
	s := &Service{
		metrics: &Metrics{},
		publish: publish,
	}
	opts = append(opts, orchestrator.WithOnComplete(s.onRunComplete))
	s.runner = orchestrator.NewRunner(data, gen, cache, cfg, opts...)
	return s
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize generation service: %v", err))
	}
}

var errNotInitialized = errors.New("service not initialized")

// RunCompletedTopic announces the outcome of every run.
var RunCompletedTopic = pubsub.NewTopic[*events.RunCompletedEvent](
	events.TopicRunCompleted,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func publishRunCompleted(ctx context.Context, event *events.RunCompletedEvent) error {
	_, err := RunCompletedTopic.Publish(ctx, event)
	return err
}

// Regenerate after an operator clear when asked to.
var _ = pubsub.NewSubscription(
	cachestore.CacheClearedTopic,
	"generation-cache-cleared",
	pubsub.SubscriptionConfig[*events.CacheClearedEvent]{
		Handler: HandleCacheCleared,
	},
)

// Request and response types

type TriggerResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type StatusResponse struct {
	State   orchestrator.State     `json:"state"`
	Running bool                   `json:"running"`
	Current *orchestrator.RunStats `json:"current,omitempty"`
	Last    *orchestrator.RunStats `json:"last,omitempty"`
	Metrics MetricsSnapshot        `json:"metrics"`
}

type MetricsSnapshot struct {
	RunsStarted          int64 `json:"runs_started"`
	RunsRejected         int64 `json:"runs_rejected"`
	RunsCompleted        int64 `json:"runs_completed"`
	RunsFailed           int64 `json:"runs_failed"`
	PredictionsGenerated int64 `json:"predictions_generated"`
	FixturesFailed       int64 `json:"fixtures_failed"`
}

type ConfigResponse struct {
	Config orchestrator.Config `json:"config"`
}

type UpdateConfigRequest struct {
	Leagues           []orchestrator.League `json:"leagues,omitempty"`
	FixturesPerLeague *int                  `json:"fixtures_per_league,omitempty"`
	MaxFixtures       *int                  `json:"max_fixtures,omitempty"`
	ItemDelay         *time.Duration        `json:"item_delay,omitempty"`
	RateLimitDelay    *time.Duration        `json:"rate_limit_delay,omitempty"`
}

// Trigger starts a run in the background. It fails with Aborted while a
// run is active.
//
//encore:api public method=POST path=/generate
func Trigger(ctx context.Context) (*TriggerResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.Trigger(ctx)
}

func (s *Service) Trigger(ctx context.Context) (*TriggerResponse, error) {
	runID, err := s.runner.Start(ctx)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		s.metrics.RunsRejected.Add(1)
		return nil, &errs.Error{Code: errs.Aborted, Message: "a generation run is already in progress"}
	}
	if err != nil {
		return nil, err
	}
	s.metrics.RunsStarted.Add(1)

	rlog.Info("generation run triggered", "run_id", runID)
	resp := &TriggerResponse{RunID: runID, Status: "started"}
	if cur := s.runner.Status().Current; cur != nil && cur.ID == runID {
		resp.StartedAt = cur.StartedAt
	}
	return resp, nil
}

// GetStatus returns the current run, if any, and the last finished one.
//
//encore:api public method=GET path=/generate/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.GetStatus(ctx)
}

func (s *Service) GetStatus(ctx context.Context) (*StatusResponse, error) {
	st := s.runner.Status()
	return &StatusResponse{
		State:   st.State,
		Running: st.Running,
		Current: st.Current,
		Last:    st.Last,
		Metrics: MetricsSnapshot{
			RunsStarted:          s.metrics.RunsStarted.Load(),
			RunsRejected:         s.metrics.RunsRejected.Load(),
			RunsCompleted:        s.metrics.RunsCompleted.Load(),
			RunsFailed:           s.metrics.RunsFailed.Load(),
			PredictionsGenerated: s.metrics.PredictionsGenerated.Load(),
			FixturesFailed:       s.metrics.FixturesFailed.Load(),
		},
	}, nil
}

// GetConfig returns the configuration the next run will use.
//
//encore:api public method=GET path=/generate/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.GetConfig(ctx)
}

func (s *Service) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	return &ConfigResponse{Config: s.runner.Config()}, nil
}

// UpdateConfig changes the configuration at runtime. An active run keeps
// the configuration it started with.
//
//encore:api public method=POST path=/generate/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.UpdateConfig(ctx, req)
}

func (s *Service) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	cfg := s.runner.Config()

	if req.Leagues != nil {
		for _, l := range req.Leagues {
			if l.ID <= 0 {
				return nil, invalidArgument("league id must be positive, got %d", l.ID)
			}
		}
		cfg.Leagues = append([]orchestrator.League(nil), req.Leagues...)
	}
	if req.FixturesPerLeague != nil {
		if *req.FixturesPerLeague <= 0 {
			return nil, invalidArgument("fixtures_per_league must be positive")
		}
		cfg.FixturesPerLeague = *req.FixturesPerLeague
	}
	if req.MaxFixtures != nil {
		if *req.MaxFixtures < 0 {
			return nil, invalidArgument("max_fixtures cannot be negative")
		}
		cfg.MaxFixtures = *req.MaxFixtures
	}
	if req.ItemDelay != nil {
		if *req.ItemDelay < 0 {
			return nil, invalidArgument("item_delay cannot be negative")
		}
		cfg.ItemDelay = *req.ItemDelay
	}
	if req.RateLimitDelay != nil {
		if *req.RateLimitDelay < 0 {
			return nil, invalidArgument("rate_limit_delay cannot be negative")
		}
		cfg.RateLimitDelay = *req.RateLimitDelay
	}

	s.runner.SetConfig(cfg)
	rlog.Info("generation config updated", "leagues", len(cfg.Leagues), "max_fixtures", cfg.MaxFixtures)
	return &ConfigResponse{Config: cfg}, nil
}

// HandleCacheCleared starts a fresh run when the clear asked for one.
func HandleCacheCleared(ctx context.Context, event *events.CacheClearedEvent) error {
	if svc == nil {
		return nil
	}
	return svc.HandleCacheCleared(ctx, event)
}

func (s *Service) HandleCacheCleared(ctx context.Context, event *events.CacheClearedEvent) error {
	if err := event.Validate(); err != nil {
		// Redelivery cannot fix a malformed event.
		rlog.Warn("dropping invalid cache cleared event", "error", err)
		return nil
	}
	if !event.Regenerate {
		return nil
	}

	runID, err := s.runner.Start(ctx)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		s.metrics.RunsRejected.Add(1)
		rlog.Info("regeneration skipped, run already active", "request_id", event.RequestID)
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.RunsStarted.Add(1)
	rlog.Info("regeneration started after cache clear", "run_id", runID, "request_id", event.RequestID)
	return nil
}

func (s *Service) onRunComplete(stats orchestrator.RunStats) {
	outcome := events.OutcomeCompleted
	if stats.State == orchestrator.StateFailed {
		outcome = events.OutcomeFailed
		s.metrics.RunsFailed.Add(1)
	} else {
		s.metrics.RunsCompleted.Add(1)
	}
	s.metrics.PredictionsGenerated.Add(int64(stats.Success))
	s.metrics.FixturesFailed.Add(int64(stats.Failed))

	completedAt := time.Now().UTC()
	if stats.FinishedAt != nil {
		completedAt = *stats.FinishedAt
	}
	event := &events.RunCompletedEvent{
		Version:     events.EventVersion1,
		RunID:       stats.ID,
		Outcome:     outcome,
		Total:       stats.Total,
		Success:     stats.Success,
		Failed:      stats.Failed,
		Cached:      stats.Cached,
		Skipped:     stats.Skipped,
		Error:       stats.Error,
		Duration:    completedAt.Sub(stats.StartedAt),
		CompletedAt: completedAt,
	}
	if err := event.Validate(); err != nil {
		rlog.Error("invalid run completed event", "run_id", stats.ID, "error", err)
		return
	}
	if err := s.publish(context.Background(), event); err != nil {
		rlog.Warn("failed to publish run completed event", "run_id", stats.ID, "error", err)
	}
}

func invalidArgument(format string, args ...any) error {
	return &errs.Error{Code: errs.InvalidArgument, Message: fmt.Sprintf(format, args...)}
}
