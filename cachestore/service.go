// Package cachestore is the TTL cache store service. It keeps fixtures,
// match data, predictions and league statistics with per-category expiry
// and records every upstream call for the 24h usage stats.
//
// Reads never fail: a storage error or an expired entry is a miss. Writes
// and call logging are best effort and never surface an error to callers.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	"github.com/matchcast/matchcast/pkg/events"
	"github.com/matchcast/matchcast/pkg/models"
	"github.com/matchcast/matchcast/pkg/store"
)

// Service owns the Store. Every API goes through it.
type Service struct {
	store   *store.Store
	metrics *Metrics
	publish func(ctx context.Context, event *events.CacheClearedEvent) error
}

// Metrics counts service operations since start.
type Metrics struct {
	Gets         atomic.Int64
	Hits         atomic.Int64
	Sets         atomic.Int64
	CallsLogged  atomic.Int64
	Sweeps       atomic.Int64
	SweptEntries atomic.Int64
	Clears       atomic.Int64
}

var db = sqldb.NewDatabase("cachestore", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

func initService() (*Service, error) {
	return newService(NewPostgresBackend(db), publishCleared), nil
}

func newService(backend store.Backend, publish func(context.Context, *events.CacheClearedEvent) error, opts ...store.Option) *Service {
	opts = append([]store.Option{store.WithLogger(slog.Default().With("service", "cachestore"))}, opts...)
	return &Service{
		store:   store.New(backend, opts...),
		metrics: &Metrics{},
		publish: publish,
	}
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize cachestore service: %v", err))
	}
}

var errNotInitialized = errors.New("service not initialized")

// CacheClearedTopic announces an operator clear.
var CacheClearedTopic = pubsub.NewTopic[*events.CacheClearedEvent](
	events.TopicCacheCleared,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func publishCleared(ctx context.Context, event *events.CacheClearedEvent) error {
	_, err := CacheClearedTopic.Publish(ctx, event)
	return err
}

// Request and response types

type GetRequest struct {
	Category string `json:"category"`
	Key      string `json:"key"`
}

type GetResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

type SetRequest struct {
	Category string          `json:"category"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

type LogCallRequest struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Cached   bool   `json:"cached"`
}

type StatsResponse struct {
	Entries      map[string]int      `json:"entries"`
	TotalEntries int                 `json:"total_entries"`
	APICalls24h  models.APICallStats `json:"api_calls_24h"`
	Service      ServiceMetrics      `json:"service"`
}

type ServiceMetrics struct {
	Gets         int64   `json:"gets"`
	Hits         int64   `json:"hits"`
	HitRate      float64 `json:"hit_rate"`
	Sets         int64   `json:"sets"`
	CallsLogged  int64   `json:"calls_logged"`
	Sweeps       int64   `json:"sweeps"`
	SweptEntries int64   `json:"swept_entries"`
	Clears       int64   `json:"clears"`
}

type ClearRequest struct {
	ClearedBy  string `json:"cleared_by"`
	RequestID  string `json:"request_id"`
	Regenerate bool   `json:"regenerate"`
}

type ClearResponse struct {
	Success   bool      `json:"success"`
	RequestID string    `json:"request_id"`
	ClearedAt time.Time `json:"cleared_at"`
}

type SweepResponse struct {
	Removed int `json:"removed"`
}

type PredictionResponse struct {
	FixtureID  int             `json:"fixture_id"`
	Prediction json.RawMessage `json:"prediction"`
}

// Get returns the entry if present and unexpired.
//
//encore:api private method=POST path=/internal/cache/get
func Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.Get(ctx, req)
}

func (s *Service) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	category, err := parseCategory(req.Category)
	if err != nil {
		return nil, err
	}

	s.metrics.Gets.Add(1)
	value, ok := s.store.Get(ctx, category, req.Key)
	if !ok {
		return &GetResponse{Found: false}, nil
	}
	s.metrics.Hits.Add(1)
	return &GetResponse{Found: true, Value: value}, nil
}

// Set stores the value under the category TTL. Storage failures are
// logged, never returned.
//
//encore:api private method=POST path=/internal/cache/set
func Set(ctx context.Context, req *SetRequest) error {
	if svc == nil {
		return errNotInitialized
	}
	return svc.Set(ctx, req)
}

func (s *Service) Set(ctx context.Context, req *SetRequest) error {
	category, err := parseCategory(req.Category)
	if err != nil {
		return err
	}
	if req.Key == "" {
		return &errs.Error{Code: errs.InvalidArgument, Message: "key cannot be empty"}
	}
	if !json.Valid(req.Value) {
		return &errs.Error{Code: errs.InvalidArgument, Message: "value must be valid JSON"}
	}

	s.metrics.Sets.Add(1)
	s.store.Set(ctx, category, req.Key, req.Value)
	return nil
}

// LogCall appends an upstream call record.
//
//encore:api private method=POST path=/internal/calls
func LogCall(ctx context.Context, req *LogCallRequest) error {
	if svc == nil {
		return errNotInitialized
	}
	return svc.LogCall(ctx, req)
}

func (s *Service) LogCall(ctx context.Context, req *LogCallRequest) error {
	if req.Endpoint == "" {
		return &errs.Error{Code: errs.InvalidArgument, Message: "endpoint cannot be empty"}
	}
	s.metrics.CallsLogged.Add(1)
	s.store.LogCall(ctx, req.Endpoint, req.Success, req.Cached)
	return nil
}

// Stats reports unexpired entries per category and upstream usage over the
// last 24 hours.
//
//encore:api public method=GET path=/cache/stats
func Stats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.Stats(ctx)
}

func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		rlog.Error("failed to compute cache stats", "error", err)
		return nil, &errs.Error{Code: errs.Unavailable, Message: "cache stats unavailable"}
	}

	entries := make(map[string]int, len(stats.Counts))
	for category, n := range stats.Counts {
		entries[string(category)] = n
	}

	return &StatsResponse{
		Entries:      entries,
		TotalEntries: stats.TotalEntries(),
		APICalls24h:  stats.APICalls24h,
		Service:      s.snapshot(),
	}, nil
}

func (s *Service) snapshot() ServiceMetrics {
	gets := s.metrics.Gets.Load()
	hits := s.metrics.Hits.Load()
	var hitRate float64
	if gets > 0 {
		hitRate = float64(hits) / float64(gets)
	}
	return ServiceMetrics{
		Gets:         gets,
		Hits:         hits,
		HitRate:      hitRate,
		Sets:         s.metrics.Sets.Load(),
		CallsLogged:  s.metrics.CallsLogged.Load(),
		Sweeps:       s.metrics.Sweeps.Load(),
		SweptEntries: s.metrics.SweptEntries.Load(),
		Clears:       s.metrics.Clears.Load(),
	}
}

// Clear removes every cached entry. The call log is kept.
//
//encore:api public method=POST path=/cache/clear
func Clear(ctx context.Context, req *ClearRequest) (*ClearResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.Clear(ctx, req)
}

func (s *Service) Clear(ctx context.Context, req *ClearRequest) (*ClearResponse, error) {
	if req.ClearedBy == "" {
		req.ClearedBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	if err := s.store.ClearAll(ctx); err != nil {
		rlog.Error("failed to clear cache", "error", err, "request_id", req.RequestID)
		return nil, &errs.Error{Code: errs.Unavailable, Message: "failed to clear cache"}
	}
	s.metrics.Clears.Add(1)

	event := &events.CacheClearedEvent{
		Version:    events.EventVersion1,
		RequestID:  req.RequestID,
		ClearedBy:  req.ClearedBy,
		Regenerate: req.Regenerate,
		ClearedAt:  time.Now().UTC(),
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	// The clear already happened; a lost notification only costs the
	// optional regeneration.
	if err := s.publish(ctx, event); err != nil {
		rlog.Warn("failed to publish cache cleared event", "error", err, "request_id", req.RequestID)
	}

	rlog.Info("cache cleared", "cleared_by", req.ClearedBy, "request_id", req.RequestID)
	return &ClearResponse{
		Success:   true,
		RequestID: req.RequestID,
		ClearedAt: event.ClearedAt,
	}, nil
}

// Sweep deletes every expired entry now.
//
//encore:api public method=POST path=/cache/sweep
func Sweep(ctx context.Context) (*SweepResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.Sweep(ctx)
}

func (s *Service) Sweep(ctx context.Context) (*SweepResponse, error) {
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		rlog.Error("cache sweep failed", "error", err)
		return nil, &errs.Error{Code: errs.Unavailable, Message: "sweep failed"}
	}
	s.metrics.Sweeps.Add(1)
	s.metrics.SweptEntries.Add(int64(removed))
	if removed > 0 {
		rlog.Info("swept expired cache entries", "removed", removed)
	}
	return &SweepResponse{Removed: removed}, nil
}

// GetPrediction serves a cached preview. A missing or expired preview is
// reported as not yet available.
//
//encore:api public method=GET path=/predictions/:fixtureID
func GetPrediction(ctx context.Context, fixtureID int) (*PredictionResponse, error) {
	if svc == nil {
		return nil, errNotInitialized
	}
	return svc.GetPrediction(ctx, fixtureID)
}

func (s *Service) GetPrediction(ctx context.Context, fixtureID int) (*PredictionResponse, error) {
	if fixtureID <= 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "fixture id must be positive"}
	}

	s.metrics.Gets.Add(1)
	value, ok := s.store.GetPrediction(ctx, fixtureID)
	if !ok {
		return nil, &errs.Error{
			Code:    errs.NotFound,
			Message: fmt.Sprintf("prediction for fixture %d is not yet available", fixtureID),
		}
	}
	s.metrics.Hits.Add(1)
	return &PredictionResponse{FixtureID: fixtureID, Prediction: value}, nil
}

func parseCategory(raw string) (models.Category, error) {
	category, err := models.ParseCategory(raw)
	if err != nil {
		return "", &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}
	return category, nil
}
