package generation

import (
	"context"
	"encoding/json"

	"encore.dev/rlog"

	"github.com/matchcast/matchcast/cachestore"
	"github.com/matchcast/matchcast/pkg/models"
	"github.com/matchcast/matchcast/pkg/store"
)

// remoteCache reaches the cache store through its private APIs. Like the
// store itself it never fails: an unreachable store reads as a miss and a
// lost write is only logged.
type remoteCache struct{}

func (remoteCache) get(ctx context.Context, category models.Category, key string) (json.RawMessage, bool) {
	resp, err := cachestore.Get(ctx, &cachestore.GetRequest{Category: string(category), Key: key})
	if err != nil {
		rlog.Warn("cache read failed, treating as miss", "category", category, "key", key, "error", err)
		return nil, false
	}
	return resp.Value, resp.Found
}

func (remoteCache) set(ctx context.Context, category models.Category, key string, value json.RawMessage) {
	err := cachestore.Set(ctx, &cachestore.SetRequest{Category: string(category), Key: key, Value: value})
	if err != nil {
		rlog.Error("cache write failed", "category", category, "key", key, "error", err)
	}
}

func (c remoteCache) GetPrediction(ctx context.Context, fixtureID int) (json.RawMessage, bool) {
	return c.get(ctx, models.CategoryPrediction, store.FixtureKey(fixtureID))
}

func (c remoteCache) SetPrediction(ctx context.Context, fixtureID int, value json.RawMessage) {
	c.set(ctx, models.CategoryPrediction, store.FixtureKey(fixtureID), value)
}

func (c remoteCache) SetMatchData(ctx context.Context, fixtureID int, value json.RawMessage) {
	c.set(ctx, models.CategoryMatchData, store.FixtureKey(fixtureID), value)
}

func (c remoteCache) GetFixtures(ctx context.Context, key string) (json.RawMessage, bool) {
	return c.get(ctx, models.CategoryFixtures, key)
}

func (c remoteCache) SetFixtures(ctx context.Context, key string, value json.RawMessage) {
	c.set(ctx, models.CategoryFixtures, key, value)
}

func (c remoteCache) GetLeagueStats(ctx context.Context, key string) (json.RawMessage, bool) {
	return c.get(ctx, models.CategoryLeagueStats, key)
}

func (c remoteCache) SetLeagueStats(ctx context.Context, key string, value json.RawMessage) {
	c.set(ctx, models.CategoryLeagueStats, key, value)
}

func (remoteCache) LogCall(ctx context.Context, endpoint string, success, cached bool) {
	err := cachestore.LogCall(ctx, &cachestore.LogCallRequest{Endpoint: endpoint, Success: success, Cached: cached})
	if err != nil {
		rlog.Error("call log write failed", "endpoint", endpoint, "error", err)
	}
}
