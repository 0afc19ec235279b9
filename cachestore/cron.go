package cachestore

import (
	"context"

	"encore.dev/cron"
)

// HourlySweep removes expired entries so storage does not grow with
// entries nobody reads again.
var _ = cron.NewJob("cache-sweep", cron.JobConfig{
	Title:    "Sweep expired cache entries",
	Every:    cron.Hour,
	Endpoint: ScheduledSweep,
})

//encore:api private
func ScheduledSweep(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	_, err := svc.Sweep(ctx)
	return err
}
