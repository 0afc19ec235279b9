package generation

import (
	"context"
	"errors"

	"encore.dev/cron"
	"encore.dev/rlog"

	"github.com/matchcast/matchcast/pkg/orchestrator"
)

// DailyGeneration previews the coming fixtures every morning.
var _ = cron.NewJob("daily-generation", cron.JobConfig{
	Title:    "Daily Match Preview Generation",
	Schedule: "0 6 * * *", // 6 AM daily
	Endpoint: DailyGeneration,
})

//encore:api private
func DailyGeneration(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.scheduledRun(ctx)
}

func (s *Service) scheduledRun(ctx context.Context) error {
	runID, err := s.runner.Start(ctx)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		s.metrics.RunsRejected.Add(1)
		rlog.Info("scheduled run skipped, run already active")
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.RunsStarted.Add(1)
	rlog.Info("scheduled generation run started", "run_id", runID)
	return nil
}
