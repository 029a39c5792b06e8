package workers

import (
	"context"
	"log/slog"

	application "heirloom/contexts/dispute-resolution/claim-arbitration/application"
)

// DeadlineResolver closes claims whose voting deadline has passed.
type DeadlineResolver struct {
	Service   application.Service
	BatchSize int
	Disabled  bool
	Logger    *slog.Logger
}

func (j DeadlineResolver) RunOnce(ctx context.Context) error {
	if j.Disabled {
		return nil
	}
	logger := application.ResolveLogger(j.Logger)
	resolved, err := j.Service.ResolveExpiredClaims(ctx, j.BatchSize)
	if err != nil {
		logger.Error("claim deadline sweep failed",
			"event", "claim_deadline_sweep_failed",
			"module", workerModule,
			"layer", "worker",
			"resolved_count", len(resolved),
			"error", err.Error(),
		)
		return err
	}
	if len(resolved) > 0 {
		logger.Info("claim deadline sweep completed",
			"event", "claim_deadline_sweep_completed",
			"module", workerModule,
			"layer", "worker",
			"resolved_count", len(resolved),
		)
		return nil
	}
	logger.Debug("claim deadline sweep found nothing",
		"event", "claim_deadline_sweep_idle",
		"module", workerModule,
		"layer", "worker",
	)
	return nil
}
