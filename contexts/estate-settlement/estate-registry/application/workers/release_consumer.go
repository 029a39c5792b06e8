package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	application "heirloom/contexts/estate-settlement/estate-registry/application"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
	"heirloom/contexts/estate-settlement/estate-registry/ports"
)

const defaultReleaseConsumerGroup = "estate-registry-release-eligible-cg"

// ReleaseConsumer executes estates when an upstream process (a verified
// death claim, usually) announces they are eligible for release.
type ReleaseConsumer struct {
	Subscriber    ports.EventSubscriber
	Service       application.Service
	Dedup         ports.EventDedupStore
	Clock         ports.Clock
	ConsumerGroup string
	DedupTTL      time.Duration
	Disabled      bool
	Logger        *slog.Logger
}

func (c ReleaseConsumer) Start(ctx context.Context) error {
	logger := application.ResolveLogger(c.Logger)
	if c.Disabled {
		logger.Info("release consumer disabled by feature flag",
			"event", "estate_release_consumer_disabled",
			"module", workerModule,
			"layer", "worker",
		)
		return nil
	}
	group := strings.TrimSpace(c.ConsumerGroup)
	if group == "" {
		group = defaultReleaseConsumerGroup
	}
	return c.Subscriber.Subscribe(ctx, contractsv1.EventEstateReleaseEligible, group, c.handleReleaseEligible)
}

func (c ReleaseConsumer) handleReleaseEligible(ctx context.Context, event ports.EventEnvelope) error {
	logger := application.ResolveLogger(c.Logger)
	now := time.Now().UTC()
	if c.Clock != nil {
		now = c.Clock.Now().UTC()
	}

	if c.Dedup != nil {
		alreadyProcessed, err := c.Dedup.ReserveEvent(ctx, event.EventID, hashPayload(event.Data), now.Add(c.dedupTTL()))
		if err != nil {
			logger.Error("release event dedupe failed",
				"event", "estate_release_dedupe_failed",
				"module", workerModule,
				"layer", "worker",
				"event_id", event.EventID,
				"error", err.Error(),
			)
			return err
		}
		if alreadyProcessed {
			logger.Debug("release event already processed",
				"event", "estate_release_replayed",
				"module", workerModule,
				"layer", "worker",
				"event_id", event.EventID,
			)
			return nil
		}
	}

	if err := c.release(ctx, event); err != nil {
		// Free the reservation so a redelivery gets another attempt.
		if c.Dedup != nil {
			if releaseErr := c.Dedup.ReleaseEvent(ctx, event.EventID); releaseErr != nil {
				logger.Error("release event dedupe rollback failed",
					"event", "estate_release_dedupe_rollback_failed",
					"module", workerModule,
					"layer", "worker",
					"event_id", event.EventID,
					"error", releaseErr.Error(),
				)
			}
		}
		return err
	}
	return nil
}

// release executes the estate named by event. Domain rejections are
// acknowledged; only failures a retry can fix are returned.
func (c ReleaseConsumer) release(ctx context.Context, event ports.EventEnvelope) error {
	logger := application.ResolveLogger(c.Logger)
	var payload struct {
		EstateID uint64 `json:"estate_id"`
	}
	if err := event.DecodeData(&payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", contractsv1.EventEstateReleaseEligible, err)
	}
	if payload.EstateID == 0 {
		return fmt.Errorf("%s payload missing estate_id", contractsv1.EventEstateReleaseEligible)
	}

	if c.Service.Custody == nil {
		return domainerrors.ErrCustodyUnavailable
	}
	snapshot, err := c.Service.Custody.Snapshot(ctx, payload.EstateID)
	if err != nil {
		logger.Error("estate custody snapshot failed",
			"event", "estate_release_snapshot_failed",
			"module", workerModule,
			"layer", "worker",
			"event_id", event.EventID,
			"estate_id", payload.EstateID,
			"error", err.Error(),
		)
		return err
	}

	result, err := c.Service.Execute(ctx, payload.EstateID, snapshot)
	if err != nil {
		// Redelivery cannot change a validation or state verdict.
		if kind := domainerrors.KindOf(err); kind != domainerrors.KindUnknown {
			logger.Warn("estate release refused",
				"event", "estate_release_refused",
				"module", workerModule,
				"layer", "worker",
				"event_id", event.EventID,
				"estate_id", payload.EstateID,
				"kind", kind.String(),
				"error", err.Error(),
			)
			return nil
		}
		return err
	}

	logger.Info("estate released",
		"event", "estate_release_completed",
		"module", workerModule,
		"layer", "worker",
		"event_id", event.EventID,
		"estate_id", payload.EstateID,
		"transfer_count", len(result.Distribution.Transfers),
		"failed_legs", len(result.Distribution.FailedLegs),
	)
	return nil
}

func (c ReleaseConsumer) dedupTTL() time.Duration {
	if c.DedupTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.DedupTTL
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
