package application

import (
	"context"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/estate-settlement/estate-registry/domain/distribution"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"

	"github.com/shopspring/decimal"
)

// DistributionResult is what a successful Execute hands back.
type DistributionResult struct {
	Estate           entities.Estate
	Distribution     distribution.Result
	TotalDistributed decimal.Decimal
}

// Execute releases an estate. Preconditions are checked, the executed flag
// is committed, and only then are assets moved. A recipient callback that
// re-enters Execute is refused by the guard, and even without the guard the
// committed flag makes a second execution fail.
func (s Service) Execute(ctx context.Context, estateID uint64, snapshot entities.AssetSnapshot) (DistributionResult, error) {
	release, err := s.Guard.Enter()
	if err != nil {
		return DistributionResult{}, s.reject("execute", err, "estate_id", estateID)
	}
	defer release()

	logger := ResolveLogger(s.Logger)
	logger.Info("estate execution started",
		"event", "estate_execute_started",
		"module", moduleName,
		"layer", "application",
		"estate_id", estateID,
	)

	estate, err := s.Estates.GetEstate(ctx, estateID)
	if err != nil {
		return DistributionResult{}, s.reject("execute", err, "estate_id", estateID)
	}
	if estate.IsExecuted() {
		return DistributionResult{}, s.reject("execute", domainerrors.ErrAlreadyExecuted, "estate_id", estateID)
	}
	if !estate.Active {
		return DistributionResult{}, s.reject("execute", domainerrors.ErrEstateInactive, "estate_id", estateID)
	}
	count, met, err := s.thresholdMet(ctx, estate)
	if err != nil {
		return DistributionResult{}, s.reject("execute", err, "estate_id", estateID)
	}
	if !met {
		return DistributionResult{}, s.reject("execute", domainerrors.ErrThresholdNotMet,
			"estate_id", estateID,
			"approved_count", count,
			"guardian_threshold", estate.GuardianThreshold,
		)
	}
	if err := snapshot.Validate(); err != nil {
		return DistributionResult{}, s.reject("execute", err, "estate_id", estateID)
	}
	if s.Custody == nil {
		return DistributionResult{}, s.reject("execute", domainerrors.ErrCustodyUnavailable, "estate_id", estateID)
	}

	plan := distribution.PlanDistribution(estate.Allocations, snapshot)

	now := s.now()
	executed, err := s.Estates.MarkExecuted(ctx, estateID, now)
	if err != nil {
		return DistributionResult{}, s.reject("execute", err, "estate_id", estateID)
	}
	s.transition("executed")

	outcome := distribution.Execute(ctx, s.Custody, estateID, plan)
	s.recordTransferMetrics(outcome)

	if err := s.publishDistribution(ctx, estateID, now, outcome); err != nil {
		logger.Error("estate distribution events append failed",
			"event", "estate_execute_outbox_failed",
			"module", moduleName,
			"layer", "application",
			"estate_id", estateID,
			"error", err.Error(),
		)
		return DistributionResult{Estate: executed, Distribution: outcome, TotalDistributed: outcome.DistributedNative()}, err
	}

	logger.Info("estate executed",
		"event", "estate_executed",
		"module", moduleName,
		"layer", "application",
		"estate_id", estateID,
		"transfer_count", len(outcome.Transfers),
		"failed_legs", len(outcome.FailedLegs),
		"skipped_items", len(outcome.Skipped),
		"native_distributed", outcome.DistributedNative().String(),
	)
	return DistributionResult{
		Estate:           executed,
		Distribution:     outcome,
		TotalDistributed: outcome.DistributedNative(),
	}, nil
}

func (s Service) publishDistribution(
	ctx context.Context,
	estateID uint64,
	occurredAt time.Time,
	outcome distribution.Result,
) error {
	for _, transfer := range outcome.Transfers {
		if transfer.Class != entities.AssetClassCollectible && !transfer.Amount.IsPositive() {
			continue
		}
		if err := s.appendEstateEvent(ctx, contractsv1.EventEstateAllocationPaid, estateID, occurredAt, transferPayload(transfer)); err != nil {
			return err
		}
	}
	for _, failure := range outcome.FailedLegs {
		if err := s.appendEstateEvent(ctx, contractsv1.EventEstateLegFailed, estateID, occurredAt, map[string]any{
			"asset_class": string(failure.Class),
			"asset_id":    string(failure.AssetID),
			"attempted":   failure.Attempted,
			"amount":      failure.Amount.String(),
			"reason":      failure.Err.Error(),
		}); err != nil {
			return err
		}
	}
	for _, skipped := range outcome.Skipped {
		data := transferPayload(skipped.Transfer)
		data["reason"] = skipped.Err.Error()
		if err := s.appendEstateEvent(ctx, contractsv1.EventEstateCollectibleSkipped, estateID, occurredAt, data); err != nil {
			return err
		}
	}

	totals := make([]map[string]any, 0, len(outcome.AssetTotals))
	for _, total := range outcome.AssetTotals {
		totals = append(totals, map[string]any{
			"asset_class": string(total.Class),
			"asset_id":    string(total.AssetID),
			"balance":     total.Balance.String(),
			"distributed": total.Distributed.String(),
			"remainder":   total.Remainder.String(),
		})
	}
	unassigned := make([]map[string]any, 0, len(outcome.Unassigned))
	for _, item := range outcome.Unassigned {
		unassigned = append(unassigned, map[string]any{
			"contract_id": string(item.ContractID),
			"item_id":     item.ItemID,
		})
	}
	return s.appendEstateEvent(ctx, contractsv1.EventEstateExecuted, estateID, occurredAt, map[string]any{
		"transfer_count":     len(outcome.Transfers),
		"native_distributed": outcome.DistributedNative().String(),
		"asset_totals":       totals,
		"failed_legs":        len(outcome.FailedLegs),
		"skipped_items":      len(outcome.Skipped),
		"unassigned_items":   unassigned,
	})
}

func (s Service) recordTransferMetrics(outcome distribution.Result) {
	if s.Metrics == nil {
		return
	}
	counts := make(map[entities.AssetClass]int)
	for _, transfer := range outcome.Transfers {
		counts[transfer.Class]++
	}
	for class, count := range counts {
		s.Metrics.TransfersRecorded(string(class), "succeeded", count)
	}
	for _, failure := range outcome.FailedLegs {
		s.Metrics.TransfersRecorded(string(failure.Class), "leg_failed", failure.Attempted)
	}
	if len(outcome.Skipped) > 0 {
		s.Metrics.TransfersRecorded(string(entities.AssetClassCollectible), "skipped", len(outcome.Skipped))
	}
}
