package distribution

import (
	"context"
	"fmt"

	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"

	"github.com/shopspring/decimal"
)

// Custody moves assets held on behalf of an estate.
//
// TransferBatch must apply every transfer of the batch or none of them.
// TransferCollectible moves a single item.
type Custody interface {
	TransferBatch(ctx context.Context, estateID uint64, class entities.AssetClass, assetID entities.AssetID, transfers []entities.Transfer) error
	TransferCollectible(ctx context.Context, estateID uint64, transfer entities.Transfer) error
}

// LegFailure reports a native or fungible leg whose batch was refused.
// Nobody received that asset.
type LegFailure struct {
	Class     entities.AssetClass
	AssetID   entities.AssetID
	Attempted int
	Amount    decimal.Decimal
	Err       error
}

// SkippedItem reports a collectible whose individual transfer failed.
type SkippedItem struct {
	Transfer entities.Transfer
	Err      error
}

// AssetTotal summarises one asset after execution.
type AssetTotal struct {
	Class       entities.AssetClass
	AssetID     entities.AssetID
	Balance     decimal.Decimal
	Distributed decimal.Decimal
	Remainder   decimal.Decimal
}

type Result struct {
	Transfers   []entities.Transfer
	FailedLegs  []LegFailure
	Skipped     []SkippedItem
	Unassigned  []entities.CollectibleItem
	AssetTotals []AssetTotal
}

// DistributedNative returns the native amount actually moved.
func (r Result) DistributedNative() decimal.Decimal {
	for _, total := range r.AssetTotals {
		if total.Class == entities.AssetClassNative {
			return total.Distributed
		}
	}
	return decimal.Zero
}

// Execute submits a plan to custody. A failing leg aborts only that leg; a
// failing collectible skips only that item. Execute never returns early, so
// one bad leg cannot starve the others.
func Execute(ctx context.Context, custody Custody, estateID uint64, plan Plan) Result {
	result := Result{
		Unassigned: append([]entities.CollectibleItem(nil), plan.Unassigned...),
	}

	for _, leg := range plan.Legs {
		total := AssetTotal{
			Class:       leg.Class,
			AssetID:     leg.AssetID,
			Balance:     leg.Balance,
			Distributed: decimal.Zero,
			Remainder:   leg.Balance,
		}
		if len(leg.Transfers) == 0 {
			result.AssetTotals = append(result.AssetTotals, total)
			continue
		}
		batch := append([]entities.Transfer(nil), leg.Transfers...)
		if err := custody.TransferBatch(ctx, estateID, leg.Class, leg.AssetID, batch); err != nil {
			result.FailedLegs = append(result.FailedLegs, LegFailure{
				Class:     leg.Class,
				AssetID:   leg.AssetID,
				Attempted: len(batch),
				Amount:    leg.Planned(),
				Err:       fmt.Errorf("%w: %w", domainerrors.ErrTransferFailed, err),
			})
			result.AssetTotals = append(result.AssetTotals, total)
			continue
		}
		result.Transfers = append(result.Transfers, batch...)
		total.Distributed = leg.Planned()
		total.Remainder = leg.Remainder()
		result.AssetTotals = append(result.AssetTotals, total)
	}

	for _, transfer := range plan.Collectibles {
		if err := custody.TransferCollectible(ctx, estateID, transfer); err != nil {
			result.Skipped = append(result.Skipped, SkippedItem{
				Transfer: transfer,
				Err:      fmt.Errorf("%w: %w", domainerrors.ErrTransferFailed, err),
			})
			continue
		}
		result.Transfers = append(result.Transfers, transfer)
	}
	return result
}
