package entities

import (
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"

	"github.com/shopspring/decimal"
)

type AssetClass string

const (
	AssetClassNative      AssetClass = "native"
	AssetClassFungible    AssetClass = "fungible"
	AssetClassCollectible AssetClass = "collectible"
)

type FungibleBalance struct {
	AssetID AssetID
	Balance decimal.Decimal
}

type CollectibleItem struct {
	ContractID AssetID
	ItemID     string
}

// AssetSnapshot lists what the custody layer holds for an estate at the time
// of execution. Amounts are in minimal units.
type AssetSnapshot struct {
	Native       decimal.Decimal
	Fungibles    []FungibleBalance
	Collectibles []CollectibleItem
}

// Validate rejects negative or fractional balances and malformed entries.
func (s AssetSnapshot) Validate() error {
	if !isWholeNonNegative(s.Native) {
		return domainerrors.ErrInvalidSnapshot
	}
	for _, fungible := range s.Fungibles {
		if fungible.AssetID.IsWildcard() || !isWholeNonNegative(fungible.Balance) {
			return domainerrors.ErrInvalidSnapshot
		}
	}
	for _, item := range s.Collectibles {
		if item.ContractID.IsWildcard() || item.ItemID == "" {
			return domainerrors.ErrInvalidSnapshot
		}
	}
	return nil
}

// Transfer is one realized or planned asset movement to a recipient.
type Transfer struct {
	Recipient       Account
	Class           AssetClass
	AssetID         AssetID
	Amount          decimal.Decimal
	ItemID          string
	AllocationIndex int
}

func isWholeNonNegative(value decimal.Decimal) bool {
	return !value.IsNegative() && value.Equal(value.Truncate(0))
}
