// Package distribution computes and executes estate payouts.
//
// Planning is pure: PlanDistribution turns an allocation set and an asset
// snapshot into legs of transfers. Native and fungible amounts are
// floor(balance * share / 10000); the rounding remainder stays with the
// estate and is reported, never redistributed.
package distribution

import (
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"

	"github.com/shopspring/decimal"
)

var bpsDenominator = decimal.NewFromInt(int64(entities.BasisPointsDenominator))

// Leg is every transfer of one fungible asset (or the native currency). A
// leg is submitted to custody as a single all-or-nothing batch.
type Leg struct {
	Class               entities.AssetClass
	AssetID             entities.AssetID
	Balance             decimal.Decimal
	Transfers           []entities.Transfer
	MatchingAllocations int
}

// Planned returns the sum of the leg's transfer amounts.
func (l Leg) Planned() decimal.Decimal {
	total := decimal.Zero
	for _, transfer := range l.Transfers {
		total = total.Add(transfer.Amount)
	}
	return total
}

// Remainder is the part of the balance that floor division leaves behind.
func (l Leg) Remainder() decimal.Decimal {
	return l.Balance.Sub(l.Planned())
}

type Plan struct {
	Legs         []Leg
	Collectibles []entities.Transfer
	// Unassigned lists items no allocation can receive.
	Unassigned []entities.CollectibleItem
}

// TransferCount counts every planned transfer across legs and collectibles.
func (p Plan) TransferCount() int {
	count := len(p.Collectibles)
	for _, leg := range p.Legs {
		count += len(leg.Transfers)
	}
	return count
}

// PlanDistribution splits a snapshot according to allocations. The native
// leg comes first, then fungible legs in snapshot order (duplicate asset
// entries are merged), then collectibles in snapshot order.
func PlanDistribution(allocations []entities.Allocation, snapshot entities.AssetSnapshot) Plan {
	plan := Plan{}

	native := Leg{
		Class:   entities.AssetClassNative,
		Balance: snapshot.Native,
	}
	for i, allocation := range allocations {
		if allocation.NFTOnly || !allocation.AssetScope.IsWildcard() {
			continue
		}
		native.MatchingAllocations++
		appendShare(&native, i, allocation)
	}
	if snapshot.Native.IsPositive() {
		plan.Legs = append(plan.Legs, native)
	}

	for _, fungible := range mergeFungibles(snapshot.Fungibles) {
		leg := Leg{
			Class:   entities.AssetClassFungible,
			AssetID: fungible.AssetID,
			Balance: fungible.Balance,
		}
		for i, allocation := range allocations {
			if allocation.NFTOnly {
				continue
			}
			if !allocation.AssetScope.IsWildcard() && allocation.AssetScope != fungible.AssetID {
				continue
			}
			leg.MatchingAllocations++
			appendShare(&leg, i, allocation)
		}
		plan.Legs = append(plan.Legs, leg)
	}

	for _, item := range snapshot.Collectibles {
		index, ok := selectCollectibleRecipient(allocations, item.ContractID)
		if !ok {
			plan.Unassigned = append(plan.Unassigned, item)
			continue
		}
		plan.Collectibles = append(plan.Collectibles, entities.Transfer{
			Recipient:       allocations[index].Recipient,
			Class:           entities.AssetClassCollectible,
			AssetID:         item.ContractID,
			Amount:          decimal.Zero,
			ItemID:          item.ItemID,
			AllocationIndex: index,
		})
	}
	return plan
}

// ShareOf returns floor(balance * shareBps / 10000).
func ShareOf(balance decimal.Decimal, shareBps uint32) decimal.Decimal {
	if !balance.IsPositive() || shareBps == 0 {
		return decimal.Zero
	}
	quotient, _ := balance.Mul(decimal.NewFromInt(int64(shareBps))).QuoRem(bpsDenominator, 0)
	return quotient
}

func appendShare(leg *Leg, index int, allocation entities.Allocation) {
	amount := ShareOf(leg.Balance, allocation.ShareBps)
	if !amount.IsPositive() {
		return
	}
	leg.Transfers = append(leg.Transfers, entities.Transfer{
		Recipient:       allocation.Recipient,
		Class:           leg.Class,
		AssetID:         leg.AssetID,
		Amount:          amount,
		AllocationIndex: index,
	})
}

// selectCollectibleRecipient prefers the first allocation scoped to the
// collectible contract and falls back to the first NFT-only allocation.
func selectCollectibleRecipient(allocations []entities.Allocation, contract entities.AssetID) (int, bool) {
	for i, allocation := range allocations {
		if !allocation.AssetScope.IsWildcard() && allocation.AssetScope == contract {
			return i, true
		}
	}
	for i, allocation := range allocations {
		if allocation.NFTOnly {
			return i, true
		}
	}
	return 0, false
}

func mergeFungibles(items []entities.FungibleBalance) []entities.FungibleBalance {
	out := make([]entities.FungibleBalance, 0, len(items))
	index := make(map[entities.AssetID]int, len(items))
	for _, item := range items {
		if !item.Balance.IsPositive() {
			continue
		}
		if at, ok := index[item.AssetID]; ok {
			out[at].Balance = out[at].Balance.Add(item.Balance)
			continue
		}
		index[item.AssetID] = len(out)
		out = append(out, item)
	}
	return out
}
