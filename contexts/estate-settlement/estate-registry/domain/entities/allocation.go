package entities

import (
	"fmt"
	"strings"

	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
)

// BasisPointsDenominator is the fixed-point scale of allocation shares:
// 10000 basis points is 100.00%.
const BasisPointsDenominator uint32 = 10000

// NormalizeAllocations returns a copy with canonical recipients and trimmed
// asset scopes. Validation and planning expect normalized input.
func NormalizeAllocations(allocations []Allocation) []Allocation {
	out := make([]Allocation, 0, len(allocations))
	for _, allocation := range allocations {
		allocation.Recipient = allocation.Recipient.Normalize()
		allocation.AssetScope = AssetID(strings.TrimSpace(string(allocation.AssetScope)))
		out = append(out, allocation)
	}
	return out
}

// Allocation is one recipient rule inside an estate's allocation set.
type Allocation struct {
	Recipient Account
	ShareBps  uint32
	NFTOnly   bool
	// AssetScope restricts the rule to one fungible asset or collectible
	// contract. Empty means every asset of the relevant class.
	AssetScope AssetID
	// IsCharity is informational and carries no distribution semantics.
	IsCharity bool
}

// ValidateAllocations checks an allocation set as a unit. It is used
// unchanged by estate creation and by full allocation replacement.
func ValidateAllocations(allocations []Allocation) error {
	if len(allocations) == 0 {
		return domainerrors.ErrEmptyAllocations
	}
	var total uint64
	for i, allocation := range allocations {
		if allocation.ShareBps == 0 || allocation.ShareBps > BasisPointsDenominator {
			return fmt.Errorf("allocation %d: %w", i, domainerrors.ErrBadShare)
		}
		if allocation.Recipient.IsZero() {
			return fmt.Errorf("allocation %d: %w", i, domainerrors.ErrZeroRecipient)
		}
		total += uint64(allocation.ShareBps)
	}
	if total != uint64(BasisPointsDenominator) {
		return fmt.Errorf("allocation shares sum to %d: %w", total, domainerrors.ErrShareSumMismatch)
	}
	return nil
}

// TotalShareBps sums the shares of an allocation set.
func TotalShareBps(allocations []Allocation) uint64 {
	var total uint64
	for _, allocation := range allocations {
		total += uint64(allocation.ShareBps)
	}
	return total
}

// CloneAllocations returns a copy that does not alias the input.
func CloneAllocations(allocations []Allocation) []Allocation {
	if allocations == nil {
		return nil
	}
	out := make([]Allocation, len(allocations))
	copy(out, allocations)
	return out
}
