// Package custody provides an in-process asset vault. It stands in for the
// external custody layer that actually holds estate assets: balances per
// estate, collectible ownership, and an atomic batch transfer.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	"heirloom/contexts/estate-settlement/estate-registry/ports"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient custody balance")
	ErrItemNotHeld         = errors.New("collectible not held for estate")
	ErrRecipientRejected   = errors.New("recipient rejected transfer")
	ErrInvalidAmount       = errors.New("invalid transfer amount")
)

type balanceKey struct {
	class   entities.AssetClass
	assetID entities.AssetID
}

type itemKey struct {
	contractID entities.AssetID
	itemID     string
}

// Vault is safe for concurrent use. Recipients can be blocked to model a
// receiver that refuses incoming assets.
type Vault struct {
	mu sync.Mutex

	held     map[uint64]map[balanceKey]decimal.Decimal
	items    map[itemKey]string
	balances map[entities.Account]map[balanceKey]decimal.Decimal
	blocked  map[entities.Account]bool
	logger   *slog.Logger
}

func NewVault(logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		held:     make(map[uint64]map[balanceKey]decimal.Decimal),
		items:    make(map[itemKey]string),
		balances: make(map[entities.Account]map[balanceKey]decimal.Decimal),
		blocked:  make(map[entities.Account]bool),
		logger:   logger,
	}
}

func estateOwner(estateID uint64) string {
	return fmt.Sprintf("estate:%d", estateID)
}

// DepositNative credits native currency to an estate.
func (v *Vault) DepositNative(estateID uint64, amount decimal.Decimal) error {
	return v.deposit(estateID, balanceKey{class: entities.AssetClassNative}, amount)
}

// DepositFungible credits a fungible asset to an estate.
func (v *Vault) DepositFungible(estateID uint64, assetID entities.AssetID, amount decimal.Decimal) error {
	if assetID.IsWildcard() {
		return ErrInvalidAmount
	}
	return v.deposit(estateID, balanceKey{class: entities.AssetClassFungible, assetID: assetID}, amount)
}

// DepositCollectible places an item in the estate's custody.
func (v *Vault) DepositCollectible(estateID uint64, contractID entities.AssetID, itemID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[itemKey{contractID: contractID, itemID: itemID}] = estateOwner(estateID)
}

func (v *Vault) deposit(estateID uint64, key balanceKey, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	held, ok := v.held[estateID]
	if !ok {
		held = make(map[balanceKey]decimal.Decimal)
		v.held[estateID] = held
	}
	held[key] = held[key].Add(amount)
	return nil
}

// BlockRecipient makes every future transfer to the account fail.
func (v *Vault) BlockRecipient(account entities.Account) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blocked[account.Normalize()] = true
}

// BalanceOf returns what a recipient has received of one asset. Use an
// empty assetID for the native currency.
func (v *Vault) BalanceOf(account entities.Account, class entities.AssetClass, assetID entities.AssetID) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account.Normalize()][balanceKey{class: class, assetID: assetID}]
}

// OwnerOf reports who currently holds an item: a recipient account, or
// "estate:<id>" while it is still in custody.
func (v *Vault) OwnerOf(contractID entities.AssetID, itemID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	owner, ok := v.items[itemKey{contractID: contractID, itemID: itemID}]
	return owner, ok
}

// Snapshot lists the estate's holdings in a stable order.
func (v *Vault) Snapshot(_ context.Context, estateID uint64) (entities.AssetSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	snapshot := entities.AssetSnapshot{Native: decimal.Zero}
	for key, amount := range v.held[estateID] {
		switch key.class {
		case entities.AssetClassNative:
			snapshot.Native = amount
		case entities.AssetClassFungible:
			if amount.IsPositive() {
				snapshot.Fungibles = append(snapshot.Fungibles, entities.FungibleBalance{
					AssetID: key.assetID,
					Balance: amount,
				})
			}
		}
	}
	owner := estateOwner(estateID)
	for key, holder := range v.items {
		if holder == owner {
			snapshot.Collectibles = append(snapshot.Collectibles, entities.CollectibleItem{
				ContractID: key.contractID,
				ItemID:     key.itemID,
			})
		}
	}
	sort.Slice(snapshot.Fungibles, func(i, j int) bool {
		return snapshot.Fungibles[i].AssetID < snapshot.Fungibles[j].AssetID
	})
	sort.Slice(snapshot.Collectibles, func(i, j int) bool {
		left, right := snapshot.Collectibles[i], snapshot.Collectibles[j]
		if left.ContractID == right.ContractID {
			return left.ItemID < right.ItemID
		}
		return left.ContractID < right.ContractID
	})
	return snapshot, nil
}

// TransferBatch applies every transfer or none.
func (v *Vault) TransferBatch(
	_ context.Context,
	estateID uint64,
	class entities.AssetClass,
	assetID entities.AssetID,
	transfers []entities.Transfer,
) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := balanceKey{class: class, assetID: assetID}
	if class == entities.AssetClassNative {
		key.assetID = ""
	}
	total := decimal.Zero
	for _, transfer := range transfers {
		if transfer.Amount.IsNegative() {
			return ErrInvalidAmount
		}
		if v.blocked[transfer.Recipient.Normalize()] {
			return fmt.Errorf("%w: %s", ErrRecipientRejected, transfer.Recipient)
		}
		total = total.Add(transfer.Amount)
	}
	estateHeld, ok := v.held[estateID]
	if !ok || estateHeld[key].LessThan(total) {
		return ErrInsufficientBalance
	}

	estateHeld[key] = estateHeld[key].Sub(total)
	for _, transfer := range transfers {
		recipient := transfer.Recipient.Normalize()
		balances, ok := v.balances[recipient]
		if !ok {
			balances = make(map[balanceKey]decimal.Decimal)
			v.balances[recipient] = balances
		}
		balances[key] = balances[key].Add(transfer.Amount)
	}
	v.logger.Debug("custody batch transferred",
		"event", "custody_batch_transferred",
		"module", "estate-settlement/estate-registry",
		"layer", "adapter",
		"estate_id", estateID,
		"asset_class", string(class),
		"asset_id", string(assetID),
		"transfer_count", len(transfers),
		"total", total.String(),
	)
	return nil
}

func (v *Vault) TransferCollectible(_ context.Context, estateID uint64, transfer entities.Transfer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := itemKey{contractID: transfer.AssetID, itemID: transfer.ItemID}
	if v.items[key] != estateOwner(estateID) {
		return ErrItemNotHeld
	}
	recipient := transfer.Recipient.Normalize()
	if v.blocked[recipient] {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, recipient)
	}
	v.items[key] = recipient.String()
	return nil
}

var _ ports.AssetCustody = (*Vault)(nil)
