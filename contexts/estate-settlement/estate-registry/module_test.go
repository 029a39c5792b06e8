package estateregistry

import (
	"context"
	"errors"
	"testing"

	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"

	"github.com/shopspring/decimal"
)

func TestInMemoryModuleReleasesAfterGuardianThreshold(t *testing.T) {
	module := NewInMemoryModule([]entities.Estate{{
		EstateID:                    7,
		Owner:                       "0xOwner",
		Allocations:                 []entities.Allocation{{Recipient: "0xA", ShareBps: 10000}},
		Guardians:                   []entities.Account{"0xG1", "0xG2"},
		GuardianThreshold:           2,
		RequiresGuardianAttestation: true,
		Active:                      true,
	}}, nil)
	ctx := context.Background()
	if err := module.Vault.DepositNative(7, decimal.NewFromInt(50)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	snapshot, err := module.Vault.Snapshot(ctx, 7)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if _, err := module.Service.Execute(ctx, 7, snapshot); !errors.Is(err, domainerrors.ErrThresholdNotMet) {
		t.Fatalf("expected threshold not met, got %v", err)
	}
	for _, guardian := range []entities.Account{"0xG1", "0xG2"} {
		if _, err := module.Service.ApproveRelease(ctx, 7, guardian); err != nil {
			t.Fatalf("approval by %s failed: %v", guardian, err)
		}
	}

	result, err := module.Service.Execute(ctx, 7, snapshot)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Estate.IsExecuted() {
		t.Fatalf("expected executed estate")
	}
	if got := module.Vault.BalanceOf("0xA", entities.AssetClassNative, ""); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 to 0xA, got %s", got)
	}

	next, err := module.Store.NextEstateID(ctx)
	if err != nil || next <= 7 {
		t.Fatalf("expected ids to continue after the seed, got %d %v", next, err)
	}
}
