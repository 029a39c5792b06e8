package application

import (
	"context"
	"errors"
	"testing"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/estate-settlement/estate-registry/adapters/custody"
	"heirloom/contexts/estate-settlement/estate-registry/adapters/memory"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
	"heirloom/contexts/estate-settlement/estate-registry/ports"

	"github.com/shopspring/decimal"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type countingMetrics struct {
	transitions map[string]int
	rejected    map[string]int
	transfers   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		transitions: make(map[string]int),
		rejected:    make(map[string]int),
		transfers:   make(map[string]int),
	}
}

func (m *countingMetrics) EstateTransition(transition string) { m.transitions[transition]++ }

func (m *countingMetrics) TransfersRecorded(class string, outcome string, count int) {
	m.transfers[class+"/"+outcome] += count
}

func (m *countingMetrics) EstateRejected(operation string, kind string) {
	m.rejected[operation+"/"+kind]++
}

func newTestService(t *testing.T) (Service, *memory.Store, *custody.Vault, *countingMetrics) {
	t.Helper()
	store := memory.NewStore(nil)
	vault := custody.NewVault(nil)
	metrics := newCountingMetrics()
	service := Service{
		Estates:     store,
		Approvals:   store,
		Custody:     vault,
		Idempotency: store,
		Outbox:      store,
		Clock:       fixedClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)},
		IDGen:       store,
		Metrics:     metrics,
		Guard:       &ExecutionGuard{},
	}
	return service, store, vault, metrics
}

func twoWaySplit() []entities.Allocation {
	return []entities.Allocation{
		{Recipient: "0xA", ShareBps: 6000},
		{Recipient: "0xB", ShareBps: 4000},
	}
}

func TestCreateEstateAssignsSequentialIDs(t *testing.T) {
	service, store, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	second, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create second estate failed: %v", err)
	}
	if first.Estate.EstateID != 1 || second.Estate.EstateID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.Estate.EstateID, second.Estate.EstateID)
	}
	if !first.Estate.Active || first.Estate.IsExecuted() {
		t.Fatalf("expected a fresh active estate, got %+v", first.Estate)
	}

	events := store.OutboxEvents()
	if len(events) != 2 || events[0].EventType != contractsv1.EventEstateCreated {
		t.Fatalf("expected two estate.created events, got %+v", events)
	}
	if events[0].PartitionKey != "1" {
		t.Fatalf("expected estate partition key, got %q", events[0].PartitionKey)
	}
}

func TestCreateEstateRejectsInvalidInput(t *testing.T) {
	service, _, _, metrics := newTestService(t)
	ctx := context.Background()

	_, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "", Allocations: twoWaySplit()})
	if !errors.Is(err, domainerrors.ErrInvalidOwner) {
		t.Fatalf("expected invalid owner, got %v", err)
	}
	_, err = service.CreateEstate(ctx, CreateEstateCommand{
		Owner:       "0xOwner",
		Allocations: []entities.Allocation{{Recipient: "0xA", ShareBps: 9000}},
	})
	if !errors.Is(err, domainerrors.ErrShareSumMismatch) {
		t.Fatalf("expected share sum mismatch, got %v", err)
	}
	_, err = service.CreateEstate(ctx, CreateEstateCommand{
		Owner:                       "0xOwner",
		Allocations:                 twoWaySplit(),
		Guardians:                   []entities.Account{"0xG1"},
		GuardianThreshold:           2,
		RequiresGuardianAttestation: true,
	})
	if !errors.Is(err, domainerrors.ErrInvalidThreshold) {
		t.Fatalf("expected invalid threshold, got %v", err)
	}
	if metrics.rejected["create/validation"] != 3 {
		t.Fatalf("expected three validation rejections, got %+v", metrics.rejected)
	}
}

func TestCreateEstateReplaysIdempotencyKey(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	cmd := CreateEstateCommand{Owner: "0xOwner", IdempotencyKey: "create-1", Allocations: twoWaySplit()}

	first, err := service.CreateEstate(ctx, cmd)
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	replay, err := service.CreateEstate(ctx, cmd)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.Replayed || replay.Estate.EstateID != first.Estate.EstateID {
		t.Fatalf("expected replay of estate %d, got %+v", first.Estate.EstateID, replay)
	}

	cmd.MetadataRef = "ipfs://changed"
	if _, err := service.CreateEstate(ctx, cmd); !errors.Is(err, domainerrors.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestReplaceAllocationsRules(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID

	single := []entities.Allocation{{Recipient: "0xC", ShareBps: 10000}}
	if _, err := service.ReplaceAllocations(ctx, id, "0xStranger", single); !errors.Is(err, domainerrors.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	bad := []entities.Allocation{{Recipient: "0xC", ShareBps: 5000}}
	if _, err := service.ReplaceAllocations(ctx, id, "0xOwner", bad); !errors.Is(err, domainerrors.ErrShareSumMismatch) {
		t.Fatalf("expected share sum mismatch, got %v", err)
	}
	updated, err := service.ReplaceAllocations(ctx, id, "0xOwner", single)
	if err != nil {
		t.Fatalf("replace allocations failed: %v", err)
	}
	if len(updated.Allocations) != 1 || updated.Allocations[0].Recipient != "0xC" {
		t.Fatalf("expected the allocation set to be replaced whole, got %+v", updated.Allocations)
	}
	if _, err := service.ReplaceAllocations(ctx, 99, "0xOwner", single); !errors.Is(err, domainerrors.ErrEstateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRevokeIsIdempotentAndBlocksExecution(t *testing.T) {
	service, store, vault, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID

	if _, err := service.Revoke(ctx, id, "0xStranger"); !errors.Is(err, domainerrors.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	revoked, err := service.Revoke(ctx, id, "0xOwner")
	if err != nil || revoked.Active || revoked.RevokedAt == nil {
		t.Fatalf("expected revoked estate, got %+v (%v)", revoked, err)
	}
	eventsAfterFirst := len(store.OutboxEvents())
	if _, err := service.Revoke(ctx, id, "0xOwner"); err != nil {
		t.Fatalf("expected repeated revoke to succeed, got %v", err)
	}
	if len(store.OutboxEvents()) != eventsAfterFirst {
		t.Fatalf("expected repeated revoke to emit nothing")
	}

	if err := vault.DepositNative(id, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	snapshot, _ := vault.Snapshot(ctx, id)
	if _, err := service.Execute(ctx, id, snapshot); !errors.Is(err, domainerrors.ErrEstateInactive) {
		t.Fatalf("expected inactive estate, got %v", err)
	}
	single := []entities.Allocation{{Recipient: "0xC", ShareBps: 10000}}
	if _, err := service.ReplaceAllocations(ctx, id, "0xOwner", single); !errors.Is(err, domainerrors.ErrEstateInactive) {
		t.Fatalf("expected inactive estate on replace, got %v", err)
	}
}

func TestExecuteDistributesNativeBalance(t *testing.T) {
	service, store, vault, metrics := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID
	if err := vault.DepositNative(id, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	snapshot, err := vault.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	result, err := service.Execute(ctx, id, snapshot)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.TotalDistributed.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 distributed, got %s", result.TotalDistributed)
	}
	if got := vault.BalanceOf("0xA", entities.AssetClassNative, ""); !got.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 0xA to receive 60, got %s", got)
	}
	if got := vault.BalanceOf("0xB", entities.AssetClassNative, ""); !got.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected 0xB to receive 40, got %s", got)
	}
	if !result.Estate.IsExecuted() || result.Estate.Active {
		t.Fatalf("expected executed estate, got %+v", result.Estate)
	}

	if _, err := service.Execute(ctx, id, snapshot); !errors.Is(err, domainerrors.ErrAlreadyExecuted) {
		t.Fatalf("expected second execution to fail, got %v", err)
	}
	if _, err := service.Revoke(ctx, id, "0xOwner"); !errors.Is(err, domainerrors.ErrAlreadyExecuted) {
		t.Fatalf("expected revoke after execution to fail, got %v", err)
	}
	if metrics.transitions["executed"] != 1 || metrics.transfers["native/succeeded"] != 2 {
		t.Fatalf("unexpected metrics: %+v %+v", metrics.transitions, metrics.transfers)
	}

	var distributed, executed int
	for _, event := range store.OutboxEvents() {
		switch event.EventType {
		case contractsv1.EventEstateAllocationPaid:
			distributed++
		case contractsv1.EventEstateExecuted:
			executed++
		}
	}
	if distributed != 2 || executed != 1 {
		t.Fatalf("expected 2 distribution events and 1 executed event, got %d and %d", distributed, executed)
	}
}

func TestExecuteRequiresGuardianThreshold(t *testing.T) {
	service, _, vault, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{
		Owner:                       "0xOwner",
		Allocations:                 twoWaySplit(),
		Guardians:                   []entities.Account{"0xG1", "0xG2", "0xG3"},
		GuardianThreshold:           2,
		RequiresGuardianAttestation: true,
	})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID
	if err := vault.DepositNative(id, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	snapshot, _ := vault.Snapshot(ctx, id)

	if _, err := service.Execute(ctx, id, snapshot); !errors.Is(err, domainerrors.ErrThresholdNotMet) {
		t.Fatalf("expected threshold not met, got %v", err)
	}
	count, err := service.ApproveRelease(ctx, id, "0xG1")
	if err != nil || count != 1 {
		t.Fatalf("expected first approval count 1, got %d (%v)", count, err)
	}
	if _, err := service.ApproveRelease(ctx, id, "0xG1"); !errors.Is(err, domainerrors.ErrAlreadyApproved) {
		t.Fatalf("expected duplicate approval to fail, got %v", err)
	}
	if _, err := service.ApproveRelease(ctx, id, "0xStranger"); !errors.Is(err, domainerrors.ErrNotGuardian) {
		t.Fatalf("expected non-guardian approval to fail, got %v", err)
	}
	if _, err := service.Execute(ctx, id, snapshot); !errors.Is(err, domainerrors.ErrThresholdNotMet) {
		t.Fatalf("expected threshold still not met, got %v", err)
	}
	count, err = service.ApproveRelease(ctx, id, "0xG2")
	if err != nil || count != 2 {
		t.Fatalf("expected second approval count 2, got %d (%v)", count, err)
	}
	if _, err := service.Execute(ctx, id, snapshot); err != nil {
		t.Fatalf("expected execution after threshold, got %v", err)
	}
	if _, err := service.ApproveRelease(ctx, id, "0xG3"); !errors.Is(err, domainerrors.ErrAlreadyExecuted) {
		t.Fatalf("expected approval after execution to fail, got %v", err)
	}
}

func TestApproveReleaseRejectsWhenAttestationOff(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{
		Owner:       "0xOwner",
		Allocations: twoWaySplit(),
		Guardians:   []entities.Account{"0xG1"},
	})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	if _, err := service.ApproveRelease(ctx, created.Estate.EstateID, "0xG1"); !errors.Is(err, domainerrors.ErrAttestationOff) {
		t.Fatalf("expected attestation off, got %v", err)
	}
}

func TestExecuteRejectsInvalidSnapshot(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	_, err = service.Execute(ctx, created.Estate.EstateID, entities.AssetSnapshot{Native: decimal.NewFromInt(-1)})
	if !errors.Is(err, domainerrors.ErrInvalidSnapshot) {
		t.Fatalf("expected invalid snapshot, got %v", err)
	}
	estate, _ := service.GetEstate(ctx, created.Estate.EstateID)
	if estate.IsExecuted() {
		t.Fatalf("expected rejected execution to leave the estate untouched")
	}
}

func TestExecuteFailedLegDoesNotRollBack(t *testing.T) {
	service, _, vault, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID
	if err := vault.DepositNative(id, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := vault.DepositFungible(id, "USDC", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	snapshot, _ := vault.Snapshot(ctx, id)
	snapshot.Fungibles[0].Balance = decimal.NewFromInt(1000)

	result, err := service.Execute(ctx, id, snapshot)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(result.Distribution.FailedLegs) != 1 {
		t.Fatalf("expected the overstated USDC leg to fail, got %+v", result.Distribution.FailedLegs)
	}
	if !result.Estate.IsExecuted() {
		t.Fatalf("expected executed flag to remain committed")
	}
	if got := vault.BalanceOf("0xA", entities.AssetClassFungible, "USDC"); !got.IsZero() {
		t.Fatalf("expected nobody to receive USDC, got %s", got)
	}
	if got := vault.BalanceOf("0xA", entities.AssetClassNative, ""); !got.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected native leg to complete, got %s", got)
	}
}

// reentrantCustody calls back into Execute from inside a transfer, the way a
// hostile recipient contract would.
type reentrantCustody struct {
	*custody.Vault
	service  *Service
	innerErr error
}

func (c *reentrantCustody) TransferBatch(
	ctx context.Context,
	estateID uint64,
	class entities.AssetClass,
	assetID entities.AssetID,
	transfers []entities.Transfer,
) error {
	if c.innerErr == nil {
		_, c.innerErr = c.service.Execute(ctx, estateID, entities.AssetSnapshot{Native: decimal.NewFromInt(100)})
	}
	return c.Vault.TransferBatch(ctx, estateID, class, assetID, transfers)
}

func TestExecuteRefusesReentrantCall(t *testing.T) {
	service, _, vault, _ := newTestService(t)
	ctx := context.Background()
	hostile := &reentrantCustody{Vault: vault}
	service.Custody = hostile
	hostile.service = &service

	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID
	if err := vault.DepositNative(id, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	snapshot, _ := vault.Snapshot(ctx, id)

	result, err := service.Execute(ctx, id, snapshot)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !errors.Is(hostile.innerErr, domainerrors.ErrReentrantCall) {
		t.Fatalf("expected nested execute to be refused, got %v", hostile.innerErr)
	}
	if !result.TotalDistributed.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected outer execution to finish, got %s", result.TotalDistributed)
	}
	if service.Guard.Busy() {
		t.Fatalf("expected guard to be released")
	}
}

func TestExecuteWithoutGuardStillExecutesOnce(t *testing.T) {
	service, _, vault, _ := newTestService(t)
	service.Guard = nil
	ctx := context.Background()
	hostile := &reentrantCustody{Vault: vault}
	service.Custody = hostile
	hostile.service = &service

	created, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: "0xOwner", Allocations: twoWaySplit()})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	id := created.Estate.EstateID
	if err := vault.DepositNative(id, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	snapshot, _ := vault.Snapshot(ctx, id)

	if _, err := service.Execute(ctx, id, snapshot); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !errors.Is(hostile.innerErr, domainerrors.ErrAlreadyExecuted) {
		t.Fatalf("expected committed state to refuse nested execute, got %v", hostile.innerErr)
	}
}

func TestListEstatesByOwner(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	for _, owner := range []entities.Account{"0xOwner", "0xOther", "0xOwner"} {
		if _, err := service.CreateEstate(ctx, CreateEstateCommand{Owner: owner, Allocations: twoWaySplit()}); err != nil {
			t.Fatalf("create estate failed: %v", err)
		}
	}

	items, err := service.ListEstatesByOwner(ctx, "0xOwner")
	if err != nil {
		t.Fatalf("list estates failed: %v", err)
	}
	if len(items) != 2 || items[0].EstateID >= items[1].EstateID {
		t.Fatalf("expected two estates in id order, got %+v", items)
	}
	if _, err := service.ListEstatesByOwner(ctx, ""); !errors.Is(err, domainerrors.ErrInvalidOwner) {
		t.Fatalf("expected invalid owner, got %v", err)
	}
}

type flakyEstateWrites struct {
	ports.EstateRepository
	failures int
}

func (r *flakyEstateWrites) CreateEstate(ctx context.Context, estate entities.Estate) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("database unavailable")
	}
	return r.EstateRepository.CreateEstate(ctx, estate)
}

func TestCreateEstateRetryAfterFailedWriteReusesReservedID(t *testing.T) {
	service, store, _, _ := newTestService(t)
	service.Estates = &flakyEstateWrites{EstateRepository: store, failures: 1}
	ctx := context.Background()
	cmd := CreateEstateCommand{Owner: "0xOwner", IdempotencyKey: "estate-retry", Allocations: twoWaySplit()}

	if _, err := service.CreateEstate(ctx, cmd); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	retried, err := service.CreateEstate(ctx, cmd)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	replayed, err := service.CreateEstate(ctx, cmd)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if retried.Replayed || !replayed.Replayed || replayed.Estate.EstateID != retried.Estate.EstateID {
		t.Fatalf("expected one estate for the key, got %+v and %+v", retried, replayed)
	}
	owned, err := service.ListEstatesByOwner(ctx, "0xOwner")
	if err != nil || len(owned) != 1 {
		t.Fatalf("expected exactly one stored estate, got %v %v", owned, err)
	}
	if events := store.OutboxEvents(); len(events) != 1 || events[0].EventType != contractsv1.EventEstateCreated {
		t.Fatalf("expected a single estate.created event, got %+v", events)
	}
}
