package bootstrap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	claimentities "heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	estateapp "heirloom/contexts/estate-settlement/estate-registry/application"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	"heirloom/internal/platform/config"

	"github.com/shopspring/decimal"
)

func inMemoryConfig() config.Config {
	return config.Config{
		ServiceName:                 "heirloom-test",
		VerifierMinimumStake:        decimal.NewFromInt(1),
		ClaimAutoResolveBps:         7000,
		ReputationPolicy:            "none",
		WorkerPollInterval:          10 * time.Millisecond,
		OutboxBatchSize:             10,
		EnableReleaseConsumer:       true,
		EnableClaimDeadlineResolver: true,
	}
}

func TestRunCyclePublishesOutboxEvents(t *testing.T) {
	app, err := NewWorkerApp(inMemoryConfig(), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer app.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan contractsv1.Envelope, 4)
	if err := app.Bus().Subscribe(ctx, contractsv1.EventEstateCreated, "test-cg", func(_ context.Context, event contractsv1.Envelope) error {
		received <- event
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := app.Estates().Service.CreateEstate(ctx, estateapp.CreateEstateCommand{
		Owner:       "0xOwner",
		Allocations: []entities.Allocation{{Recipient: "0xA", ShareBps: 10000}},
	}); err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	if err := app.RunCycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	select {
	case event := <-received:
		if event.EventType != contractsv1.EventEstateCreated {
			t.Fatalf("unexpected event %s", event.EventType)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for estate.created")
	}
}

func TestReleaseEligibleEventExecutesEstate(t *testing.T) {
	app, err := NewWorkerApp(inMemoryConfig(), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer app.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := app.Estates().Service.CreateEstate(ctx, estateapp.CreateEstateCommand{
		Owner: "0xOwner",
		Allocations: []entities.Allocation{
			{Recipient: "0xA", ShareBps: 6000},
			{Recipient: "0xB", ShareBps: 4000},
		},
	})
	if err != nil {
		t.Fatalf("create estate failed: %v", err)
	}
	estateID := created.Estate.EstateID
	if err := app.Estates().Vault.DepositNative(estateID, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := app.Estates().ReleaseConsumer.Start(ctx); err != nil {
		t.Fatalf("start consumer failed: %v", err)
	}

	data, _ := json.Marshal(map[string]any{"estate_id": estateID})
	if err := app.Bus().Publish(ctx, contractsv1.EventEstateReleaseEligible, contractsv1.Envelope{
		EventID:    "release-1",
		EventType:  contractsv1.EventEstateReleaseEligible,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		estate, err := app.Estates().Service.GetEstate(ctx, estateID)
		if err == nil && estate.IsExecuted() {
			if got := app.Estates().Vault.BalanceOf("0xA", entities.AssetClassNative, ""); !got.Equal(decimal.NewFromInt(60)) {
				t.Fatalf("expected 60 to 0xA, got %s", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("estate %d was not executed", estateID)
}

func TestReputationPolicySelection(t *testing.T) {
	cfg := inMemoryConfig()
	if _, ok := reputationPolicy(cfg).(claimentities.NoFeedback); !ok {
		t.Fatalf("expected no feedback by default")
	}
	cfg.ReputationPolicy = "fixed"
	cfg.ReputationReward = 7
	cfg.ReputationPenalty = 3
	policy, ok := reputationPolicy(cfg).(claimentities.FixedStep)
	if !ok || policy.Reward != 7 || policy.Penalty != 3 {
		t.Fatalf("unexpected fixed policy: %+v", policy)
	}
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{"": ":9090", "8081": ":8081", ":7000": ":7000"}
	for input, want := range cases {
		if got := normalizeAddr(input); got != want {
			t.Fatalf("normalizeAddr(%q) = %q, want %q", input, got, want)
		}
	}
}
