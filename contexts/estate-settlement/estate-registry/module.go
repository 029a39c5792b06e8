package estateregistry

import (
	"log/slog"
	"time"

	"heirloom/contexts/estate-settlement/estate-registry/adapters/custody"
	"heirloom/contexts/estate-settlement/estate-registry/adapters/memory"
	"heirloom/contexts/estate-settlement/estate-registry/application"
	"heirloom/contexts/estate-settlement/estate-registry/application/workers"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	"heirloom/contexts/estate-settlement/estate-registry/ports"
)

type Module struct {
	Service         application.Service
	OutboxRelay     workers.OutboxRelay
	ReleaseConsumer workers.ReleaseConsumer
	Store           *memory.Store
	Vault           *custody.Vault
}

type Dependencies struct {
	Estates        ports.EstateRepository
	Approvals      ports.GuardianApprovalRepository
	Custody        ports.AssetCustody
	Idempotency    ports.IdempotencyStore
	Dedup          ports.EventDedupStore
	Outbox         ports.OutboxWriter
	OutboxReader   ports.OutboxRepository
	Publisher      ports.EventPublisher
	Subscriber     ports.EventSubscriber
	Clock          ports.Clock
	IDGen          ports.IDGenerator
	Metrics        ports.Metrics
	IdempotencyTTL time.Duration
	EventDedupTTL  time.Duration
	OutboxBatch    int
	DisableRelease bool
	Logger         *slog.Logger
}

func NewModule(deps Dependencies) Module {
	service := application.Service{
		Estates:        deps.Estates,
		Approvals:      deps.Approvals,
		Custody:        deps.Custody,
		Idempotency:    deps.Idempotency,
		Outbox:         deps.Outbox,
		Clock:          deps.Clock,
		IDGen:          deps.IDGen,
		Metrics:        deps.Metrics,
		Guard:          &application.ExecutionGuard{},
		IdempotencyTTL: deps.IdempotencyTTL,
		Logger:         deps.Logger,
	}
	return Module{
		Service: service,
		OutboxRelay: workers.OutboxRelay{
			Outbox:    deps.OutboxReader,
			Publisher: deps.Publisher,
			Clock:     deps.Clock,
			BatchSize: deps.OutboxBatch,
			Logger:    deps.Logger,
		},
		ReleaseConsumer: workers.ReleaseConsumer{
			Subscriber: deps.Subscriber,
			Service:    service,
			Dedup:      deps.Dedup,
			Clock:      deps.Clock,
			DedupTTL:   deps.EventDedupTTL,
			Disabled:   deps.DisableRelease,
			Logger:     deps.Logger,
		},
	}
}

// NewInMemoryModule wires the registry to a memory store and an in-process
// vault. Publisher and Subscriber stay nil; the caller sets them on the
// workers when it has a bus.
func NewInMemoryModule(seed []entities.Estate, logger *slog.Logger) Module {
	store := memory.NewStore(seed)
	vault := custody.NewVault(logger)
	module := NewModule(Dependencies{
		Estates:        store,
		Approvals:      store,
		Custody:        vault,
		Idempotency:    store,
		Dedup:          store,
		Outbox:         store,
		OutboxReader:   store,
		Clock:          store,
		IDGen:          store,
		IdempotencyTTL: 7 * 24 * time.Hour,
		Logger:         logger,
	})
	module.Store = store
	module.Vault = vault
	return module
}
