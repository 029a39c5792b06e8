package claimarbitration

import (
	"log/slog"
	"time"

	"heirloom/contexts/dispute-resolution/claim-arbitration/adapters/memory"
	"heirloom/contexts/dispute-resolution/claim-arbitration/application"
	"heirloom/contexts/dispute-resolution/claim-arbitration/application/workers"
	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"

	"github.com/shopspring/decimal"
)

type Module struct {
	Service          application.Service
	OutboxRelay      workers.OutboxRelay
	DeadlineResolver workers.DeadlineResolver
	Store            *memory.Store
}

type Dependencies struct {
	Verifiers           ports.VerifierRepository
	Claims              ports.ClaimRepository
	Idempotency         ports.IdempotencyStore
	Outbox              ports.OutboxWriter
	OutboxReader        ports.OutboxRepository
	Publisher           ports.EventPublisher
	Clock               ports.Clock
	IDGen               ports.IDGenerator
	Metrics             ports.Metrics
	Reputation          entities.ReputationPolicy
	MinimumStake        decimal.Decimal
	VotingPeriod        time.Duration
	AutoResolveBps      uint32
	AutoResolveMinVotes uint32
	IdempotencyTTL      time.Duration
	OutboxBatch         int
	DeadlineBatch       int
	DisableDeadline     bool
	Logger              *slog.Logger
}

func NewModule(deps Dependencies) Module {
	service := application.Service{
		Verifiers:           deps.Verifiers,
		Claims:              deps.Claims,
		Idempotency:         deps.Idempotency,
		Outbox:              deps.Outbox,
		Clock:               deps.Clock,
		IDGen:               deps.IDGen,
		Metrics:             deps.Metrics,
		Reputation:          deps.Reputation,
		Guard:               &application.ResolutionGuard{},
		MinimumStake:        deps.MinimumStake,
		VotingPeriod:        deps.VotingPeriod,
		AutoResolveBps:      deps.AutoResolveBps,
		AutoResolveMinVotes: deps.AutoResolveMinVotes,
		IdempotencyTTL:      deps.IdempotencyTTL,
		Logger:              deps.Logger,
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
		DeadlineResolver: workers.DeadlineResolver{
			Service:   service,
			BatchSize: deps.DeadlineBatch,
			Disabled:  deps.DisableDeadline,
			Logger:    deps.Logger,
		},
	}
}

// NewInMemoryModule wires arbitration to a memory store with default
// thresholds. The relay publisher stays nil until the caller sets it.
func NewInMemoryModule(logger *slog.Logger) Module {
	store := memory.NewStore(7 * 24 * time.Hour)
	module := NewModule(Dependencies{
		Verifiers:      store,
		Claims:         store,
		Idempotency:    store,
		Outbox:         store,
		OutboxReader:   store,
		Clock:          store,
		IDGen:          store,
		MinimumStake:   decimal.NewFromInt(1),
		IdempotencyTTL: 7 * 24 * time.Hour,
		Logger:         logger,
	})
	module.Store = store
	return module
}
