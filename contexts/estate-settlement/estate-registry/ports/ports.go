package ports

import (
	"context"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/estate-settlement/estate-registry/domain/distribution"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
)

// EstateRepository persists estates. Every mutating method is a
// compare-and-set on the lifecycle flags so that two racing callers can
// never both commit the same transition.
type EstateRepository interface {
	NextEstateID(ctx context.Context) (uint64, error)
	CreateEstate(ctx context.Context, estate entities.Estate) error
	GetEstate(ctx context.Context, estateID uint64) (entities.Estate, error)
	ListEstatesByOwner(ctx context.Context, owner entities.Account) ([]entities.Estate, error)
	// ReplaceAllocations swaps the allocation list of an active, unexecuted
	// estate.
	ReplaceAllocations(ctx context.Context, estateID uint64, allocations []entities.Allocation, updatedAt time.Time) (entities.Estate, error)
	// MarkRevoked deactivates an unexecuted estate. It reports changed=false
	// when the estate was already inactive.
	MarkRevoked(ctx context.Context, estateID uint64, revokedAt time.Time) (entities.Estate, bool, error)
	// MarkExecuted sets executedAt and clears active for an active,
	// unexecuted estate.
	MarkExecuted(ctx context.Context, estateID uint64, executedAt time.Time) (entities.Estate, error)
}

type GuardianApprovalRepository interface {
	// AddGuardianApproval inserts a unique (estate, guardian) approval and
	// returns the new approval count.
	AddGuardianApproval(ctx context.Context, approval entities.GuardianApproval) (uint32, error)
	CountGuardianApprovals(ctx context.Context, estateID uint64) (uint32, error)
	ListGuardianApprovals(ctx context.Context, estateID uint64) ([]entities.GuardianApproval, error)
}

// AssetCustody is the collaborator that holds estate assets.
type AssetCustody interface {
	distribution.Custody
	Snapshot(ctx context.Context, estateID uint64) (entities.AssetSnapshot, error)
}

type IdempotencyRecord struct {
	Key         string
	RequestHash string
	EstateID    uint64
	ExpiresAt   time.Time
}

type IdempotencyStore interface {
	GetRecord(ctx context.Context, key string, now time.Time) (IdempotencyRecord, bool, error)
	PutRecord(ctx context.Context, record IdempotencyRecord) error
}

type EventDedupStore interface {
	ReserveEvent(ctx context.Context, eventID string, payloadHash string, expiresAt time.Time) (bool, error)
	// ReleaseEvent drops a reservation so a redelivered event is handled again.
	ReleaseEvent(ctx context.Context, eventID string) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

type EventEnvelope = contractsv1.Envelope

type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelope EventEnvelope) error
}

type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}

type EventSubscriber interface {
	Subscribe(
		ctx context.Context,
		topic string,
		consumerGroup string,
		handler func(context.Context, EventEnvelope) error,
	) error
}

// Metrics receives estate lifecycle counters. A nil Metrics is a no-op.
type Metrics interface {
	EstateTransition(transition string)
	TransfersRecorded(class string, outcome string, count int)
	EstateRejected(operation string, kind string)
}
