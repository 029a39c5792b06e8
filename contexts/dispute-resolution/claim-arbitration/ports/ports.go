package ports

import (
	"context"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"

	"github.com/shopspring/decimal"
)

// RegisterStakeInput carries one register call to the repository, which
// decides atomically between create, top-up and reactivation.
type RegisterStakeInput struct {
	Account           entities.Account
	Stake             decimal.Decimal
	InitialReputation uint32
	At                time.Time
}

type VerifierRepository interface {
	GetVerifier(ctx context.Context, account entities.Account) (entities.Verifier, error)
	RegisterStake(ctx context.Context, input RegisterStakeInput) (entities.Verifier, entities.RegistrationOutcome, error)
	// DeactivateVerifier clears an active verifier's stake and returns the
	// amount released.
	DeactivateVerifier(ctx context.Context, account entities.Account, at time.Time) (entities.Verifier, decimal.Decimal, error)
	// ApplyReputationFeedback clamps reputation after adding delta and bumps
	// the vote counters.
	ApplyReputationFeedback(ctx context.Context, account entities.Account, delta int32, correct bool, at time.Time) (entities.Verifier, error)
}

type ClaimRepository interface {
	NextClaimID(ctx context.Context) (uint64, error)
	CreateClaim(ctx context.Context, claim entities.Claim) error
	GetClaim(ctx context.Context, claimID uint64) (entities.Claim, error)
	// RecordVote stores the vote and adds its weight to the claim in one
	// step. It fails with ErrClaimResolved, ErrVotingClosed or
	// ErrAlreadyVoted without writing anything.
	RecordVote(ctx context.Context, vote entities.Vote) (entities.Claim, error)
	// MarkResolved succeeds only for an unresolved claim.
	MarkResolved(ctx context.Context, claimID uint64, approved bool, path entities.ResolutionPath, at time.Time) (entities.Claim, error)
	ListVotes(ctx context.Context, claimID uint64) ([]entities.Vote, error)
	ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]entities.Claim, error)
}

type IdempotencyRecord struct {
	Key         string
	RequestHash string
	ClaimID     uint64
	ExpiresAt   time.Time
}

type IdempotencyStore interface {
	GetRecord(ctx context.Context, key string, now time.Time) (IdempotencyRecord, bool, error)
	PutRecord(ctx context.Context, record IdempotencyRecord) error
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

// Metrics receives arbitration counters. A nil Metrics is a no-op.
type Metrics interface {
	VerifierTransition(transition string)
	VoteRecorded(side string, weight uint32)
	ClaimResolved(path string, outcome string)
	ClaimRejected(operation string, kind string)
}
