package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	domainerrors "heirloom/contexts/dispute-resolution/claim-arbitration/domain/errors"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

type voteKey struct {
	claimID  uint64
	verifier entities.Account
}

// Store keeps verifiers, claims, votes and the outbox in memory. Claim
// idempotency records are held in a TTL cache.
type Store struct {
	mu sync.RWMutex

	verifiers   map[entities.Account]entities.Verifier
	nextClaimID uint64
	claims      map[uint64]entities.Claim
	votes       map[voteKey]entities.Vote
	voteOrder   map[uint64][]entities.Account

	idempotency *cache.Cache

	outbox      map[string]ports.OutboxMessage
	outboxOrder []string
	outboxSent  map[string]time.Time
}

func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Store{
		verifiers:   make(map[entities.Account]entities.Verifier),
		claims:      make(map[uint64]entities.Claim),
		votes:       make(map[voteKey]entities.Vote),
		voteOrder:   make(map[uint64][]entities.Account),
		idempotency: cache.New(retention, retention/2),
		outbox:      make(map[string]ports.OutboxMessage),
		outboxOrder: make([]string, 0),
		outboxSent:  make(map[string]time.Time),
	}
}

func (s *Store) GetVerifier(_ context.Context, account entities.Account) (entities.Verifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	verifier, ok := s.verifiers[account.Normalize()]
	if !ok {
		return entities.Verifier{}, domainerrors.ErrVerifierNotFound
	}
	return verifier, nil
}

func (s *Store) RegisterStake(_ context.Context, input ports.RegisterStakeInput) (entities.Verifier, entities.RegistrationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := input.Account.Normalize()
	at := input.At.UTC()
	verifier, exists := s.verifiers[account]
	var outcome entities.RegistrationOutcome
	switch {
	case !exists:
		verifier = entities.Verifier{
			Account:    account,
			Active:     true,
			Stake:      input.Stake,
			Reputation: input.InitialReputation,
			StakedAt:   at,
		}
		outcome = entities.RegistrationCreated
	case verifier.Active:
		verifier.Stake = verifier.Stake.Add(input.Stake)
		outcome = entities.RegistrationToppedUp
	default:
		verifier.Active = true
		verifier.Stake = input.Stake
		verifier.StakedAt = at
		verifier.UnstakedAt = nil
		outcome = entities.RegistrationReactivated
	}
	verifier.UpdatedAt = at
	s.verifiers[account] = verifier
	return verifier, outcome, nil
}

func (s *Store) DeactivateVerifier(_ context.Context, account entities.Account, at time.Time) (entities.Verifier, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account = account.Normalize()
	verifier, ok := s.verifiers[account]
	if !ok {
		return entities.Verifier{}, decimal.Zero, domainerrors.ErrVerifierNotFound
	}
	if !verifier.Active {
		return entities.Verifier{}, decimal.Zero, domainerrors.ErrVerifierInactive
	}
	returned := verifier.Stake
	unstakedAt := at.UTC()
	verifier.Active = false
	verifier.Stake = decimal.Zero
	verifier.UnstakedAt = &unstakedAt
	verifier.UpdatedAt = unstakedAt
	s.verifiers[account] = verifier
	return verifier, returned, nil
}

func (s *Store) ApplyReputationFeedback(
	_ context.Context,
	account entities.Account,
	delta int32,
	correct bool,
	at time.Time,
) (entities.Verifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account = account.Normalize()
	verifier, ok := s.verifiers[account]
	if !ok {
		return entities.Verifier{}, domainerrors.ErrVerifierNotFound
	}
	verifier.Reputation = entities.ClampReputation(verifier.Reputation, delta)
	verifier.TotalVotesCast++
	if correct {
		verifier.CorrectVotesCount++
	}
	verifier.UpdatedAt = at.UTC()
	s.verifiers[account] = verifier
	return verifier, nil
}

func (s *Store) NextClaimID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextClaimID++
	return s.nextClaimID, nil
}

func (s *Store) CreateClaim(_ context.Context, claim entities.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.claims[claim.ClaimID]; exists {
		return domainerrors.ErrConflict
	}
	s.claims[claim.ClaimID] = claim
	return nil
}

func (s *Store) GetClaim(_ context.Context, claimID uint64) (entities.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, ok := s.claims[claimID]
	if !ok {
		return entities.Claim{}, domainerrors.ErrClaimNotFound
	}
	return claim, nil
}

func (s *Store) RecordVote(_ context.Context, vote entities.Vote) (entities.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[vote.ClaimID]
	if !ok {
		return entities.Claim{}, domainerrors.ErrClaimNotFound
	}
	if claim.Resolved {
		return entities.Claim{}, domainerrors.ErrClaimResolved
	}
	if claim.VotingClosed(vote.CastAt) {
		return entities.Claim{}, domainerrors.ErrVotingClosed
	}
	vote.Verifier = vote.Verifier.Normalize()
	key := voteKey{claimID: vote.ClaimID, verifier: vote.Verifier}
	if _, voted := s.votes[key]; voted {
		return entities.Claim{}, domainerrors.ErrAlreadyVoted
	}
	s.votes[key] = vote
	s.voteOrder[vote.ClaimID] = append(s.voteOrder[vote.ClaimID], vote.Verifier)
	if vote.Approved {
		claim.ApprovalWeight += uint64(vote.Weight)
	} else {
		claim.RejectionWeight += uint64(vote.Weight)
	}
	claim.VoteCount++
	s.claims[vote.ClaimID] = claim
	return claim, nil
}

func (s *Store) MarkResolved(
	_ context.Context,
	claimID uint64,
	approved bool,
	path entities.ResolutionPath,
	at time.Time,
) (entities.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[claimID]
	if !ok {
		return entities.Claim{}, domainerrors.ErrClaimNotFound
	}
	if claim.Resolved {
		return entities.Claim{}, domainerrors.ErrClaimResolved
	}
	resolvedAt := at.UTC()
	claim.Resolved = true
	claim.Approved = approved
	claim.ResolutionPath = path
	claim.ResolvedAt = &resolvedAt
	s.claims[claimID] = claim
	return claim, nil
}

func (s *Store) ListVotes(_ context.Context, claimID uint64) ([]entities.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.voteOrder[claimID]
	items := make([]entities.Vote, 0, len(order))
	for _, verifier := range order {
		items = append(items, s.votes[voteKey{claimID: claimID, verifier: verifier}])
	}
	return items, nil
}

func (s *Store) ListExpiredUnresolved(_ context.Context, now time.Time, limit int) ([]entities.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]entities.Claim, 0)
	for _, claim := range s.claims {
		if !claim.Resolved && claim.VotingClosed(now) {
			items = append(items, claim)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ClaimID < items[j].ClaimID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) GetRecord(_ context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	value, found := s.idempotency.Get(key)
	if !found {
		return ports.IdempotencyRecord{}, false, nil
	}
	record := value.(ports.IdempotencyRecord)
	if !record.ExpiresAt.After(now) {
		s.idempotency.Delete(key)
		return ports.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (s *Store) PutRecord(_ context.Context, record ports.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, found := s.idempotency.Get(record.Key); found {
		existing := value.(ports.IdempotencyRecord)
		if existing.RequestHash != record.RequestHash || existing.ClaimID != record.ClaimID {
			return domainerrors.ErrIdempotencyConflict
		}
	}
	s.idempotency.Set(record.Key, record, cache.DefaultExpiration)
	return nil
}

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		outboxID = uuid.NewString()
	}
	if existing, ok := s.outbox[outboxID]; ok {
		if !bytes.Equal(existing.Payload, payload) {
			return domainerrors.ErrIdempotencyConflict
		}
		return nil
	}
	s.outbox[outboxID] = ports.OutboxMessage{
		OutboxID:     outboxID,
		EventType:    envelope.EventType,
		PartitionKey: envelope.PartitionKey,
		Payload:      payload,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	s.outboxOrder = append(s.outboxOrder, outboxID)
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	messages := make([]ports.OutboxMessage, 0, limit)
	for _, id := range s.outboxOrder {
		if _, sent := s.outboxSent[id]; sent {
			continue
		}
		messages = append(messages, s.outbox[id])
		if len(messages) >= limit {
			break
		}
	}
	return messages, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outbox[outboxID]; !ok {
		return domainerrors.ErrInvalidInput
	}
	s.outboxSent[outboxID] = publishedAt.UTC()
	return nil
}

// OutboxEventTypes lists appended event types in order.
func (s *Store) OutboxEventTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.outboxOrder))
	for _, id := range s.outboxOrder {
		types = append(types, s.outbox[id].EventType)
	}
	return types
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

var (
	_ ports.VerifierRepository = (*Store)(nil)
	_ ports.ClaimRepository    = (*Store)(nil)
	_ ports.IdempotencyStore   = (*Store)(nil)
	_ ports.OutboxWriter       = (*Store)(nil)
	_ ports.OutboxRepository   = (*Store)(nil)
	_ ports.Clock              = (*Store)(nil)
	_ ports.IDGenerator        = (*Store)(nil)
)
