package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
	"heirloom/contexts/estate-settlement/estate-registry/ports"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const defaultRetention = 7 * 24 * time.Hour

// Store keeps estates, approvals and the outbox in process memory.
// Idempotency records and dedup markers live in TTL caches so that a long
// running worker does not grow without bound.
type Store struct {
	mu sync.RWMutex

	nextEstateID uint64
	estates      map[uint64]entities.Estate
	approvals    map[uint64]map[entities.Account]entities.GuardianApproval

	idempotency *cache.Cache
	eventDedup  *cache.Cache

	outbox      map[string]ports.OutboxMessage
	outboxOrder []string
	outboxSent  map[string]time.Time
}

func NewStore(seed []entities.Estate) *Store {
	return NewStoreWithRetention(seed, defaultRetention)
}

// NewStoreWithRetention bounds how long idempotency and dedup entries are
// retained. Logical expiry still follows each record's ExpiresAt.
func NewStoreWithRetention(seed []entities.Estate, retention time.Duration) *Store {
	if retention <= 0 {
		retention = defaultRetention
	}
	store := &Store{
		estates:     make(map[uint64]entities.Estate, len(seed)),
		approvals:   make(map[uint64]map[entities.Account]entities.GuardianApproval),
		idempotency: cache.New(retention, retention/2),
		eventDedup:  cache.New(retention, retention/2),
		outbox:      make(map[string]ports.OutboxMessage),
		outboxOrder: make([]string, 0),
		outboxSent:  make(map[string]time.Time),
	}
	for _, item := range seed {
		store.estates[item.EstateID] = item.Clone()
		if item.EstateID > store.nextEstateID {
			store.nextEstateID = item.EstateID
		}
	}
	return store
}

func (s *Store) NextEstateID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEstateID++
	return s.nextEstateID, nil
}

func (s *Store) CreateEstate(_ context.Context, estate entities.Estate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.estates[estate.EstateID]; exists {
		return domainerrors.ErrConflict
	}
	s.estates[estate.EstateID] = estate.Clone()
	return nil
}

func (s *Store) GetEstate(_ context.Context, estateID uint64) (entities.Estate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.estates[estateID]
	if !exists {
		return entities.Estate{}, domainerrors.ErrEstateNotFound
	}
	return item.Clone(), nil
}

func (s *Store) ListEstatesByOwner(_ context.Context, owner entities.Account) ([]entities.Estate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner = owner.Normalize()
	items := make([]entities.Estate, 0)
	for _, item := range s.estates {
		if item.Owner == owner {
			items = append(items, item.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].EstateID < items[j].EstateID
	})
	return items, nil
}

func (s *Store) ReplaceAllocations(
	_ context.Context,
	estateID uint64,
	allocations []entities.Allocation,
	updatedAt time.Time,
) (entities.Estate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.estates[estateID]
	if !exists {
		return entities.Estate{}, domainerrors.ErrEstateNotFound
	}
	if item.IsExecuted() {
		return entities.Estate{}, domainerrors.ErrAlreadyExecuted
	}
	if !item.Active {
		return entities.Estate{}, domainerrors.ErrEstateInactive
	}
	item.Allocations = entities.CloneAllocations(allocations)
	item.UpdatedAt = updatedAt.UTC()
	s.estates[estateID] = item
	return item.Clone(), nil
}

func (s *Store) MarkRevoked(_ context.Context, estateID uint64, revokedAt time.Time) (entities.Estate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.estates[estateID]
	if !exists {
		return entities.Estate{}, false, domainerrors.ErrEstateNotFound
	}
	if item.IsExecuted() {
		return entities.Estate{}, false, domainerrors.ErrAlreadyExecuted
	}
	if !item.Active {
		return item.Clone(), false, nil
	}
	at := revokedAt.UTC()
	item.Active = false
	item.RevokedAt = &at
	item.UpdatedAt = at
	s.estates[estateID] = item
	return item.Clone(), true, nil
}

func (s *Store) MarkExecuted(_ context.Context, estateID uint64, executedAt time.Time) (entities.Estate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.estates[estateID]
	if !exists {
		return entities.Estate{}, domainerrors.ErrEstateNotFound
	}
	if item.IsExecuted() {
		return entities.Estate{}, domainerrors.ErrAlreadyExecuted
	}
	if !item.Active {
		return entities.Estate{}, domainerrors.ErrEstateInactive
	}
	at := executedAt.UTC()
	item.Active = false
	item.ExecutedAt = &at
	item.UpdatedAt = at
	s.estates[estateID] = item
	return item.Clone(), nil
}

func (s *Store) AddGuardianApproval(_ context.Context, approval entities.GuardianApproval) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.estates[approval.EstateID]; !exists {
		return 0, domainerrors.ErrEstateNotFound
	}
	approvals, ok := s.approvals[approval.EstateID]
	if !ok {
		approvals = make(map[entities.Account]entities.GuardianApproval)
		s.approvals[approval.EstateID] = approvals
	}
	guardian := approval.Guardian.Normalize()
	if _, exists := approvals[guardian]; exists {
		return uint32(len(approvals)), domainerrors.ErrAlreadyApproved
	}
	approval.Guardian = guardian
	approval.ApprovedAt = approval.ApprovedAt.UTC()
	approvals[guardian] = approval
	return uint32(len(approvals)), nil
}

func (s *Store) CountGuardianApprovals(_ context.Context, estateID uint64) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint32(len(s.approvals[estateID])), nil
}

func (s *Store) ListGuardianApprovals(_ context.Context, estateID uint64) ([]entities.GuardianApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]entities.GuardianApproval, 0, len(s.approvals[estateID]))
	for _, approval := range s.approvals[estateID] {
		items = append(items, approval)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ApprovedAt.Equal(items[j].ApprovedAt) {
			return items[i].Guardian < items[j].Guardian
		}
		return items[i].ApprovedAt.Before(items[j].ApprovedAt)
	})
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
		if existing.RequestHash != record.RequestHash || existing.EstateID != record.EstateID {
			return domainerrors.ErrIdempotencyConflict
		}
	}
	s.idempotency.Set(record.Key, record, cache.DefaultExpiration)
	return nil
}

func (s *Store) ReserveEvent(_ context.Context, eventID string, payloadHash string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, found := s.eventDedup.Get(eventID); found {
		if value.(string) != payloadHash {
			return false, domainerrors.ErrIdempotencyConflict
		}
		return true, nil
	}
	s.eventDedup.Set(eventID, payloadHash, cache.DefaultExpiration)
	return false, nil
}

func (s *Store) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventDedup.Delete(eventID)
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
	createdAt := envelope.OccurredAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.outbox[outboxID] = ports.OutboxMessage{
		OutboxID:     outboxID,
		EventType:    envelope.EventType,
		PartitionKey: envelope.PartitionKey,
		Payload:      payload,
		CreatedAt:    createdAt,
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
		if msg, ok := s.outbox[id]; ok {
			messages = append(messages, msg)
		}
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

// OutboxEvents decodes every appended envelope in append order. Tests use it
// to inspect what a command emitted.
func (s *Store) OutboxEvents() []ports.EventEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]ports.EventEnvelope, 0, len(s.outboxOrder))
	for _, id := range s.outboxOrder {
		var envelope ports.EventEnvelope
		if err := json.Unmarshal(s.outbox[id].Payload, &envelope); err != nil {
			continue
		}
		events = append(events, envelope)
	}
	return events
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

var (
	_ ports.EstateRepository           = (*Store)(nil)
	_ ports.GuardianApprovalRepository = (*Store)(nil)
	_ ports.IdempotencyStore           = (*Store)(nil)
	_ ports.EventDedupStore            = (*Store)(nil)
	_ ports.OutboxWriter               = (*Store)(nil)
	_ ports.OutboxRepository           = (*Store)(nil)
	_ ports.Clock                      = (*Store)(nil)
	_ ports.IDGenerator                = (*Store)(nil)
)
