package application

import (
	"context"
	"errors"
	"strings"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
)

// CreateEstateCommand is the write-model input for estate creation.
type CreateEstateCommand struct {
	Owner                       entities.Account
	IdempotencyKey              string
	MetadataRef                 string
	Allocations                 []entities.Allocation
	Guardians                   []entities.Account
	GuardianThreshold           uint32
	RequiresGuardianAttestation bool
}

type CreateEstateResult struct {
	Estate   entities.Estate
	Replayed bool
}

// CreateEstate validates the whole command before writing anything. An
// optional idempotency key replays the original estate for identical input.
func (s Service) CreateEstate(ctx context.Context, cmd CreateEstateCommand) (CreateEstateResult, error) {
	logger := ResolveLogger(s.Logger)
	owner := cmd.Owner.Normalize()
	key := strings.TrimSpace(cmd.IdempotencyKey)
	logger.Info("estate create processing started",
		"event", "estate_create_started",
		"module", moduleName,
		"layer", "application",
		"owner", owner.String(),
		"allocation_count", len(cmd.Allocations),
	)

	if owner.IsZero() {
		return CreateEstateResult{}, s.reject("create", domainerrors.ErrInvalidOwner)
	}
	allocations := entities.NormalizeAllocations(cmd.Allocations)
	if err := entities.ValidateAllocations(allocations); err != nil {
		return CreateEstateResult{}, s.reject("create", err, "owner", owner.String())
	}
	guardians := normalizeAccounts(cmd.Guardians)
	if err := entities.ValidateGuardianPolicy(guardians, cmd.GuardianThreshold, cmd.RequiresGuardianAttestation); err != nil {
		return CreateEstateResult{}, s.reject("create", err, "owner", owner.String())
	}

	requestHash := hashPayload(map[string]any{
		"owner":                owner.String(),
		"metadata_ref":         strings.TrimSpace(cmd.MetadataRef),
		"allocations":          allocationPayload(allocations),
		"guardians":            guardians,
		"guardian_threshold":   cmd.GuardianThreshold,
		"requires_attestation": cmd.RequiresGuardianAttestation,
		"op":                   "create_estate",
	})
	estateID, found, err := s.lookupIdempotency(ctx, key, requestHash)
	if err != nil {
		return CreateEstateResult{}, s.reject("create", err, "owner", owner.String())
	}
	if found {
		estate, err := s.Estates.GetEstate(ctx, estateID)
		if err == nil {
			logger.Info("estate create replayed",
				"event", "estate_create_replayed",
				"module", moduleName,
				"layer", "application",
				"estate_id", estate.EstateID,
				"owner", owner.String(),
			)
			return CreateEstateResult{Estate: estate, Replayed: true}, nil
		}
		if !errors.Is(err, domainerrors.ErrEstateNotFound) {
			return CreateEstateResult{}, err
		}
		// The key was reserved by an attempt that failed before writing the
		// estate; finish it under the reserved id.
	} else {
		estateID, err = s.Estates.NextEstateID(ctx)
		if err != nil {
			return CreateEstateResult{}, s.reject("create", err)
		}
		if err := s.storeIdempotency(ctx, key, requestHash, estateID); err != nil {
			return CreateEstateResult{}, s.reject("create", err, "estate_id", estateID)
		}
	}

	now := s.now()
	estate := entities.Estate{
		EstateID:                    estateID,
		Owner:                       owner,
		MetadataRef:                 strings.TrimSpace(cmd.MetadataRef),
		Allocations:                 allocations,
		Guardians:                   guardians,
		GuardianThreshold:           cmd.GuardianThreshold,
		RequiresGuardianAttestation: cmd.RequiresGuardianAttestation,
		Active:                      true,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	if err := s.Estates.CreateEstate(ctx, estate); err != nil {
		return CreateEstateResult{}, s.reject("create", err, "estate_id", estateID)
	}
	if err := s.appendEstateEvent(ctx, contractsv1.EventEstateCreated, estateID, now, map[string]any{
		"owner":                owner.String(),
		"metadata_ref":         estate.MetadataRef,
		"allocation_count":     len(allocations),
		"guardian_count":       len(guardians),
		"guardian_threshold":   estate.GuardianThreshold,
		"requires_attestation": estate.RequiresGuardianAttestation,
	}); err != nil {
		return CreateEstateResult{}, err
	}
	s.transition("created")

	logger.Info("estate created",
		"event", "estate_created",
		"module", moduleName,
		"layer", "application",
		"estate_id", estateID,
		"owner", owner.String(),
		"allocation_count", len(allocations),
		"requires_attestation", estate.RequiresGuardianAttestation,
	)
	return CreateEstateResult{Estate: estate.Clone()}, nil
}

// ReplaceAllocations swaps the complete allocation list. There is no merge:
// the new list replaces the old one or nothing changes.
func (s Service) ReplaceAllocations(
	ctx context.Context,
	estateID uint64,
	caller entities.Account,
	allocations []entities.Allocation,
) (entities.Estate, error) {
	estate, err := s.Estates.GetEstate(ctx, estateID)
	if err != nil {
		return entities.Estate{}, s.reject("replace_allocations", err, "estate_id", estateID)
	}
	if estate.Owner != caller.Normalize() {
		return entities.Estate{}, s.reject("replace_allocations", domainerrors.ErrNotOwner,
			"estate_id", estateID,
			"caller", caller.String(),
		)
	}
	if estate.IsExecuted() {
		return entities.Estate{}, s.reject("replace_allocations", domainerrors.ErrAlreadyExecuted, "estate_id", estateID)
	}
	if !estate.Active {
		return entities.Estate{}, s.reject("replace_allocations", domainerrors.ErrEstateInactive, "estate_id", estateID)
	}
	normalized := entities.NormalizeAllocations(allocations)
	if err := entities.ValidateAllocations(normalized); err != nil {
		return entities.Estate{}, s.reject("replace_allocations", err, "estate_id", estateID)
	}

	now := s.now()
	updated, err := s.Estates.ReplaceAllocations(ctx, estateID, normalized, now)
	if err != nil {
		return entities.Estate{}, s.reject("replace_allocations", err, "estate_id", estateID)
	}
	if err := s.appendEstateEvent(ctx, contractsv1.EventEstateAllocationsUpdated, estateID, now, map[string]any{
		"owner":            updated.Owner.String(),
		"allocation_count": len(normalized),
		"allocations":      allocationPayload(normalized),
	}); err != nil {
		return entities.Estate{}, err
	}
	s.transition("allocations_updated")

	ResolveLogger(s.Logger).Info("estate allocations replaced",
		"event", "estate_allocations_replaced",
		"module", moduleName,
		"layer", "application",
		"estate_id", estateID,
		"allocation_count", len(normalized),
	)
	return updated, nil
}

// Revoke deactivates an unexecuted estate. Revoking an estate that is
// already inactive succeeds without emitting anything.
func (s Service) Revoke(ctx context.Context, estateID uint64, caller entities.Account) (entities.Estate, error) {
	estate, err := s.Estates.GetEstate(ctx, estateID)
	if err != nil {
		return entities.Estate{}, s.reject("revoke", err, "estate_id", estateID)
	}
	if estate.Owner != caller.Normalize() {
		return entities.Estate{}, s.reject("revoke", domainerrors.ErrNotOwner,
			"estate_id", estateID,
			"caller", caller.String(),
		)
	}
	if estate.IsExecuted() {
		return entities.Estate{}, s.reject("revoke", domainerrors.ErrAlreadyExecuted, "estate_id", estateID)
	}

	now := s.now()
	revoked, changed, err := s.Estates.MarkRevoked(ctx, estateID, now)
	if err != nil {
		return entities.Estate{}, s.reject("revoke", err, "estate_id", estateID)
	}
	if !changed {
		ResolveLogger(s.Logger).Info("estate revoke was a no-op",
			"event", "estate_revoke_noop",
			"module", moduleName,
			"layer", "application",
			"estate_id", estateID,
		)
		return revoked, nil
	}
	if err := s.appendEstateEvent(ctx, contractsv1.EventEstateRevoked, estateID, now, map[string]any{
		"owner": revoked.Owner.String(),
	}); err != nil {
		return entities.Estate{}, err
	}
	s.transition("revoked")

	ResolveLogger(s.Logger).Info("estate revoked",
		"event", "estate_revoked",
		"module", moduleName,
		"layer", "application",
		"estate_id", estateID,
	)
	return revoked, nil
}

func (s Service) GetEstate(ctx context.Context, estateID uint64) (entities.Estate, error) {
	return s.Estates.GetEstate(ctx, estateID)
}

func (s Service) ListEstatesByOwner(ctx context.Context, owner entities.Account) ([]entities.Estate, error) {
	owner = owner.Normalize()
	if owner.IsZero() {
		return nil, domainerrors.ErrInvalidOwner
	}
	return s.Estates.ListEstatesByOwner(ctx, owner)
}

func normalizeAccounts(accounts []entities.Account) []entities.Account {
	if len(accounts) == 0 {
		return nil
	}
	out := make([]entities.Account, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, account.Normalize())
	}
	return out
}
