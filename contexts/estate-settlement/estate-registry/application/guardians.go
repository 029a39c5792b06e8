package application

import (
	"context"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
)

// ApproveRelease records a guardian's approval and returns the updated
// count. Approving never triggers execution; Execute reads the count.
func (s Service) ApproveRelease(ctx context.Context, estateID uint64, guardian entities.Account) (uint32, error) {
	guardian = guardian.Normalize()
	estate, err := s.Estates.GetEstate(ctx, estateID)
	if err != nil {
		return 0, s.reject("approve", err, "estate_id", estateID)
	}
	if estate.IsExecuted() {
		return 0, s.reject("approve", domainerrors.ErrAlreadyExecuted, "estate_id", estateID)
	}
	if !estate.Active {
		return 0, s.reject("approve", domainerrors.ErrEstateInactive, "estate_id", estateID)
	}
	if !estate.RequiresGuardianAttestation {
		return 0, s.reject("approve", domainerrors.ErrAttestationOff, "estate_id", estateID)
	}
	if !estate.IsGuardian(guardian) {
		return 0, s.reject("approve", domainerrors.ErrNotGuardian,
			"estate_id", estateID,
			"guardian", guardian.String(),
		)
	}

	now := s.now()
	count, err := s.Approvals.AddGuardianApproval(ctx, entities.GuardianApproval{
		EstateID:   estateID,
		Guardian:   guardian,
		ApprovedAt: now,
	})
	if err != nil {
		return 0, s.reject("approve", err,
			"estate_id", estateID,
			"guardian", guardian.String(),
		)
	}
	if err := s.appendEstateEvent(ctx, contractsv1.EventEstateGuardianApproved, estateID, now, map[string]any{
		"guardian":           guardian.String(),
		"approved_count":     count,
		"guardian_threshold": estate.GuardianThreshold,
		"threshold_met":      count >= estate.GuardianThreshold,
	}); err != nil {
		return 0, err
	}
	s.transition("guardian_approved")

	ResolveLogger(s.Logger).Info("estate release approved by guardian",
		"event", "estate_guardian_approved",
		"module", moduleName,
		"layer", "application",
		"estate_id", estateID,
		"guardian", guardian.String(),
		"approved_count", count,
		"guardian_threshold", estate.GuardianThreshold,
	)
	return count, nil
}

// ApprovedCount returns how many guardians approved release of an estate.
func (s Service) ApprovedCount(ctx context.Context, estateID uint64) (uint32, error) {
	if _, err := s.Estates.GetEstate(ctx, estateID); err != nil {
		return 0, err
	}
	return s.Approvals.CountGuardianApprovals(ctx, estateID)
}

// thresholdMet is the read-only gate Execute consults.
func (s Service) thresholdMet(ctx context.Context, estate entities.Estate) (uint32, bool, error) {
	if !estate.RequiresGuardianAttestation {
		return 0, true, nil
	}
	count, err := s.Approvals.CountGuardianApprovals(ctx, estate.EstateID)
	if err != nil {
		return 0, false, err
	}
	return count, count >= estate.GuardianThreshold, nil
}
