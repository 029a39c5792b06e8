package application

import (
	"context"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
)

// resolve commits the outcome first and only then runs reputation feedback,
// so a feedback callback that tries to resolve again finds the claim closed.
func (s Service) resolve(ctx context.Context, claim entities.Claim, approved bool, path entities.ResolutionPath) (entities.Claim, error) {
	release, err := s.Guard.Enter()
	if err != nil {
		return entities.Claim{}, s.reject("resolve", err, "claim_id", claim.ClaimID)
	}
	defer release()

	now := s.now()
	resolved, err := s.Claims.MarkResolved(ctx, claim.ClaimID, approved, path, now)
	if err != nil {
		return entities.Claim{}, s.reject("resolve", err, "claim_id", claim.ClaimID)
	}
	if err := s.appendEvent(ctx, contractsv1.EventClaimResolved, "claim_id", claimKey(claim.ClaimID), now, map[string]any{
		"claim_id":         resolved.ClaimID,
		"estate_id":        resolved.EstateID,
		"approved":         resolved.Approved,
		"path":             string(path),
		"approval_weight":  resolved.ApprovalWeight,
		"rejection_weight": resolved.RejectionWeight,
		"vote_count":       resolved.VoteCount,
	}); err != nil {
		return entities.Claim{}, err
	}
	if s.Metrics != nil {
		outcome := "rejected"
		if resolved.Approved {
			outcome = "approved"
		}
		s.Metrics.ClaimResolved(string(path), outcome)
	}

	ResolveLogger(s.Logger).Info("claim resolved",
		"event", "claim_resolved",
		"module", moduleName,
		"layer", "application",
		"claim_id", resolved.ClaimID,
		"approved", resolved.Approved,
		"path", string(path),
		"approval_weight", resolved.ApprovalWeight,
		"rejection_weight", resolved.RejectionWeight,
	)

	s.applyFeedback(ctx, resolved)
	return resolved, nil
}

// applyFeedback adjusts every voter's reputation for a resolved claim.
// Failures are logged; the resolution itself is already final.
func (s Service) applyFeedback(ctx context.Context, claim entities.Claim) {
	logger := ResolveLogger(s.Logger)
	votes, err := s.Claims.ListVotes(ctx, claim.ClaimID)
	if err != nil {
		logger.Error("claim feedback vote listing failed",
			"event", "claim_feedback_list_failed",
			"module", moduleName,
			"layer", "application",
			"claim_id", claim.ClaimID,
			"error", err.Error(),
		)
		return
	}
	policy := s.reputationPolicy()
	now := s.now()
	for _, vote := range votes {
		verifier, err := s.Verifiers.GetVerifier(ctx, vote.Verifier)
		if err != nil {
			logger.Error("claim feedback verifier lookup failed",
				"event", "claim_feedback_lookup_failed",
				"module", moduleName,
				"layer", "application",
				"claim_id", claim.ClaimID,
				"verifier", vote.Verifier.String(),
				"error", err.Error(),
			)
			continue
		}
		delta := policy.Delta(vote, claim.Approved, verifier)
		correct := vote.Approved == claim.Approved
		updated, err := s.Verifiers.ApplyReputationFeedback(ctx, vote.Verifier, delta, correct, now)
		if err != nil {
			logger.Error("claim feedback apply failed",
				"event", "claim_feedback_apply_failed",
				"module", moduleName,
				"layer", "application",
				"claim_id", claim.ClaimID,
				"verifier", vote.Verifier.String(),
				"error", err.Error(),
			)
			continue
		}
		logger.Debug("verifier reputation adjusted",
			"event", "claim_feedback_applied",
			"module", moduleName,
			"layer", "application",
			"claim_id", claim.ClaimID,
			"verifier", vote.Verifier.String(),
			"delta", delta,
			"reputation", updated.Reputation,
			"correct", correct,
		)
	}
}
