package application

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	domainerrors "heirloom/contexts/dispute-resolution/claim-arbitration/domain/errors"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"
)

type CreateClaimCommand struct {
	EstateID       uint64
	Claimant       entities.Account
	Reason         string
	IdempotencyKey string
}

type CreateClaimResult struct {
	Claim    entities.Claim
	Replayed bool
}

// VoteResult reports the claim after a vote, including whether that vote
// resolved it.
type VoteResult struct {
	Claim        entities.Claim
	Vote         entities.Vote
	AutoResolved bool
}

func claimKey(claimID uint64) string {
	return strconv.FormatUint(claimID, 10)
}

// CreateClaim opens a claim for voting until now + voting period.
func (s Service) CreateClaim(ctx context.Context, cmd CreateClaimCommand) (CreateClaimResult, error) {
	claimant := cmd.Claimant.Normalize()
	reason := strings.TrimSpace(cmd.Reason)
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if claimant.IsZero() {
		return CreateClaimResult{}, s.reject("create", domainerrors.ErrInvalidAccount)
	}
	if cmd.EstateID == 0 {
		return CreateClaimResult{}, s.reject("create", domainerrors.ErrInvalidInput, "claimant", claimant.String())
	}

	requestHash := hashPayload(map[string]any{
		"estate_id": cmd.EstateID,
		"claimant":  claimant.String(),
		"reason":    reason,
	})
	var (
		claimID  uint64
		reserved bool
	)
	if s.Idempotency != nil && key != "" {
		record, found, err := s.Idempotency.GetRecord(ctx, key, s.now())
		if err != nil {
			return CreateClaimResult{}, s.reject("create", err)
		}
		if found {
			if record.RequestHash != requestHash {
				return CreateClaimResult{}, s.reject("create", domainerrors.ErrIdempotencyConflict, "idempotency_key", key)
			}
			claim, err := s.Claims.GetClaim(ctx, record.ClaimID)
			if err == nil {
				return CreateClaimResult{Claim: claim, Replayed: true}, nil
			}
			if !errors.Is(err, domainerrors.ErrClaimNotFound) {
				return CreateClaimResult{}, s.reject("create", err, "claim_id", record.ClaimID)
			}
			// Reserved by an attempt that failed before the claim was written.
			claimID, reserved = record.ClaimID, true
		}
	}

	if !reserved {
		next, err := s.Claims.NextClaimID(ctx)
		if err != nil {
			return CreateClaimResult{}, s.reject("create", err)
		}
		claimID = next
		if s.Idempotency != nil && key != "" {
			if err := s.Idempotency.PutRecord(ctx, ports.IdempotencyRecord{
				Key:         key,
				RequestHash: requestHash,
				ClaimID:     claimID,
				ExpiresAt:   s.now().Add(s.idempotencyTTL()),
			}); err != nil {
				return CreateClaimResult{}, s.reject("create", err, "claim_id", claimID)
			}
		}
	}

	now := s.now()
	claim := entities.Claim{
		ClaimID:        claimID,
		EstateID:       cmd.EstateID,
		Claimant:       claimant,
		Reason:         reason,
		CreatedAt:      now,
		VotingDeadline: now.Add(s.votingPeriod()),
	}
	if err := s.Claims.CreateClaim(ctx, claim); err != nil {
		return CreateClaimResult{}, s.reject("create", err, "claim_id", claimID)
	}
	if err := s.appendEvent(ctx, contractsv1.EventClaimCreated, "claim_id", claimKey(claimID), now, map[string]any{
		"claim_id":        claimID,
		"estate_id":       claim.EstateID,
		"claimant":        claimant.String(),
		"reason":          reason,
		"voting_deadline": claim.VotingDeadline.Format(time.RFC3339),
	}); err != nil {
		return CreateClaimResult{}, err
	}

	ResolveLogger(s.Logger).Info("claim created",
		"event", "claim_created",
		"module", moduleName,
		"layer", "application",
		"claim_id", claimID,
		"estate_id", claim.EstateID,
		"claimant", claimant.String(),
		"voting_deadline", claim.VotingDeadline,
	)
	return CreateClaimResult{Claim: claim}, nil
}

// CastVote records a weighted ballot and resolves the claim early when one
// side reaches the super-majority threshold.
func (s Service) CastVote(ctx context.Context, claimID uint64, account entities.Account, approve bool) (VoteResult, error) {
	account = account.Normalize()
	verifier, err := s.Verifiers.GetVerifier(ctx, account)
	if err != nil {
		if errors.Is(err, domainerrors.ErrVerifierNotFound) {
			err = domainerrors.ErrVerifierInactive
		}
		return VoteResult{}, s.reject("vote", err, "claim_id", claimID, "verifier", account.String())
	}
	if !verifier.Active {
		return VoteResult{}, s.reject("vote", domainerrors.ErrVerifierInactive, "claim_id", claimID, "verifier", account.String())
	}
	claim, err := s.Claims.GetClaim(ctx, claimID)
	if err != nil {
		return VoteResult{}, s.reject("vote", err, "claim_id", claimID)
	}
	if claim.Resolved {
		return VoteResult{}, s.reject("vote", domainerrors.ErrClaimResolved, "claim_id", claimID)
	}
	now := s.now()
	if claim.VotingClosed(now) {
		return VoteResult{}, s.reject("vote", domainerrors.ErrVotingClosed, "claim_id", claimID)
	}

	vote := entities.Vote{
		ClaimID:  claimID,
		Verifier: account,
		Approved: approve,
		Weight:   verifier.VoteWeight(),
		CastAt:   now,
	}
	updated, err := s.Claims.RecordVote(ctx, vote)
	if err != nil {
		return VoteResult{}, s.reject("vote", err, "claim_id", claimID, "verifier", account.String())
	}
	if err := s.appendEvent(ctx, contractsv1.EventClaimVoted, "claim_id", claimKey(claimID), now, map[string]any{
		"claim_id":         claimID,
		"verifier":         account.String(),
		"approved":         approve,
		"weight":           vote.Weight,
		"approval_weight":  updated.ApprovalWeight,
		"rejection_weight": updated.RejectionWeight,
	}); err != nil {
		return VoteResult{}, err
	}
	if s.Metrics != nil {
		side := "reject"
		if approve {
			side = "approve"
		}
		s.Metrics.VoteRecorded(side, vote.Weight)
	}
	ResolveLogger(s.Logger).Info("claim vote recorded",
		"event", "claim_vote_recorded",
		"module", moduleName,
		"layer", "application",
		"claim_id", claimID,
		"verifier", account.String(),
		"approved", approve,
		"weight", vote.Weight,
		"approval_weight", updated.ApprovalWeight,
		"rejection_weight", updated.RejectionWeight,
	)

	result := VoteResult{Claim: updated, Vote: vote}
	if updated.VoteCount < s.AutoResolveMinVotes {
		return result, nil
	}
	outcome, reached := updated.Supermajority(s.autoResolveBps())
	if !reached {
		return result, nil
	}
	resolved, err := s.resolve(ctx, updated, outcome, entities.ResolutionAuto)
	if err != nil {
		// The ballot is committed either way. A claim resolved by another
		// caller, or a resolution refused by the guard, is left to the
		// deadline resolver.
		if errors.Is(err, domainerrors.ErrClaimResolved) || errors.Is(err, domainerrors.ErrReentrantCall) {
			ResolveLogger(s.Logger).Warn("claim auto-resolution deferred",
				"event", "claim_auto_resolve_deferred",
				"module", moduleName,
				"layer", "application",
				"claim_id", claimID,
				"reason", err.Error(),
			)
			return result, nil
		}
		return result, err
	}
	result.Claim = resolved
	result.AutoResolved = true
	return result, nil
}

// ResolveClaim closes a claim after its deadline. Anyone may call it.
func (s Service) ResolveClaim(ctx context.Context, claimID uint64) (entities.Claim, error) {
	claim, err := s.Claims.GetClaim(ctx, claimID)
	if err != nil {
		return entities.Claim{}, s.reject("resolve", err, "claim_id", claimID)
	}
	if claim.Resolved {
		return entities.Claim{}, s.reject("resolve", domainerrors.ErrClaimResolved, "claim_id", claimID)
	}
	if !claim.VotingClosed(s.now()) {
		return entities.Claim{}, s.reject("resolve", domainerrors.ErrVotingOpen,
			"claim_id", claimID,
			"voting_deadline", claim.VotingDeadline,
		)
	}
	return s.resolve(ctx, claim, claim.DeadlineOutcome(), entities.ResolutionDeadline)
}

// ResolveExpiredClaims resolves up to limit claims whose deadline passed.
// It stops at the first infrastructure failure.
func (s Service) ResolveExpiredClaims(ctx context.Context, limit int) ([]entities.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	expired, err := s.Claims.ListExpiredUnresolved(ctx, s.now(), limit)
	if err != nil {
		return nil, err
	}
	resolved := make([]entities.Claim, 0, len(expired))
	for _, claim := range expired {
		item, err := s.resolve(ctx, claim, claim.DeadlineOutcome(), entities.ResolutionDeadline)
		if err != nil {
			if domainerrors.KindOf(err) == domainerrors.KindStateConflict {
				continue
			}
			return resolved, err
		}
		resolved = append(resolved, item)
	}
	return resolved, nil
}

func (s Service) GetClaim(ctx context.Context, claimID uint64) (entities.Claim, error) {
	return s.Claims.GetClaim(ctx, claimID)
}

func (s Service) ListVotes(ctx context.Context, claimID uint64) ([]entities.Vote, error) {
	if _, err := s.Claims.GetClaim(ctx, claimID); err != nil {
		return nil, err
	}
	return s.Claims.ListVotes(ctx, claimID)
}
