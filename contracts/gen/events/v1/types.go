package v1

// Estate settlement events.
const (
	EventEstateCreated            = "estate.created"
	EventEstateAllocationsUpdated = "estate.allocations_updated"
	EventEstateRevoked            = "estate.revoked"
	EventEstateExecuted           = "estate.executed"
	EventEstateAllocationPaid     = "estate.allocation_distributed"
	EventEstateLegFailed          = "estate.distribution_leg_failed"
	EventEstateCollectibleSkipped = "estate.collectible_skipped"
	EventEstateGuardianApproved   = "estate.guardian_approved"
	EventEstateReleaseEligible    = "estate.release_eligible"
)

// Claim arbitration events.
const (
	EventVerifierRegistered = "verifier.registered"
	EventVerifierUnstaked   = "verifier.unstaked"
	EventClaimCreated       = "claim.created"
	EventClaimVoted         = "claim.voted"
	EventClaimResolved      = "claim.resolved"
)
