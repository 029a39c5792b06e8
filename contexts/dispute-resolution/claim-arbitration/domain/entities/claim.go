package entities

import "time"

const BasisPointsDenominator uint64 = 10000

type ResolutionPath string

const (
	ResolutionAuto     ResolutionPath = "auto"
	ResolutionDeadline ResolutionPath = "deadline"
)

type Claim struct {
	ClaimID         uint64
	EstateID        uint64
	Claimant        Account
	Reason          string
	CreatedAt       time.Time
	VotingDeadline  time.Time
	ApprovalWeight  uint64
	RejectionWeight uint64
	VoteCount       uint32
	Resolved        bool
	Approved        bool
	ResolutionPath  ResolutionPath
	ResolvedAt      *time.Time
}

// VotingClosed reports whether now is past the voting deadline.
func (c Claim) VotingClosed(now time.Time) bool {
	return now.After(c.VotingDeadline)
}

func (c Claim) TotalWeight() uint64 {
	return c.ApprovalWeight + c.RejectionWeight
}

// ApprovalShareBps is floor(approval * 10000 / total). ok is false while no
// weight has been cast.
func (c Claim) ApprovalShareBps() (uint64, bool) {
	total := c.TotalWeight()
	if total == 0 {
		return 0, false
	}
	return c.ApprovalWeight * BasisPointsDenominator / total, true
}

// Supermajority reports whether either side holds at least thresholdBps of
// the cast weight, and which side that is.
func (c Claim) Supermajority(thresholdBps uint64) (approved bool, reached bool) {
	share, ok := c.ApprovalShareBps()
	if !ok {
		return false, false
	}
	if share >= thresholdBps {
		return true, true
	}
	if share <= BasisPointsDenominator-thresholdBps {
		return false, true
	}
	return false, false
}

// DeadlineOutcome is strict majority; a tie is a rejection.
func (c Claim) DeadlineOutcome() bool {
	return c.ApprovalWeight > c.RejectionWeight
}

// Vote is one verifier's ballot on one claim.
type Vote struct {
	ClaimID  uint64
	Verifier Account
	Approved bool
	Weight   uint32
	CastAt   time.Time
}
