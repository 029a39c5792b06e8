package entities

// ReputationPolicy decides how a resolved claim moves each voter's
// reputation. The result is clamped by the caller.
type ReputationPolicy interface {
	Delta(vote Vote, outcome bool, verifier Verifier) int32
}

// NoFeedback leaves reputation untouched. Vote counters still move.
type NoFeedback struct{}

func (NoFeedback) Delta(Vote, bool, Verifier) int32 {
	return 0
}

// FixedStep rewards voters on the winning side and penalises the rest by a
// fixed amount.
type FixedStep struct {
	Reward  uint32
	Penalty uint32
}

func (p FixedStep) Delta(vote Vote, outcome bool, _ Verifier) int32 {
	if vote.Approved == outcome {
		return int32(p.Reward)
	}
	return -int32(p.Penalty)
}
