package application

import (
	"context"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	domainerrors "heirloom/contexts/dispute-resolution/claim-arbitration/domain/errors"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"

	"github.com/shopspring/decimal"
)

type RegisterVerifierResult struct {
	Verifier entities.Verifier
	Outcome  entities.RegistrationOutcome
}

// RegisterVerifier stakes an account. The first registration starts at the
// initial reputation; later ones add stake (or reactivate an unstaked
// verifier) and keep reputation and vote history.
func (s Service) RegisterVerifier(ctx context.Context, account entities.Account, stake decimal.Decimal) (RegisterVerifierResult, error) {
	account = account.Normalize()
	if account.IsZero() {
		return RegisterVerifierResult{}, s.reject("register", domainerrors.ErrInvalidAccount)
	}
	if !stake.IsPositive() || !stake.Equal(stake.Truncate(0)) {
		return RegisterVerifierResult{}, s.reject("register", domainerrors.ErrInvalidStake,
			"account", account.String(),
			"stake", stake.String(),
		)
	}
	if stake.LessThan(s.MinimumStake) {
		return RegisterVerifierResult{}, s.reject("register", domainerrors.ErrStakeBelowMinimum,
			"account", account.String(),
			"stake", stake.String(),
			"minimum_stake", s.MinimumStake.String(),
		)
	}

	now := s.now()
	verifier, outcome, err := s.Verifiers.RegisterStake(ctx, ports.RegisterStakeInput{
		Account:           account,
		Stake:             stake,
		InitialReputation: entities.InitialReputation,
		At:                now,
	})
	if err != nil {
		return RegisterVerifierResult{}, s.reject("register", err, "account", account.String())
	}
	if err := s.appendEvent(ctx, contractsv1.EventVerifierRegistered, "account", account.String(), now, map[string]any{
		"account":     account.String(),
		"outcome":     string(outcome),
		"stake_added": stake.String(),
		"stake_total": verifier.Stake.String(),
		"reputation":  verifier.Reputation,
	}); err != nil {
		return RegisterVerifierResult{}, err
	}
	if s.Metrics != nil {
		s.Metrics.VerifierTransition(string(outcome))
	}

	ResolveLogger(s.Logger).Info("verifier registered",
		"event", "verifier_registered",
		"module", moduleName,
		"layer", "application",
		"account", account.String(),
		"outcome", string(outcome),
		"stake_total", verifier.Stake.String(),
		"reputation", verifier.Reputation,
	)
	return RegisterVerifierResult{Verifier: verifier, Outcome: outcome}, nil
}

// Unstake deactivates a verifier and returns the full recorded stake.
func (s Service) Unstake(ctx context.Context, account entities.Account) (decimal.Decimal, error) {
	account = account.Normalize()
	verifier, err := s.Verifiers.GetVerifier(ctx, account)
	if err != nil {
		return decimal.Zero, s.reject("unstake", err, "account", account.String())
	}
	if !verifier.Active {
		return decimal.Zero, s.reject("unstake", domainerrors.ErrVerifierInactive, "account", account.String())
	}

	now := s.now()
	_, returned, err := s.Verifiers.DeactivateVerifier(ctx, account, now)
	if err != nil {
		return decimal.Zero, s.reject("unstake", err, "account", account.String())
	}
	if err := s.appendEvent(ctx, contractsv1.EventVerifierUnstaked, "account", account.String(), now, map[string]any{
		"account":        account.String(),
		"stake_returned": returned.String(),
	}); err != nil {
		return decimal.Zero, err
	}
	if s.Metrics != nil {
		s.Metrics.VerifierTransition("unstaked")
	}

	ResolveLogger(s.Logger).Info("verifier unstaked",
		"event", "verifier_unstaked",
		"module", moduleName,
		"layer", "application",
		"account", account.String(),
		"stake_returned", returned.String(),
	)
	return returned, nil
}

func (s Service) GetVerifier(ctx context.Context, account entities.Account) (entities.Verifier, error) {
	return s.Verifiers.GetVerifier(ctx, account.Normalize())
}
