package application

import (
	"context"
	"errors"
	"testing"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
	"heirloom/contexts/dispute-resolution/claim-arbitration/adapters/memory"
	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	domainerrors "heirloom/contexts/dispute-resolution/claim-arbitration/domain/errors"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"

	"github.com/shopspring/decimal"
)

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time { return c.now }

func (c *steppingClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type countingMetrics struct {
	transitions map[string]int
	votes       map[string]uint32
	resolved    map[string]int
	rejected    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		transitions: make(map[string]int),
		votes:       make(map[string]uint32),
		resolved:    make(map[string]int),
		rejected:    make(map[string]int),
	}
}

func (m *countingMetrics) VerifierTransition(transition string) { m.transitions[transition]++ }

func (m *countingMetrics) VoteRecorded(side string, weight uint32) { m.votes[side] += weight }

func (m *countingMetrics) ClaimResolved(path string, outcome string) {
	m.resolved[path+"/"+outcome]++
}

func (m *countingMetrics) ClaimRejected(operation string, kind string) {
	m.rejected[operation+"/"+kind]++
}

func newTestService(t *testing.T) (Service, *memory.Store, *steppingClock, *countingMetrics) {
	t.Helper()
	store := memory.NewStore(time.Hour)
	clock := &steppingClock{now: time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC)}
	metrics := newCountingMetrics()
	service := Service{
		Verifiers:    store,
		Claims:       store,
		Idempotency:  store,
		Outbox:       store,
		Clock:        clock,
		IDGen:        store,
		Metrics:      metrics,
		Guard:        &ResolutionGuard{},
		MinimumStake: decimal.NewFromInt(1),
		VotingPeriod: 7 * 24 * time.Hour,
	}
	return service, store, clock, metrics
}

// registerWithReputation stakes account and moves its reputation to the
// requested value through the feedback path.
func registerWithReputation(t *testing.T, service Service, store *memory.Store, account entities.Account, reputation uint32) {
	t.Helper()
	ctx := context.Background()
	if _, err := service.RegisterVerifier(ctx, account, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("register %s failed: %v", account, err)
	}
	delta := int32(reputation) - int32(entities.InitialReputation)
	if delta == 0 {
		return
	}
	if _, err := store.ApplyReputationFeedback(ctx, account, delta, false, service.now()); err != nil {
		t.Fatalf("set reputation for %s failed: %v", account, err)
	}
}

func openClaim(t *testing.T, service Service) entities.Claim {
	t.Helper()
	result, err := service.CreateClaim(context.Background(), CreateClaimCommand{
		EstateID: 1,
		Claimant: "0xClaimant",
		Reason:   "beneficiary contests release",
	})
	if err != nil {
		t.Fatalf("create claim failed: %v", err)
	}
	return result.Claim
}

func TestRegisterVerifierLifecycle(t *testing.T) {
	service, store, _, metrics := newTestService(t)
	ctx := context.Background()

	created, err := service.RegisterVerifier(ctx, "0xV1", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if created.Outcome != entities.RegistrationCreated {
		t.Fatalf("expected created outcome, got %s", created.Outcome)
	}
	if created.Verifier.Reputation != entities.InitialReputation || !created.Verifier.Active {
		t.Fatalf("unexpected new verifier: %+v", created.Verifier)
	}

	topped, err := service.RegisterVerifier(ctx, "0xV1", decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("top up failed: %v", err)
	}
	if topped.Outcome != entities.RegistrationToppedUp || !topped.Verifier.Stake.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("unexpected top up: %s stake=%s", topped.Outcome, topped.Verifier.Stake)
	}

	returned, err := service.Unstake(ctx, "0xV1")
	if err != nil {
		t.Fatalf("unstake failed: %v", err)
	}
	if !returned.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected full stake returned, got %s", returned)
	}
	if _, err := service.Unstake(ctx, "0xV1"); !errors.Is(err, domainerrors.ErrVerifierInactive) {
		t.Fatalf("expected inactive on second unstake, got %v", err)
	}

	reactivated, err := service.RegisterVerifier(ctx, "0xV1", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	if reactivated.Outcome != entities.RegistrationReactivated {
		t.Fatalf("expected reactivated outcome, got %s", reactivated.Outcome)
	}
	if !reactivated.Verifier.Stake.Equal(decimal.NewFromInt(3)) || reactivated.Verifier.Reputation != entities.InitialReputation {
		t.Fatalf("unexpected reactivated verifier: %+v", reactivated.Verifier)
	}

	want := []string{
		contractsv1.EventVerifierRegistered,
		contractsv1.EventVerifierRegistered,
		contractsv1.EventVerifierUnstaked,
		contractsv1.EventVerifierRegistered,
	}
	got := store.OutboxEventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if metrics.transitions["unstaked"] != 1 || metrics.transitions["reactivated"] != 1 {
		t.Fatalf("unexpected transitions: %v", metrics.transitions)
	}
}

func TestRegisterVerifierRejectsBadStake(t *testing.T) {
	service, _, _, metrics := newTestService(t)
	service.MinimumStake = decimal.NewFromInt(10)
	ctx := context.Background()

	cases := []struct {
		name    string
		account entities.Account
		stake   decimal.Decimal
		want    error
	}{
		{name: "zero account", account: "0x0", stake: decimal.NewFromInt(10), want: domainerrors.ErrInvalidAccount},
		{name: "zero stake", account: "0xV", stake: decimal.Zero, want: domainerrors.ErrInvalidStake},
		{name: "negative stake", account: "0xV", stake: decimal.NewFromInt(-1), want: domainerrors.ErrInvalidStake},
		{name: "fractional stake", account: "0xV", stake: decimal.RequireFromString("10.5"), want: domainerrors.ErrInvalidStake},
		{name: "below minimum", account: "0xV", stake: decimal.NewFromInt(9), want: domainerrors.ErrStakeBelowMinimum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.RegisterVerifier(ctx, tc.account, tc.stake); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if metrics.rejected["register/validation"] != len(cases) {
		t.Fatalf("expected %d validation rejections, got %v", len(cases), metrics.rejected)
	}
}

func TestUnstakeUnknownVerifier(t *testing.T) {
	service, _, _, _ := newTestService(t)
	if _, err := service.Unstake(context.Background(), "0xNobody"); !errors.Is(err, domainerrors.ErrVerifierNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateClaimOpensVotingWindow(t *testing.T) {
	service, store, clock, _ := newTestService(t)
	claim := openClaim(t, service)

	if claim.ClaimID != 1 {
		t.Fatalf("expected claim id 1, got %d", claim.ClaimID)
	}
	if !claim.VotingDeadline.Equal(clock.now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected deadline %s", claim.VotingDeadline)
	}
	if claim.Resolved || claim.VoteCount != 0 {
		t.Fatalf("expected fresh claim, got %+v", claim)
	}
	if types := store.OutboxEventTypes(); len(types) != 1 || types[0] != contractsv1.EventClaimCreated {
		t.Fatalf("expected claim.created, got %v", types)
	}
}

func TestCreateClaimValidationAndIdempotency(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.CreateClaim(ctx, CreateClaimCommand{EstateID: 1}); !errors.Is(err, domainerrors.ErrInvalidAccount) {
		t.Fatalf("expected invalid account, got %v", err)
	}
	if _, err := service.CreateClaim(ctx, CreateClaimCommand{Claimant: "0xC"}); !errors.Is(err, domainerrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing estate, got %v", err)
	}

	cmd := CreateClaimCommand{EstateID: 4, Claimant: "0xC", Reason: "forged will", IdempotencyKey: "claim-key-1"}
	first, err := service.CreateClaim(ctx, cmd)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	replay, err := service.CreateClaim(ctx, cmd)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.Replayed || replay.Claim.ClaimID != first.Claim.ClaimID {
		t.Fatalf("expected replay of claim %d, got %+v", first.Claim.ClaimID, replay)
	}

	cmd.Reason = "different reason"
	if _, err := service.CreateClaim(ctx, cmd); !errors.Is(err, domainerrors.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestFirstWeightedVoteResolvesWithoutMinimum(t *testing.T) {
	service, store, _, metrics := newTestService(t)
	ctx := context.Background()
	registerWithReputation(t, service, store, "0xA", 500)
	registerWithReputation(t, service, store, "0xB", 600)
	claim := openClaim(t, service)

	result, err := service.CastVote(ctx, claim.ClaimID, "0xA", true)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if !result.AutoResolved || !result.Claim.Approved || result.Claim.ResolutionPath != entities.ResolutionAuto {
		t.Fatalf("expected auto approval on first vote, got %+v", result)
	}
	if result.Vote.Weight != 50 {
		t.Fatalf("expected weight 50, got %d", result.Vote.Weight)
	}
	if _, err := service.CastVote(ctx, claim.ClaimID, "0xB", true); !errors.Is(err, domainerrors.ErrClaimResolved) {
		t.Fatalf("expected resolved claim to refuse votes, got %v", err)
	}
	if metrics.resolved["auto/approved"] != 1 {
		t.Fatalf("unexpected resolution metrics: %v", metrics.resolved)
	}
}

func TestThreeApprovalsReachSupermajority(t *testing.T) {
	service, store, _, _ := newTestService(t)
	service.AutoResolveMinVotes = 3
	ctx := context.Background()
	registerWithReputation(t, service, store, "0xA", 500)
	registerWithReputation(t, service, store, "0xB", 600)
	registerWithReputation(t, service, store, "0xC", 0)
	claim := openClaim(t, service)

	for _, account := range []entities.Account{"0xA", "0xB"} {
		result, err := service.CastVote(ctx, claim.ClaimID, account, true)
		if err != nil {
			t.Fatalf("vote by %s failed: %v", account, err)
		}
		if result.AutoResolved {
			t.Fatalf("expected no resolution before the third vote")
		}
	}
	result, err := service.CastVote(ctx, claim.ClaimID, "0xC", true)
	if err != nil {
		t.Fatalf("zero-weight vote failed: %v", err)
	}
	if result.Vote.Weight != 0 {
		t.Fatalf("expected zero weight, got %d", result.Vote.Weight)
	}
	if !result.AutoResolved || !result.Claim.Approved {
		t.Fatalf("expected approval, got %+v", result.Claim)
	}
	if result.Claim.ApprovalWeight != 110 || result.Claim.RejectionWeight != 0 || result.Claim.VoteCount != 3 {
		t.Fatalf("unexpected tally: %+v", result.Claim)
	}
}

func TestTieAtDeadlineResolvesAsRejection(t *testing.T) {
	service, store, clock, metrics := newTestService(t)
	service.AutoResolveMinVotes = 2
	ctx := context.Background()
	registerWithReputation(t, service, store, "0xA", 400)
	registerWithReputation(t, service, store, "0xB", 400)
	claim := openClaim(t, service)

	if _, err := service.CastVote(ctx, claim.ClaimID, "0xA", true); err != nil {
		t.Fatalf("approve vote failed: %v", err)
	}
	result, err := service.CastVote(ctx, claim.ClaimID, "0xB", false)
	if err != nil {
		t.Fatalf("reject vote failed: %v", err)
	}
	if result.AutoResolved {
		t.Fatalf("expected an even split to stay open")
	}

	if _, err := service.ResolveClaim(ctx, claim.ClaimID); !errors.Is(err, domainerrors.ErrVotingOpen) {
		t.Fatalf("expected voting open before deadline, got %v", err)
	}
	clock.Advance(7*24*time.Hour + time.Second)

	resolved, err := service.ResolveClaim(ctx, claim.ClaimID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Approved || resolved.ResolutionPath != entities.ResolutionDeadline {
		t.Fatalf("expected deadline rejection, got %+v", resolved)
	}
	if resolved.ApprovalWeight != 40 || resolved.RejectionWeight != 40 {
		t.Fatalf("unexpected tally: %+v", resolved)
	}
	if _, err := service.ResolveClaim(ctx, claim.ClaimID); !errors.Is(err, domainerrors.ErrClaimResolved) {
		t.Fatalf("expected second resolve to fail, got %v", err)
	}
	if metrics.resolved["deadline/rejected"] != 1 {
		t.Fatalf("unexpected resolution metrics: %v", metrics.resolved)
	}
}

func TestCastVoteRejections(t *testing.T) {
	service, store, clock, _ := newTestService(t)
	service.AutoResolveMinVotes = 10
	ctx := context.Background()
	registerWithReputation(t, service, store, "0xA", 500)
	registerWithReputation(t, service, store, "0xGone", 500)
	if _, err := service.Unstake(ctx, "0xGone"); err != nil {
		t.Fatalf("unstake failed: %v", err)
	}
	claim := openClaim(t, service)

	if _, err := service.CastVote(ctx, claim.ClaimID, "0xStranger", true); !errors.Is(err, domainerrors.ErrVerifierInactive) {
		t.Fatalf("expected unknown verifier to be inactive, got %v", err)
	}
	if _, err := service.CastVote(ctx, claim.ClaimID, "0xGone", true); !errors.Is(err, domainerrors.ErrVerifierInactive) {
		t.Fatalf("expected unstaked verifier to be inactive, got %v", err)
	}
	if _, err := service.CastVote(ctx, 99, "0xA", true); !errors.Is(err, domainerrors.ErrClaimNotFound) {
		t.Fatalf("expected claim not found, got %v", err)
	}
	if _, err := service.CastVote(ctx, claim.ClaimID, "0xA", true); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if _, err := service.CastVote(ctx, claim.ClaimID, "0xA", false); !errors.Is(err, domainerrors.ErrAlreadyVoted) {
		t.Fatalf("expected already voted, got %v", err)
	}

	registerWithReputation(t, service, store, "0xLate", 500)
	clock.Advance(7*24*time.Hour + time.Second)
	if _, err := service.CastVote(ctx, claim.ClaimID, "0xLate", true); !errors.Is(err, domainerrors.ErrVotingClosed) {
		t.Fatalf("expected voting closed, got %v", err)
	}

	votes, err := service.ListVotes(ctx, claim.ClaimID)
	if err != nil {
		t.Fatalf("list votes failed: %v", err)
	}
	if len(votes) != 1 || votes[0].Verifier != "0xA" {
		t.Fatalf("expected only the accepted vote, got %+v", votes)
	}
}

func TestVoteAtDeadlineIsAccepted(t *testing.T) {
	service, store, clock, _ := newTestService(t)
	service.AutoResolveMinVotes = 10
	registerWithReputation(t, service, store, "0xA", 500)
	claim := openClaim(t, service)

	clock.Advance(7 * 24 * time.Hour)
	if _, err := service.CastVote(context.Background(), claim.ClaimID, "0xA", true); err != nil {
		t.Fatalf("expected vote at the deadline to count, got %v", err)
	}
}

func TestResolutionAppliesReputationFeedback(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	service.AutoResolveMinVotes = 3
	service.Reputation = entities.FixedStep{Reward: 10, Penalty: 20}
	ctx := context.Background()
	for _, account := range []entities.Account{"0xA", "0xB", "0xC"} {
		if _, err := service.RegisterVerifier(ctx, account, decimal.NewFromInt(10)); err != nil {
			t.Fatalf("register %s failed: %v", account, err)
		}
	}
	claim := openClaim(t, service)
	for _, vote := range []struct {
		account entities.Account
		approve bool
	}{{"0xA", true}, {"0xB", true}, {"0xC", false}} {
		if _, err := service.CastVote(ctx, claim.ClaimID, vote.account, vote.approve); err != nil {
			t.Fatalf("vote by %s failed: %v", vote.account, err)
		}
	}

	clock.Advance(8 * 24 * time.Hour)
	resolved, err := service.ResolveClaim(ctx, claim.ClaimID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved.Approved {
		t.Fatalf("expected 100 vs 50 to approve, got %+v", resolved)
	}

	expect := map[entities.Account]struct {
		reputation uint32
		correct    uint64
	}{
		"0xA": {510, 1},
		"0xB": {510, 1},
		"0xC": {480, 0},
	}
	for account, want := range expect {
		verifier, err := service.GetVerifier(ctx, account)
		if err != nil {
			t.Fatalf("get %s failed: %v", account, err)
		}
		if verifier.Reputation != want.reputation || verifier.CorrectVotesCount != want.correct || verifier.TotalVotesCast != 1 {
			t.Fatalf("%s: unexpected verifier %+v", account, verifier)
		}
	}
}

func TestResolveExpiredClaimsSweepsOnce(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	first := openClaim(t, service)
	second := openClaim(t, service)

	none, err := service.ResolveExpiredClaims(ctx, 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected nothing before deadline, got %v %v", none, err)
	}

	clock.Advance(7*24*time.Hour + time.Minute)
	resolved, err := service.ResolveExpiredClaims(ctx, 10)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(resolved) != 2 || resolved[0].ClaimID != first.ClaimID || resolved[1].ClaimID != second.ClaimID {
		t.Fatalf("unexpected sweep result: %+v", resolved)
	}
	for _, claim := range resolved {
		if claim.Approved || claim.ResolutionPath != entities.ResolutionDeadline {
			t.Fatalf("expected empty claims to reject at deadline, got %+v", claim)
		}
	}

	again, err := service.ResolveExpiredClaims(ctx, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected second sweep to be empty, got %v %v", again, err)
	}
}

func TestResolutionGuardRejectsNestedResolution(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	claim := openClaim(t, service)
	clock.Advance(8 * 24 * time.Hour)

	release, err := service.Guard.Enter()
	if err != nil {
		t.Fatalf("enter guard failed: %v", err)
	}
	if _, err := service.ResolveClaim(ctx, claim.ClaimID); !errors.Is(err, domainerrors.ErrReentrantCall) {
		t.Fatalf("expected reentrant call, got %v", err)
	}
	release()

	if _, err := service.ResolveClaim(ctx, claim.ClaimID); err != nil {
		t.Fatalf("expected resolve after release, got %v", err)
	}
}

func TestResolvingVoteDuringOtherResolutionKeepsBallot(t *testing.T) {
	service, store, clock, _ := newTestService(t)
	ctx := context.Background()
	registerWithReputation(t, service, store, "0xA", 500)
	claim := openClaim(t, service)

	release, err := service.Guard.Enter()
	if err != nil {
		t.Fatalf("enter guard failed: %v", err)
	}
	result, err := service.CastVote(ctx, claim.ClaimID, "0xA", true)
	release()
	if err != nil {
		t.Fatalf("expected committed vote to succeed, got %v", err)
	}
	if result.AutoResolved || result.Claim.Resolved || result.Claim.ApprovalWeight != 50 {
		t.Fatalf("expected recorded but unresolved vote, got %+v", result)
	}
	if _, err := service.CastVote(ctx, claim.ClaimID, "0xA", true); !errors.Is(err, domainerrors.ErrAlreadyVoted) {
		t.Fatalf("expected duplicate vote rejection, got %v", err)
	}

	clock.Advance(8 * 24 * time.Hour)
	resolved, err := service.ResolveExpiredClaims(ctx, 10)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(resolved) != 1 || !resolved[0].Approved {
		t.Fatalf("expected deadline resolver to approve the claim, got %+v", resolved)
	}
}

type flakyClaimWrites struct {
	ports.ClaimRepository
	failures int
}

func (r *flakyClaimWrites) CreateClaim(ctx context.Context, claim entities.Claim) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("database unavailable")
	}
	return r.ClaimRepository.CreateClaim(ctx, claim)
}

func TestCreateClaimRetryAfterFailedWriteReusesReservedID(t *testing.T) {
	service, store, _, _ := newTestService(t)
	service.Claims = &flakyClaimWrites{ClaimRepository: store, failures: 1}
	ctx := context.Background()
	cmd := CreateClaimCommand{EstateID: 3, Claimant: "0xClaimant", IdempotencyKey: "claim-retry"}

	if _, err := service.CreateClaim(ctx, cmd); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	retried, err := service.CreateClaim(ctx, cmd)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	replayed, err := service.CreateClaim(ctx, cmd)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if retried.Replayed || !replayed.Replayed || replayed.Claim.ClaimID != retried.Claim.ClaimID {
		t.Fatalf("expected one claim for the key, got %+v and %+v", retried, replayed)
	}
	if types := store.OutboxEventTypes(); len(types) != 1 || types[0] != contractsv1.EventClaimCreated {
		t.Fatalf("expected a single claim.created event, got %v", types)
	}
}
