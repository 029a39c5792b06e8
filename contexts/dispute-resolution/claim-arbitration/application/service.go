package application

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	domainerrors "heirloom/contexts/dispute-resolution/claim-arbitration/domain/errors"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"

	"github.com/shopspring/decimal"
)

const (
	DefaultVotingPeriod   = 7 * 24 * time.Hour
	DefaultAutoResolveBps = uint32(7000)
)

// Service runs the verifier registry and the claim state machine.
type Service struct {
	Verifiers   ports.VerifierRepository
	Claims      ports.ClaimRepository
	Idempotency ports.IdempotencyStore
	Outbox      ports.OutboxWriter
	Clock       ports.Clock
	IDGen       ports.IDGenerator
	Metrics     ports.Metrics
	Reputation  entities.ReputationPolicy
	Guard       *ResolutionGuard

	MinimumStake   decimal.Decimal
	VotingPeriod   time.Duration
	AutoResolveBps uint32
	// AutoResolveMinVotes is how many votes a claim needs before early
	// resolution is considered. Zero and one both mean the first weighted
	// vote can resolve it.
	AutoResolveMinVotes uint32
	IdempotencyTTL      time.Duration
	Logger              *slog.Logger
}

// ResolutionGuard refuses a resolution that starts while another one is
// still running its feedback pass.
type ResolutionGuard struct {
	busy atomic.Bool
}

func (g *ResolutionGuard) Enter() (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if !g.busy.CompareAndSwap(false, true) {
		return nil, domainerrors.ErrReentrantCall
	}
	return func() { g.busy.Store(false) }, nil
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s Service) votingPeriod() time.Duration {
	if s.VotingPeriod <= 0 {
		return DefaultVotingPeriod
	}
	return s.VotingPeriod
}

// autoResolveBps keeps the threshold a real super-majority: above 50% and
// at most 100%.
func (s Service) autoResolveBps() uint64 {
	threshold := s.AutoResolveBps
	if threshold <= 5000 || threshold > 10000 {
		threshold = DefaultAutoResolveBps
	}
	return uint64(threshold)
}

func (s Service) reputationPolicy() entities.ReputationPolicy {
	if s.Reputation == nil {
		return entities.NoFeedback{}
	}
	return s.Reputation
}

func (s Service) idempotencyTTL() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.IdempotencyTTL
}

func (s Service) reject(operation string, err error, attrs ...any) error {
	kind := domainerrors.KindOf(err)
	fields := make([]any, 0, len(attrs)+10)
	fields = append(fields,
		"event", "claim_"+operation+"_rejected",
		"module", moduleName,
		"layer", "application",
		"kind", kind.String(),
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	logger := ResolveLogger(s.Logger)
	if kind == domainerrors.KindUnknown {
		logger.Error("claim arbitration operation failed", fields...)
	} else {
		logger.Warn("claim arbitration operation rejected", fields...)
	}
	if s.Metrics != nil {
		s.Metrics.ClaimRejected(operation, kind.String())
	}
	return err
}

func hashPayload(payload map[string]any) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
