package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
	"heirloom/contexts/estate-settlement/estate-registry/ports"
)

// Service is the estate registry: estate lifecycle, guardian approval gate
// and execution. Value copies share state through the ports and the Guard
// pointer.
type Service struct {
	Estates        ports.EstateRepository
	Approvals      ports.GuardianApprovalRepository
	Custody        ports.AssetCustody
	Idempotency    ports.IdempotencyStore
	Outbox         ports.OutboxWriter
	Clock          ports.Clock
	IDGen          ports.IDGenerator
	Metrics        ports.Metrics
	Guard          *ExecutionGuard
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s Service) idempotencyTTL() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.IdempotencyTTL
}

// reject logs a refused operation, counts it and hands the error back.
func (s Service) reject(operation string, err error, attrs ...any) error {
	kind := domainerrors.KindOf(err)
	fields := make([]any, 0, len(attrs)+10)
	fields = append(fields,
		"event", "estate_"+operation+"_rejected",
		"module", moduleName,
		"layer", "application",
		"kind", kind.String(),
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	logger := ResolveLogger(s.Logger)
	if kind == domainerrors.KindUnknown {
		logger.Error("estate operation failed", fields...)
	} else {
		logger.Warn("estate operation rejected", fields...)
	}
	if s.Metrics != nil {
		s.Metrics.EstateRejected(operation, kind.String())
	}
	return err
}

func (s Service) transition(name string) {
	if s.Metrics != nil {
		s.Metrics.EstateTransition(name)
	}
}

func hashPayload(payload map[string]any) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s Service) lookupIdempotency(ctx context.Context, key string, requestHash string) (uint64, bool, error) {
	if s.Idempotency == nil || key == "" {
		return 0, false, nil
	}
	record, found, err := s.Idempotency.GetRecord(ctx, key, s.now())
	if err != nil || !found {
		return 0, false, err
	}
	if record.RequestHash != requestHash {
		return 0, false, domainerrors.ErrIdempotencyConflict
	}
	return record.EstateID, true, nil
}

func (s Service) storeIdempotency(ctx context.Context, key string, requestHash string, estateID uint64) error {
	if s.Idempotency == nil || key == "" {
		return nil
	}
	return s.Idempotency.PutRecord(ctx, ports.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		EstateID:    estateID,
		ExpiresAt:   s.now().Add(s.idempotencyTTL()),
	})
}
