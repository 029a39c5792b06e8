package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	domainerrors "heirloom/contexts/dispute-resolution/claim-arbitration/domain/errors"
	"heirloom/contexts/dispute-resolution/claim-arbitration/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"

	claimIDSequence = "claim_id_seq"
)

type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// AutoMigrate creates the arbitration tables and the claim id sequence.
func AutoMigrate(db *gorm.DB) error {
	if err := db.Exec("CREATE SEQUENCE IF NOT EXISTS " + claimIDSequence).Error; err != nil {
		return err
	}
	return db.AutoMigrate(
		&verifierModel{},
		&claimModel{},
		&voteModel{},
		&idempotencyModel{},
		&outboxModel{},
	)
}

func (r *Repository) GetVerifier(ctx context.Context, account entities.Account) (entities.Verifier, error) {
	var row verifierModel
	err := r.db.WithContext(ctx).
		Where("account = ?", string(account.Normalize())).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Verifier{}, domainerrors.ErrVerifierNotFound
		}
		return entities.Verifier{}, err
	}
	return row.toEntity(), nil
}

func (r *Repository) RegisterStake(ctx context.Context, input ports.RegisterStakeInput) (entities.Verifier, entities.RegistrationOutcome, error) {
	account := string(input.Account.Normalize())
	at := input.At.UTC()
	var (
		verifier entities.Verifier
		outcome  entities.RegistrationOutcome
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row verifierModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account = ?", account).
			First(&row).
			Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = verifierModel{
				Account:    account,
				Active:     true,
				Stake:      input.Stake,
				Reputation: input.InitialReputation,
				StakedAt:   at,
				UpdatedAt:  at,
			}
			if err := tx.Create(&row).Error; err != nil {
				if isUniqueViolation(err) {
					return domainerrors.ErrConflict
				}
				return err
			}
			outcome = entities.RegistrationCreated
		case err != nil:
			return err
		case row.Active:
			row.Stake = row.Stake.Add(input.Stake)
			row.UpdatedAt = at
			if err := tx.Model(&verifierModel{}).
				Where("account = ?", account).
				Updates(map[string]any{
					"stake":      row.Stake,
					"updated_at": at,
				}).Error; err != nil {
				return err
			}
			outcome = entities.RegistrationToppedUp
		default:
			row.Active = true
			row.Stake = input.Stake
			row.StakedAt = at
			row.UnstakedAt = nil
			row.UpdatedAt = at
			if err := tx.Model(&verifierModel{}).
				Where("account = ?", account).
				Updates(map[string]any{
					"active":      true,
					"stake":       row.Stake,
					"staked_at":   at,
					"unstaked_at": nil,
					"updated_at":  at,
				}).Error; err != nil {
				return err
			}
			outcome = entities.RegistrationReactivated
		}
		verifier = row.toEntity()
		return nil
	})
	if err != nil {
		r.logError("verifier registration failed", err, "account", account)
		return entities.Verifier{}, "", err
	}
	return verifier, outcome, nil
}

func (r *Repository) DeactivateVerifier(ctx context.Context, account entities.Account, at time.Time) (entities.Verifier, decimal.Decimal, error) {
	key := string(account.Normalize())
	unstakedAt := at.UTC()
	var (
		verifier entities.Verifier
		returned decimal.Decimal
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row verifierModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account = ?", key).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrVerifierNotFound
			}
			return err
		}
		if !row.Active {
			return domainerrors.ErrVerifierInactive
		}
		returned = row.Stake
		if err := tx.Model(&verifierModel{}).
			Where("account = ?", key).
			Updates(map[string]any{
				"active":      false,
				"stake":       decimal.Zero,
				"unstaked_at": unstakedAt,
				"updated_at":  unstakedAt,
			}).Error; err != nil {
			return err
		}
		row.Active = false
		row.Stake = decimal.Zero
		row.UnstakedAt = &unstakedAt
		row.UpdatedAt = unstakedAt
		verifier = row.toEntity()
		return nil
	})
	if err != nil {
		return entities.Verifier{}, decimal.Zero, err
	}
	return verifier, returned, nil
}

func (r *Repository) ApplyReputationFeedback(
	ctx context.Context,
	account entities.Account,
	delta int32,
	correct bool,
	at time.Time,
) (entities.Verifier, error) {
	key := string(account.Normalize())
	var verifier entities.Verifier
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row verifierModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account = ?", key).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrVerifierNotFound
			}
			return err
		}
		row.Reputation = entities.ClampReputation(row.Reputation, delta)
		row.TotalVotesCast++
		if correct {
			row.CorrectVotesCount++
		}
		row.UpdatedAt = at.UTC()
		if err := tx.Model(&verifierModel{}).
			Where("account = ?", key).
			Updates(map[string]any{
				"reputation":          row.Reputation,
				"total_votes_cast":    row.TotalVotesCast,
				"correct_votes_count": row.CorrectVotesCount,
				"updated_at":          row.UpdatedAt,
			}).Error; err != nil {
			return err
		}
		verifier = row.toEntity()
		return nil
	})
	if err != nil {
		return entities.Verifier{}, err
	}
	return verifier, nil
}

func (r *Repository) NextClaimID(ctx context.Context) (uint64, error) {
	var id int64
	if err := r.db.WithContext(ctx).Raw("SELECT nextval(?)", claimIDSequence).Scan(&id).Error; err != nil {
		r.logError("claim id allocation failed", err)
		return 0, err
	}
	return uint64(id), nil
}

func (r *Repository) CreateClaim(ctx context.Context, claim entities.Claim) error {
	row := claimModelFromEntity(claim)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domainerrors.ErrConflict
		}
		return err
	}
	return nil
}

func (r *Repository) GetClaim(ctx context.Context, claimID uint64) (entities.Claim, error) {
	var row claimModel
	if err := r.db.WithContext(ctx).Where("claim_id = ?", claimID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Claim{}, domainerrors.ErrClaimNotFound
		}
		return entities.Claim{}, err
	}
	return row.toEntity(), nil
}

func (r *Repository) RecordVote(ctx context.Context, vote entities.Vote) (entities.Claim, error) {
	var claim entities.Claim
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row claimModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("claim_id = ?", vote.ClaimID).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrClaimNotFound
			}
			return err
		}
		current := row.toEntity()
		if current.Resolved {
			return domainerrors.ErrClaimResolved
		}
		if current.VotingClosed(vote.CastAt) {
			return domainerrors.ErrVotingClosed
		}

		voteRow := voteModel{
			ClaimID:  vote.ClaimID,
			Verifier: string(vote.Verifier.Normalize()),
			Approved: vote.Approved,
			Weight:   vote.Weight,
			CastAt:   vote.CastAt.UTC(),
		}
		if err := tx.Create(&voteRow).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrAlreadyVoted
			}
			return err
		}

		column := "rejection_weight"
		if vote.Approved {
			current.ApprovalWeight += uint64(vote.Weight)
			column = "approval_weight"
		} else {
			current.RejectionWeight += uint64(vote.Weight)
		}
		current.VoteCount++
		if err := tx.Model(&claimModel{}).
			Where("claim_id = ?", vote.ClaimID).
			Updates(map[string]any{
				column:       gorm.Expr(column+" + ?", vote.Weight),
				"vote_count": gorm.Expr("vote_count + 1"),
			}).Error; err != nil {
			return err
		}
		claim = current
		return nil
	})
	if err != nil {
		return entities.Claim{}, err
	}
	return claim, nil
}

func (r *Repository) MarkResolved(
	ctx context.Context,
	claimID uint64,
	approved bool,
	path entities.ResolutionPath,
	at time.Time,
) (entities.Claim, error) {
	resolvedAt := at.UTC()
	result := r.db.WithContext(ctx).
		Model(&claimModel{}).
		Where("claim_id = ? AND resolved = ?", claimID, false).
		Updates(map[string]any{
			"resolved":        true,
			"approved":        approved,
			"resolution_path": string(path),
			"resolved_at":     resolvedAt,
		})
	if result.Error != nil {
		return entities.Claim{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetClaim(ctx, claimID); err != nil {
			return entities.Claim{}, err
		}
		return entities.Claim{}, domainerrors.ErrClaimResolved
	}
	return r.GetClaim(ctx, claimID)
}

func (r *Repository) ListVotes(ctx context.Context, claimID uint64) ([]entities.Vote, error) {
	var rows []voteModel
	if err := r.db.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("cast_at ASC, verifier ASC").
		Find(&rows).
		Error; err != nil {
		return nil, err
	}
	items := make([]entities.Vote, 0, len(rows))
	for _, row := range rows {
		items = append(items, entities.Vote{
			ClaimID:  row.ClaimID,
			Verifier: entities.Account(row.Verifier),
			Approved: row.Approved,
			Weight:   row.Weight,
			CastAt:   row.CastAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]entities.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []claimModel
	if err := r.db.WithContext(ctx).
		Where("resolved = ? AND voting_deadline < ?", false, now.UTC()).
		Order("claim_id ASC").
		Limit(limit).
		Find(&rows).
		Error; err != nil {
		return nil, err
	}
	items := make([]entities.Claim, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) GetRecord(ctx context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	var row idempotencyModel
	err := r.db.WithContext(ctx).
		Where("key = ?", strings.TrimSpace(key)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.IdempotencyRecord{}, false, nil
		}
		return ports.IdempotencyRecord{}, false, err
	}
	if !row.ExpiresAt.IsZero() && now.UTC().After(row.ExpiresAt.UTC()) {
		if err := r.db.WithContext(ctx).
			Where("key = ?", strings.TrimSpace(key)).
			Delete(&idempotencyModel{}).
			Error; err != nil {
			return ports.IdempotencyRecord{}, false, err
		}
		return ports.IdempotencyRecord{}, false, nil
	}
	return ports.IdempotencyRecord{
		Key:         row.Key,
		RequestHash: row.RequestHash,
		ClaimID:     row.ClaimID,
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, true, nil
}

func (r *Repository) PutRecord(ctx context.Context, record ports.IdempotencyRecord) error {
	row := idempotencyModel{
		Key:         strings.TrimSpace(record.Key),
		RequestHash: record.RequestHash,
		ClaimID:     record.ClaimID,
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	createResult := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(&row)
	if createResult.Error != nil {
		return createResult.Error
	}
	if createResult.RowsAffected > 0 {
		return nil
	}
	var existing idempotencyModel
	if err := r.db.WithContext(ctx).Where("key = ?", row.Key).First(&existing).Error; err != nil {
		return err
	}
	if existing.RequestHash != row.RequestHash || existing.ClaimID != row.ClaimID {
		return domainerrors.ErrIdempotencyConflict
	}
	return nil
}

func (r *Repository) AppendOutbox(ctx context.Context, envelope ports.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	row := outboxModel{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		Status:       outboxStatusPending,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if row.OutboxID == "" {
		row.OutboxID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	createResult := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "outbox_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if createResult.Error != nil {
		return createResult.Error
	}
	if createResult.RowsAffected > 0 {
		return nil
	}
	var existing outboxModel
	if err := r.db.WithContext(ctx).
		Select("payload").
		Where("outbox_id = ?", row.OutboxID).
		First(&existing).
		Error; err != nil {
		return err
	}
	if !bytes.Equal(existing.Payload, row.Payload) {
		return domainerrors.ErrIdempotencyConflict
	}
	return nil
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).
		Error; err != nil {
		return nil, err
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrInvalidInput
	}
	return nil
}

func (r *Repository) logError(message string, err error, attrs ...any) {
	fields := []any{
		"event", "claim_postgres_error",
		"module", "dispute-resolution/claim-arbitration",
		"layer", "adapter",
		"error", err.Error(),
	}
	r.logger.Error(message, append(fields, attrs...)...)
}

type verifierModel struct {
	Account           string          `gorm:"column:account;primaryKey"`
	Active            bool            `gorm:"column:active"`
	Stake             decimal.Decimal `gorm:"column:stake;type:numeric(78,0)"`
	Reputation        uint32          `gorm:"column:reputation"`
	TotalVotesCast    uint64          `gorm:"column:total_votes_cast"`
	CorrectVotesCount uint64          `gorm:"column:correct_votes_count"`
	StakedAt          time.Time       `gorm:"column:staked_at"`
	UnstakedAt        *time.Time      `gorm:"column:unstaked_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

func (verifierModel) TableName() string {
	return "verifiers"
}

func (m verifierModel) toEntity() entities.Verifier {
	return entities.Verifier{
		Account:           entities.Account(m.Account),
		Active:            m.Active,
		Stake:             m.Stake,
		Reputation:        m.Reputation,
		TotalVotesCast:    m.TotalVotesCast,
		CorrectVotesCount: m.CorrectVotesCount,
		StakedAt:          m.StakedAt.UTC(),
		UnstakedAt:        normalizeOptionalTime(m.UnstakedAt),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}

type claimModel struct {
	ClaimID         uint64     `gorm:"column:claim_id;primaryKey;autoIncrement:false"`
	EstateID        uint64     `gorm:"column:estate_id;index"`
	Claimant        string     `gorm:"column:claimant"`
	Reason          string     `gorm:"column:reason"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	VotingDeadline  time.Time  `gorm:"column:voting_deadline;index"`
	ApprovalWeight  uint64     `gorm:"column:approval_weight"`
	RejectionWeight uint64     `gorm:"column:rejection_weight"`
	VoteCount       uint32     `gorm:"column:vote_count"`
	Resolved        bool       `gorm:"column:resolved"`
	Approved        bool       `gorm:"column:approved"`
	ResolutionPath  string     `gorm:"column:resolution_path"`
	ResolvedAt      *time.Time `gorm:"column:resolved_at"`
}

func (claimModel) TableName() string {
	return "claims"
}

func claimModelFromEntity(item entities.Claim) claimModel {
	return claimModel{
		ClaimID:         item.ClaimID,
		EstateID:        item.EstateID,
		Claimant:        string(item.Claimant.Normalize()),
		Reason:          item.Reason,
		CreatedAt:       item.CreatedAt.UTC(),
		VotingDeadline:  item.VotingDeadline.UTC(),
		ApprovalWeight:  item.ApprovalWeight,
		RejectionWeight: item.RejectionWeight,
		VoteCount:       item.VoteCount,
		Resolved:        item.Resolved,
		Approved:        item.Approved,
		ResolutionPath:  string(item.ResolutionPath),
		ResolvedAt:      normalizeOptionalTime(item.ResolvedAt),
	}
}

func (m claimModel) toEntity() entities.Claim {
	return entities.Claim{
		ClaimID:         m.ClaimID,
		EstateID:        m.EstateID,
		Claimant:        entities.Account(m.Claimant),
		Reason:          m.Reason,
		CreatedAt:       m.CreatedAt.UTC(),
		VotingDeadline:  m.VotingDeadline.UTC(),
		ApprovalWeight:  m.ApprovalWeight,
		RejectionWeight: m.RejectionWeight,
		VoteCount:       m.VoteCount,
		Resolved:        m.Resolved,
		Approved:        m.Approved,
		ResolutionPath:  entities.ResolutionPath(m.ResolutionPath),
		ResolvedAt:      normalizeOptionalTime(m.ResolvedAt),
	}
}

type voteModel struct {
	ClaimID  uint64    `gorm:"column:claim_id;primaryKey;autoIncrement:false"`
	Verifier string    `gorm:"column:verifier;primaryKey"`
	Approved bool      `gorm:"column:approved"`
	Weight   uint32    `gorm:"column:weight"`
	CastAt   time.Time `gorm:"column:cast_at"`
}

func (voteModel) TableName() string {
	return "claim_votes"
}

type idempotencyModel struct {
	Key         string    `gorm:"column:key;primaryKey"`
	RequestHash string    `gorm:"column:request_hash"`
	ClaimID     uint64    `gorm:"column:claim_id"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string {
	return "claim_idempotency"
}

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      []byte     `gorm:"column:payload"`
	Status       string     `gorm:"column:status;index"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "claim_outbox"
}

func normalizeOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ ports.VerifierRepository = (*Repository)(nil)
	_ ports.ClaimRepository    = (*Repository)(nil)
	_ ports.IdempotencyStore   = (*Repository)(nil)
	_ ports.OutboxWriter       = (*Repository)(nil)
	_ ports.OutboxRepository   = (*Repository)(nil)
)
