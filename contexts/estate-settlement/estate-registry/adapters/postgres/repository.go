package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
	"heirloom/contexts/estate-settlement/estate-registry/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"

	estateIDSequence = "estate_id_seq"
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

// AutoMigrate creates the estate tables and the estate id sequence.
func AutoMigrate(db *gorm.DB) error {
	if err := db.Exec("CREATE SEQUENCE IF NOT EXISTS " + estateIDSequence).Error; err != nil {
		return err
	}
	return db.AutoMigrate(
		&estateModel{},
		&allocationModel{},
		&guardianModel{},
		&guardianApprovalModel{},
		&idempotencyModel{},
		&outboxModel{},
		&eventDedupModel{},
	)
}

func (r *Repository) NextEstateID(ctx context.Context) (uint64, error) {
	var id int64
	if err := r.db.WithContext(ctx).Raw("SELECT nextval(?)", estateIDSequence).Scan(&id).Error; err != nil {
		r.logError("estate id allocation failed", err)
		return 0, err
	}
	return uint64(id), nil
}

func (r *Repository) CreateEstate(ctx context.Context, estate entities.Estate) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := estateModelFromEntity(estate)
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrConflict
			}
			return err
		}
		if err := insertAllocationsTx(tx, estate.EstateID, estate.Allocations); err != nil {
			return err
		}
		if len(estate.Guardians) == 0 {
			return nil
		}
		guardians := make([]guardianModel, 0, len(estate.Guardians))
		for index, guardian := range estate.Guardians {
			guardians = append(guardians, guardianModel{
				EstateID: estate.EstateID,
				Guardian: string(guardian.Normalize()),
				Position: index,
			})
		}
		return tx.Create(&guardians).Error
	})
}

func (r *Repository) GetEstate(ctx context.Context, estateID uint64) (entities.Estate, error) {
	return loadEstateTx(r.db.WithContext(ctx), estateID)
}

func (r *Repository) ListEstatesByOwner(ctx context.Context, owner entities.Account) ([]entities.Estate, error) {
	var ids []uint64
	if err := r.db.WithContext(ctx).
		Model(&estateModel{}).
		Where("owner = ?", string(owner.Normalize())).
		Order("estate_id ASC").
		Pluck("estate_id", &ids).
		Error; err != nil {
		return nil, err
	}

	items := make([]entities.Estate, 0, len(ids))
	for _, id := range ids {
		item, err := loadEstateTx(r.db.WithContext(ctx), id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Repository) ReplaceAllocations(
	ctx context.Context,
	estateID uint64,
	allocations []entities.Allocation,
	updatedAt time.Time,
) (entities.Estate, error) {
	var updated entities.Estate
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&estateModel{}).
			Where("estate_id = ? AND active = ? AND executed_at IS NULL", estateID, true).
			Update("updated_at", updatedAt.UTC())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return classifyStaleTx(tx, estateID)
		}
		if err := tx.Where("estate_id = ?", estateID).Delete(&allocationModel{}).Error; err != nil {
			return err
		}
		if err := insertAllocationsTx(tx, estateID, allocations); err != nil {
			return err
		}
		loaded, err := loadEstateTx(tx, estateID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return entities.Estate{}, err
	}
	return updated, nil
}

func (r *Repository) MarkRevoked(ctx context.Context, estateID uint64, revokedAt time.Time) (entities.Estate, bool, error) {
	at := revokedAt.UTC()
	var (
		updated entities.Estate
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&estateModel{}).
			Where("estate_id = ? AND active = ? AND executed_at IS NULL", estateID, true).
			Updates(map[string]any{
				"active":     false,
				"revoked_at": at,
				"updated_at": at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			err := classifyStaleTx(tx, estateID)
			if !errors.Is(err, domainerrors.ErrEstateInactive) {
				return err
			}
		} else {
			changed = true
		}
		loaded, err := loadEstateTx(tx, estateID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return entities.Estate{}, false, err
	}
	return updated, changed, nil
}

func (r *Repository) MarkExecuted(ctx context.Context, estateID uint64, executedAt time.Time) (entities.Estate, error) {
	at := executedAt.UTC()
	var updated entities.Estate
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&estateModel{}).
			Where("estate_id = ? AND active = ? AND executed_at IS NULL", estateID, true).
			Updates(map[string]any{
				"active":      false,
				"executed_at": at,
				"updated_at":  at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return classifyStaleTx(tx, estateID)
		}
		loaded, err := loadEstateTx(tx, estateID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return entities.Estate{}, err
	}
	return updated, nil
}

func (r *Repository) AddGuardianApproval(ctx context.Context, approval entities.GuardianApproval) (uint32, error) {
	var count int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := guardianApprovalModel{
			EstateID:   approval.EstateID,
			Guardian:   string(approval.Guardian.Normalize()),
			ApprovedAt: approval.ApprovedAt.UTC(),
		}
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "estate_id"},
				{Name: "guardian"},
			},
			DoNothing: true,
		}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if err := tx.Model(&guardianApprovalModel{}).
			Where("estate_id = ?", approval.EstateID).
			Count(&count).
			Error; err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return domainerrors.ErrAlreadyApproved
		}
		return nil
	})
	return uint32(count), err
}

func (r *Repository) CountGuardianApprovals(ctx context.Context, estateID uint64) (uint32, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&guardianApprovalModel{}).
		Where("estate_id = ?", estateID).
		Count(&count).
		Error; err != nil {
		return 0, err
	}
	return uint32(count), nil
}

func (r *Repository) ListGuardianApprovals(ctx context.Context, estateID uint64) ([]entities.GuardianApproval, error) {
	var rows []guardianApprovalModel
	if err := r.db.WithContext(ctx).
		Where("estate_id = ?", estateID).
		Order("approved_at ASC, guardian ASC").
		Find(&rows).
		Error; err != nil {
		return nil, err
	}
	items := make([]entities.GuardianApproval, 0, len(rows))
	for _, row := range rows {
		items = append(items, entities.GuardianApproval{
			EstateID:   row.EstateID,
			Guardian:   entities.Account(row.Guardian),
			ApprovedAt: row.ApprovedAt.UTC(),
		})
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
		EstateID:    row.EstateID,
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, true, nil
}

func (r *Repository) PutRecord(ctx context.Context, record ports.IdempotencyRecord) error {
	row := idempotencyModel{
		Key:         strings.TrimSpace(record.Key),
		RequestHash: record.RequestHash,
		EstateID:    record.EstateID,
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
	if err := r.db.WithContext(ctx).
		Where("key = ?", row.Key).
		First(&existing).
		Error; err != nil {
		return err
	}
	if existing.RequestHash != row.RequestHash || existing.EstateID != row.EstateID {
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

func (r *Repository) ReserveEvent(
	ctx context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	row := eventDedupModel{
		EventID:     strings.TrimSpace(eventID),
		PayloadHash: strings.TrimSpace(payloadHash),
		ExpiresAt:   expiresAt.UTC(),
		ProcessedAt: time.Now().UTC(),
	}

	createResult := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if createResult.Error != nil {
		return false, createResult.Error
	}
	if createResult.RowsAffected > 0 {
		return false, nil
	}

	var existing eventDedupModel
	if err := r.db.WithContext(ctx).
		Select("payload_hash").
		Where("event_id = ?", row.EventID).
		First(&existing).
		Error; err != nil {
		return false, err
	}
	if existing.PayloadHash != row.PayloadHash {
		return false, domainerrors.ErrIdempotencyConflict
	}
	return true, nil
}

func (r *Repository) ReleaseEvent(ctx context.Context, eventID string) error {
	err := r.db.WithContext(ctx).
		Where("event_id = ?", strings.TrimSpace(eventID)).
		Delete(&eventDedupModel{}).
		Error
	if err != nil {
		r.logError("release event dedup failed", err)
	}
	return err
}

func (r *Repository) logError(message string, err error) {
	r.logger.Error(message,
		"event", "estate_postgres_error",
		"module", "estate-settlement/estate-registry",
		"layer", "adapter",
		"error", err.Error(),
	)
}

// classifyStaleTx explains why a compare-and-set update matched no row.
func classifyStaleTx(tx *gorm.DB, estateID uint64) error {
	var row estateModel
	if err := tx.Where("estate_id = ?", estateID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domainerrors.ErrEstateNotFound
		}
		return err
	}
	if row.ExecutedAt != nil {
		return domainerrors.ErrAlreadyExecuted
	}
	if !row.Active {
		return domainerrors.ErrEstateInactive
	}
	return domainerrors.ErrConflict
}

func loadEstateTx(tx *gorm.DB, estateID uint64) (entities.Estate, error) {
	var row estateModel
	if err := tx.Where("estate_id = ?", estateID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Estate{}, domainerrors.ErrEstateNotFound
		}
		return entities.Estate{}, err
	}
	var allocations []allocationModel
	if err := tx.Where("estate_id = ?", estateID).Order("position ASC").Find(&allocations).Error; err != nil {
		return entities.Estate{}, err
	}
	var guardians []guardianModel
	if err := tx.Where("estate_id = ?", estateID).Order("position ASC").Find(&guardians).Error; err != nil {
		return entities.Estate{}, err
	}
	return row.toEntity(allocations, guardians), nil
}

func insertAllocationsTx(tx *gorm.DB, estateID uint64, allocations []entities.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	rows := make([]allocationModel, 0, len(allocations))
	for index, allocation := range allocations {
		rows = append(rows, allocationModel{
			EstateID:   estateID,
			Position:   index,
			Recipient:  string(allocation.Recipient.Normalize()),
			ShareBps:   allocation.ShareBps,
			NFTOnly:    allocation.NFTOnly,
			AssetScope: string(allocation.AssetScope),
			IsCharity:  allocation.IsCharity,
		})
	}
	return tx.Create(&rows).Error
}

type estateModel struct {
	EstateID                    uint64     `gorm:"column:estate_id;primaryKey;autoIncrement:false"`
	Owner                       string     `gorm:"column:owner;index"`
	MetadataRef                 string     `gorm:"column:metadata_ref"`
	GuardianThreshold           uint32     `gorm:"column:guardian_threshold"`
	RequiresGuardianAttestation bool       `gorm:"column:requires_guardian_attestation"`
	Active                      bool       `gorm:"column:active"`
	CreatedAt                   time.Time  `gorm:"column:created_at"`
	UpdatedAt                   time.Time  `gorm:"column:updated_at"`
	ExecutedAt                  *time.Time `gorm:"column:executed_at"`
	RevokedAt                   *time.Time `gorm:"column:revoked_at"`
}

func (estateModel) TableName() string {
	return "estates"
}

func estateModelFromEntity(item entities.Estate) estateModel {
	return estateModel{
		EstateID:                    item.EstateID,
		Owner:                       string(item.Owner.Normalize()),
		MetadataRef:                 strings.TrimSpace(item.MetadataRef),
		GuardianThreshold:           item.GuardianThreshold,
		RequiresGuardianAttestation: item.RequiresGuardianAttestation,
		Active:                      item.Active,
		CreatedAt:                   item.CreatedAt.UTC(),
		UpdatedAt:                   item.UpdatedAt.UTC(),
		ExecutedAt:                  normalizeOptionalTime(item.ExecutedAt),
		RevokedAt:                   normalizeOptionalTime(item.RevokedAt),
	}
}

func (m estateModel) toEntity(allocations []allocationModel, guardians []guardianModel) entities.Estate {
	estate := entities.Estate{
		EstateID:                    m.EstateID,
		Owner:                       entities.Account(m.Owner),
		MetadataRef:                 m.MetadataRef,
		Allocations:                 make([]entities.Allocation, 0, len(allocations)),
		Guardians:                   make([]entities.Account, 0, len(guardians)),
		GuardianThreshold:           m.GuardianThreshold,
		RequiresGuardianAttestation: m.RequiresGuardianAttestation,
		Active:                      m.Active,
		CreatedAt:                   m.CreatedAt.UTC(),
		UpdatedAt:                   m.UpdatedAt.UTC(),
		ExecutedAt:                  normalizeOptionalTime(m.ExecutedAt),
		RevokedAt:                   normalizeOptionalTime(m.RevokedAt),
	}
	for _, row := range allocations {
		estate.Allocations = append(estate.Allocations, entities.Allocation{
			Recipient:  entities.Account(row.Recipient),
			ShareBps:   row.ShareBps,
			NFTOnly:    row.NFTOnly,
			AssetScope: entities.AssetID(row.AssetScope),
			IsCharity:  row.IsCharity,
		})
	}
	for _, row := range guardians {
		estate.Guardians = append(estate.Guardians, entities.Account(row.Guardian))
	}
	return estate
}

type allocationModel struct {
	EstateID   uint64 `gorm:"column:estate_id;primaryKey;autoIncrement:false"`
	Position   int    `gorm:"column:position;primaryKey;autoIncrement:false"`
	Recipient  string `gorm:"column:recipient"`
	ShareBps   uint32 `gorm:"column:share_bps"`
	NFTOnly    bool   `gorm:"column:nft_only"`
	AssetScope string `gorm:"column:asset_scope"`
	IsCharity  bool   `gorm:"column:is_charity"`
}

func (allocationModel) TableName() string {
	return "estate_allocations"
}

type guardianModel struct {
	EstateID uint64 `gorm:"column:estate_id;primaryKey;autoIncrement:false"`
	Guardian string `gorm:"column:guardian;primaryKey"`
	Position int    `gorm:"column:position"`
}

func (guardianModel) TableName() string {
	return "estate_guardians"
}

type guardianApprovalModel struct {
	EstateID   uint64    `gorm:"column:estate_id;primaryKey;autoIncrement:false"`
	Guardian   string    `gorm:"column:guardian;primaryKey"`
	ApprovedAt time.Time `gorm:"column:approved_at"`
}

func (guardianApprovalModel) TableName() string {
	return "estate_guardian_approvals"
}

type idempotencyModel struct {
	Key         string    `gorm:"column:key;primaryKey"`
	RequestHash string    `gorm:"column:request_hash"`
	EstateID    uint64    `gorm:"column:estate_id"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string {
	return "estate_idempotency"
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
	return "estate_outbox"
}

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	PayloadHash string    `gorm:"column:payload_hash"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (eventDedupModel) TableName() string {
	return "estate_event_dedup"
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
	_ ports.EstateRepository           = (*Repository)(nil)
	_ ports.GuardianApprovalRepository = (*Repository)(nil)
	_ ports.IdempotencyStore           = (*Repository)(nil)
	_ ports.EventDedupStore            = (*Repository)(nil)
	_ ports.OutboxWriter               = (*Repository)(nil)
	_ ports.OutboxRepository           = (*Repository)(nil)
)
