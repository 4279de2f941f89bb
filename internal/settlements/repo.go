package settlements

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/pagination"
)

// Repository manages persistence for settlement records and their step cursor.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, settlement *models.Settlement) error
	FindBySettlementID(ctx context.Context, settlementID string) (*models.Settlement, error)
	List(ctx context.Context, params pagination.Params) ([]models.Settlement, string, error)
	ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]models.Settlement, error)
	MarkStep(ctx context.Context, settlementID string, step enums.SettlementStep) error
	MarkProcessed(ctx context.Context, settlementID string) error
	MarkFailed(ctx context.Context, settlementID string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a settlement repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, settlement *models.Settlement) error {
	return r.db.WithContext(ctx).Create(settlement).Error
}

func (r *repository) FindBySettlementID(ctx context.Context, settlementID string) (*models.Settlement, error) {
	var settlement models.Settlement
	err := r.db.WithContext(ctx).First(&settlement, "settlement_id = ?", settlementID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "settlement not found")
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (r *repository) List(ctx context.Context, params pagination.Params) ([]models.Settlement, string, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit))
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var records []models.Settlement
	if err := query.Find(&records).Error; err != nil {
		return nil, "", err
	}

	limit := pagination.NormalizeLimit(params.Limit)
	next := ""
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return records, next, nil
}

// ListUnresolved returns settlements that never reached the processed status
// and have been sitting long enough to be worth reconciling.
func (r *repository) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]models.Settlement, error) {
	var records []models.Settlement
	if err := r.db.WithContext(ctx).
		Where("status <> ? AND created_at < ?", enums.SettlementStatusProcessed, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repository) MarkStep(ctx context.Context, settlementID string, step enums.SettlementStep) error {
	return r.update(ctx, settlementID, map[string]any{"step": step})
}

func (r *repository) MarkProcessed(ctx context.Context, settlementID string) error {
	return r.update(ctx, settlementID, map[string]any{
		"status": enums.SettlementStatusProcessed,
		"step":   enums.SettlementStepCompleted,
	})
}

func (r *repository) MarkFailed(ctx context.Context, settlementID string) error {
	// The step cursor is left where the workflow stopped so the settlement
	// can be re-driven from there.
	return r.update(ctx, settlementID, map[string]any{"status": enums.SettlementStatusFailed})
}

func (r *repository) update(ctx context.Context, settlementID string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Settlement{}).
		Where("settlement_id = ?", settlementID).
		UpdateColumns(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "settlement not found")
	}
	return nil
}
