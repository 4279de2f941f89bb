package transfers

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
)

// Repository manages persistence for NILA reward transfers.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, transfer *models.NilaTransfer) error
	FindBySettlementID(ctx context.Context, settlementID string) (*models.NilaTransfer, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a transfer repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, transfer *models.NilaTransfer) error {
	return r.db.WithContext(ctx).Create(transfer).Error
}

func (r *repository) FindBySettlementID(ctx context.Context, settlementID string) (*models.NilaTransfer, error) {
	var transfer models.NilaTransfer
	err := r.db.WithContext(ctx).First(&transfer, "settlement_id = ?", settlementID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}
