package balances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
)

// ErrDebitConflict is returned when the conditional debit matched no row:
// the balance changed underneath the caller or is insufficient.
var ErrDebitConflict = errors.New("balance debit condition failed")

// Repository manages persistence for user credit balances.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Get(ctx context.Context, userID uuid.UUID) (*models.UserBalance, error)
	DebitIfSufficient(ctx context.Context, userID uuid.UUID, amount int64) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a balance repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Get(ctx context.Context, userID uuid.UUID) (*models.UserBalance, error) {
	var balance models.UserBalance
	err := r.db.WithContext(ctx).First(&balance, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user balance not found")
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// DebitIfSufficient applies an atomic decrement-if-sufficient against the
// stored balance and returns the balance the debit produced. Zero rows
// affected means the guard condition failed and ErrDebitConflict is returned;
// the stored balance can never go negative through this path. Callers run it
// inside the transaction that also appends the ledger entry so the pair
// commits together.
func (r *repository) DebitIfSufficient(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	res := r.db.WithContext(ctx).Model(&models.UserBalance{}).
		Where("user_id = ? AND credit_balance >= ?", userID, amount).
		UpdateColumns(map[string]any{
			"credit_balance": gorm.Expr("credit_balance - ?", amount),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrDebitConflict
	}

	var balance models.UserBalance
	if err := r.db.WithContext(ctx).First(&balance, "user_id = ?", userID).Error; err != nil {
		return 0, fmt.Errorf("reading balance after debit: %w", err)
	}
	return balance.CreditBalance, nil
}
