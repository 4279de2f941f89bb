package models

import (
	"time"

	"github.com/google/uuid"
)

// UserBalance is the authoritative credit balance for a user. It is mutated
// only through the conditional debit issued by the settlement orchestrator,
// so a committed row can never hold a negative balance.
type UserBalance struct {
	UserID        uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	CreditBalance int64     `gorm:"column:credit_balance;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the default pluralization.
func (UserBalance) TableName() string {
	return "user_balances"
}
