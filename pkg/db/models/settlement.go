package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/enums"
)

// Settlement records one credit-to-reward settlement attempt. SettlementID is
// the idempotency key: the unique index guarantees two attempts with the same
// id can never both create a row, and the persisted Step cursor lets an
// unresolved attempt be re-driven safely.
type Settlement struct {
	ID              uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	SettlementID    string                 `gorm:"column:settlement_id;not null;uniqueIndex"`
	UserID          uuid.UUID              `gorm:"column:user_id;type:uuid;not null;index"`
	CreditsUsed     int64                  `gorm:"column:credits_used;not null"`
	RewardAmount    decimal.Decimal        `gorm:"column:reward_amount;type:numeric(24,8);not null"`
	Network         enums.Network          `gorm:"column:network;not null"`
	WalletAddress   string                 `gorm:"column:wallet_address;not null"`
	TransactionHash *string                `gorm:"column:transaction_hash"`
	Status          enums.SettlementStatus `gorm:"column:status;not null;default:'pending';index"`
	Step            enums.SettlementStep   `gorm:"column:step;not null;default:'reserved'"`
	Notes           *string                `gorm:"column:notes"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Settlement) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
