package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/enums"
)

// NilaTransfer records one confirmed off-platform reward transfer. The unique
// index on SettlementID enforces the 1:1 mapping with a processed settlement.
// The engine does not execute the on-chain movement; TransactionHash is
// operator-supplied or reconciled later.
type NilaTransfer struct {
	ID              uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	UserID          uuid.UUID            `gorm:"column:user_id;type:uuid;not null;index"`
	SettlementID    string               `gorm:"column:settlement_id;not null;uniqueIndex"`
	NilaAmount      decimal.Decimal      `gorm:"column:nila_amount;type:numeric(24,8);not null"`
	Network         enums.Network        `gorm:"column:network;not null"`
	WalletAddress   string               `gorm:"column:wallet_address;not null"`
	TransactionHash *string              `gorm:"column:transaction_hash"`
	Status          enums.TransferStatus `gorm:"column:status;not null;default:'pending'"`
	TransferType    enums.TransferType   `gorm:"column:transfer_type;not null"`
	Notes           *string              `gorm:"column:notes"`
	CreatedAt       time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (t *NilaTransfer) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
