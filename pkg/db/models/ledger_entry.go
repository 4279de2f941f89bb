package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/enums"
)

// LedgerEntry is an immutable record of a balance-affecting event. Amount is
// signed (negative for settlement debits) and BalanceAfter snapshots the
// balance the committed debit produced, so per-user entries form a chain:
// balance_after(n) = balance_after(n-1) + amount(n).
type LedgerEntry struct {
	ID              uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	UserID          uuid.UUID                   `gorm:"column:user_id;type:uuid;not null;index"`
	Amount          int64                       `gorm:"column:amount;not null"`
	TransactionType enums.LedgerTransactionType `gorm:"column:transaction_type;not null"`
	Description     string                      `gorm:"column:description"`
	ReferenceID     string                      `gorm:"column:reference_id;not null;uniqueIndex"`
	BalanceAfter    int64                       `gorm:"column:balance_after;not null"`
	CreatedAt       time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

// TableName overrides the default pluralization.
func (LedgerEntry) TableName() string {
	return "credit_ledger"
}

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
