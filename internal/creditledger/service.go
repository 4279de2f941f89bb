package creditledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
)

// Service defines operations that record and verify ledger entries.
type Service interface {
	WithTx(tx *gorm.DB) Service
	RecordDebit(ctx context.Context, input RecordDebitInput) (*models.LedgerEntry, error)
	FindByReference(ctx context.Context, referenceID string) (*models.LedgerEntry, error)
	VerifyUserChain(ctx context.Context, userID uuid.UUID, openingBalance int64) error
}

// RecordDebitInput captures the immutable data a settlement debit requires.
// Amount is the signed delta applied to the balance, so debits are negative.
type RecordDebitInput struct {
	UserID       uuid.UUID
	Amount       int64
	ReferenceID  string
	BalanceAfter int64
	Description  string
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) RecordDebit(ctx context.Context, input RecordDebitInput) (*models.LedgerEntry, error) {
	if input.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if input.Amount >= 0 {
		return nil, fmt.Errorf("debit amount must be negative, got %d", input.Amount)
	}
	if input.ReferenceID == "" {
		return nil, fmt.Errorf("reference id is required")
	}
	if input.BalanceAfter < 0 {
		return nil, fmt.Errorf("balance after debit cannot be negative, got %d", input.BalanceAfter)
	}

	entry := &models.LedgerEntry{
		UserID:          input.UserID,
		Amount:          input.Amount,
		TransactionType: enums.LedgerTransactionTypeSettlementDebit,
		Description:     input.Description,
		ReferenceID:     input.ReferenceID,
		BalanceAfter:    input.BalanceAfter,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FindByReference returns the entry recorded under the given reference id, or
// nil when the reference was never debited.
func (s *service) FindByReference(ctx context.Context, referenceID string) (*models.LedgerEntry, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("reference id is required")
	}
	return s.repo.FindByReference(ctx, referenceID)
}

// VerifyUserChain walks a user's entries oldest-first and checks that each
// balance_after equals the previous balance plus the signed amount, starting
// from the supplied opening balance. All violations are aggregated rather
// than stopping at the first.
func (s *service) VerifyUserChain(ctx context.Context, userID uuid.UUID, openingBalance int64) error {
	if userID == uuid.Nil {
		return fmt.Errorf("user id is required")
	}

	entries, err := s.repo.ListByUserAsc(ctx, userID)
	if err != nil {
		return err
	}

	var violations error
	previous := openingBalance
	for i, entry := range entries {
		expected := previous + entry.Amount
		if entry.BalanceAfter != expected {
			violations = multierr.Append(violations, fmt.Errorf(
				"entry %d (reference %s): balance_after %d, expected %d",
				i, entry.ReferenceID, entry.BalanceAfter, expected,
			))
		}
		if entry.BalanceAfter < 0 {
			violations = multierr.Append(violations, fmt.Errorf(
				"entry %d (reference %s): negative balance_after %d",
				i, entry.ReferenceID, entry.BalanceAfter,
			))
		}
		previous = entry.BalanceAfter
	}
	return violations
}
