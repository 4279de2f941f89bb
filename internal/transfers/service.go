package transfers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
)

// Service records confirmed reward transfers. The actual asset movement
// happens off-platform; this only persists that it occurred.
type Service interface {
	WithTx(tx *gorm.DB) Service
	RecordReward(ctx context.Context, input RecordRewardInput) (*models.NilaTransfer, error)
	FindBySettlementID(ctx context.Context, settlementID string) (*models.NilaTransfer, error)
}

// RecordRewardInput captures the data a settlement reward transfer requires.
type RecordRewardInput struct {
	UserID          uuid.UUID
	SettlementID    string
	NilaAmount      decimal.Decimal
	Network         enums.Network
	WalletAddress   string
	TransactionHash *string
	Notes           *string
}

type service struct {
	repo Repository
}

// NewService wires a transfer service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("transfer repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) RecordReward(ctx context.Context, input RecordRewardInput) (*models.NilaTransfer, error) {
	if input.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if input.SettlementID == "" {
		return nil, fmt.Errorf("settlement id is required")
	}
	if input.NilaAmount.IsNegative() {
		return nil, fmt.Errorf("nila amount cannot be negative, got %s", input.NilaAmount)
	}
	if !input.Network.IsValid() {
		return nil, fmt.Errorf("invalid network %q", input.Network)
	}
	if input.WalletAddress == "" {
		return nil, fmt.Errorf("wallet address is required")
	}

	transfer := &models.NilaTransfer{
		UserID:          input.UserID,
		SettlementID:    input.SettlementID,
		NilaAmount:      input.NilaAmount,
		Network:         input.Network,
		WalletAddress:   input.WalletAddress,
		TransactionHash: input.TransactionHash,
		Status:          enums.TransferStatusCompleted,
		TransferType:    enums.TransferTypeSettlementReward,
		Notes:           input.Notes,
	}

	if err := s.repo.Create(ctx, transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *service) FindBySettlementID(ctx context.Context, settlementID string) (*models.NilaTransfer, error) {
	if settlementID == "" {
		return nil, fmt.Errorf("settlement id is required")
	}
	return s.repo.FindBySettlementID(ctx, settlementID)
}
