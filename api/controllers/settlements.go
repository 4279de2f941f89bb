package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nilaworks/rewards-backend/api/responses"
	"github.com/nilaworks/rewards-backend/api/validators"
	"github.com/nilaworks/rewards-backend/internal/settlements"
	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/logger"
	"github.com/nilaworks/rewards-backend/pkg/pagination"
)

type createSettlementRequest struct {
	UserID          string  `json:"userId" validate:"required,uuid"`
	SettlementID    string  `json:"settlementId" validate:"omitempty,max=128"`
	CreditsUsed     int64   `json:"creditsUsed" validate:"required,gt=0"`
	RewardAmount    string  `json:"rewardAmount" validate:"required"`
	Network         string  `json:"network" validate:"required,oneof=ethereum polygon arbitrum bsc avalanche"`
	WalletAddress   string  `json:"walletAddress" validate:"required,max=256"`
	TransactionHash *string `json:"transactionHash" validate:"omitempty,max=256"`
	Notes           *string `json:"notes" validate:"omitempty,max=1024"`
}

type settlementResponse struct {
	SettlementID    string    `json:"settlementId"`
	UserID          string    `json:"userId"`
	CreditsUsed     int64     `json:"creditsUsed"`
	RewardAmount    string    `json:"rewardAmount"`
	Network         string    `json:"network"`
	WalletAddress   string    `json:"walletAddress"`
	TransactionHash *string   `json:"transactionHash,omitempty"`
	Status          string    `json:"status"`
	Step            string    `json:"step"`
	Notes           *string   `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toSettlementResponse(settlement *models.Settlement) settlementResponse {
	return settlementResponse{
		SettlementID:    settlement.SettlementID,
		UserID:          settlement.UserID.String(),
		CreditsUsed:     settlement.CreditsUsed,
		RewardAmount:    settlement.RewardAmount.String(),
		Network:         string(settlement.Network),
		WalletAddress:   settlement.WalletAddress,
		TransactionHash: settlement.TransactionHash,
		Status:          string(settlement.Status),
		Step:            string(settlement.Step),
		Notes:           settlement.Notes,
		CreatedAt:       settlement.CreatedAt,
		UpdatedAt:       settlement.UpdatedAt,
	}
}

func CreateSettlement(svc settlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req createSettlementRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id").
				WithDetails(map[string]string{"userId": "must be a valid uuid"}))
			return
		}
		rewardAmount, err := decimal.NewFromString(req.RewardAmount)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid reward amount").
				WithDetails(map[string]string{"rewardAmount": "must be a decimal number"}))
			return
		}
		network, err := enums.ParseNetwork(req.Network)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid network"))
			return
		}

		settlement, err := svc.RecordSettlement(ctx, settlements.RecordSettlementInput{
			UserID:          userID,
			SettlementID:    req.SettlementID,
			CreditsUsed:     req.CreditsUsed,
			RewardAmount:    rewardAmount,
			Network:         network,
			WalletAddress:   req.WalletAddress,
			TransactionHash: req.TransactionHash,
			Notes:           req.Notes,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, toSettlementResponse(settlement))
	}
}

func ResumeSettlement(svc settlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		settlement, err := svc.Resume(ctx, chi.URLParam(r, "settlementID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSettlementResponse(settlement))
	}
}

func GetSettlement(svc settlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		settlement, err := svc.Get(ctx, chi.URLParam(r, "settlementID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSettlementResponse(settlement))
	}
}

func ListSettlements(svc settlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		records, next, err := svc.List(ctx, paginationFromQuery(r))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "listing settlements"))
			return
		}

		items := make([]settlementResponse, 0, len(records))
		for i := range records {
			items = append(items, toSettlementResponse(&records[i]))
		}
		responses.WriteSuccess(w, map[string]any{
			"items":      items,
			"nextCursor": next,
		})
	}
}

func RunReconciliation(rec *settlements.Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		report, err := rec.Scan(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

func paginationFromQuery(r *http.Request) pagination.Params {
	params := pagination.Params{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			params.Limit = limit
		}
	}
	return params
}
