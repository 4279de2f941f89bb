package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nilaworks/rewards-backend/api/responses"
	"github.com/nilaworks/rewards-backend/internal/balances"
	"github.com/nilaworks/rewards-backend/internal/creditledger"
	"github.com/nilaworks/rewards-backend/pkg/db/models"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/logger"
)

type balanceResponse struct {
	UserID        string    `json:"userId"`
	CreditBalance int64     `json:"creditBalance"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type ledgerEntryResponse struct {
	UserID          string    `json:"userId"`
	Amount          int64     `json:"amount"`
	TransactionType string    `json:"transactionType"`
	Description     string    `json:"description,omitempty"`
	ReferenceID     string    `json:"referenceId"`
	BalanceAfter    int64     `json:"balanceAfter"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toLedgerEntryResponse(entry *models.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		UserID:          entry.UserID.String(),
		Amount:          entry.Amount,
		TransactionType: string(entry.TransactionType),
		Description:     entry.Description,
		ReferenceID:     entry.ReferenceID,
		BalanceAfter:    entry.BalanceAfter,
		CreatedAt:       entry.CreatedAt,
	}
}

func userIDParam(r *http.Request) (uuid.UUID, error) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id").
			WithDetails(map[string]string{"userId": "must be a valid uuid"})
	}
	return userID, nil
}

func GetUserBalance(repo balances.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		balance, err := repo.Get(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, balanceResponse{
			UserID:        balance.UserID.String(),
			CreditBalance: balance.CreditBalance,
			UpdatedAt:     balance.UpdatedAt,
		})
	}
}

func ListUserLedger(repo creditledger.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entries, next, err := repo.ListByUser(ctx, userID, paginationFromQuery(r))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "listing ledger entries"))
			return
		}

		items := make([]ledgerEntryResponse, 0, len(entries))
		for i := range entries {
			items = append(items, toLedgerEntryResponse(&entries[i]))
		}
		responses.WriteSuccess(w, map[string]any{
			"items":      items,
			"nextCursor": next,
		})
	}
}

// VerifyUserLedger replays a user's ledger chain against their current
// balance. The opening balance is derived by subtracting the chain's total
// delta from the live balance, so a drifted balance also surfaces here.
func VerifyUserLedger(balanceRepo balances.Repository, ledgerSvc creditledger.Service, ledgerRepo creditledger.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := userIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		balance, err := balanceRepo.Get(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entries, err := ledgerRepo.ListByUserAsc(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "reading ledger chain"))
			return
		}

		var delta int64
		for _, entry := range entries {
			delta += entry.Amount
		}
		opening := balance.CreditBalance - delta

		payload := map[string]any{
			"userId":         userID.String(),
			"entries":        len(entries),
			"openingBalance": opening,
			"consistent":     true,
		}
		if err := ledgerSvc.VerifyUserChain(ctx, userID, opening); err != nil {
			payload["consistent"] = false
			payload["violations"] = err.Error()
		}
		responses.WriteSuccess(w, payload)
	}
}
