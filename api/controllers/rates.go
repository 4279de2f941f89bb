package controllers

import (
	"net/http"

	"github.com/nilaworks/rewards-backend/api/responses"
	"github.com/nilaworks/rewards-backend/internal/pricing"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/logger"
)

func GetNilaRate(oracle pricing.Oracle, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rate, err := oracle.CurrentRate(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetching nila rate"))
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"nila":      rate.Nila.String(),
			"fallback":  rate.Fallback,
			"fetchedAt": rate.FetchedAt,
		})
	}
}
