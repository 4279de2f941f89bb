package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nilaworks/rewards-backend/api/controllers"
	"github.com/nilaworks/rewards-backend/api/middleware"
	"github.com/nilaworks/rewards-backend/internal/balances"
	"github.com/nilaworks/rewards-backend/internal/creditledger"
	"github.com/nilaworks/rewards-backend/internal/pricing"
	"github.com/nilaworks/rewards-backend/internal/settlements"
	"github.com/nilaworks/rewards-backend/pkg/config"
	"github.com/nilaworks/rewards-backend/pkg/db"
	"github.com/nilaworks/rewards-backend/pkg/logger"
	pkgredis "github.com/nilaworks/rewards-backend/pkg/redis"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	DBPinger   db.Pinger
	Redis      *pkgredis.Client
	Settlement settlements.Service
	Reconciler *settlements.Reconciler
	Balances   balances.Repository
	LedgerRepo creditledger.Repository
	LedgerSvc  creditledger.Service
	Oracle     pricing.Oracle
	Registry   *prometheus.Registry
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.Recoverer(deps.Logger),
		middleware.RequestID(deps.Logger),
		middleware.Logging(deps.Logger),
		middleware.CORS(),
	)

	var idempotencyStore pkgredis.IdempotencyStore
	if deps.Redis != nil {
		idempotencyStore = deps.Redis
	}
	r.Use(middleware.Idempotency(idempotencyStore, deps.Logger))

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(deps.Config))
		r.Get("/ready", controllers.HealthReady(deps.Config, deps.Logger, deps.DBPinger, deps.Redis))
	})

	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/settlements", func(r chi.Router) {
			r.Post("/", controllers.CreateSettlement(deps.Settlement, deps.Logger))
			r.Get("/", controllers.ListSettlements(deps.Settlement, deps.Logger))
			r.Get("/{settlementID}", controllers.GetSettlement(deps.Settlement, deps.Logger))
			r.Post("/{settlementID}/resume", controllers.ResumeSettlement(deps.Settlement, deps.Logger))
		})

		r.Post("/reconciliation/run", controllers.RunReconciliation(deps.Reconciler, deps.Logger))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/balance", controllers.GetUserBalance(deps.Balances, deps.Logger))
			r.Get("/ledger", controllers.ListUserLedger(deps.LedgerRepo, deps.Logger))
			r.Get("/ledger/verify", controllers.VerifyUserLedger(deps.Balances, deps.LedgerSvc, deps.LedgerRepo, deps.Logger))
		})

		r.Get("/rates/nila", controllers.GetNilaRate(deps.Oracle, deps.Logger))
	})

	return r
}
