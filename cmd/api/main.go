package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nilaworks/rewards-backend/api/routes"
	"github.com/nilaworks/rewards-backend/internal/balances"
	"github.com/nilaworks/rewards-backend/internal/creditledger"
	"github.com/nilaworks/rewards-backend/internal/pricing"
	"github.com/nilaworks/rewards-backend/internal/settlements"
	"github.com/nilaworks/rewards-backend/internal/transfers"
	"github.com/nilaworks/rewards-backend/pkg/config"
	"github.com/nilaworks/rewards-backend/pkg/db"
	"github.com/nilaworks/rewards-backend/pkg/logger"
	"github.com/nilaworks/rewards-backend/pkg/metrics"
	"github.com/nilaworks/rewards-backend/pkg/migrate"
	"github.com/nilaworks/rewards-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	settlementMetrics := metrics.NewSettlementMetrics(registry)

	balanceRepo := balances.NewRepository(dbClient.DB())
	settlementRepo := settlements.NewRepository(dbClient.DB())

	ledgerSvc, err := creditledger.NewService(creditledger.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}
	transferSvc, err := transfers.NewService(transfers.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create transfer service", err)
		os.Exit(1)
	}

	settlementSvc, err := settlements.NewService(settlements.ServiceParams{
		Tx:        dbClient,
		Repo:      settlementRepo,
		Balances:  balanceRepo,
		Ledger:    ledgerSvc,
		Transfers: transferSvc,
		Config:    cfg.Settlement,
		Logger:    logg,
		Metrics:   settlementMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create settlement service", err)
		os.Exit(1)
	}

	reconciler, err := settlements.NewReconciler(settlements.ReconcilerParams{
		Repo:      settlementRepo,
		Ledger:    ledgerSvc,
		Transfers: transferSvc,
		Service:   settlementSvc,
		Config:    cfg.Settlement,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	oracle, err := pricing.NewOracle(cfg.Oracle, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create rate oracle", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config:     cfg,
			Logger:     logg,
			DBPinger:   dbClient,
			Redis:      redisClient,
			Settlement: settlementSvc,
			Reconciler: reconciler,
			Balances:   balanceRepo,
			LedgerRepo: creditledger.NewRepository(dbClient.DB()),
			LedgerSvc:  ledgerSvc,
			Oracle:     oracle,
			Registry:   registry,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
