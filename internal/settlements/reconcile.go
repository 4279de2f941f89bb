package settlements

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nilaworks/rewards-backend/internal/creditledger"
	"github.com/nilaworks/rewards-backend/internal/transfers"
	"github.com/nilaworks/rewards-backend/pkg/config"
	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/logger"
)

const reconcileConcurrency = 4

// Finding describes one unresolved settlement and what the reconciler did
// about it.
type Finding struct {
	SettlementID      string                 `json:"settlementId"`
	UserID            string                 `json:"userId"`
	Status            enums.SettlementStatus `json:"status"`
	Step              enums.SettlementStep   `json:"step"`
	DebitCommitted    bool                   `json:"debitCommitted"`
	TransferCommitted bool                   `json:"transferCommitted"`
	Action            string                 `json:"action"`
	Error             string                 `json:"error,omitempty"`
}

// Report summarizes one reconciliation sweep.
type Report struct {
	Scanned       int       `json:"scanned"`
	CleanFailures int       `json:"cleanFailures"`
	Resumed       int       `json:"resumed"`
	ResumeErrors  int       `json:"resumeErrors"`
	Findings      []Finding `json:"findings"`
}

// Reconciler sweeps settlements that never reached a terminal outcome and
// re-drives the ones whose downstream records prove the workflow can continue.
// Settlements with no committed side effects are reported only: nothing was
// debited, so there is nothing to repair.
type Reconciler struct {
	repo      Repository
	ledger    creditledger.Service
	transfers transfers.Service
	svc       Service
	cfg       config.SettlementConfig
	logg      *logger.Logger
}

// ReconcilerParams bundles the reconciler dependencies.
type ReconcilerParams struct {
	Repo      Repository
	Ledger    creditledger.Service
	Transfers transfers.Service
	Service   Service
	Config    config.SettlementConfig
	Logger    *logger.Logger
}

// NewReconciler builds a reconciliation sweeper.
func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("settlement repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Transfers == nil {
		return nil, fmt.Errorf("transfer service required")
	}
	if params.Service == nil {
		return nil, fmt.Errorf("settlement service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg := params.Config
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 5 * time.Minute
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 100
	}
	return &Reconciler{
		repo:      params.Repo,
		ledger:    params.Ledger,
		transfers: params.Transfers,
		svc:       params.Service,
		cfg:       cfg,
		logg:      params.Logger,
	}, nil
}

// Scan inspects unresolved settlements older than the configured window and
// returns what it found and did.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.ReconcileAfter)
	unresolved, err := r.repo.ListUnresolved(ctx, cutoff, r.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "listing unresolved settlements").
			WithDetails(map[string]any{"step": "reconciling"})
	}

	report := &Report{Scanned: len(unresolved), Findings: make([]Finding, 0, len(unresolved))}
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(reconcileConcurrency)
	for _, settlement := range unresolved {
		settlement := settlement
		group.Go(func() error {
			finding := r.inspect(gctx, &settlement)
			mu.Lock()
			defer mu.Unlock()
			report.Findings = append(report.Findings, finding)
			switch finding.Action {
			case actionNone:
				report.CleanFailures++
			case actionResumed:
				report.Resumed++
			case actionResumeFailed:
				report.ResumeErrors++
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	r.logg.Info(r.logg.WithFields(ctx, map[string]any{
		"scanned":        report.Scanned,
		"clean_failures": report.CleanFailures,
		"resumed":        report.Resumed,
		"resume_errors":  report.ResumeErrors,
	}), "reconcile.sweep")
	return report, nil
}

const (
	actionNone         = "none"
	actionResumed      = "resumed"
	actionResumeFailed = "resume_failed"
)

func (r *Reconciler) inspect(ctx context.Context, settlement *models.Settlement) Finding {
	finding := Finding{
		SettlementID: settlement.SettlementID,
		UserID:       settlement.UserID.String(),
		Status:       settlement.Status,
		Step:         settlement.Step,
	}

	entry, err := r.ledger.FindByReference(ctx, settlement.SettlementID)
	if err != nil {
		finding.Action = actionResumeFailed
		finding.Error = err.Error()
		return finding
	}
	finding.DebitCommitted = entry != nil

	transfer, err := r.transfers.FindBySettlementID(ctx, settlement.SettlementID)
	if err != nil {
		finding.Action = actionResumeFailed
		finding.Error = err.Error()
		return finding
	}
	finding.TransferCommitted = transfer != nil

	// No debit committed: the failure was clean and the user lost nothing.
	// A fresh request with the same settlement id will re-drive it, so the
	// sweep does not force a retry that may just fail validation again.
	if entry == nil {
		finding.Action = actionNone
		return finding
	}

	if _, err := r.svc.Resume(ctx, settlement.SettlementID); err != nil {
		finding.Action = actionResumeFailed
		finding.Error = err.Error()
		r.logg.Error(r.logg.WithSettlementID(ctx, settlement.SettlementID), "reconcile.resume", err)
		return finding
	}
	finding.Action = actionResumed
	return finding
}
