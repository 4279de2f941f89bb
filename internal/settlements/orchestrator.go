package settlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/internal/balances"
	"github.com/nilaworks/rewards-backend/internal/creditledger"
	"github.com/nilaworks/rewards-backend/internal/transfers"
	"github.com/nilaworks/rewards-backend/pkg/config"
	"github.com/nilaworks/rewards-backend/pkg/db"
	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/logger"
	"github.com/nilaworks/rewards-backend/pkg/metrics"
	"github.com/nilaworks/rewards-backend/pkg/pagination"
)

// TxRunner executes fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service orchestrates the settlement workflow across the four stores.
type Service interface {
	RecordSettlement(ctx context.Context, input RecordSettlementInput) (*models.Settlement, error)
	Resume(ctx context.Context, settlementID string) (*models.Settlement, error)
	Get(ctx context.Context, settlementID string) (*models.Settlement, error)
	List(ctx context.Context, params pagination.Params) ([]models.Settlement, string, error)
}

// RecordSettlementInput captures an operator's settlement request.
// SettlementID is optional: when supplied it acts as the idempotency key for
// retries; when empty a collision-resistant id is generated.
type RecordSettlementInput struct {
	UserID          uuid.UUID
	SettlementID    string
	CreditsUsed     int64
	RewardAmount    decimal.Decimal
	Network         enums.Network
	WalletAddress   string
	TransactionHash *string
	Notes           *string
}

func (in RecordSettlementInput) validate() error {
	problems := map[string]string{}
	if in.UserID == uuid.Nil {
		problems["user_id"] = "is required"
	}
	if in.CreditsUsed <= 0 {
		problems["credits_used"] = "must be a positive integer"
	}
	if in.RewardAmount.IsNegative() {
		problems["reward_amount"] = "cannot be negative"
	}
	if !in.Network.IsValid() {
		problems["network"] = "must be one of ethereum, polygon, arbitrum, bsc, avalanche"
	}
	if strings.TrimSpace(in.WalletAddress) == "" {
		problems["wallet_address"] = "is required"
	}
	if len(problems) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid settlement request").WithDetails(problems)
	}
	return nil
}

// NewSettlementID generates a collision-resistant settlement id. Uniqueness
// is still enforced at the store level by the unique index.
func NewSettlementID() string {
	return "stl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// errRecordingConflict signals that the conditional debit lost: the balance
// changed between validation and commit.
var errRecordingConflict = errors.New("conditional debit lost")

type service struct {
	tx        TxRunner
	repo      Repository
	balances  balances.Repository
	ledger    creditledger.Service
	transfers transfers.Service
	locks     *userLocks
	cfg       config.SettlementConfig
	logg      *logger.Logger
	metrics   *metrics.SettlementMetrics
}

// ServiceParams bundles the orchestrator dependencies.
type ServiceParams struct {
	Tx        TxRunner
	Repo      Repository
	Balances  balances.Repository
	Ledger    creditledger.Service
	Transfers transfers.Service
	Config    config.SettlementConfig
	Logger    *logger.Logger
	Metrics   *metrics.SettlementMetrics
}

// NewService builds the settlement orchestrator.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("settlement repository required")
	}
	if params.Balances == nil {
		return nil, fmt.Errorf("balance repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Transfers == nil {
		return nil, fmt.Errorf("transfer service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg := params.Config
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Second
	}
	if cfg.OperationDeadline <= 0 {
		cfg.OperationDeadline = 30 * time.Second
	}
	return &service{
		tx:        params.Tx,
		repo:      params.Repo,
		balances:  params.Balances,
		ledger:    params.Ledger,
		transfers: params.Transfers,
		locks:     newUserLocks(),
		cfg:       cfg,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}, nil
}

func (s *service) RecordSettlement(ctx context.Context, input RecordSettlementInput) (*models.Settlement, error) {
	start := time.Now()
	settlement, err := s.recordSettlement(ctx, input)
	s.metrics.ObserveOutcome(outcomeLabel(err), time.Since(start))
	return settlement, err
}

func (s *service) recordSettlement(ctx context.Context, input RecordSettlementInput) (*models.Settlement, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	// Per-user critical section for the Validating-to-Recording span. The
	// conditional debit below remains authoritative across instances.
	release := s.locks.acquire(input.UserID)
	defer release()

	ctx = s.logg.WithUserID(ctx, input.UserID.String())

	// Idempotent replay: a settlement id that already exists either returns
	// the original result or re-drives an unresolved attempt. It never debits
	// a second time.
	if input.SettlementID != "" {
		existing, err := s.findForReplay(ctx, input.SettlementID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.UserID != input.UserID {
				return nil, pkgerrors.New(pkgerrors.CodeConflict, "settlement id already used").
					WithDetails(map[string]any{"settlement_id": input.SettlementID})
			}
			return s.resumeLocked(ctx, existing)
		}
	}

	// Validating: no store is mutated before this check passes.
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	balance, err := s.balances.Get(stepCtx, input.UserID)
	cancel()
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "reading user balance").
			WithDetails(map[string]any{"step": "validating"})
	}
	if input.CreditsUsed > balance.CreditBalance {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "credits used exceed current balance").
			WithDetails(map[string]any{
				"requested": input.CreditsUsed,
				"available": balance.CreditBalance,
			})
	}

	// Reserving: persist the settlement row before touching the balance.
	settlementID := input.SettlementID
	if settlementID == "" {
		settlementID = NewSettlementID()
	}
	ctx = s.logg.WithSettlementID(ctx, settlementID)

	record := &models.Settlement{
		SettlementID:    settlementID,
		UserID:          input.UserID,
		CreditsUsed:     input.CreditsUsed,
		RewardAmount:    input.RewardAmount,
		Network:         input.Network,
		WalletAddress:   input.WalletAddress,
		TransactionHash: input.TransactionHash,
		Status:          enums.SettlementStatusPending,
		Step:            enums.SettlementStepReserved,
		Notes:           input.Notes,
	}
	stepCtx, cancel = context.WithTimeout(ctx, s.cfg.StepTimeout)
	err = s.repo.Create(stepCtx, record)
	cancel()
	if err != nil {
		if db.IsUniqueViolation(err, "settlement_id") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "settlement id already used").
				WithDetails(map[string]any{"settlement_id": settlementID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "creating settlement record").
			WithDetails(map[string]any{"step": "reserving"})
	}
	s.logg.Info(ctx, "settlement.reserved")

	return s.drive(ctx, record)
}

func (s *service) findForReplay(ctx context.Context, settlementID string) (*models.Settlement, error) {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	existing, err := s.repo.FindBySettlementID(stepCtx, settlementID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "loading settlement for replay").
			WithDetails(map[string]any{"step": "validating"})
	}
	return existing, nil
}

func (s *service) Resume(ctx context.Context, settlementID string) (*models.Settlement, error) {
	if strings.TrimSpace(settlementID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "settlement id required")
	}
	settlement, err := s.repo.FindBySettlementID(ctx, settlementID)
	if err != nil {
		return nil, err
	}

	release := s.locks.acquire(settlement.UserID)
	defer release()

	// Re-read under the lock; a concurrent attempt may have driven it further.
	settlement, err = s.repo.FindBySettlementID(ctx, settlementID)
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithSettlementID(s.logg.WithUserID(ctx, settlement.UserID.String()), settlementID)
	return s.resumeLocked(ctx, settlement)
}

// resumeLocked re-drives an existing settlement from its persisted step
// cursor. Callers hold the per-user lock.
func (s *service) resumeLocked(ctx context.Context, settlement *models.Settlement) (*models.Settlement, error) {
	if settlement.Status == enums.SettlementStatusProcessed {
		return settlement, nil
	}
	s.metrics.ObserveResume()
	s.logg.Info(s.logg.WithStep(ctx, string(settlement.Step)), "settlement.resume")
	return s.drive(ctx, settlement)
}

// drive executes the remaining workflow steps. Once called, the operation is
// detached from the caller's cancellation: a settlement row exists, so the
// workflow must resolve to processed or failed either way.
func (s *service) drive(ctx context.Context, settlement *models.Settlement) (*models.Settlement, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OperationDeadline)
	defer cancel()

	if settlement.Step == enums.SettlementStepReserved {
		if err := s.record(dctx, settlement); err != nil {
			return nil, err
		}
	}
	if settlement.Step == enums.SettlementStepDebited {
		if err := s.transfer(dctx, settlement); err != nil {
			return nil, err
		}
	}
	if settlement.Step == enums.SettlementStepTransferred {
		if err := s.complete(dctx, settlement); err != nil {
			return nil, err
		}
	}

	reloaded, err := s.repo.FindBySettlementID(dctx, settlement.SettlementID)
	if err != nil {
		s.logg.Warn(dctx, "settlement.reload_failed")
		return settlement, nil
	}
	s.logg.Info(dctx, "settlement.processed")
	return reloaded, nil
}

// record commits the debit and the ledger entry as one transaction. The
// ledger's unique reference id makes the step idempotent on resume: an
// existing entry means the pair already committed.
func (s *service) record(ctx context.Context, settlement *models.Settlement) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	err := s.tx.WithTx(stepCtx, func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)

		existing, err := ledger.FindByReference(stepCtx, settlement.SettlementID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		balanceAfter, err := s.balances.WithTx(tx).DebitIfSufficient(stepCtx, settlement.UserID, settlement.CreditsUsed)
		if errors.Is(err, balances.ErrDebitConflict) {
			return errRecordingConflict
		}
		if err != nil {
			return err
		}

		_, err = ledger.RecordDebit(stepCtx, creditledger.RecordDebitInput{
			UserID:       settlement.UserID,
			Amount:       -settlement.CreditsUsed,
			ReferenceID:  settlement.SettlementID,
			BalanceAfter: balanceAfter,
			Description:  fmt.Sprintf("settlement debit of %d credits", settlement.CreditsUsed),
		})
		return err
	})
	if err != nil {
		s.markFailed(ctx, settlement)
		if errors.Is(err, errRecordingConflict) {
			return pkgerrors.New(pkgerrors.CodeConflict, "balance changed during settlement").
				WithDetails(map[string]any{"settlement_id": settlement.SettlementID})
		}
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "recording settlement debit").
			WithDetails(map[string]any{"step": "recording"})
	}

	if err := s.markStep(ctx, settlement, enums.SettlementStepDebited); err != nil {
		// The debit committed but the cursor write did not: downstream records
		// are now ahead of the settlement row.
		s.markFailed(ctx, settlement)
		return partialFailure(settlement, "recording", err)
	}
	s.logg.Info(s.logg.WithStep(ctx, "recording"), "settlement.debited")
	return nil
}

func (s *service) transfer(ctx context.Context, settlement *models.Settlement) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	existing, err := s.transfers.FindBySettlementID(stepCtx, settlement.SettlementID)
	if err != nil {
		s.markFailed(ctx, settlement)
		return partialFailure(settlement, "transferring", err)
	}
	if existing == nil {
		_, err = s.transfers.RecordReward(stepCtx, transfers.RecordRewardInput{
			UserID:          settlement.UserID,
			SettlementID:    settlement.SettlementID,
			NilaAmount:      settlement.RewardAmount,
			Network:         settlement.Network,
			WalletAddress:   settlement.WalletAddress,
			TransactionHash: settlement.TransactionHash,
			Notes:           settlement.Notes,
		})
		if err != nil {
			s.markFailed(ctx, settlement)
			return partialFailure(settlement, "transferring", err)
		}
	}

	if err := s.markStep(ctx, settlement, enums.SettlementStepTransferred); err != nil {
		s.markFailed(ctx, settlement)
		return partialFailure(settlement, "transferring", err)
	}
	s.logg.Info(s.logg.WithStep(ctx, "transferring"), "settlement.transferred")
	return nil
}

func (s *service) complete(ctx context.Context, settlement *models.Settlement) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	if err := s.repo.MarkProcessed(stepCtx, settlement.SettlementID); err != nil {
		s.markFailed(ctx, settlement)
		return partialFailure(settlement, "completing", err)
	}
	settlement.Status = enums.SettlementStatusProcessed
	settlement.Step = enums.SettlementStepCompleted
	return nil
}

func (s *service) markStep(ctx context.Context, settlement *models.Settlement, step enums.SettlementStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	if err := s.repo.MarkStep(stepCtx, settlement.SettlementID, step); err != nil {
		return err
	}
	settlement.Step = step
	return nil
}

// markFailed is best-effort: it runs on a fresh context because the failure
// being recorded may itself be a deadline expiry.
func (s *service) markFailed(ctx context.Context, settlement *models.Settlement) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StepTimeout)
	defer cancel()
	if err := s.repo.MarkFailed(mctx, settlement.SettlementID); err != nil {
		s.logg.Error(mctx, "settlement.mark_failed", err)
		return
	}
	settlement.Status = enums.SettlementStatusFailed
}

func (s *service) Get(ctx context.Context, settlementID string) (*models.Settlement, error) {
	if strings.TrimSpace(settlementID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "settlement id required")
	}
	return s.repo.FindBySettlementID(ctx, settlementID)
}

func (s *service) List(ctx context.Context, params pagination.Params) ([]models.Settlement, string, error) {
	return s.repo.List(ctx, params)
}

func partialFailure(settlement *models.Settlement, step string, err error) error {
	return pkgerrors.Wrap(pkgerrors.CodePartialFailure, err, "settlement left incomplete").
		WithDetails(map[string]any{
			"settlement_id": settlement.SettlementID,
			"step":          step,
		})
}

func outcomeLabel(err error) string {
	if err == nil {
		return "processed"
	}
	if typed := pkgerrors.As(err); typed != nil {
		return strings.ToLower(string(typed.Code()))
	}
	return "internal_error"
}
