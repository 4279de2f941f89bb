package settlements

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/internal/balances"
	"github.com/nilaworks/rewards-backend/internal/creditledger"
	"github.com/nilaworks/rewards-backend/internal/transfers"
	"github.com/nilaworks/rewards-backend/pkg/config"
	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
	"github.com/nilaworks/rewards-backend/pkg/logger"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// hookedTransfers wraps the real transfer service so individual tests can
// inject a failure for the transferring step.
type hookedTransfers struct {
	transfers.Service

	mu        sync.Mutex
	recordErr error
}

func (h *hookedTransfers) failNextRecords(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordErr = err
}

func (h *hookedTransfers) RecordReward(ctx context.Context, input transfers.RecordRewardInput) (*models.NilaTransfer, error) {
	h.mu.Lock()
	err := h.recordErr
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return h.Service.RecordReward(ctx, input)
}

// hookedRepo wraps the real settlement repository so tests can inject
// persistence failures at specific cursor writes.
type hookedRepo struct {
	Repository

	mu          sync.Mutex
	createErr   error
	markStepErr error
}

func (h *hookedRepo) Create(ctx context.Context, settlement *models.Settlement) error {
	h.mu.Lock()
	err := h.createErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.Repository.Create(ctx, settlement)
}

func (h *hookedRepo) MarkStep(ctx context.Context, settlementID string, step enums.SettlementStep) error {
	h.mu.Lock()
	err := h.markStepErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.Repository.MarkStep(ctx, settlementID, step)
}

type harness struct {
	db        *gorm.DB
	svc       Service
	repo      *hookedRepo
	balances  balances.Repository
	ledger    creditledger.Service
	transfers *hookedTransfers
	cfg       config.SettlementConfig
	logg      *logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := "file:settlements_" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.UserBalance{},
		&models.Settlement{},
		&models.LedgerEntry{},
		&models.NilaTransfer{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ledgerSvc, err := creditledger.NewService(creditledger.NewRepository(gdb))
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	transferSvc, err := transfers.NewService(transfers.NewRepository(gdb))
	if err != nil {
		t.Fatalf("transfer service: %v", err)
	}
	hookedT := &hookedTransfers{Service: transferSvc}
	hookedR := &hookedRepo{Repository: NewRepository(gdb)}
	balanceRepo := balances.NewRepository(gdb)
	cfg := config.SettlementConfig{
		StepTimeout:       2 * time.Second,
		OperationDeadline: 10 * time.Second,
	}
	logg := logger.New(logger.Options{ServiceName: "settlements-test", Output: io.Discard})

	svc, err := NewService(ServiceParams{
		Tx:        gormTxRunner{db: gdb},
		Repo:      hookedR,
		Balances:  balanceRepo,
		Ledger:    ledgerSvc,
		Transfers: hookedT,
		Config:    cfg,
		Logger:    logg,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	return &harness{
		db:        gdb,
		svc:       svc,
		repo:      hookedR,
		balances:  balanceRepo,
		ledger:    ledgerSvc,
		transfers: hookedT,
		cfg:       cfg,
		logg:      logg,
	}
}

func (h *harness) seedBalance(t *testing.T, userID uuid.UUID, credits int64) {
	t.Helper()
	if err := h.db.Create(&models.UserBalance{UserID: userID, CreditBalance: credits}).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	bal, err := h.balances.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return bal.CreditBalance
}

func (h *harness) ledgerEntries(t *testing.T, userID uuid.UUID) []models.LedgerEntry {
	t.Helper()
	var entries []models.LedgerEntry
	if err := h.db.Where("user_id = ?", userID).Find(&entries).Error; err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	return entries
}

func validInput(userID uuid.UUID) RecordSettlementInput {
	return RecordSettlementInput{
		UserID:        userID,
		CreditsUsed:   400,
		RewardAmount:  decimal.RequireFromString("18.0"),
		Network:       enums.NetworkPolygon,
		WalletAddress: "0x1234abcd",
	}
}

func TestRecordSettlementHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	settlement, err := h.svc.RecordSettlement(ctx, validInput(userID))
	if err != nil {
		t.Fatalf("RecordSettlement: %v", err)
	}
	if settlement.Status != enums.SettlementStatusProcessed {
		t.Fatalf("expected processed, got %s", settlement.Status)
	}
	if settlement.Step != enums.SettlementStepCompleted {
		t.Fatalf("expected completed step, got %s", settlement.Step)
	}
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("expected balance 600, got %d", got)
	}

	entries := h.ledgerEntries(t, userID)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	if entries[0].Amount != -400 || entries[0].BalanceAfter != 600 {
		t.Fatalf("unexpected ledger entry: amount=%d balance_after=%d", entries[0].Amount, entries[0].BalanceAfter)
	}
	if entries[0].ReferenceID != settlement.SettlementID {
		t.Fatalf("ledger reference %q does not match settlement %q", entries[0].ReferenceID, settlement.SettlementID)
	}

	transfer, err := h.transfers.FindBySettlementID(ctx, settlement.SettlementID)
	if err != nil {
		t.Fatalf("find transfer: %v", err)
	}
	if transfer == nil {
		t.Fatal("expected a recorded transfer")
	}
	if !transfer.NilaAmount.Equal(decimal.RequireFromString("18.0")) {
		t.Fatalf("unexpected transfer amount %s", transfer.NilaAmount)
	}
	if transfer.Status != enums.TransferStatusCompleted {
		t.Fatalf("unexpected transfer status %s", transfer.Status)
	}
}

func TestRecordSettlementInsufficientBalance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 100)

	_, err := h.svc.RecordSettlement(ctx, validInput(userID))
	if !pkgerrors.IsCode(err, pkgerrors.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance error, got %v", err)
	}

	// Nothing may be written when validation rejects the request.
	if got := h.balance(t, userID); got != 100 {
		t.Fatalf("balance mutated on rejected settlement: %d", got)
	}
	if entries := h.ledgerEntries(t, userID); len(entries) != 0 {
		t.Fatalf("ledger written on rejected settlement: %d entries", len(entries))
	}
	var count int64
	if err := h.db.Model(&models.Settlement{}).Count(&count).Error; err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if count != 0 {
		t.Fatalf("settlement row created on rejected settlement: %d", count)
	}
}

func TestRecordSettlementValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*RecordSettlementInput)
	}{
		{"missing user", func(i *RecordSettlementInput) { i.UserID = uuid.Nil }},
		{"zero credits", func(i *RecordSettlementInput) { i.CreditsUsed = 0 }},
		{"negative credits", func(i *RecordSettlementInput) { i.CreditsUsed = -5 }},
		{"negative reward", func(i *RecordSettlementInput) { i.RewardAmount = decimal.New(-1, 0) }},
		{"bad network", func(i *RecordSettlementInput) { i.Network = enums.Network("testnet") }},
		{"missing wallet", func(i *RecordSettlementInput) { i.WalletAddress = "  " }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput(uuid.New())
			tc.mutate(&input)
			_, err := h.svc.RecordSettlement(ctx, input)
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRecordSettlementUnknownUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.RecordSettlement(context.Background(), validInput(uuid.New()))
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRecordSettlementIdempotentReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	input := validInput(userID)
	input.SettlementID = "stl_replay"

	first, err := h.svc.RecordSettlement(ctx, input)
	if err != nil {
		t.Fatalf("first settlement: %v", err)
	}

	second, err := h.svc.RecordSettlement(ctx, input)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.SettlementID != first.SettlementID {
		t.Fatalf("replay returned a different settlement: %s vs %s", second.SettlementID, first.SettlementID)
	}
	if second.Status != enums.SettlementStatusProcessed {
		t.Fatalf("replay status %s", second.Status)
	}

	// Exactly one debit across both calls.
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("expected balance 600 after replay, got %d", got)
	}
	if entries := h.ledgerEntries(t, userID); len(entries) != 1 {
		t.Fatalf("expected one ledger entry after replay, got %d", len(entries))
	}
}

func TestRecordSettlementIDOwnedByOtherUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	intruder := uuid.New()
	h.seedBalance(t, owner, 1000)
	h.seedBalance(t, intruder, 1000)

	input := validInput(owner)
	input.SettlementID = "stl_owned"
	if _, err := h.svc.RecordSettlement(ctx, input); err != nil {
		t.Fatalf("owner settlement: %v", err)
	}

	input.UserID = intruder
	_, err := h.svc.RecordSettlement(ctx, input)
	if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict for reused settlement id, got %v", err)
	}
	if got := h.balance(t, intruder); got != 1000 {
		t.Fatalf("intruder balance mutated: %d", got)
	}
}

func TestConcurrentSameUserSettlements(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 100)

	input := validInput(userID)
	input.CreditsUsed = 80

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := h.svc.RecordSettlement(ctx, input)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case pkgerrors.IsCode(err, pkgerrors.CodeInsufficientBalance),
			pkgerrors.IsCode(err, pkgerrors.CodeConflict):
			rejected++
		default:
			t.Fatalf("unexpected concurrent error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d succeeded / %d rejected", succeeded, rejected)
	}
	if got := h.balance(t, userID); got != 20 {
		t.Fatalf("expected balance 20, got %d", got)
	}
	if entries := h.ledgerEntries(t, userID); len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

func TestTransferFailureThenResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	input := validInput(userID)
	input.SettlementID = "stl_partial"

	h.transfers.failNextRecords(fmt.Errorf("transfer store unavailable"))
	_, err := h.svc.RecordSettlement(ctx, input)
	if !pkgerrors.IsCode(err, pkgerrors.CodePartialFailure) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	details, ok := pkgerrors.As(err).Details().(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", pkgerrors.As(err).Details())
	}
	if details["settlement_id"] != "stl_partial" || details["step"] != "transferring" {
		t.Fatalf("unexpected partial failure details: %v", details)
	}

	// The debit committed, the transfer did not, and the settlement is marked
	// failed with the cursor still at the debited step.
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("expected debited balance 600, got %d", got)
	}
	stored, err := h.svc.Get(ctx, "stl_partial")
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if stored.Status != enums.SettlementStatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
	if stored.Step != enums.SettlementStepDebited {
		t.Fatalf("expected step cursor at debited, got %s", stored.Step)
	}

	// Once the transfer store recovers, resume completes the settlement
	// without a second debit.
	h.transfers.failNextRecords(nil)
	resumed, err := h.svc.Resume(ctx, "stl_partial")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != enums.SettlementStatusProcessed {
		t.Fatalf("expected processed after resume, got %s", resumed.Status)
	}
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("balance debited twice on resume: %d", got)
	}
	if entries := h.ledgerEntries(t, userID); len(entries) != 1 {
		t.Fatalf("expected one ledger entry after resume, got %d", len(entries))
	}
	transfer, err := h.transfers.FindBySettlementID(ctx, "stl_partial")
	if err != nil || transfer == nil {
		t.Fatalf("expected transfer after resume, got %v / %v", transfer, err)
	}
}

func TestReplayResumesFailedSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	input := validInput(userID)
	input.SettlementID = "stl_retry"

	h.transfers.failNextRecords(fmt.Errorf("transfer store unavailable"))
	if _, err := h.svc.RecordSettlement(ctx, input); !pkgerrors.IsCode(err, pkgerrors.CodePartialFailure) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	h.transfers.failNextRecords(nil)

	// Retrying the original request with the same settlement id re-drives the
	// stored attempt instead of creating a new one.
	settled, err := h.svc.RecordSettlement(ctx, input)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if settled.Status != enums.SettlementStatusProcessed {
		t.Fatalf("expected processed after retry, got %s", settled.Status)
	}
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("expected single debit, balance %d", got)
	}
}

func TestCreateFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	h.repo.mu.Lock()
	h.repo.createErr = fmt.Errorf("settlement store unavailable")
	h.repo.mu.Unlock()

	_, err := h.svc.RecordSettlement(ctx, validInput(userID))
	if !pkgerrors.IsCode(err, pkgerrors.CodePersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	details, _ := pkgerrors.As(err).Details().(map[string]any)
	if details["step"] != "reserving" {
		t.Fatalf("expected reserving step in details, got %v", details)
	}
	if got := h.balance(t, userID); got != 1000 {
		t.Fatalf("balance mutated on reserve failure: %d", got)
	}
}

func TestMarkStepFailureIsPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	h.repo.mu.Lock()
	h.repo.markStepErr = fmt.Errorf("cursor write failed")
	h.repo.mu.Unlock()

	input := validInput(userID)
	input.SettlementID = "stl_cursor"

	_, err := h.svc.RecordSettlement(ctx, input)
	if !pkgerrors.IsCode(err, pkgerrors.CodePartialFailure) {
		t.Fatalf("expected partial failure, got %v", err)
	}

	// The debit committed even though the cursor write failed.
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("expected debited balance 600, got %d", got)
	}

	// Resume picks the workflow back up from the reserved cursor and skips
	// the already-committed debit via the ledger reference.
	h.repo.mu.Lock()
	h.repo.markStepErr = nil
	h.repo.mu.Unlock()

	resumed, err := h.svc.Resume(ctx, "stl_cursor")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != enums.SettlementStatusProcessed {
		t.Fatalf("expected processed after resume, got %s", resumed.Status)
	}
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("balance debited twice: %d", got)
	}
}

func TestCancelledCallerDoesNotStrandSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	// The caller gives up immediately, but the orchestration detaches once
	// the settlement row exists and still resolves to a terminal state.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := validInput(userID)
	input.SettlementID = "stl_detached"

	settlement, err := h.svc.RecordSettlement(ctx, input)
	if err != nil {
		// Cancellation may land before the settlement row exists; then the
		// engine must have written nothing at all.
		if got := h.balance(t, userID); got != 1000 {
			t.Fatalf("cancelled request left a partial debit: %d", got)
		}
		return
	}
	if settlement.Status != enums.SettlementStatusProcessed {
		t.Fatalf("detached settlement not terminal: %s", settlement.Status)
	}
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("expected balance 600, got %d", got)
	}
}

func TestResumeUnknownSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Resume(context.Background(), "stl_missing")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResumeProcessedSettlementIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.seedBalance(t, userID, 1000)

	input := validInput(userID)
	input.SettlementID = "stl_done"
	if _, err := h.svc.RecordSettlement(ctx, input); err != nil {
		t.Fatalf("settle: %v", err)
	}

	resumed, err := h.svc.Resume(ctx, "stl_done")
	if err != nil {
		t.Fatalf("resume processed: %v", err)
	}
	if resumed.Status != enums.SettlementStatusProcessed {
		t.Fatalf("unexpected status %s", resumed.Status)
	}
	if got := h.balance(t, userID); got != 600 {
		t.Fatalf("resume of processed settlement mutated balance: %d", got)
	}
}
