package creditledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
	"github.com/nilaworks/rewards-backend/pkg/enums"
	"github.com/nilaworks/rewards-backend/pkg/pagination"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:creditledger_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.LedgerEntry{}); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	svc, err := NewService(NewRepository(db))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, db
}

func TestRecordDebit(t *testing.T) {
	t.Parallel()

	svc, db := newTestService(t)
	userID := uuid.New()

	entry, err := svc.RecordDebit(context.Background(), RecordDebitInput{
		UserID:       userID,
		Amount:       -200,
		ReferenceID:  "stl_a",
		BalanceAfter: 300,
		Description:  "credits redeemed for NILA reward",
	})
	if err != nil {
		t.Fatalf("RecordDebit: %v", err)
	}
	if entry.TransactionType != enums.LedgerTransactionTypeSettlementDebit {
		t.Fatalf("unexpected transaction type: %s", entry.TransactionType)
	}

	var stored models.LedgerEntry
	if err := db.First(&stored, "reference_id = ?", "stl_a").Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if stored.Amount != -200 || stored.BalanceAfter != 300 || stored.UserID != userID {
		t.Fatalf("unexpected stored entry: %+v", stored)
	}
}

func TestRecordDebitValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input RecordDebitInput
	}{
		{name: "missing user", input: RecordDebitInput{Amount: -1, ReferenceID: "stl_x", BalanceAfter: 0}},
		{name: "positive amount", input: RecordDebitInput{UserID: uuid.New(), Amount: 10, ReferenceID: "stl_x", BalanceAfter: 0}},
		{name: "zero amount", input: RecordDebitInput{UserID: uuid.New(), Amount: 0, ReferenceID: "stl_x", BalanceAfter: 0}},
		{name: "missing reference", input: RecordDebitInput{UserID: uuid.New(), Amount: -1, BalanceAfter: 0}},
		{name: "negative balance after", input: RecordDebitInput{UserID: uuid.New(), Amount: -1, ReferenceID: "stl_x", BalanceAfter: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.RecordDebit(ctx, tc.input); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestRecordDebitDuplicateReference(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	input := RecordDebitInput{UserID: uuid.New(), Amount: -50, ReferenceID: "stl_dup", BalanceAfter: 50}

	if _, err := svc.RecordDebit(ctx, input); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	input.BalanceAfter = 0
	if _, err := svc.RecordDebit(ctx, input); err == nil {
		t.Fatal("expected unique violation for duplicate reference id")
	}
}

func TestVerifyUserChain(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	seed := []RecordDebitInput{
		{UserID: userID, Amount: -200, ReferenceID: "stl_1", BalanceAfter: 300},
		{UserID: userID, Amount: -100, ReferenceID: "stl_2", BalanceAfter: 200},
		{UserID: userID, Amount: -200, ReferenceID: "stl_3", BalanceAfter: 0},
	}
	for _, input := range seed {
		if _, err := svc.RecordDebit(ctx, input); err != nil {
			t.Fatalf("seed %s: %v", input.ReferenceID, err)
		}
	}

	if err := svc.VerifyUserChain(ctx, userID, 500); err != nil {
		t.Fatalf("intact chain flagged: %v", err)
	}

	// Wrong opening balance breaks the first link and cascades.
	err := svc.VerifyUserChain(ctx, userID, 400)
	if err == nil {
		t.Fatal("expected chain violation")
	}
	if len(multierr.Errors(err)) == 0 {
		t.Fatalf("expected aggregated violations, got %v", err)
	}
}

func TestFindByReferenceMissing(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := NewRepository(db)

	entry, err := repo.FindByReference(context.Background(), "stl_missing")
	if err != nil {
		t.Fatalf("FindByReference: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil for missing reference, got %+v", entry)
	}
}

func TestListByUserPagination(t *testing.T) {
	t.Parallel()

	svc, db := newTestService(t)
	repo := NewRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	balance := int64(1000)
	for i := 0; i < 5; i++ {
		balance -= 100
		if _, err := svc.RecordDebit(ctx, RecordDebitInput{
			UserID:       userID,
			Amount:       -100,
			ReferenceID:  "stl_page_" + uuid.NewString(),
			BalanceAfter: balance,
		}); err != nil {
			t.Fatalf("seed entry %d: %v", i, err)
		}
	}

	page1, next, err := repo.ListByUser(ctx, userID, paginationParams(3, ""))
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 3 || next == "" {
		t.Fatalf("expected full first page with cursor, got %d entries", len(page1))
	}

	page2, next2, err := repo.ListByUser(ctx, userID, paginationParams(3, next))
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 || next2 != "" {
		t.Fatalf("expected final page of 2, got %d entries (cursor %q)", len(page2), next2)
	}

	seen := map[uuid.UUID]bool{}
	for _, entry := range append(page1, page2...) {
		if seen[entry.ID] {
			t.Fatalf("entry %s returned twice", entry.ID)
		}
		seen[entry.ID] = true
	}
}

func TestNewServiceRequiresRepo(t *testing.T) {
	t.Parallel()

	if _, err := NewService(nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
}

func paginationParams(limit int, cursor string) pagination.Params {
	return pagination.Params{Limit: limit, Cursor: cursor}
}
