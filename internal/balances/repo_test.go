package balances

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nilaworks/rewards-backend/pkg/db/models"
	pkgerrors "github.com/nilaworks/rewards-backend/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:balances_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.UserBalance{}); err != nil {
		t.Fatalf("migrate balances: %v", err)
	}
	return db
}

func TestGetMissingUser(t *testing.T) {
	t.Parallel()

	repo := NewRepository(newTestDB(t))
	_, err := repo.Get(context.Background(), uuid.New())
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDebitIfSufficient(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	if err := db.Create(&models.UserBalance{UserID: userID, CreditBalance: 500}).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	after, err := repo.DebitIfSufficient(ctx, userID, 200)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if after != 300 {
		t.Fatalf("expected balance 300, got %d", after)
	}

	balance, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.CreditBalance != 300 {
		t.Fatalf("stored balance = %d", balance.CreditBalance)
	}
}

func TestDebitExactBalance(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := NewRepository(db)
	userID := uuid.New()

	if err := db.Create(&models.UserBalance{UserID: userID, CreditBalance: 200}).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	after, err := repo.DebitIfSufficient(context.Background(), userID, 200)
	if err != nil {
		t.Fatalf("debit to zero should be legal: %v", err)
	}
	if after != 0 {
		t.Fatalf("expected balance 0, got %d", after)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := NewRepository(db)
	userID := uuid.New()

	if err := db.Create(&models.UserBalance{UserID: userID, CreditBalance: 100}).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	if _, err := repo.DebitIfSufficient(context.Background(), userID, 150); !errors.Is(err, ErrDebitConflict) {
		t.Fatalf("expected ErrDebitConflict, got %v", err)
	}

	balance, err := repo.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.CreditBalance != 100 {
		t.Fatalf("losing debit must not mutate the balance, got %d", balance.CreditBalance)
	}
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	repo := NewRepository(newTestDB(t))
	if _, err := repo.DebitIfSufficient(context.Background(), uuid.New(), 0); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := repo.DebitIfSufficient(context.Background(), uuid.New(), -5); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
