package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDb(t *testing.T) (*Service, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// One connection keeps a single in-memory database and serializes writers.
	db.SetMaxOpenConns(1)

	service, err := newServiceFromDB(db, "test")
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return service, cleanup
}

func TestDebitCredits_CreatesAccountWithStartingBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	result, err := service.DebitCredits(ctx, store.CreditParams{UserId: "user1", Amount: 10, StartingBalance: 15, Reference: "job:1"})
	if err != nil {
		t.Fatalf("DebitCredits failed: %v", err)
	}

	if result.BalanceBefore != 15 {
		t.Errorf("Expected balance before 15, got %d", result.BalanceBefore)
	}
	if result.BalanceAfter != 5 {
		t.Errorf("Expected balance after 5, got %d", result.BalanceAfter)
	}
	if result.Amount != -10 {
		t.Errorf("Expected signed amount -10, got %d", result.Amount)
	}
	if result.TransactionType != models.CreditTypeDebit {
		t.Errorf("Expected debit transaction, got %s", result.TransactionType)
	}
}

func TestDebitCredits_InsufficientLeavesBalanceUnchanged(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := service.DebitCredits(ctx, store.CreditParams{UserId: "user1", Amount: 10, StartingBalance: 15}); err != nil {
		t.Fatalf("First debit failed: %v", err)
	}

	_, err := service.DebitCredits(ctx, store.CreditParams{UserId: "user1", Amount: 10, StartingBalance: 15})
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("Expected ErrInsufficientCredits, got %v", err)
	}

	balance, err := service.GetBalance(ctx, "user1", 15)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Expected balance 5, got %d", balance)
	}
}

func TestDebitCredits_InsufficientDoesNotOpenAccount(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	_, err := service.DebitCredits(ctx, store.CreditParams{UserId: "user1", Amount: 50, StartingBalance: 15})
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("Expected ErrInsufficientCredits, got %v", err)
	}

	history, err := service.GetCreditHistory(ctx, "user1", 10, 0)
	if err != nil {
		t.Fatalf("GetCreditHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected no history after rejected debit, got %d entries", len(history))
	}
}

func TestDebitCredits_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	const balance, cost, workers = 95, 10, 25

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.DebitCredits(ctx, store.CreditParams{UserId: "user1", Amount: cost, StartingBalance: balance})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrInsufficientCredits) && !errors.Is(err, store.ErrConcurrentModification) {
				t.Errorf("Unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != balance/cost {
		t.Errorf("Expected %d successful debits, got %d", balance/cost, succeeded)
	}
	remaining, err := service.GetBalance(ctx, "user1", balance)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if remaining != balance%cost {
		t.Errorf("Expected remaining balance %d, got %d", balance%cost, remaining)
	}
}

func TestAddCredits_DuplicateReference(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	params := store.CreditParams{UserId: "user1", Amount: 100, TransactionType: models.CreditTypeTopUp, Reference: "pay_123"}
	if _, err := service.AddCredits(ctx, params); err != nil {
		t.Fatalf("First AddCredits failed: %v", err)
	}

	_, err := service.AddCredits(ctx, params)
	if !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Fatalf("Expected ErrDuplicateTransaction, got %v", err)
	}

	balance, err := service.GetBalance(ctx, "user1", 0)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 100 {
		t.Errorf("Expected balance 100, got %d", balance)
	}
}

func TestAddCredits_RejectsNonPositiveAmount(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	if _, err := service.AddCredits(context.Background(), store.CreditParams{UserId: "user1", Amount: 0}); err == nil {
		t.Error("Expected error for zero amount")
	}
}

func TestGetBalance_UnknownUserReturnsStartingBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	balance, err := service.GetBalance(context.Background(), "nobody", 20)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 20 {
		t.Errorf("Expected starting balance 20, got %d", balance)
	}
}

func TestReconcileBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := service.DebitCredits(ctx, store.CreditParams{UserId: "user1", Amount: 7, StartingBalance: 20}); err != nil {
		t.Fatalf("DebitCredits failed: %v", err)
	}
	if _, err := service.AddCredits(ctx, store.CreditParams{UserId: "user1", Amount: 7, TransactionType: models.CreditTypeRefund, Reference: "job:x:refund"}); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	if err := service.ReconcileBalance(ctx, "user1"); err != nil {
		t.Errorf("ReconcileBalance failed: %v", err)
	}

	history, err := service.GetCreditHistory(ctx, "user1", 10, 0)
	if err != nil {
		t.Fatalf("GetCreditHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("Expected opening grant, debit and refund, got %d entries", len(history))
	}
}
