package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreditService owns the credit account and credit transaction tables
type CreditService struct {
	db        *sql.DB
	namespace string
}

func NewCreditService(db *sql.DB, namespace string) *CreditService {
	return &CreditService{
		db:        db,
		namespace: namespace,
	}
}

func (s *CreditService) InitSchema() error {
	schema := `
	-- Credit Accounts Table (Current State - Hot Data)
	CREATE TABLE IF NOT EXISTS credit_accounts (
		namespace TEXT NOT NULL,
		user_id TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		last_transaction_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, user_id)
	);

	-- Credit Transactions Table (Audit Trail - Cold Data)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		user_id TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(namespace, user_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_reference
		ON credit_transactions(namespace, reference) WHERE reference != '';
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetBalance returns the stored balance, or the starting balance for a user
// who has never been charged or credited.
func (s *CreditService) GetBalance(ctx context.Context, userId string, startingBalance int64) (int64, error) {
	var balance, version int64
	err := s.db.QueryRowContext(ctx, queryGetAccount, s.namespace, userId).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return startingBalance, nil
	}
	if err != nil {
		zap.L().Error("Failed to get balance", zap.String("user_id", userId), zap.Error(err))
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	zap.L().Debug("Retrieved balance", zap.String("user_id", userId), zap.Int64("balance", balance), zap.Int64("version", version))
	return balance, nil
}

// ProcessCredit atomically applies one debit or credit and records it
func (s *CreditService) ProcessCredit(ctx context.Context, params store.CreditParams) (*models.CreditTransaction, error) {
	zap.L().Info("Processing credit transaction",
		zap.String("user_id", params.UserId),
		zap.String("type", params.TransactionType),
		zap.Int64("amount", params.Amount),
		zap.String("reference", params.Reference))

	if err := s.checkDuplicateReference(ctx, params.Reference); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}
	defer tx.Rollback()

	transaction, err := s.applyCredit(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
	}

	zap.L().Info("Credit transaction processed successfully",
		zap.String("transaction_id", transaction.Id),
		zap.String("user_id", params.UserId),
		zap.Int64("old_balance", transaction.BalanceBefore),
		zap.Int64("new_balance", transaction.BalanceAfter))

	return transaction, nil
}

func (s *CreditService) checkDuplicateReference(ctx context.Context, reference string) error {
	if reference == "" {
		return nil
	}
	var existingId string
	err := s.db.QueryRowContext(ctx, queryCheckDuplicateReference, s.namespace, reference).Scan(&existingId)
	if err == nil {
		zap.L().Warn("Duplicate credit reference detected, skipping",
			zap.String("reference", reference),
			zap.String("existing_transaction_id", existingId))
		return fmt.Errorf("%w: reference %s already exists", store.ErrDuplicateTransaction, reference)
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check for duplicate transaction: %w", err)
	}
	return nil
}

// referencedAmount returns the amount already journaled under reference
// inside tx, and false when none exists.
func (s *CreditService) referencedAmount(ctx context.Context, tx *sql.Tx, reference string) (int64, bool, error) {
	var amount int64
	err := tx.QueryRowContext(ctx, queryGetAmountByReference, s.namespace, reference).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up reference %s: %w", reference, mapSQLiteError(err))
	}
	return amount, true, nil
}

// applyCredit runs inside the caller's transaction so job transitions can
// refund atomically.
func (s *CreditService) applyCredit(ctx context.Context, tx *sql.Tx, params store.CreditParams) (*models.CreditTransaction, error) {
	if params.UserId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if params.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", params.Amount)
	}

	delta := params.Amount
	if params.TransactionType == models.CreditTypeDebit {
		delta = -params.Amount
	}

	now := time.Now().UTC()
	var balance, version int64
	err := tx.QueryRowContext(ctx, queryGetAccount, s.namespace, params.UserId).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		balance, version, err = s.openAccount(ctx, tx, params.UserId, params.StartingBalance, now)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get current balance: %w", mapSQLiteError(err))
	}

	if delta > 0 && balance > math.MaxInt64-delta {
		return nil, fmt.Errorf("credit of %d would overflow balance %d", delta, balance)
	}
	newBalance := balance + delta
	if newBalance < 0 {
		return nil, fmt.Errorf("%w: balance %d, cost %d", store.ErrInsufficientCredits, balance, params.Amount)
	}

	transaction, err := s.insertTransaction(ctx, tx, params.UserId, params.TransactionType, delta, balance, newBalance, params.Reference, now)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, queryUpdateAccount, newBalance, transaction.Id, now, s.namespace, params.UserId, version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", mapSQLiteError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("balance update failed - %w", store.ErrConcurrentModification)
	}

	return transaction, nil
}

// openAccount lazily creates an account. The starting balance is journaled as
// a grant so the audit trail always sums to the balance.
func (s *CreditService) openAccount(ctx context.Context, tx *sql.Tx, userId string, startingBalance int64, now time.Time) (int64, int64, error) {
	if _, err := tx.ExecContext(ctx, queryInsertAccount, s.namespace, userId, startingBalance, now); err != nil {
		return 0, 0, fmt.Errorf("failed to create credit account: %w", mapSQLiteError(err))
	}
	if startingBalance > 0 {
		ref := fmt.Sprintf("account:%s:opening", userId)
		if _, err := s.insertTransaction(ctx, tx, userId, models.CreditTypeGrant, startingBalance, 0, startingBalance, ref, now); err != nil {
			return 0, 0, err
		}
	}
	zap.L().Info("Credit account created",
		zap.String("user_id", userId),
		zap.Int64("starting_balance", startingBalance))
	return startingBalance, 1, nil
}

func (s *CreditService) insertTransaction(ctx context.Context, tx *sql.Tx, userId, txType string, amount, before, after int64, reference string, now time.Time) (*models.CreditTransaction, error) {
	transaction := &models.CreditTransaction{}
	err := tx.QueryRowContext(ctx, queryInsertCreditTransaction,
		uuid.New().String(), s.namespace, userId, txType, amount, before, after, reference, now).
		Scan(&transaction.Id, &transaction.UserId, &transaction.TransactionType, &transaction.Amount,
			&transaction.BalanceBefore, &transaction.BalanceAfter, &transaction.Reference, &transaction.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: reference %s already exists", store.ErrDuplicateTransaction, reference)
		}
		return nil, fmt.Errorf("failed to insert credit transaction: %w", mapSQLiteError(err))
	}
	return transaction, nil
}

// GetCreditHistory returns paginated credit history for a user, newest first
func (s *CreditService) GetCreditHistory(ctx context.Context, userId string, limit, offset int) ([]models.CreditTransaction, error) {
	zap.L().Debug("Getting credit history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetCreditHistory, s.namespace, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit history: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var transactions []models.CreditTransaction
	for rows.Next() {
		var tx models.CreditTransaction
		err := rows.Scan(&tx.Id, &tx.UserId, &tx.TransactionType, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &tx.Reference, &tx.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during credit history row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating credit history rows: %w", err)
	}

	return transactions, nil
}

// ReconcileBalance verifies that the current balance matches the sum of all credit transactions
func (s *CreditService) ReconcileBalance(ctx context.Context, userId string) error {
	var balance, version int64
	err := s.db.QueryRowContext(ctx, queryGetAccount, s.namespace, userId).Scan(&balance, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}

	var calculated int64
	if err := s.db.QueryRowContext(ctx, queryReconcileCredits, s.namespace, userId).Scan(&calculated); err != nil {
		return fmt.Errorf("failed to calculate balance from transactions: %w", err)
	}

	if balance != calculated {
		zap.L().Error("Balance reconciliation failed",
			zap.String("user_id", userId),
			zap.Int64("current_balance", balance),
			zap.Int64("calculated_balance", calculated),
			zap.Int64("difference", balance-calculated))
		return fmt.Errorf("balance mismatch: current=%d, calculated=%d", balance, calculated)
	}

	zap.L().Debug("Balance reconciliation successful",
		zap.String("user_id", userId),
		zap.Int64("balance", balance))
	return nil
}
