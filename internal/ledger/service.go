/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"

	"creditgen-go/internal/metrics"
	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxCreditAmount bounds a single additive credit.
const MaxCreditAmount int64 = 1_000_000_000

var (
	ErrSignInRequired = errors.New("sign in required")
	ErrContention     = errors.New("credit balance contention")
	ErrInvalidAmount  = errors.New("invalid credit amount")
)

// Service is the credit ledger: check-and-debit for submissions, additive
// credits for grants, top-ups and compensation.
type Service struct {
	db     store.PipelineStore
	cfg    models.LedgerConfig
	policy retrypolicy.RetryPolicy[*models.CreditTransaction]
}

func NewService(db store.PipelineStore, cfg models.LedgerConfig) *Service {
	builder := retrypolicy.NewBuilder[*models.CreditTransaction]().
		HandleIf(func(_ *models.CreditTransaction, err error) bool {
			return errors.Is(err, store.ErrConcurrentModification)
		}).
		WithMaxRetries(cfg.MaxRetries).
		ReturnLastFailure()
	if cfg.RetryDelay > 0 {
		builder = builder.WithBackoff(cfg.RetryDelay, cfg.RetryDelay*8).WithJitterFactor(0.1)
	}

	return &Service{
		db:     db,
		cfg:    cfg,
		policy: builder.Build(),
	}
}

// CheckAndDebit removes cost from the user's balance, opening the account
// with the starting balance on first use, and returns the new balance.
func (s *Service) CheckAndDebit(ctx context.Context, userId string, cost int64, reference string) (int64, error) {
	if userId == "" {
		return 0, ErrSignInRequired
	}
	if cost < 0 {
		return 0, fmt.Errorf("%w: cost %d", ErrInvalidAmount, cost)
	}
	if cost == 0 {
		return s.Balance(ctx, userId)
	}

	txn, err := failsafe.With(s.policy).WithContext(ctx).Get(func() (*models.CreditTransaction, error) {
		return s.db.DebitCredits(ctx, store.CreditParams{
			UserId:          userId,
			Amount:          cost,
			Reference:       reference,
			StartingBalance: s.cfg.StartingBalance,
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientCredits):
			metrics.Debits.WithLabelValues("insufficient").Inc()
			zap.L().Info("Debit rejected for insufficient credits",
				zap.String("user_id", userId),
				zap.Int64("cost", cost))
			return 0, err
		case errors.Is(err, store.ErrConcurrentModification):
			metrics.Debits.WithLabelValues("contention").Inc()
			zap.L().Warn("Debit retries exhausted",
				zap.String("user_id", userId),
				zap.Int64("cost", cost),
				zap.Int("max_retries", s.cfg.MaxRetries),
				zap.Error(err))
			return 0, fmt.Errorf("%w: %v", ErrContention, err)
		default:
			metrics.Debits.WithLabelValues("error").Inc()
			zap.L().Error("Debit failed",
				zap.String("user_id", userId),
				zap.Int64("cost", cost),
				zap.Error(err))
			return 0, fmt.Errorf("failed to debit credits: %w", err)
		}
	}

	metrics.Debits.WithLabelValues("ok").Inc()
	zap.L().Info("Credits debited",
		zap.String("user_id", userId),
		zap.Int64("cost", cost),
		zap.Int64("new_balance", txn.BalanceAfter),
		zap.String("reference", reference))

	return txn.BalanceAfter, nil
}

// Credit adds amount to the user's balance. A repeated non-empty reference
// is a no-op that returns the current balance.
func (s *Service) Credit(ctx context.Context, userId string, amount int64, reference string) (int64, error) {
	return s.credit(ctx, userId, amount, models.CreditTypeGrant, reference)
}

// Refund credits back a job's debit under the job's refund reference.
func (s *Service) Refund(ctx context.Context, userId string, amount int64, jobId string) (int64, error) {
	return s.credit(ctx, userId, amount, models.CreditTypeRefund, RefundReference(jobId))
}

func (s *Service) credit(ctx context.Context, userId string, amount int64, txType, reference string) (int64, error) {
	if userId == "" {
		return 0, ErrSignInRequired
	}
	if amount <= 0 || amount > MaxCreditAmount {
		return 0, fmt.Errorf("%w: amount %d", ErrInvalidAmount, amount)
	}

	txn, err := failsafe.With(s.policy).WithContext(ctx).Get(func() (*models.CreditTransaction, error) {
		return s.db.AddCredits(ctx, store.CreditParams{
			UserId:          userId,
			Amount:          amount,
			TransactionType: txType,
			Reference:       reference,
			StartingBalance: s.cfg.StartingBalance,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			zap.L().Info("Duplicate credit reference, skipping",
				zap.String("user_id", userId),
				zap.String("reference", reference))
			return s.Balance(ctx, userId)
		}
		if errors.Is(err, store.ErrConcurrentModification) {
			return 0, fmt.Errorf("%w: %v", ErrContention, err)
		}
		zap.L().Error("Credit failed",
			zap.String("user_id", userId),
			zap.String("type", txType),
			zap.Int64("amount", amount),
			zap.Error(err))
		return 0, fmt.Errorf("failed to add credits: %w", err)
	}

	zap.L().Info("Credits added",
		zap.String("user_id", userId),
		zap.String("type", txType),
		zap.Int64("amount", amount),
		zap.Int64("new_balance", txn.BalanceAfter),
		zap.String("reference", reference))

	return txn.BalanceAfter, nil
}

// TopUp converts a payment amount into credits at the configured rate,
// rounding down, and applies it once per payment reference.
func (s *Service) TopUp(ctx context.Context, userId string, payment decimal.Decimal, paymentRef string) (*models.TopUpResult, error) {
	if userId == "" {
		return nil, ErrSignInRequired
	}
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidAmount)
	}
	if !payment.IsPositive() {
		return nil, fmt.Errorf("%w: payment %s", ErrInvalidAmount, payment.String())
	}

	credits := payment.Mul(s.cfg.CreditsPerUnit).Floor()
	if !credits.IsPositive() || credits.GreaterThan(decimal.NewFromInt(MaxCreditAmount)) {
		return nil, fmt.Errorf("%w: payment %s converts to %s credits", ErrInvalidAmount, payment.String(), credits.String())
	}

	reference := "payment:" + paymentRef
	txn, err := s.db.AddCredits(ctx, store.CreditParams{
		UserId:          userId,
		Amount:          credits.IntPart(),
		TransactionType: models.CreditTypeTopUp,
		Reference:       reference,
		StartingBalance: s.cfg.StartingBalance,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			balance, balErr := s.Balance(ctx, userId)
			if balErr != nil {
				return nil, balErr
			}
			zap.L().Info("Duplicate top-up detected",
				zap.String("user_id", userId),
				zap.String("payment_ref", paymentRef))
			return &models.TopUpResult{
				Success:    true,
				UserId:     userId,
				NewBalance: balance,
				Duplicate:  true,
			}, nil
		}
		zap.L().Error("Top-up failed",
			zap.String("user_id", userId),
			zap.String("payment", payment.String()),
			zap.String("payment_ref", paymentRef),
			zap.Error(err))
		return nil, fmt.Errorf("failed to apply top-up: %w", err)
	}

	zap.L().Info("Top-up applied",
		zap.String("user_id", userId),
		zap.String("payment", payment.String()),
		zap.Int64("credits", txn.Amount),
		zap.Int64("new_balance", txn.BalanceAfter))

	return &models.TopUpResult{
		Success:    true,
		UserId:     userId,
		Credits:    txn.Amount,
		NewBalance: txn.BalanceAfter,
	}, nil
}

// Balance returns the user's balance, or the starting balance for a user
// who has no account yet.
func (s *Service) Balance(ctx context.Context, userId string) (int64, error) {
	if userId == "" {
		return 0, ErrSignInRequired
	}

	balance, err := s.db.GetBalance(ctx, userId, s.cfg.StartingBalance)
	if err != nil {
		zap.L().Error("Failed to get balance", zap.String("user_id", userId), zap.Error(err))
		return 0, fmt.Errorf("failed to retrieve balance: %w", err)
	}
	return balance, nil
}

// History returns paginated credit transactions, newest first.
func (s *Service) History(ctx context.Context, userId string, limit, offset int) ([]models.CreditTransaction, error) {
	if userId == "" {
		return nil, ErrSignInRequired
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	history, err := s.db.GetCreditHistory(ctx, userId, limit, offset)
	if err != nil {
		zap.L().Error("Failed to get credit history", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve credit history: %w", err)
	}
	return history, nil
}

// RefundReference is the idempotency reference for a job's compensation.
func RefundReference(jobId string) string {
	return "job:" + jobId + ":refund"
}
