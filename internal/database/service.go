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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.PipelineStore.
var _ store.PipelineStore = (*Service)(nil)

type Service struct {
	db        *sql.DB
	namespace string
	credits   *CreditService
}

func NewService(ctx context.Context, cfg models.DatabaseConfig, namespace string) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path), zap.String("namespace", namespace))
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=%d&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Every connection to :memory: is a separate database, and closing the
	// last one discards it, so the single connection is never recycled.
	if strings.HasPrefix(cfg.Path, ":memory:") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service, err := newServiceFromDB(db, namespace)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, err
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func newServiceFromDB(db *sql.DB, namespace string) (*Service, error) {
	credits := NewCreditService(db, namespace)
	service := &Service{db: db, namespace: namespace, credits: credits}
	if err := service.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	if err := credits.InitSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize credit schema: %w", err)
	}
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) initSchema() error {
	schema := `
	-- Job records, one per billed action
	CREATE TABLE IF NOT EXISTS jobs (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		source_reference TEXT NOT NULL DEFAULT '',
		artifact_reference TEXT NOT NULL DEFAULT '',
		provider_job_id TEXT,
		prompt_text TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		credits_debited INTEGER NOT NULL DEFAULT 0,
		credits_refunded INTEGER NOT NULL DEFAULT 0,
		balance_after_debit INTEGER NOT NULL DEFAULT 0,
		admission_token TEXT NOT NULL DEFAULT '',
		derived_from TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, id)
	);

	-- Provider job ids are the reconciliation lookup key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_provider_job_id
		ON jobs(namespace, provider_job_id) WHERE provider_job_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(namespace, owner_user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_position ON jobs(namespace, owner_user_id, state, position);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(namespace, state, created_at);

	-- Group memberships carry a per-group order independent of the global position
	CREATE TABLE IF NOT EXISTS group_memberships (
		namespace TEXT NOT NULL,
		group_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, group_id, job_id)
	);

	CREATE INDEX IF NOT EXISTS idx_group_memberships_user ON group_memberships(namespace, user_id, group_id, order_index);
	CREATE INDEX IF NOT EXISTS idx_group_memberships_job ON group_memberships(namespace, job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Credit convenience methods

func (s *Service) GetBalance(ctx context.Context, userId string, startingBalance int64) (int64, error) {
	return s.credits.GetBalance(ctx, userId, startingBalance)
}

func (s *Service) DebitCredits(ctx context.Context, params store.CreditParams) (*models.CreditTransaction, error) {
	params.TransactionType = models.CreditTypeDebit
	return s.credits.ProcessCredit(ctx, params)
}

func (s *Service) AddCredits(ctx context.Context, params store.CreditParams) (*models.CreditTransaction, error) {
	if params.TransactionType == "" || params.TransactionType == models.CreditTypeDebit {
		params.TransactionType = models.CreditTypeGrant
	}
	return s.credits.ProcessCredit(ctx, params)
}

func (s *Service) GetCreditHistory(ctx context.Context, userId string, limit, offset int) ([]models.CreditTransaction, error) {
	return s.credits.GetCreditHistory(ctx, userId, limit, offset)
}

func (s *Service) ReconcileBalance(ctx context.Context, userId string) error {
	return s.credits.ReconcileBalance(ctx, userId)
}

// mapSQLiteError folds lock contention into ErrConcurrentModification so it
// shares the optimistic retry path.
func mapSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", store.ErrConcurrentModification, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
