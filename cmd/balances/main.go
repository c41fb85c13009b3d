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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"creditgen-go/internal/common"
	"creditgen-go/internal/config"
	"creditgen-go/internal/database"
	"creditgen-go/internal/ledger"
	"creditgen-go/internal/models"

	"go.uber.org/zap"
)

type reportStats struct {
	transactions int
	jobs         int
	queued       int
	failed       int
}

func generateReport(ctx context.Context, report *common.Report, userId string, limit int, ledgerSvc *ledger.Service, dbService *database.Service) (reportStats, error) {
	stats := reportStats{}

	balance, err := ledgerSvc.Balance(ctx, userId)
	if err != nil {
		return stats, err
	}
	transactions, err := ledgerSvc.History(ctx, userId, limit, 0)
	if err != nil {
		return stats, err
	}
	jobs, err := dbService.ListJobs(ctx, userId, limit, 0)
	if err != nil {
		return stats, fmt.Errorf("failed to list jobs: %w", err)
	}

	report.Section(userId, balance)
	report.Transactions(transactions)
	report.Jobs(jobs)

	stats.transactions = len(transactions)
	stats.jobs = len(jobs)
	for _, job := range jobs {
		switch job.State {
		case models.JobQueued:
			stats.queued++
		case models.JobFailed:
			stats.failed++
		}
	}
	return stats, nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "User id to report on (required)")
	limitFlag := flag.Int("limit", 20, "Number of transactions and jobs to show")
	flag.Parse()

	if *userFlag == "" {
		logger.Fatal("The --user flag is required")
	}

	logger.Info("Starting balance query", zap.String("user_id", *userFlag))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// No providers are needed for read-only operations
	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	ledgerSvc := ledger.NewService(dbService, cfg.Ledger)

	report := common.NewReport(os.Stdout)
	report.Header("CREDIT BALANCE REPORT")

	stats, err := generateReport(ctx, report, *userFlag, *limitFlag, ledgerSvc, dbService)
	if err != nil {
		logger.Fatal("Failed to generate report", zap.Error(err))
	}

	summary := fmt.Sprintf("SUMMARY: %d transactions, %d jobs (%d queued, %d failed)",
		stats.transactions, stats.jobs, stats.queued, stats.failed)
	report.Footer(summary)

	logger.Info("Balance query completed",
		zap.String("user_id", *userFlag),
		zap.Int("transactions", stats.transactions),
		zap.Int("jobs", stats.jobs))
}
