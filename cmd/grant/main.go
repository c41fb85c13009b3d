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
	"creditgen-go/internal/ledger"
	"creditgen-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type grantRequest struct {
	userId  string
	credits int64
	payment decimal.Decimal
	ref     string
}

func parseFlags() (grantRequest, error) {
	userFlag := flag.String("user", "", "User id to credit (required)")
	creditsFlag := flag.Int64("credits", 0, "Whole credits to grant")
	amountFlag := flag.String("amount", "", "Payment amount to convert at CREDITS_PER_UNIT, e.g. 4.99")
	refFlag := flag.String("ref", "", "Idempotency reference, e.g. a payment id (required)")
	flag.Parse()

	req := grantRequest{userId: *userFlag, credits: *creditsFlag, ref: *refFlag}
	if req.userId == "" || req.ref == "" {
		return req, fmt.Errorf("both flags are required: --user and --ref")
	}
	if (req.credits > 0) == (*amountFlag != "") {
		return req, fmt.Errorf("exactly one of --credits or --amount is required")
	}
	if *amountFlag != "" {
		payment, err := decimal.NewFromString(*amountFlag)
		if err != nil {
			return req, fmt.Errorf("invalid amount %q: %w", *amountFlag, err)
		}
		req.payment = payment
	}
	return req, nil
}

func apply(ctx context.Context, ledgerSvc *ledger.Service, req grantRequest) (*models.TopUpResult, error) {
	if req.credits > 0 {
		balance, err := ledgerSvc.Credit(ctx, req.userId, req.credits, "grant:"+req.ref)
		if err != nil {
			return nil, err
		}
		return &models.TopUpResult{Success: true, UserId: req.userId, Credits: req.credits, NewBalance: balance}, nil
	}
	return ledgerSvc.TopUp(ctx, req.userId, req.payment, req.ref)
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	result, err := apply(ctx, ledger.NewService(dbService, cfg.Ledger), req)
	if err != nil {
		zap.L().Fatal("Failed to grant credits",
			zap.String("user_id", req.userId),
			zap.String("ref", req.ref),
			zap.Error(err))
	}

	report := common.NewReport(os.Stdout)
	report.Header("CREDITS GRANTED")
	report.Field("User", req.userId)
	report.Field("Reference", req.ref)
	if result.Duplicate {
		report.Field("Credits", "already applied")
	} else {
		report.Field("Credits", result.Credits)
	}
	report.Footer(fmt.Sprintf("New balance: %d credits", result.NewBalance))

	zap.L().Info("Grant completed",
		zap.String("user_id", req.userId),
		zap.Int64("credits", result.Credits),
		zap.Bool("duplicate", result.Duplicate))
}
