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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"creditgen-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	durations := map[string]time.Duration{
		"DB_CONN_MAX_LIFETIME":       5 * time.Minute,
		"DB_CONN_MAX_IDLE_TIME":      30 * time.Second,
		"DB_PING_TIMEOUT":            5 * time.Second,
		"DB_BUSY_TIMEOUT":            5 * time.Second,
		"HTTP_SHUTDOWN_TIMEOUT":      30 * time.Second,
		"LEDGER_RETRY_DELAY":         10 * time.Millisecond,
		"RATE_LIMIT_WINDOW":          60 * time.Second,
		"RATE_LIMIT_COOLDOWN":        2 * time.Second,
		"RATE_LIMIT_IDLE_TTL":        10 * time.Minute,
		"RATE_LIMIT_SWEEP_INTERVAL":  time.Minute,
		"PROVIDER_TIMEOUT":           30 * time.Second,
		"ARTIFACT_FETCH_TIMEOUT":     60 * time.Second,
		"RECONCILE_RETRY_DELAY":      25 * time.Millisecond,
		"RECONCILE_CACHE_TTL":        time.Hour,
		"RECONCILE_CLEANUP_INTERVAL": 15 * time.Minute,
		"STALE_JOB_TIMEOUT":          0,
		"STALE_SWEEP_INTERVAL":       5 * time.Minute,
		"KAFKA_PUBLISH_TIMEOUT":      5 * time.Second,
	}
	d := make(map[string]time.Duration, len(durations))
	for key, def := range durations {
		value, err := getEnvDuration(key, def)
		if err != nil {
			return nil, err
		}
		d[key] = value
	}

	creditsPerUnit, err := getEnvDecimal("CREDITS_PER_UNIT", decimal.NewFromInt(10))
	if err != nil {
		return nil, err
	}
	if !creditsPerUnit.IsPositive() {
		return nil, fmt.Errorf("CREDITS_PER_UNIT must be positive, got %s", creditsPerUnit.String())
	}

	cfg := &models.Config{
		Namespace: getEnvString("APP_NAMESPACE", "default"),
		KindsFile: getEnvString("KINDS_FILE", "kinds.yaml"),
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "creditgen.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: d["DB_CONN_MAX_LIFETIME"],
			ConnMaxIdleTime: d["DB_CONN_MAX_IDLE_TIME"],
			PingTimeout:     d["DB_PING_TIMEOUT"],
			BusyTimeout:     d["DB_BUSY_TIMEOUT"],
		},
		HTTP: models.HTTPConfig{
			Addr:            getEnvString("HTTP_ADDR", ":8080"),
			JWTSecret:       os.Getenv("JWT_SECRET"),
			ServiceToken:    os.Getenv("SERVICE_TOKEN"),
			WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
			PublicBaseURL:   strings.TrimRight(getEnvString("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			ShutdownTimeout: d["HTTP_SHUTDOWN_TIMEOUT"],
		},
		Ledger: models.LedgerConfig{
			StartingBalance: getEnvInt64("STARTING_BALANCE", 20),
			CreditsPerUnit:  creditsPerUnit,
			MaxRetries:      getEnvInt("LEDGER_MAX_RETRIES", 5),
			RetryDelay:      d["LEDGER_RETRY_DELAY"],
		},
		Admission: models.AdmissionConfig{
			Window:        d["RATE_LIMIT_WINDOW"],
			MaxRequests:   getEnvInt("RATE_LIMIT_MAX", 10),
			Cooldown:      d["RATE_LIMIT_COOLDOWN"],
			IdleTTL:       d["RATE_LIMIT_IDLE_TTL"],
			SweepInterval: d["RATE_LIMIT_SWEEP_INTERVAL"],
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPrefix:   getEnvString("REDIS_PREFIX", "creditgen:admit"),
		},
		Provider: models.ProviderConfig{
			BaseURL:      strings.TrimRight(getEnvString("PROVIDER_BASE_URL", "https://queue.fal.run"), "/"),
			APIKey:       os.Getenv("PROVIDER_API_KEY"),
			Timeout:      d["PROVIDER_TIMEOUT"],
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			GeminiModel:  getEnvString("GEMINI_MODEL", "gemini-2.0-flash-exp-image-generation"),
		},
		Artifacts: models.ArtifactConfig{
			Dir:          getEnvString("ARTIFACT_DIR", "artifacts"),
			BaseURL:      strings.TrimRight(getEnvString("ARTIFACT_BASE_URL", "http://localhost:8080/artifacts"), "/"),
			FetchTimeout: d["ARTIFACT_FETCH_TIMEOUT"],
			MaxBytes:     getEnvInt64("ARTIFACT_MAX_BYTES", 100<<20),
		},
		Reconciler: models.ReconcilerConfig{
			MaxRetries:      getEnvInt("RECONCILE_MAX_RETRIES", 5),
			RetryDelay:      d["RECONCILE_RETRY_DELAY"],
			RefundOnFailure: getEnvBool("REFUND_ON_FAILURE", false),
			CacheTTL:        d["RECONCILE_CACHE_TTL"],
			CleanupInterval: d["RECONCILE_CLEANUP_INTERVAL"],
			StaleJobTimeout: d["STALE_JOB_TIMEOUT"],
			StaleJobRefund:  getEnvBool("STALE_JOB_REFUND", true),
			SweepInterval:   d["STALE_SWEEP_INTERVAL"],
		},
		Ordering: models.OrderingConfig{
			Spacing: getEnvInt64("ORDER_SPACING", 3_600_000_000),
			MinGap:  getEnvInt64("ORDER_MIN_GAP", 1000),
		},
		Events: models.EventsConfig{
			Brokers:        splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:          getEnvString("KAFKA_TOPIC", "creditgen.job_events"),
			ClientID:       getEnvString("KAFKA_CLIENT_ID", "creditgen"),
			PublishTimeout: d["KAFKA_PUBLISH_TIMEOUT"],
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *models.Config) error {
	if cfg.Namespace == "" {
		return fmt.Errorf("APP_NAMESPACE cannot be empty")
	}
	if cfg.Ledger.StartingBalance < 0 {
		return fmt.Errorf("STARTING_BALANCE cannot be negative, got %d", cfg.Ledger.StartingBalance)
	}
	if cfg.Ledger.MaxRetries < 0 || cfg.Reconciler.MaxRetries < 0 {
		return fmt.Errorf("retry counts cannot be negative")
	}
	if cfg.Admission.MaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", cfg.Admission.MaxRequests)
	}
	if cfg.Admission.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %v", cfg.Admission.Window)
	}
	if cfg.Ordering.Spacing <= 0 || cfg.Ordering.MinGap <= 0 {
		return fmt.Errorf("ORDER_SPACING and ORDER_MIN_GAP must be positive")
	}
	if cfg.Ordering.MinGap*2 > cfg.Ordering.Spacing {
		return fmt.Errorf("ORDER_SPACING (%d) must be at least twice ORDER_MIN_GAP (%d)", cfg.Ordering.Spacing, cfg.Ordering.MinGap)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
