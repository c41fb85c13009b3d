package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Namespace  string
	KindsFile  string
	Database   DatabaseConfig
	HTTP       HTTPConfig
	Ledger     LedgerConfig
	Admission  AdmissionConfig
	Provider   ProviderConfig
	Artifacts  ArtifactConfig
	Reconciler ReconcilerConfig
	Ordering   OrderingConfig
	Events     EventsConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration
}

// HTTPConfig holds the public listener and its credentials
type HTTPConfig struct {
	Addr            string
	JWTSecret       string
	ServiceToken    string
	WebhookSecret   string
	PublicBaseURL   string
	ShutdownTimeout time.Duration
}

// LedgerConfig holds credit ledger settings
type LedgerConfig struct {
	StartingBalance int64
	CreditsPerUnit  decimal.Decimal
	MaxRetries      int
	RetryDelay      time.Duration
}

// AdmissionConfig holds rate limiter settings
type AdmissionConfig struct {
	Window        time.Duration
	MaxRequests   int
	Cooldown      time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
	RedisAddr     string
	RedisPrefix   string
}

// ProviderConfig holds generation provider credentials and timeouts
type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	GeminiAPIKey string
	GeminiModel  string
}

// ArtifactConfig holds owned artifact storage settings
type ArtifactConfig struct {
	Dir          string
	BaseURL      string
	FetchTimeout time.Duration
	MaxBytes     int64
}

// ReconcilerConfig holds webhook reconciliation and watchdog settings
type ReconcilerConfig struct {
	MaxRetries      int
	RetryDelay      time.Duration
	RefundOnFailure bool
	CacheTTL        time.Duration
	CleanupInterval time.Duration
	StaleJobTimeout time.Duration
	StaleJobRefund  bool
	SweepInterval   time.Duration
}

// OrderingConfig holds sparse position key settings
type OrderingConfig struct {
	Spacing int64
	MinGap  int64
}

// EventsConfig holds lifecycle event publishing settings
type EventsConfig struct {
	Brokers        []string
	Topic          string
	ClientID       string
	PublishTimeout time.Duration
}

// KindConfig is one entry of the media kind catalog
type KindConfig struct {
	Kind             MediaKind `yaml:"kind"`
	Cost             int64     `yaml:"cost"`
	Provider         string    `yaml:"provider"`
	Model            string    `yaml:"model"`
	DerivesNewRecord bool      `yaml:"derives_new_record"`
	Bucket           string    `yaml:"bucket"`
}
