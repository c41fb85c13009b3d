package config

import (
	"strings"
	"testing"
	"time"

	"creditgen-go/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "")
	t.Setenv("STARTING_BALANCE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Admission.Window != 60*time.Second {
		t.Errorf("Expected 60s window, got %v", cfg.Admission.Window)
	}
	if cfg.Admission.MaxRequests != 10 {
		t.Errorf("Expected 10 requests per window, got %d", cfg.Admission.MaxRequests)
	}
	if cfg.Admission.Cooldown != 2*time.Second {
		t.Errorf("Expected 2s cooldown, got %v", cfg.Admission.Cooldown)
	}
	if cfg.Reconciler.RefundOnFailure {
		t.Error("Expected refund on failure to be off by default")
	}
	if cfg.Reconciler.StaleJobTimeout != 0 {
		t.Errorf("Expected watchdog disabled by default, got %v", cfg.Reconciler.StaleJobTimeout)
	}
	if cfg.Ledger.CreditsPerUnit.String() != "10" {
		t.Errorf("Expected 10 credits per unit, got %s", cfg.Ledger.CreditsPerUnit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_COOLDOWN", "500ms")
	t.Setenv("REFUND_ON_FAILURE", "true")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("CREDITS_PER_UNIT", "12.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Admission.Cooldown != 500*time.Millisecond {
		t.Errorf("Expected 500ms cooldown, got %v", cfg.Admission.Cooldown)
	}
	if !cfg.Reconciler.RefundOnFailure {
		t.Error("Expected refund on failure to be enabled")
	}
	if len(cfg.Events.Brokers) != 2 || cfg.Events.Brokers[1] != "b:9092" {
		t.Errorf("Expected two trimmed brokers, got %v", cfg.Events.Brokers)
	}
	if cfg.Ledger.CreditsPerUnit.String() != "12.5" {
		t.Errorf("Expected 12.5 credits per unit, got %s", cfg.Ledger.CreditsPerUnit)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "PROVIDER_TIMEOUT", "soon"},
		{"bad decimal", "CREDITS_PER_UNIT", "ten"},
		{"zero rate", "CREDITS_PER_UNIT", "0"},
		{"negative balance", "STARTING_BALANCE", "-5"},
		{"gap wider than spacing", "ORDER_MIN_GAP", "9000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestParseKinds(t *testing.T) {
	doc := `
kinds:
  - kind: image
    cost: 10
    provider: queue
    model: fal-ai/flux/dev
  - kind: image-edit
    cost: 4
    provider: gemini
    derives_new_record: true
`
	kinds, err := ParseKinds([]byte(doc))
	if err != nil {
		t.Fatalf("ParseKinds failed: %v", err)
	}
	if len(kinds) != 2 {
		t.Fatalf("Expected 2 kinds, got %d", len(kinds))
	}
	if kinds[1].Kind != models.KindImageEdit || !kinds[1].DerivesNewRecord {
		t.Errorf("Expected image-edit deriving a new record, got %+v", kinds[1])
	}
}

func TestParseKindsValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "kinds: []", "empty"},
		{"unknown kind", "kinds:\n  - {kind: audio, cost: 1, provider: queue, model: m}", "unknown kind"},
		{"zero cost", "kinds:\n  - {kind: image, cost: 0, provider: queue, model: m}", "positive cost"},
		{"duplicate", "kinds:\n  - {kind: image, cost: 1, provider: queue, model: m}\n  - {kind: image, cost: 2, provider: queue, model: m}", "more than once"},
		{"missing provider", "kinds:\n  - {kind: video, cost: 1}", "missing provider"},
		{"queue without model", "kinds:\n  - {kind: video, cost: 1, provider: queue}", "missing model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKinds([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
