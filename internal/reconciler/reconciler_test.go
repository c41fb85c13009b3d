package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"creditgen-go/internal/database"
	"creditgen-go/internal/models"
	"creditgen-go/internal/pipeline"
	"creditgen-go/internal/store"
)

type fakeArtifacts struct {
	mu      sync.Mutex
	err     error
	rehosts int
}

func (f *fakeArtifacts) Rehost(ctx context.Context, kind models.MediaKind, providerJobId, sourceURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rehosts++
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.test/" + providerJobId + ".png", nil
}

func (f *fakeArtifacts) Store(ctx context.Context, kind models.MediaKind, name string, data []byte, mimeType string) (string, error) {
	return "", errors.New("not used")
}

var testKinds = []models.KindConfig{
	{Kind: models.KindImage, Cost: 10, Provider: "queue", Model: "m/image"},
	{Kind: models.KindImageEdit, Cost: 10, Provider: "queue", Model: "m/edit", DerivesNewRecord: true},
}

func setupTestDb(t *testing.T) *database.Service {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		PingTimeout:  time.Second,
		BusyTimeout:  time.Second,
	}, "test")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func newTestReconciler(t *testing.T, db store.PipelineStore, refund bool) (*Reconciler, *fakeArtifacts) {
	t.Helper()
	artifacts := &fakeArtifacts{}
	lifecycle := pipeline.NewLifecycle(db, pipeline.NewRegistry(testKinds), nil, 2, 0)
	return NewReconciler(Config{
		DbService:       db,
		Lifecycle:       lifecycle,
		Artifacts:       artifacts,
		RefundOnFailure: refund,
	}), artifacts
}

// createDebitedJob debits cost from a fresh account of 20 and records a
// queued job, attaching providerJobId when non-empty.
func createDebitedJob(t *testing.T, db *database.Service, kind models.MediaKind, providerJobId string) *models.JobRecord {
	t.Helper()
	ctx := context.Background()
	if _, err := db.DebitCredits(ctx, store.CreditParams{UserId: "user-1", Amount: 10, StartingBalance: 20}); err != nil {
		t.Fatalf("DebitCredits failed: %v", err)
	}
	job := &models.JobRecord{
		OwnerUserId:     "user-1",
		Kind:            kind,
		SourceReference: "https://cdn.test/src.png",
		PromptText:      "a fox",
		CreditsDebited:  10,
	}
	if err := db.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if providerJobId != "" {
		if err := db.AttachProviderJobID(ctx, job.Id, providerJobId); err != nil {
			t.Fatalf("AttachProviderJobID failed: %v", err)
		}
	}
	return job
}

func TestReconcile_SuccessIsIdempotent(t *testing.T) {
	db := setupTestDb(t)
	r, artifacts := newTestReconciler(t, db, false)
	job := createDebitedJob(t, db, models.KindImage, "req-1")
	ctx := context.Background()

	n := models.WebhookNotification{ProviderJobId: "req-1", Status: models.WebhookOK, ArtifactURL: "https://provider.test/out.png"}
	for i := 0; i < 2; i++ {
		if err := r.Reconcile(ctx, n); err != nil {
			t.Fatalf("Delivery %d failed: %v", i+1, err)
		}
	}

	stored, err := db.GetJob(ctx, job.Id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.State != models.JobCompleted {
		t.Errorf("Expected completed, got %s", stored.State)
	}
	if stored.ArtifactReference != "https://cdn.test/req-1.png" {
		t.Errorf("Expected rehosted artifact, got %s", stored.ArtifactReference)
	}
	if stored.Version != 3 {
		t.Errorf("Expected exactly one transition after attach (version 3), got %d", stored.Version)
	}
	if artifacts.rehosts != 1 {
		t.Errorf("Expected one artifact write, got %d", artifacts.rehosts)
	}
}

func TestReconcile_TerminalJobSkipsWithoutCache(t *testing.T) {
	db := setupTestDb(t)
	first, _ := newTestReconciler(t, db, false)
	createDebitedJob(t, db, models.KindImage, "req-1")
	ctx := context.Background()

	n := models.WebhookNotification{ProviderJobId: "req-1", Status: models.WebhookOK, ArtifactURL: "https://provider.test/out.png"}
	if err := first.Reconcile(ctx, n); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}

	// A fresh instance has an empty processed cache.
	second, artifacts := newTestReconciler(t, db, false)
	if err := second.Reconcile(ctx, n); err != nil {
		t.Fatalf("Second delivery failed: %v", err)
	}
	if artifacts.rehosts != 0 {
		t.Errorf("Expected no artifact write for a terminal job, got %d", artifacts.rehosts)
	}
}

func TestReconcile_UnknownJob(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)

	err := r.Reconcile(context.Background(), models.WebhookNotification{ProviderJobId: "nope", Status: models.WebhookOK, ArtifactURL: "https://x"})
	if !errors.Is(err, pipeline.ErrUnknownJobReference) {
		t.Errorf("Expected ErrUnknownJobReference, got %v", err)
	}
}

func TestReconcile_JobHintResolvesRacedAttach(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)
	job := createDebitedJob(t, db, models.KindImage, "")
	ctx := context.Background()

	err := r.Reconcile(ctx, models.WebhookNotification{
		ProviderJobId: "req-early",
		Status:        models.WebhookOK,
		ArtifactURL:   "https://provider.test/out.png",
		JobHint:       job.Id,
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	stored, _ := db.GetJob(ctx, job.Id)
	if stored.State != models.JobCompleted {
		t.Errorf("Expected completed, got %s", stored.State)
	}
	if stored.ProviderJobId != "req-early" {
		t.Errorf("Expected provider id to be attached from webhook, got %q", stored.ProviderJobId)
	}
}

func TestReconcile_JobHintForOtherProviderJob(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)
	job := createDebitedJob(t, db, models.KindImage, "req-1")

	err := r.Reconcile(context.Background(), models.WebhookNotification{
		ProviderJobId: "req-2",
		Status:        models.WebhookOK,
		ArtifactURL:   "https://provider.test/out.png",
		JobHint:       job.Id,
	})
	if !errors.Is(err, pipeline.ErrUnknownJobReference) {
		t.Errorf("Expected ErrUnknownJobReference, got %v", err)
	}
}

func TestReconcile_RehostFailureKeepsProviderUrl(t *testing.T) {
	db := setupTestDb(t)
	r, artifacts := newTestReconciler(t, db, false)
	artifacts.err = errors.New("bucket unavailable")
	job := createDebitedJob(t, db, models.KindImage, "req-1")
	ctx := context.Background()

	err := r.Reconcile(ctx, models.WebhookNotification{ProviderJobId: "req-1", Status: models.WebhookOK, ArtifactURL: "https://provider.test/out.png"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	stored, _ := db.GetJob(ctx, job.Id)
	if stored.State != models.JobCompleted || stored.ArtifactReference != "https://provider.test/out.png" {
		t.Errorf("Expected completed with provider url, got %s/%s", stored.State, stored.ArtifactReference)
	}
}

func TestReconcile_ErrorRefundPolicy(t *testing.T) {
	tests := []struct {
		name        string
		refund      bool
		wantBalance int64
		wantRefund  int64
	}{
		{"no refund by default", false, 10, 0},
		{"refund when enabled", true, 20, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDb(t)
			r, _ := newTestReconciler(t, db, tt.refund)
			job := createDebitedJob(t, db, models.KindImage, "req-1")
			ctx := context.Background()

			err := r.Reconcile(ctx, models.WebhookNotification{ProviderJobId: "req-1", Status: models.WebhookError, ErrorMessage: "content policy violation"})
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}

			stored, _ := db.GetJob(ctx, job.Id)
			if stored.State != models.JobFailed || stored.ErrorMessage != "content policy violation" {
				t.Errorf("Expected failed with provider message, got %s/%q", stored.State, stored.ErrorMessage)
			}
			if stored.CreditsRefunded != tt.wantRefund {
				t.Errorf("Expected refunded %d, got %d", tt.wantRefund, stored.CreditsRefunded)
			}
			balance, _ := db.GetBalance(ctx, "user-1", 20)
			if balance != tt.wantBalance {
				t.Errorf("Expected balance %d, got %d", tt.wantBalance, balance)
			}
		})
	}
}

func TestReconcile_EditSupersedesOriginal(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)
	job := createDebitedJob(t, db, models.KindImageEdit, "req-edit")
	ctx := context.Background()

	err := r.Reconcile(ctx, models.WebhookNotification{ProviderJobId: "req-edit", Status: models.WebhookOK, ArtifactURL: "https://provider.test/edited.png"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	jobs, err := db.ListJobs(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected exactly two records, got %d", len(jobs))
	}

	var original, derived *models.JobRecord
	for i := range jobs {
		if jobs[i].Id == job.Id {
			original = &jobs[i]
		} else {
			derived = &jobs[i]
		}
	}
	if original.State != models.JobSuperseded || original.ArtifactReference != "" {
		t.Errorf("Expected original superseded with artifact unchanged, got %s/%s", original.State, original.ArtifactReference)
	}
	if derived.State != models.JobCompleted || derived.ArtifactReference != "https://cdn.test/req-edit.png" {
		t.Errorf("Expected derived completed with edited artifact, got %s/%s", derived.State, derived.ArtifactReference)
	}
	if derived.SourceReference != original.SourceReference {
		t.Errorf("Expected derived to keep source %s, got %s", original.SourceReference, derived.SourceReference)
	}
}

// conflictingStore loses every optimistic race on transitions.
type conflictingStore struct {
	*database.Service
}

func (c conflictingStore) ApplyTransition(ctx context.Context, jobId string, plan store.TransitionPlanner) (*store.TransitionResult, error) {
	return nil, fmt.Errorf("job update failed - %w", store.ErrConcurrentModification)
}

func TestReconcile_ContentionSurfacesRetryableError(t *testing.T) {
	db := setupTestDb(t)
	createDebitedJob(t, db, models.KindImage, "req-1")
	r, _ := newTestReconciler(t, conflictingStore{db}, false)

	err := r.Reconcile(context.Background(), models.WebhookNotification{ProviderJobId: "req-1", Status: models.WebhookOK, ArtifactURL: "https://x/y.png"})
	if !errors.Is(err, pipeline.ErrReconciliationContention) {
		t.Errorf("Expected ErrReconciliationContention, got %v", err)
	}
	if r.isProcessed("req-1") {
		t.Error("A failed reconcile must not be cached as processed")
	}
}

func TestReconcile_RejectsMalformedNotification(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)

	tests := []models.WebhookNotification{
		{Status: models.WebhookOK},
		{ProviderJobId: "req-1", Status: "PENDING"},
	}
	for _, n := range tests {
		if err := r.Reconcile(context.Background(), n); !errors.Is(err, pipeline.ErrValidation) {
			t.Errorf("Expected ErrValidation for %+v, got %v", n, err)
		}
	}
}

func TestCleanupProcessed_RemovesExpired(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)
	r.cacheTTL = time.Minute

	r.markProcessed("old")
	r.markProcessed("fresh")
	r.mutex.Lock()
	r.processedIds["old"] = time.Now().Add(-2 * time.Minute)
	r.mutex.Unlock()

	r.cleanupProcessed()

	if r.isProcessed("old") {
		t.Error("Expected expired id to be removed")
	}
	if !r.isProcessed("fresh") {
		t.Error("Expected fresh id to be kept")
	}
}

func TestReconciler_StartStop(t *testing.T) {
	db := setupTestDb(t)
	r, _ := newTestReconciler(t, db, false)

	r.Start(context.Background())
	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
