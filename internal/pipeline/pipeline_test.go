package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditgen-go/internal/admission"
	"creditgen-go/internal/database"
	"creditgen-go/internal/ledger"
	"creditgen-go/internal/models"
	"creditgen-go/internal/provider"
	"creditgen-go/internal/store"

	"github.com/shopspring/decimal"
)

type allowAll struct{}

func (allowAll) Admit(ctx context.Context, userId string, kind models.MediaKind) admission.Decision {
	return admission.Decision{Allowed: true, Token: "tok"}
}

type fakeAdapter[In any] struct {
	outcome provider.Outcome
	err     error
	calls   int
	jobIds  []string
}

func (f *fakeAdapter[In]) Submit(ctx context.Context, jobId string, input In) (provider.Outcome, error) {
	f.calls++
	f.jobIds = append(f.jobIds, jobId)
	return f.outcome, f.err
}

type fakeArtifacts struct {
	rehostErr error
	stored    []string
}

func (f *fakeArtifacts) Rehost(ctx context.Context, kind models.MediaKind, providerJobId, sourceURL string) (string, error) {
	if f.rehostErr != nil {
		return "", f.rehostErr
	}
	return "https://cdn.test/" + string(kind) + "/" + providerJobId, nil
}

func (f *fakeArtifacts) Store(ctx context.Context, kind models.MediaKind, name string, data []byte, mimeType string) (string, error) {
	f.stored = append(f.stored, name)
	return "https://cdn.test/inline/" + name, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, event models.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var testKinds = []models.KindConfig{
	{Kind: models.KindImage, Cost: 10, Provider: "queue", Model: "m/image", Bucket: "img"},
	{Kind: models.KindVideo, Cost: 50, Provider: "queue", Model: "m/video", Bucket: "vid"},
	{Kind: models.KindImageEdit, Cost: 10, Provider: "queue", Model: "m/edit", DerivesNewRecord: true, Bucket: "processed"},
}

type testEnv struct {
	db        *database.Service
	ledger    *ledger.Service
	pipeline  *Pipeline
	registry  *Registry
	artifacts *fakeArtifacts
	publisher *recordingPublisher
}

func setupTestPipeline(t *testing.T, startingBalance int64, admitter admission.Admitter) *testEnv {
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

	if admitter == nil {
		admitter = allowAll{}
	}
	registry := NewRegistry(testKinds)
	publisher := &recordingPublisher{}
	artifacts := &fakeArtifacts{}
	ledgerSvc := ledger.NewService(db, models.LedgerConfig{
		StartingBalance: startingBalance,
		CreditsPerUnit:  decimal.NewFromInt(10),
		MaxRetries:      3,
	})
	lifecycle := NewLifecycle(db, registry, publisher, 3, 0)

	return &testEnv{
		db:        db,
		ledger:    ledgerSvc,
		pipeline:  NewPipeline(db, admitter, ledgerSvc, lifecycle, artifacts, publisher, time.Second),
		registry:  registry,
		artifacts: artifacts,
		publisher: publisher,
	}
}

func (e *testEnv) spec(kind models.MediaKind) KindSpec {
	spec, _ := e.registry.Lookup(kind)
	return spec
}

func (e *testEnv) balance(t *testing.T, userId string) int64 {
	t.Helper()
	balance, err := e.ledger.Balance(context.Background(), userId)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return balance
}

func TestSubmit_QueuedAttachesProviderId(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{Status: provider.Queued, ProviderJobID: "req-1"}}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)

	result, err := Submit(context.Background(), env.pipeline, d, "user-1", provider.ImageInput{Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Status != models.SubmitStatusInQueue {
		t.Errorf("Expected IN_QUEUE, got %s", result.Status)
	}
	if result.Balance != 10 {
		t.Errorf("Expected balance 10, got %d", result.Balance)
	}
	if adapter.jobIds[0] != result.JobId {
		t.Errorf("Expected adapter to receive job id %s, got %s", result.JobId, adapter.jobIds[0])
	}

	job, err := env.db.GetJob(context.Background(), result.JobId)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.State != models.JobQueued || job.ProviderJobId != "req-1" {
		t.Errorf("Expected queued job with provider id req-1, got %s/%s", job.State, job.ProviderJobId)
	}
	if job.CreditsDebited != 10 || job.BalanceAfterDebit != 10 || job.AdmissionToken != "tok" {
		t.Errorf("Unexpected job billing fields %+v", job)
	}
	if job.PromptText != "a fox" {
		t.Errorf("Expected prompt to be recorded, got %q", job.PromptText)
	}

	if types := env.publisher.types(); len(types) != 1 || types[0] != models.EventJobQueued {
		t.Errorf("Expected one job.queued event, got %v", types)
	}
}

func TestSubmit_SecondSubmitInsufficientCredits(t *testing.T) {
	env := setupTestPipeline(t, 15, nil)
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{Status: provider.Queued, ProviderJobID: "req-1"}}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)
	ctx := context.Background()

	if _, err := Submit(ctx, env.pipeline, d, "user-1", provider.ImageInput{Prompt: "one"}); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	adapter.outcome.ProviderJobID = "req-2"
	_, err := Submit(ctx, env.pipeline, d, "user-1", provider.ImageInput{Prompt: "two"})
	if Classify(err).Kind != KindInsufficientCredits {
		t.Fatalf("Expected InsufficientCredits, got %v", err)
	}
	if adapter.calls != 1 {
		t.Errorf("Expected provider to be called once, got %d", adapter.calls)
	}
	if got := env.balance(t, "user-1"); got != 5 {
		t.Errorf("Expected balance to stay 5, got %d", got)
	}
}

func TestSubmit_ProviderFailureCompensates(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.ImageInput]{err: errors.New("connection refused")}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)
	ctx := context.Background()

	_, err := Submit(ctx, env.pipeline, d, "user-1", provider.ImageInput{Prompt: "a fox"})
	if !errors.Is(err, ErrProviderSubmission) {
		t.Fatalf("Expected provider submission error, got %v", err)
	}
	if Classify(err).Kind != KindProviderError {
		t.Errorf("Expected ProviderError kind, got %s", Classify(err).Kind)
	}

	if got := env.balance(t, "user-1"); got != 20 {
		t.Errorf("Expected balance restored to 20, got %d", got)
	}

	jobs, err := env.pipeline.ListJobs(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.State != models.JobFailed {
		t.Errorf("Expected failed job, got %s", job.State)
	}
	if job.CreditsDebited != 10 || job.CreditsRefunded != 10 || job.NetCharge() != 0 {
		t.Errorf("Expected debit 10 fully refunded, got debited=%d refunded=%d", job.CreditsDebited, job.CreditsRefunded)
	}
	if job.ErrorMessage == "" {
		t.Error("Expected failed job to carry a message")
	}
}

func TestSubmit_ImmediateInlineCompletion(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{
		Status:   provider.CompletedImmediately,
		Data:     []byte{1, 2, 3},
		MIMEType: "image/png",
	}}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)

	result, err := Submit(context.Background(), env.pipeline, d, "user-1", provider.ImageInput{Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Status != models.SubmitStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}
	if result.ArtifactReference != "https://cdn.test/inline/"+result.JobId {
		t.Errorf("Unexpected artifact %s", result.ArtifactReference)
	}

	job, _ := env.db.GetJob(context.Background(), result.JobId)
	if job.State != models.JobCompleted || job.ArtifactReference != result.ArtifactReference {
		t.Errorf("Expected completed job with artifact, got %s/%s", job.State, job.ArtifactReference)
	}
}

func TestSubmit_ImmediateUrlKeptWhenRehostFails(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	env.artifacts.rehostErr = errors.New("bucket unavailable")
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{
		Status:        provider.CompletedImmediately,
		ProviderJobID: "req-7",
		ArtifactURL:   "https://provider.test/out.png",
	}}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)

	result, err := Submit(context.Background(), env.pipeline, d, "user-1", provider.ImageInput{Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.ArtifactReference != "https://provider.test/out.png" {
		t.Errorf("Expected provider url to be kept, got %s", result.ArtifactReference)
	}
}

func TestSubmit_ImmediateEditDerivesNewRecord(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.EditInput]{outcome: provider.Outcome{
		Status:        provider.CompletedImmediately,
		ProviderJobID: "req-e",
		ArtifactURL:   "https://provider.test/edited.png",
	}}
	d := EditDescriptor(env.spec(models.KindImageEdit), adapter)
	ctx := context.Background()

	result, err := Submit(ctx, env.pipeline, d, "user-1", provider.EditInput{Prompt: "make it blue", SourceURL: "https://cdn.test/src.png"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	derived, err := env.db.GetJob(ctx, result.JobId)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if derived.State != models.JobCompleted || derived.SourceReference != "https://cdn.test/src.png" {
		t.Errorf("Expected completed derived record with original source, got %+v", derived)
	}
	original, err := env.db.GetJob(ctx, derived.DerivedFrom)
	if err != nil {
		t.Fatalf("GetJob original failed: %v", err)
	}
	if original.State != models.JobSuperseded {
		t.Errorf("Expected original superseded, got %s", original.State)
	}
	if original.ArtifactReference != "" {
		t.Errorf("Expected original artifact unchanged, got %s", original.ArtifactReference)
	}
}

func TestSubmit_ValidationFailsBeforeDebit(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.VideoInput]{}
	d := VideoDescriptor(env.spec(models.KindVideo), adapter)

	tests := []struct {
		name  string
		input provider.VideoInput
	}{
		{"missing prompt", provider.VideoInput{SourceURL: "https://a.test/x.png"}},
		{"missing source", provider.VideoInput{Prompt: "pan left"}},
		{"non http source", provider.VideoInput{Prompt: "pan left", SourceURL: "file:///etc/passwd"}},
		{"too long", provider.VideoInput{Prompt: "pan left", SourceURL: "https://a.test/x.png", DurationSeconds: 60}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Submit(context.Background(), env.pipeline, d, "user-1", tt.input)
			pe := Classify(err)
			if pe == nil || pe.Kind != KindValidation {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if pe.Reason == "" {
				t.Error("Expected a renderable reason")
			}
		})
	}

	if adapter.calls != 0 {
		t.Errorf("Expected no provider calls, got %d", adapter.calls)
	}
	if got := env.balance(t, "user-1"); got != 20 {
		t.Errorf("Expected untouched balance 20, got %d", got)
	}
}

func TestSubmit_RateLimitedBeforeDebit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	controller := admission.NewController(admission.ControllerConfig{
		Window:      time.Minute,
		MaxRequests: 10,
		Cooldown:    2 * time.Second,
		Now:         func() time.Time { return now },
	})
	env := setupTestPipeline(t, 100, controller)
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{Status: provider.Queued, ProviderJobID: "req-1"}}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)
	ctx := context.Background()

	if _, err := Submit(ctx, env.pipeline, d, "user-1", provider.ImageInput{Prompt: "one"}); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	_, err := Submit(ctx, env.pipeline, d, "user-1", provider.ImageInput{Prompt: "two"})
	pe := Classify(err)
	if pe.Kind != KindRateLimited || pe.Reason != admission.ReasonCooldown {
		t.Fatalf("Expected cooldown rejection, got %v", err)
	}
	if got := env.balance(t, "user-1"); got != 90 {
		t.Errorf("Expected a single debit, balance 90, got %d", got)
	}
}

func TestSubmit_AnonymousRequiresSignIn(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.ImageInput]{}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)

	_, err := Submit(context.Background(), env.pipeline, d, "", provider.ImageInput{Prompt: "a fox"})
	pe := Classify(err)
	if pe.Kind != KindSignInRequired {
		t.Fatalf("Expected SignInRequired, got %v", err)
	}
	if adapter.calls != 0 {
		t.Errorf("Expected no provider calls, got %d", adapter.calls)
	}
}

func TestSubmitKind_DispatchesRegisteredKinds(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{Status: provider.Queued, ProviderJobID: "req-1"}}
	Register(env.pipeline, ImageDescriptor(env.spec(models.KindImage), adapter))
	ctx := context.Background()

	result, err := env.pipeline.SubmitKind(ctx, models.KindImage, "user-1", SubmitRequest{Prompt: "  a fox  ", Count: 1})
	if err != nil {
		t.Fatalf("SubmitKind failed: %v", err)
	}
	if result.Kind != models.KindImage {
		t.Errorf("Expected image kind, got %s", result.Kind)
	}

	_, err = env.pipeline.SubmitKind(ctx, models.KindVideo, "user-1", SubmitRequest{Prompt: "x"})
	if Classify(err).Kind != KindValidation {
		t.Errorf("Expected ValidationError for unregistered kind, got %v", err)
	}
}

func TestGetJob_HidesOtherUsersJobs(t *testing.T) {
	env := setupTestPipeline(t, 20, nil)
	adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{Status: provider.Queued, ProviderJobID: "req-1"}}
	d := ImageDescriptor(env.spec(models.KindImage), adapter)
	ctx := context.Background()

	result, err := Submit(ctx, env.pipeline, d, "user-1", provider.ImageInput{Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := env.pipeline.GetJob(ctx, "user-2", result.JobId); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound for another user, got %v", err)
	}
	if _, err := env.pipeline.GetJob(ctx, "user-1", result.JobId); err != nil {
		t.Errorf("Owner lookup failed: %v", err)
	}
}

// cancellingStore cancels the caller's context at one step of the submission.
type cancellingStore struct {
	*database.Service
	cancel      context.CancelFunc
	afterDebit  bool
	beforeJobOp bool
}

func (s *cancellingStore) DebitCredits(ctx context.Context, params store.CreditParams) (*models.CreditTransaction, error) {
	txn, err := s.Service.DebitCredits(ctx, params)
	if s.afterDebit {
		s.cancel()
	}
	return txn, err
}

func (s *cancellingStore) CreateJob(ctx context.Context, job *models.JobRecord) error {
	if s.beforeJobOp {
		s.cancel()
	}
	return s.Service.CreateJob(ctx, job)
}

func TestSubmit_CallerCancellationAfterDebitStillRecordsJob(t *testing.T) {
	tests := []struct {
		name        string
		afterDebit  bool
		beforeJobOp bool
	}{
		{name: "cancelled once debit commits", afterDebit: true},
		{name: "cancelled before job insert", beforeJobOp: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestPipeline(t, 20, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			db := &cancellingStore{Service: env.db, cancel: cancel, afterDebit: tt.afterDebit, beforeJobOp: tt.beforeJobOp}
			ledgerSvc := ledger.NewService(db, models.LedgerConfig{
				StartingBalance: 20,
				CreditsPerUnit:  decimal.NewFromInt(10),
				MaxRetries:      3,
			})
			lifecycle := NewLifecycle(db, env.registry, env.publisher, 3, 0)
			p := NewPipeline(db, allowAll{}, ledgerSvc, lifecycle, env.artifacts, env.publisher, time.Second)

			adapter := &fakeAdapter[provider.ImageInput]{outcome: provider.Outcome{Status: provider.Queued, ProviderJobID: "req-1"}}
			d := ImageDescriptor(env.spec(models.KindImage), adapter)

			result, err := Submit(ctx, p, d, "user-1", provider.ImageInput{Prompt: "a fox"})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if ctx.Err() == nil {
				t.Fatal("Expected the caller context to be cancelled")
			}

			if got := env.balance(t, "user-1"); got != 10 {
				t.Errorf("Expected balance 10, got %d", got)
			}
			job, err := env.db.GetJob(context.Background(), result.JobId)
			if err != nil {
				t.Fatalf("Expected the debited job to be recorded: %v", err)
			}
			if job.State != models.JobQueued || job.ProviderJobId != "req-1" {
				t.Errorf("Expected queued job attached to req-1, got %s / %q", job.State, job.ProviderJobId)
			}
			if job.CreditsDebited != 10 {
				t.Errorf("Expected 10 credits debited, got %d", job.CreditsDebited)
			}
		})
	}
}
