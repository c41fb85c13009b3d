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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditgen-go/internal/admission"
	"creditgen-go/internal/events"
	"creditgen-go/internal/ledger"
	"creditgen-go/internal/metrics"
	"creditgen-go/internal/models"
	"creditgen-go/internal/provider"
	"creditgen-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArtifactStore copies provider output into owned storage.
type ArtifactStore interface {
	Rehost(ctx context.Context, kind models.MediaKind, providerJobId, sourceURL string) (string, error)
	Store(ctx context.Context, kind models.MediaKind, name string, data []byte, mimeType string) (string, error)
}

// SubmitRequest is the kind-independent submission body.
type SubmitRequest struct {
	Prompt          string `json:"prompt"`
	SourceReference string `json:"sourceReference"`
	Size            string `json:"size"`
	Count           int    `json:"count"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Descriptor binds a kind spec to its provider adapter and input shape.
type Descriptor[In any] struct {
	Spec     KindSpec
	Adapter  provider.Adapter[In]
	Decode   func(SubmitRequest) In
	Validate func(In) error
	Prompt   func(In) string
	Source   func(In) string
}

type submitFunc func(ctx context.Context, userId string, req SubmitRequest) (*models.SubmitResult, error)

type Pipeline struct {
	db              store.PipelineStore
	admitter        admission.Admitter
	ledger          *ledger.Service
	lifecycle       *Lifecycle
	artifacts       ArtifactStore
	publisher       events.Publisher
	providerTimeout time.Duration
	handlers        map[models.MediaKind]submitFunc
}

func NewPipeline(db store.PipelineStore, admitter admission.Admitter, ledgerSvc *ledger.Service, lifecycle *Lifecycle,
	artifacts ArtifactStore, publisher events.Publisher, providerTimeout time.Duration) *Pipeline {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Pipeline{
		db:              db,
		admitter:        admitter,
		ledger:          ledgerSvc,
		lifecycle:       lifecycle,
		artifacts:       artifacts,
		publisher:       publisher,
		providerTimeout: providerTimeout,
		handlers:        make(map[models.MediaKind]submitFunc),
	}
}

// Register makes a kind submittable through SubmitKind.
func Register[In any](p *Pipeline, d *Descriptor[In]) {
	p.handlers[d.Spec.Kind] = func(ctx context.Context, userId string, req SubmitRequest) (*models.SubmitResult, error) {
		return Submit(ctx, p, d, userId, d.Decode(req))
	}
}

// SubmitKind dispatches a generic request to the registered kind.
func (p *Pipeline) SubmitKind(ctx context.Context, kind models.MediaKind, userId string, req SubmitRequest) (*models.SubmitResult, error) {
	handler, ok := p.handlers[kind]
	if !ok {
		return nil, validationError(fmt.Sprintf("Unsupported kind %q.", kind))
	}
	return handler(ctx, userId, req)
}

// Submit runs one request through admission, debit, record creation and
// provider submission. A provider failure after the debit refunds the cost
// and leaves the record failed before the error is returned.
func Submit[In any](ctx context.Context, p *Pipeline, d *Descriptor[In], userId string, input In) (*models.SubmitResult, error) {
	kind := d.Spec.Kind

	if d.Validate != nil {
		if err := d.Validate(input); err != nil {
			return nil, validationError(err.Error())
		}
	}

	decision := p.admitter.Admit(ctx, userId, kind)
	if !decision.Allowed {
		metrics.Admissions.WithLabelValues(string(kind), admissionResult(decision.Reason)).Inc()
		zap.L().Info("Submission rejected by admission",
			zap.String("user_id", userId),
			zap.String("kind", string(kind)),
			zap.String("reason", decision.Reason))
		return nil, &Error{Kind: KindRateLimited, Reason: decision.Reason, Err: ErrRateLimited}
	}
	metrics.Admissions.WithLabelValues(string(kind), "allowed").Inc()
	meta := models.GetRequestMeta(ctx)
	if meta != nil {
		meta.AdmissionToken = decision.Token
	}

	// Once the debit may have committed, the record and any refund must be
	// written even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	jobId := uuid.New().String()
	balance, err := p.ledger.CheckAndDebit(ctx, userId, d.Spec.Cost, "job:"+jobId+":debit")
	if err != nil {
		return nil, Classify(err)
	}

	job := &models.JobRecord{
		Id:                jobId,
		OwnerUserId:       userId,
		Kind:              kind,
		State:             models.JobQueued,
		CreditsDebited:    d.Spec.Cost,
		BalanceAfterDebit: balance,
		AdmissionToken:    decision.Token,
	}
	if d.Prompt != nil {
		job.PromptText = d.Prompt(input)
	}
	if d.Source != nil {
		job.SourceReference = d.Source(input)
	}

	if err := p.db.CreateJob(ctx, job); err != nil {
		zap.L().Error("Failed to create job record after debit",
			zap.String("job_id", jobId),
			zap.String("user_id", userId),
			zap.Error(err))
		if _, refundErr := p.ledger.Refund(ctx, userId, d.Spec.Cost, jobId); refundErr != nil {
			zap.L().Error("Failed to refund debit for unrecorded job",
				zap.String("job_id", jobId),
				zap.String("user_id", userId),
				zap.Int64("credits", d.Spec.Cost),
				zap.Error(refundErr))
		}
		return nil, &Error{Kind: KindInternal, Reason: ReasonInternal, Err: err}
	}

	subCtx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	outcome, err := d.Adapter.Submit(subCtx, jobId, input)
	cancel()
	if err == nil && outcome.Status == provider.Queued && outcome.ProviderJobID == "" {
		err = errors.New("provider queued the job without an id")
	}
	if err != nil {
		return nil, p.compensate(ctx, job, err)
	}

	if outcome.ProviderJobID != "" {
		if attachErr := p.db.AttachProviderJobID(ctx, jobId, outcome.ProviderJobID); attachErr != nil {
			// The webhook may already have resolved the job through the job hint.
			zap.L().Warn("Failed to attach provider job id",
				zap.String("job_id", jobId),
				zap.String("provider_job_id", outcome.ProviderJobID),
				zap.Error(attachErr))
		} else {
			job.ProviderJobId = outcome.ProviderJobID
		}
	}

	if outcome.Status == provider.Queued {
		metrics.Submissions.WithLabelValues(string(kind), "queued").Inc()
		p.publisher.Publish(ctx, events.NewJobEvent(models.EventJobQueued, job))
		zap.L().Info("Job queued with provider",
			zap.String("job_id", jobId),
			zap.String("user_id", userId),
			zap.String("kind", string(kind)),
			zap.String("provider_job_id", outcome.ProviderJobID),
			zap.String("admission_token", decision.Token),
			zap.String("request_id", requestId(meta)))
		return &models.SubmitResult{
			Status:  models.SubmitStatusInQueue,
			JobId:   jobId,
			Kind:    kind,
			Balance: balance,
		}, nil
	}

	return p.completeImmediately(ctx, job, outcome, balance)
}

func (p *Pipeline) completeImmediately(ctx context.Context, job *models.JobRecord, outcome provider.Outcome, balance int64) (*models.SubmitResult, error) {
	artifact := outcome.ArtifactURL
	if len(outcome.Data) > 0 {
		stored, err := p.artifacts.Store(ctx, job.Kind, job.Id, outcome.Data, outcome.MIMEType)
		if err != nil {
			return nil, p.compensate(ctx, job, fmt.Errorf("unable to store inline artifact: %w", err))
		}
		artifact = stored
	} else if artifact != "" {
		rehosted, err := p.artifacts.Rehost(ctx, job.Kind, outcome.ProviderJobID, artifact)
		if err != nil {
			zap.L().Warn("Artifact rehost failed, keeping provider url",
				zap.String("job_id", job.Id),
				zap.String("artifact_url", artifact),
				zap.Error(err))
		} else {
			artifact = rehosted
		}
	}
	if artifact == "" {
		return nil, p.compensate(ctx, job, errors.New("provider completed without an artifact"))
	}

	res, err := p.lifecycle.Resolve(ctx, job.Id, Result{Success: true, Artifact: artifact})
	if err != nil {
		zap.L().Error("Failed to record immediate completion",
			zap.String("job_id", job.Id),
			zap.String("user_id", job.OwnerUserId),
			zap.String("artifact", artifact),
			zap.Error(err))
		return nil, Classify(err)
	}

	metrics.Submissions.WithLabelValues(string(job.Kind), "completed").Inc()
	result := &models.SubmitResult{
		Status:            models.SubmitStatusCompleted,
		JobId:             job.Id,
		Kind:              job.Kind,
		ArtifactReference: artifact,
		Balance:           balance,
	}
	if res.Derived != nil {
		result.JobId = res.Derived.Id
	}
	return result, nil
}

// compensate refunds the debit and fails the record in one transaction.
func (p *Pipeline) compensate(ctx context.Context, job *models.JobRecord, cause error) error {
	metrics.Submissions.WithLabelValues(string(job.Kind), "provider_error").Inc()
	zap.L().Error("Provider submission failed",
		zap.String("job_id", job.Id),
		zap.String("user_id", job.OwnerUserId),
		zap.String("kind", string(job.Kind)),
		zap.String("prompt", job.PromptText),
		zap.Int64("credits", job.CreditsDebited),
		zap.Error(cause))

	_, err := p.lifecycle.Resolve(ctx, job.Id, Result{
		Success: false,
		Message: "Provider submission failed: " + cause.Error(),
		Refund:  true,
	})
	if err != nil {
		zap.L().Error("Failed to record provider failure, refunding directly",
			zap.String("job_id", job.Id),
			zap.String("user_id", job.OwnerUserId),
			zap.Error(err))
		if _, refundErr := p.ledger.Refund(ctx, job.OwnerUserId, job.CreditsDebited, job.Id); refundErr != nil {
			zap.L().Error("Compensation refund failed",
				zap.String("job_id", job.Id),
				zap.String("user_id", job.OwnerUserId),
				zap.Int64("credits", job.CreditsDebited),
				zap.Error(refundErr))
		}
	}

	return &Error{Kind: KindProviderError, Reason: ReasonProviderError, Err: fmt.Errorf("%w: %v", ErrProviderSubmission, cause)}
}

func requestId(meta *models.RequestMeta) string {
	if meta == nil {
		return ""
	}
	return meta.RequestId
}

func admissionResult(reason string) string {
	switch reason {
	case admission.ReasonCooldown:
		return "cooldown"
	case admission.ReasonTooMany:
		return "too_many"
	default:
		return "rejected"
	}
}

// GetJob returns one of the user's jobs. Jobs owned by someone else are
// reported as not found.
func (p *Pipeline) GetJob(ctx context.Context, userId, jobId string) (*models.JobRecord, error) {
	if userId == "" {
		return nil, ErrSignInRequired
	}
	job, err := p.db.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if job.OwnerUserId != userId {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobId)
	}
	return job, nil
}

// ListJobs returns the user's jobs, newest first.
func (p *Pipeline) ListJobs(ctx context.Context, userId string, limit, offset int) ([]models.JobRecord, error) {
	if userId == "" {
		return nil, ErrSignInRequired
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return p.db.ListJobs(ctx, userId, limit, offset)
}
