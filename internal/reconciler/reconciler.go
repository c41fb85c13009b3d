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

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"creditgen-go/internal/metrics"
	"creditgen-go/internal/models"
	"creditgen-go/internal/pipeline"
	"creditgen-go/internal/store"

	"go.uber.org/zap"
)

// Config contains configuration for Reconciler
type Config struct {
	DbService       store.PipelineStore
	Lifecycle       *pipeline.Lifecycle
	Artifacts       pipeline.ArtifactStore
	RefundOnFailure bool
	CacheTTL        time.Duration
	CleanupInterval time.Duration
}

// Reconciler maps provider callbacks back to job records and advances them
type Reconciler struct {
	dbService       store.PipelineStore
	lifecycle       *pipeline.Lifecycle
	artifacts       pipeline.ArtifactStore
	refundOnFailure bool

	// Provider job ids that already reached a terminal state
	processedIds    map[string]time.Time
	mutex           sync.RWMutex
	cacheTTL        time.Duration
	cleanupInterval time.Duration

	// Control channels
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewReconciler(cfg Config) *Reconciler {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	return &Reconciler{
		dbService:       cfg.DbService,
		lifecycle:       cfg.Lifecycle,
		artifacts:       cfg.Artifacts,
		refundOnFailure: cfg.RefundOnFailure,
		processedIds:    make(map[string]time.Time),
		cacheTTL:        cfg.CacheTTL,
		cleanupInterval: cfg.CleanupInterval,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start begins periodic cleanup of the processed cache
func (r *Reconciler) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.cleanupLoop(ctx)
	zap.L().Info("Webhook reconciler started",
		zap.Duration("cache_ttl", r.cacheTTL),
		zap.Duration("cleanup_interval", r.cleanupInterval),
		zap.Bool("refund_on_failure", r.refundOnFailure))
}

// Stop gracefully stops the cleanup loop
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.started.Load() {
			<-r.doneChan
		}
		zap.L().Info("Webhook reconciler stopped")
	})
}

// Reconcile applies one provider notification. Duplicate deliveries and
// notifications for jobs already terminal succeed without side effects.
// ErrUnknownJobReference is returned for notifications no record matches;
// ErrReconciliationContention when the transition kept losing races.
func (r *Reconciler) Reconcile(ctx context.Context, n models.WebhookNotification) error {
	if n.ProviderJobId == "" {
		return fmt.Errorf("%w: provider job id is required", pipeline.ErrValidation)
	}
	if n.Status != models.WebhookOK && n.Status != models.WebhookError {
		return fmt.Errorf("%w: unknown status %q", pipeline.ErrValidation, n.Status)
	}

	if r.isProcessed(n.ProviderJobId) {
		metrics.Reconciliations.WithLabelValues("duplicate").Inc()
		zap.L().Info("Duplicate webhook delivery, skipping",
			zap.String("provider_job_id", n.ProviderJobId))
		return nil
	}

	job, err := r.findJob(ctx, n)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownJobReference) {
			metrics.Reconciliations.WithLabelValues("unknown").Inc()
			zap.L().Warn("Webhook for unknown job",
				zap.String("provider_job_id", n.ProviderJobId),
				zap.String("job_hint", n.JobHint),
				zap.String("status", string(n.Status)),
				zap.String("artifact_url", n.ArtifactURL),
				zap.String("error_message", n.ErrorMessage))
		}
		return err
	}

	if job.State.IsTerminal() {
		r.markProcessed(n.ProviderJobId)
		metrics.Reconciliations.WithLabelValues("duplicate").Inc()
		zap.L().Info("Webhook for terminal job, skipping",
			zap.String("job_id", job.Id),
			zap.String("provider_job_id", n.ProviderJobId),
			zap.String("state", string(job.State)))
		return nil
	}

	result := r.verdict(ctx, job, n)
	res, err := r.lifecycle.Resolve(ctx, job.Id, result)
	if err != nil {
		if errors.Is(err, pipeline.ErrReconciliationContention) {
			metrics.Reconciliations.WithLabelValues("contention").Inc()
		}
		zap.L().Error("Failed to reconcile webhook",
			zap.String("job_id", job.Id),
			zap.String("user_id", job.OwnerUserId),
			zap.String("provider_job_id", n.ProviderJobId),
			zap.String("status", string(n.Status)),
			zap.String("artifact_url", n.ArtifactURL),
			zap.String("error_message", n.ErrorMessage),
			zap.Error(err))
		return err
	}

	r.markProcessed(n.ProviderJobId)
	if !res.Applied {
		metrics.Reconciliations.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.Reconciliations.WithLabelValues(string(res.Job.State)).Inc()

	fields := []zap.Field{
		zap.String("job_id", job.Id),
		zap.String("user_id", job.OwnerUserId),
		zap.String("provider_job_id", n.ProviderJobId),
		zap.String("state", string(res.Job.State)),
	}
	if res.Derived != nil {
		fields = append(fields, zap.String("derived_job_id", res.Derived.Id))
	}
	if res.Job.State == models.JobFailed {
		fields = append(fields, zap.String("error_message", res.Job.ErrorMessage), zap.Int64("refunded", res.Job.CreditsRefunded))
	}
	zap.L().Info("Webhook reconciled", fields...)

	return nil
}

// findJob resolves the notification by provider job id, falling back to the
// job hint for a callback that raced the id attach.
func (r *Reconciler) findJob(ctx context.Context, n models.WebhookNotification) (*models.JobRecord, error) {
	job, err := r.dbService.FindJobByProviderID(ctx, n.ProviderJobId)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("failed to look up job: %w", err)
	}
	if n.JobHint == "" {
		return nil, fmt.Errorf("%w: provider job %s", pipeline.ErrUnknownJobReference, n.ProviderJobId)
	}

	job, err = r.dbService.GetJob(ctx, n.JobHint)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: provider job %s, hint %s", pipeline.ErrUnknownJobReference, n.ProviderJobId, n.JobHint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up hinted job: %w", err)
	}
	if job.ProviderJobId != "" && job.ProviderJobId != n.ProviderJobId {
		return nil, fmt.Errorf("%w: hint %s belongs to provider job %s", pipeline.ErrUnknownJobReference, n.JobHint, job.ProviderJobId)
	}

	if job.ProviderJobId == "" {
		if err := r.dbService.AttachProviderJobID(ctx, job.Id, n.ProviderJobId); err != nil && !errors.Is(err, store.ErrProviderJobAttached) {
			zap.L().Warn("Failed to attach provider job id from webhook",
				zap.String("job_id", job.Id),
				zap.String("provider_job_id", n.ProviderJobId),
				zap.Error(err))
		}
	}
	zap.L().Info("Resolved webhook through job hint",
		zap.String("job_id", job.Id),
		zap.String("provider_job_id", n.ProviderJobId))
	return job, nil
}

// verdict turns the notification into a lifecycle result. The artifact is
// copied before the transaction; a failed copy keeps the provider URL.
func (r *Reconciler) verdict(ctx context.Context, job *models.JobRecord, n models.WebhookNotification) pipeline.Result {
	if n.Status == models.WebhookError {
		message := n.ErrorMessage
		if message == "" {
			message = "The provider reported an error"
		}
		return pipeline.Result{Message: message, Refund: r.refundOnFailure}
	}

	if n.ArtifactURL == "" {
		return pipeline.Result{Message: "The provider reported success without an artifact", Refund: r.refundOnFailure}
	}

	artifact := n.ArtifactURL
	if r.artifacts != nil {
		rehosted, err := r.artifacts.Rehost(ctx, job.Kind, n.ProviderJobId, n.ArtifactURL)
		if err != nil {
			zap.L().Warn("Artifact rehost failed, keeping provider url",
				zap.String("job_id", job.Id),
				zap.String("provider_job_id", n.ProviderJobId),
				zap.String("artifact_url", n.ArtifactURL),
				zap.Error(err))
		} else {
			artifact = rehosted
		}
	}
	return pipeline.Result{Success: true, Artifact: artifact}
}

// isProcessed checks if a provider job already reached a terminal state
func (r *Reconciler) isProcessed(providerJobId string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, exists := r.processedIds[providerJobId]
	return exists
}

// markProcessed records a provider job as terminal
func (r *Reconciler) markProcessed(providerJobId string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.processedIds[providerJobId] = time.Now()
}

// cleanupLoop periodically cleans old processed provider job ids
func (r *Reconciler) cleanupLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanupProcessed()
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanupProcessed removes expired entries from the processed cache
func (r *Reconciler) cleanupProcessed() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cutoff := time.Now().Add(-r.cacheTTL)
	cleaned := 0

	for id, processedTime := range r.processedIds {
		if processedTime.Before(cutoff) {
			delete(r.processedIds, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up processed webhook ids",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(r.processedIds)))
	}
}
