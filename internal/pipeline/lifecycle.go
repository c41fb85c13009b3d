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

	"creditgen-go/internal/events"
	"creditgen-go/internal/ledger"
	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

// Result is a terminal verdict for a queued job.
type Result struct {
	Success  bool
	Artifact string
	Message  string
	Refund   bool
}

// PlanTransition is the job state machine. A terminal job yields nil (a
// duplicate delivery). Success completes the job in place, or for kinds that
// derive a new record, creates a completed record and supersedes the
// original. Failure marks the job failed, refunding what is still charged
// when result.Refund is set.
func PlanTransition(job *models.JobRecord, result Result, spec KindSpec, now time.Time) *store.JobTransition {
	if job.State.IsTerminal() {
		return nil
	}

	if result.Success {
		if !spec.DerivesNewRecord {
			return &store.JobTransition{State: models.JobCompleted, Artifact: result.Artifact}
		}
		return &store.JobTransition{
			State: models.JobSuperseded,
			Derived: &models.JobRecord{
				OwnerUserId:       job.OwnerUserId,
				Kind:              job.Kind,
				State:             models.JobCompleted,
				SourceReference:   job.SourceReference,
				ArtifactReference: result.Artifact,
				PromptText:        job.PromptText,
				DerivedFrom:       job.Id,
				CreatedAt:         now,
			},
		}
	}

	message := result.Message
	if message == "" {
		message = "Generation failed"
	}
	transition := &store.JobTransition{State: models.JobFailed, ErrorMessage: message}
	if owed := job.NetCharge(); result.Refund && owed > 0 {
		transition.Refund = owed
		transition.RefundReference = ledger.RefundReference(job.Id)
	}
	return transition
}

// Lifecycle applies terminal verdicts through the store with bounded retry
// on contention and publishes the resulting events.
type Lifecycle struct {
	db        store.PipelineStore
	kinds     *Registry
	publisher events.Publisher
	policy    retrypolicy.RetryPolicy[*store.TransitionResult]
	now       func() time.Time
}

func NewLifecycle(db store.PipelineStore, kinds *Registry, publisher events.Publisher, maxRetries int, retryDelay time.Duration) *Lifecycle {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	builder := retrypolicy.NewBuilder[*store.TransitionResult]().
		HandleIf(func(_ *store.TransitionResult, err error) bool {
			return errors.Is(err, store.ErrConcurrentModification)
		}).
		WithMaxRetries(maxRetries).
		ReturnLastFailure()
	if retryDelay > 0 {
		builder = builder.WithBackoff(retryDelay, retryDelay*8).WithJitterFactor(0.1)
	}

	return &Lifecycle{
		db:        db,
		kinds:     kinds,
		publisher: publisher,
		policy:    builder.Build(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Resolve applies result to the job. A job that is already terminal is
// left untouched and reported with Applied false.
func (l *Lifecycle) Resolve(ctx context.Context, jobId string, result Result) (*store.TransitionResult, error) {
	res, err := failsafe.With(l.policy).WithContext(ctx).Get(func() (*store.TransitionResult, error) {
		return l.db.ApplyTransition(ctx, jobId, func(current *models.JobRecord) (*store.JobTransition, error) {
			return PlanTransition(current, result, l.kinds.Spec(current.Kind), l.now()), nil
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return nil, fmt.Errorf("%w: job %s: %v", ErrReconciliationContention, jobId, err)
		}
		return nil, err
	}

	if res.Applied {
		l.publish(ctx, res)
	} else {
		zap.L().Info("Job already terminal, transition skipped",
			zap.String("job_id", jobId),
			zap.String("state", string(res.Job.State)))
	}
	return res, nil
}

func (l *Lifecycle) publish(ctx context.Context, res *store.TransitionResult) {
	switch res.Job.State {
	case models.JobCompleted:
		l.publisher.Publish(ctx, events.NewJobEvent(models.EventJobCompleted, res.Job))
	case models.JobFailed:
		l.publisher.Publish(ctx, events.NewJobEvent(models.EventJobFailed, res.Job))
	case models.JobSuperseded:
		l.publisher.Publish(ctx, events.NewJobEvent(models.EventJobSuperseded, res.Job))
	}
	if res.Derived != nil {
		l.publisher.Publish(ctx, events.NewJobEvent(models.EventJobCompleted, res.Derived))
	}
	if res.RefundBalance > 0 {
		event := events.NewJobEvent(models.EventCreditsRefunded, res.Job)
		event.Credits = res.Job.CreditsRefunded
		l.publisher.Publish(ctx, event)
	}
}
