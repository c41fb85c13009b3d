package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner, extra ...any) (*models.JobRecord, error) {
	var job models.JobRecord
	var providerJobId sql.NullString
	dest := []any{&job.Id, &job.OwnerUserId, &job.Kind, &job.State, &job.SourceReference,
		&job.ArtifactReference, &providerJobId, &job.PromptText, &job.ErrorMessage,
		&job.CreditsDebited, &job.CreditsRefunded, &job.BalanceAfterDebit, &job.AdmissionToken,
		&job.DerivedFrom, &job.Position, &job.Version, &job.CreatedAt, &job.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	job.ProviderJobId = providerJobId.String
	return &job, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func (s *Service) insertJob(ctx context.Context, exec execer, job *models.JobRecord) error {
	if job.OwnerUserId == "" {
		return fmt.Errorf("job owner cannot be empty")
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("invalid job kind %q", job.Kind)
	}
	if job.State == "" {
		job.State = models.JobQueued
	}
	if job.Id == "" {
		job.Id = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	job.Version = 1

	var err error
	if job.Position == 0 {
		err = exec.QueryRowContext(ctx, queryInsertJobAppend, s.namespace,
			job.Id, job.OwnerUserId, job.Kind, job.State, job.SourceReference, job.ArtifactReference,
			nullable(job.ProviderJobId), job.PromptText, job.ErrorMessage, job.CreditsDebited,
			job.CreditsRefunded, job.BalanceAfterDebit, job.AdmissionToken, job.DerivedFrom,
			job.CreatedAt.UnixMicro(), s.namespace, job.OwnerUserId,
			job.Version, job.CreatedAt, job.UpdatedAt).Scan(&job.Position)
	} else {
		_, err = exec.ExecContext(ctx, queryInsertJob, s.namespace,
			job.Id, job.OwnerUserId, job.Kind, job.State, job.SourceReference, job.ArtifactReference,
			nullable(job.ProviderJobId), job.PromptText, job.ErrorMessage, job.CreditsDebited,
			job.CreditsRefunded, job.BalanceAfterDebit, job.AdmissionToken, job.DerivedFrom,
			job.Position, job.Version, job.CreatedAt, job.UpdatedAt)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s or provider job %s already exists", store.ErrDuplicateTransaction, job.Id, job.ProviderJobId)
		}
		return fmt.Errorf("failed to insert job: %w", mapSQLiteError(err))
	}
	return nil
}

// CreateJob persists a new job record, filling id, timestamps and position when unset
func (s *Service) CreateJob(ctx context.Context, job *models.JobRecord) error {
	if err := s.insertJob(ctx, s.db, job); err != nil {
		return err
	}
	zap.L().Info("Job record created",
		zap.String("job_id", job.Id),
		zap.String("user_id", job.OwnerUserId),
		zap.String("kind", string(job.Kind)),
		zap.String("state", string(job.State)))
	return nil
}

// GetJob returns a job record with its group orders
func (s *Service) GetJob(ctx context.Context, jobId string) (*models.JobRecord, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, s.namespace, jobId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	groups, err := s.getJobGroups(ctx, jobId)
	if err != nil {
		return nil, err
	}
	job.GroupOrder = groups
	return job, nil
}

func (s *Service) getJobGroups(ctx context.Context, jobId string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, queryGetJobGroups, s.namespace, jobId)
	if err != nil {
		return nil, fmt.Errorf("failed to get job groups: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var groups map[string]int64
	for rows.Next() {
		var groupId string
		var orderIndex int64
		if err := rows.Scan(&groupId, &orderIndex); err != nil {
			return nil, fmt.Errorf("failed to scan group membership: %w", err)
		}
		if groups == nil {
			groups = make(map[string]int64)
		}
		groups[groupId] = orderIndex
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group rows: %w", err)
	}
	return groups, nil
}

func (s *Service) queryJobs(ctx context.Context, query string, args ...any) ([]models.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during job row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// ListJobs returns a user's jobs, newest first
func (s *Service) ListJobs(ctx context.Context, userId string, limit, offset int) ([]models.JobRecord, error) {
	return s.queryJobs(ctx, queryListJobs, s.namespace, userId, limit, offset)
}

// ListStaleQueued returns queued jobs created before olderThan, oldest first
func (s *Service) ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]models.JobRecord, error) {
	return s.queryJobs(ctx, queryListStaleQueued, s.namespace, olderThan.UTC(), limit)
}

// AttachProviderJobID sets the provider job id once; it can never be replaced
func (s *Service) AttachProviderJobID(ctx context.Context, jobId, providerJobId string) error {
	if providerJobId == "" {
		return fmt.Errorf("provider job id cannot be empty")
	}

	result, err := s.db.ExecContext(ctx, queryAttachProviderJobId, providerJobId, time.Now().UTC(), s.namespace, jobId)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: provider job %s belongs to another job", store.ErrProviderJobAttached, providerJobId)
		}
		return fmt.Errorf("failed to attach provider job id: %w", mapSQLiteError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetJob(ctx, jobId); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s", store.ErrProviderJobAttached, jobId)
	}

	zap.L().Debug("Provider job attached",
		zap.String("job_id", jobId),
		zap.String("provider_job_id", providerJobId))
	return nil
}

// FindJobByProviderID returns the most recent job carrying the provider job id
func (s *Service) FindJobByProviderID(ctx context.Context, providerJobId string) (*models.JobRecord, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryFindJobByProviderId, s.namespace, providerJobId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider job %s", store.ErrJobNotFound, providerJobId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job by provider id: %w", err)
	}
	return job, nil
}

// ApplyTransition re-reads the job inside a transaction, asks plan what to do
// and persists the state change, any derived record and any refund atomically.
func (s *Service) ApplyTransition(ctx context.Context, jobId string, plan store.TransitionPlanner) (*store.TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRowContext(ctx, queryGetJob, s.namespace, jobId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", mapSQLiteError(err))
	}

	transition, err := plan(current)
	if err != nil {
		return nil, err
	}
	if transition == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
		}
		return &store.TransitionResult{Applied: false, Job: current}, nil
	}

	if !current.State.CanTransition(transition.State) {
		return nil, fmt.Errorf("%w: %s -> %s for job %s", store.ErrInvalidTransition, current.State, transition.State, jobId)
	}

	// A refund journaled outside the transition (the direct compensation path)
	// is recorded on the job instead of being credited a second time.
	refund := transition.Refund
	creditRefund := refund > 0
	if creditRefund && transition.RefundReference != "" {
		prior, found, err := s.credits.referencedAmount(ctx, tx, transition.RefundReference)
		if err != nil {
			return nil, err
		}
		if found {
			creditRefund = false
			refund = min(prior, refund)
			zap.L().Info("Refund already journaled, recording it on the job",
				zap.String("job_id", jobId),
				zap.String("reference", transition.RefundReference),
				zap.Int64("amount", refund))
		}
	}

	now := time.Now().UTC()
	updated := *current
	updated.State = transition.State
	if transition.Artifact != "" {
		updated.ArtifactReference = transition.Artifact
	}
	if transition.ErrorMessage != "" {
		updated.ErrorMessage = transition.ErrorMessage
	}
	updated.CreditsRefunded += refund
	updated.Version++
	updated.UpdatedAt = now

	result, err := tx.ExecContext(ctx, queryUpdateJobState, updated.State, updated.ArtifactReference,
		updated.ErrorMessage, refund, now, s.namespace, jobId, current.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update job state: %w", mapSQLiteError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("job update failed - %w", store.ErrConcurrentModification)
	}

	res := &store.TransitionResult{Applied: true, Job: &updated}

	if transition.Derived != nil {
		if err := s.insertJob(ctx, tx, transition.Derived); err != nil {
			return nil, err
		}
		res.Derived = transition.Derived
	}

	if creditRefund {
		credit, err := s.credits.applyCredit(ctx, tx, store.CreditParams{
			UserId:          current.OwnerUserId,
			Amount:          refund,
			TransactionType: models.CreditTypeRefund,
			Reference:       transition.RefundReference,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to refund job %s: %w", jobId, err)
		}
		res.RefundBalance = credit.BalanceAfter
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
	}

	zap.L().Info("Job transition applied",
		zap.String("job_id", jobId),
		zap.String("user_id", current.OwnerUserId),
		zap.String("from", string(current.State)),
		zap.String("to", string(updated.State)),
		zap.Int64("refund", refund))

	return res, nil
}
