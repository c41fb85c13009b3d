package store

import (
	"context"
	"errors"
	"time"

	"creditgen-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrJobNotFound            = errors.New("job not found")
	ErrInvalidTransition      = errors.New("invalid job state transition")
	ErrProviderJobAttached    = errors.New("provider job id already attached")
	ErrNotOwner               = errors.New("record not owned by user")
	ErrNotOrderable           = errors.New("record cannot be ordered")
	ErrStaleOrder             = errors.New("order list does not match stored assets")
)

// CreditParams describes one balance mutation. Amount is always positive;
// the direction comes from TransactionType.
type CreditParams struct {
	UserId          string
	Amount          int64
	TransactionType string
	Reference       string
	StartingBalance int64
}

// JobTransition is the change a planner wants applied to a queued record.
type JobTransition struct {
	State           models.JobState
	Artifact        string
	ErrorMessage    string
	Refund          int64
	RefundReference string
	Derived         *models.JobRecord
}

// TransitionPlanner inspects the freshly read record inside the transaction.
// Returning a nil transition commits a no-op. Planners must not call back
// into the store.
type TransitionPlanner func(current *models.JobRecord) (*JobTransition, error)

// TransitionResult reports what ApplyTransition persisted.
type TransitionResult struct {
	Applied       bool
	Job           *models.JobRecord
	Derived       *models.JobRecord
	RefundBalance int64
}

// OrderScope selects the global order of a user's assets or one of their groups.
type OrderScope struct {
	UserId  string
	GroupId string
}

// PositionPlanner receives the stored keys of the listed assets (assets that
// are not yet members of a group are absent) and returns the keys to write.
type PositionPlanner func(current map[string]int64) (map[string]int64, error)

// PipelineStore defines the contract that every backend must satisfy.
type PipelineStore interface {
	// --- Credits ---
	GetBalance(ctx context.Context, userId string, startingBalance int64) (int64, error)
	DebitCredits(ctx context.Context, params CreditParams) (*models.CreditTransaction, error)
	AddCredits(ctx context.Context, params CreditParams) (*models.CreditTransaction, error)
	GetCreditHistory(ctx context.Context, userId string, limit, offset int) ([]models.CreditTransaction, error)

	// --- Jobs ---
	CreateJob(ctx context.Context, job *models.JobRecord) error
	GetJob(ctx context.Context, jobId string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, userId string, limit, offset int) ([]models.JobRecord, error)
	AttachProviderJobID(ctx context.Context, jobId, providerJobId string) error
	FindJobByProviderID(ctx context.Context, providerJobId string) (*models.JobRecord, error)
	ApplyTransition(ctx context.Context, jobId string, plan TransitionPlanner) (*TransitionResult, error)
	ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]models.JobRecord, error)

	// --- Ordering ---
	ListOrdered(ctx context.Context, scope OrderScope) ([]models.JobRecord, error)
	UpdatePositions(ctx context.Context, scope OrderScope, ids []string, replaceMembers bool, plan PositionPlanner) error

	// --- Lifecycle ---
	Ping(ctx context.Context) error
	Close()
}
