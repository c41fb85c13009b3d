package models

import (
	"time"
)

// MediaKind identifies what a job produces
type MediaKind string

const (
	KindImage     MediaKind = "image"
	KindVideo     MediaKind = "video"
	KindImageEdit MediaKind = "image-edit"
)

// Valid reports whether k is one of the supported media kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindImageEdit:
		return true
	}
	return false
}

// JobState is the lifecycle state of a job record
type JobState string

const (
	JobQueued     JobState = "queued"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobSuperseded JobState = "superseded"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobSuperseded
}

// CanTransition reports whether moving from s to next is legal.
// Only queued records move, and superseded is reached exclusively by a
// successful derived-record transition.
func (s JobState) CanTransition(next JobState) bool {
	if s != JobQueued {
		return false
	}
	switch next {
	case JobCompleted, JobFailed, JobSuperseded:
		return true
	}
	return false
}

// CreditAccount represents a user's spendable balance (hot data)
type CreditAccount struct {
	Namespace string    `db:"namespace"`
	UserId    string    `db:"user_id"`
	Balance   int64     `db:"balance"`
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Credit transaction types
const (
	CreditTypeGrant  = "grant"
	CreditTypeDebit  = "debit"
	CreditTypeRefund = "refund"
	CreditTypeTopUp  = "topup"
)

// CreditTransaction represents immutable credit history (cold data)
type CreditTransaction struct {
	Id              string    `db:"id" json:"id"`
	UserId          string    `db:"user_id" json:"user_id"`
	TransactionType string    `db:"transaction_type" json:"type"`
	Amount          int64     `db:"amount" json:"amount"`
	BalanceBefore   int64     `db:"balance_before" json:"balance_before"`
	BalanceAfter    int64     `db:"balance_after" json:"balance_after"`
	Reference       string    `db:"reference" json:"reference,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// JobRecord is one billed generation or edit request and its outcome
type JobRecord struct {
	Id                string           `db:"id"`
	OwnerUserId       string           `db:"owner_user_id"`
	Kind              MediaKind        `db:"kind"`
	State             JobState         `db:"state"`
	SourceReference   string           `db:"source_reference"`
	ArtifactReference string           `db:"artifact_reference"`
	ProviderJobId     string           `db:"provider_job_id"`
	PromptText        string           `db:"prompt_text"`
	ErrorMessage      string           `db:"error_message"`
	CreditsDebited    int64            `db:"credits_debited"`
	CreditsRefunded   int64            `db:"credits_refunded"`
	BalanceAfterDebit int64            `db:"balance_after_debit"`
	AdmissionToken    string           `db:"admission_token"`
	DerivedFrom       string           `db:"derived_from"`
	Position          int64            `db:"position"`
	GroupOrder        map[string]int64 `db:"-"`
	Version           int64            `db:"version"`
	CreatedAt         time.Time        `db:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at"`
}

// NetCharge is what the user actually paid for the job.
func (j *JobRecord) NetCharge() int64 {
	return j.CreditsDebited - j.CreditsRefunded
}
