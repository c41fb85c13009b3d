package models

import (
	"time"
)

// Submission statuses returned to clients
const (
	SubmitStatusInQueue   = "IN_QUEUE"
	SubmitStatusCompleted = "COMPLETED"
)

// SubmitResult represents the outcome of an accepted submission
type SubmitResult struct {
	Status            string    `json:"status"`
	JobId             string    `json:"job_id"`
	Kind              MediaKind `json:"kind"`
	ArtifactReference string    `json:"artifact_reference,omitempty"`
	Balance           int64     `json:"balance"`
}

// JobView is the polling representation of a job record
type JobView struct {
	Id                string           `json:"id"`
	Kind              MediaKind        `json:"kind"`
	State             JobState         `json:"state"`
	PromptText        string           `json:"prompt,omitempty"`
	SourceReference   string           `json:"source_reference,omitempty"`
	ArtifactReference string           `json:"artifact_reference,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	CreditsDebited    int64            `json:"credits_debited"`
	CreditsRefunded   int64            `json:"credits_refunded"`
	Position          int64            `json:"position"`
	GroupOrder        map[string]int64 `json:"group_order,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// NewJobView builds the client view of a job record.
func NewJobView(j *JobRecord) JobView {
	return JobView{
		Id:                j.Id,
		Kind:              j.Kind,
		State:             j.State,
		PromptText:        j.PromptText,
		SourceReference:   j.SourceReference,
		ArtifactReference: j.ArtifactReference,
		ErrorMessage:      j.ErrorMessage,
		CreditsDebited:    j.CreditsDebited,
		CreditsRefunded:   j.CreditsRefunded,
		Position:          j.Position,
		GroupOrder:        j.GroupOrder,
		CreatedAt:         j.CreatedAt,
	}
}

// BalanceResult represents a user's current credit balance
type BalanceResult struct {
	UserId  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// TopUpResult represents the result of converting a payment into credits
type TopUpResult struct {
	Success    bool   `json:"success"`
	UserId     string `json:"user_id,omitempty"`
	Credits    int64  `json:"credits"`
	NewBalance int64  `json:"new_balance"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}
