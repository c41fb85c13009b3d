package models

import "time"

// Lifecycle event types
const (
	EventJobQueued       = "job.queued"
	EventJobCompleted    = "job.completed"
	EventJobFailed       = "job.failed"
	EventJobSuperseded   = "job.superseded"
	EventCreditsRefunded = "credits.refunded"
)

// JobEvent is published after a job record changes state
type JobEvent struct {
	EventId           string    `json:"event_id"`
	Type              string    `json:"type"`
	JobId             string    `json:"job_id"`
	UserId            string    `json:"user_id"`
	Kind              MediaKind `json:"kind"`
	State             JobState  `json:"state"`
	ProviderJobId     string    `json:"provider_job_id,omitempty"`
	ArtifactReference string    `json:"artifact_reference,omitempty"`
	Credits           int64     `json:"credits,omitempty"`
	Message           string    `json:"message,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// WebhookStatus is the provider's terminal verdict
type WebhookStatus string

const (
	WebhookOK    WebhookStatus = "OK"
	WebhookError WebhookStatus = "ERROR"
)

// WebhookNotification is the provider callback payload
type WebhookNotification struct {
	ProviderJobId string        `json:"providerJobId" binding:"required"`
	Status        WebhookStatus `json:"status" binding:"required"`
	ArtifactURL   string        `json:"artifactUrl,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	JobHint       string        `json:"-"`
}
