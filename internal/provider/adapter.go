package provider

import (
	"context"
)

// Status is the kind of outcome a provider returned for a submission
type Status int

const (
	// Queued means the provider accepted the job and will call back later.
	Queued Status = iota
	// CompletedImmediately means the artifact is already available and no
	// callback will ever arrive.
	CompletedImmediately
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case CompletedImmediately:
		return "completed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a successful submission. A completed outcome
// carries either an ArtifactURL or inline Data.
type Outcome struct {
	Status        Status
	ProviderJobID string
	ArtifactURL   string
	Data          []byte
	MIMEType      string
}

// Adapter submits one typed request to an external generation capability.
// jobId is the local record id, passed along so callbacks can be correlated
// before the provider job id is attached.
type Adapter[In any] interface {
	Submit(ctx context.Context, jobId string, input In) (Outcome, error)
}

// ImageInput requests a text-to-image generation
type ImageInput struct {
	Prompt string
	Size   string
	Count  int
}

// VideoInput requests an image-to-video generation
type VideoInput struct {
	Prompt          string
	SourceURL       string
	DurationSeconds int
}

// EditInput requests an edit of an existing image
type EditInput struct {
	Prompt    string
	SourceURL string
}

// ImagePayload is the queue request body for image generation.
func ImagePayload(in ImageInput) map[string]any {
	payload := map[string]any{"prompt": in.Prompt}
	if in.Size != "" {
		payload["image_size"] = in.Size
	}
	if in.Count > 0 {
		payload["num_images"] = in.Count
	}
	return payload
}

// VideoPayload is the queue request body for video generation.
func VideoPayload(in VideoInput) map[string]any {
	payload := map[string]any{
		"prompt":    in.Prompt,
		"image_url": in.SourceURL,
	}
	if in.DurationSeconds > 0 {
		payload["duration"] = in.DurationSeconds
	}
	return payload
}

// EditPayload is the queue request body for image edits.
func EditPayload(in EditInput) map[string]any {
	return map[string]any{
		"prompt":    in.Prompt,
		"image_url": in.SourceURL,
	}
}
