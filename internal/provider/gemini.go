package provider

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// contentGenerator is the part of *genai.GenerativeModel the adapter uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiAdapter generates images synchronously, so every successful call
// completes immediately with inline bytes.
type GeminiAdapter struct {
	client *genai.Client
	model  contentGenerator
	name   string
}

func NewGeminiAdapter(ctx context.Context, apiKey, modelName string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key cannot be empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("unable to create gemini client: %w", err)
	}

	return &GeminiAdapter{
		client: client,
		model:  client.GenerativeModel(modelName),
		name:   modelName,
	}, nil
}

func (a *GeminiAdapter) Submit(ctx context.Context, jobId string, input ImageInput) (Outcome, error) {
	resp, err := a.model.GenerateContent(ctx, genai.Text(input.Prompt))
	if err != nil {
		return Outcome{}, fmt.Errorf("gemini generation failed: %w", err)
	}

	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			blob, ok := part.(genai.Blob)
			if !ok || len(blob.Data) == 0 {
				continue
			}
			zap.L().Info("Gemini returned inline artifact",
				zap.String("job_id", jobId),
				zap.String("model", a.name),
				zap.String("mime_type", blob.MIMEType),
				zap.Int("bytes", len(blob.Data)))
			return Outcome{
				Status:   CompletedImmediately,
				Data:     blob.Data,
				MIMEType: blob.MIMEType,
			}, nil
		}
	}

	return Outcome{}, fmt.Errorf("gemini response contained no image")
}

func (a *GeminiAdapter) Close() {
	if a.client == nil {
		return
	}
	if err := a.client.Close(); err != nil {
		zap.L().Warn("Failed to close gemini client", zap.Error(err))
	}
}
