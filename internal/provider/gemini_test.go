package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
)

type fakeGenerator struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return f.resp, f.err
}

func TestGeminiAdapter_ReturnsInlineBlob(t *testing.T) {
	adapter := &GeminiAdapter{model: &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("here is your image"),
				genai.Blob{MIMEType: "image/png", Data: []byte{0x89, 0x50}},
			}},
		}},
	}}}

	outcome, err := adapter.Submit(context.Background(), "job-1", ImageInput{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if outcome.Status != CompletedImmediately {
		t.Errorf("Expected CompletedImmediately, got %s", outcome.Status)
	}
	if outcome.MIMEType != "image/png" || len(outcome.Data) != 2 {
		t.Errorf("Unexpected outcome %+v", outcome)
	}
}

func TestGeminiAdapter_NoBlobIsError(t *testing.T) {
	adapter := &GeminiAdapter{model: &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text("no")}}}},
	}}}

	if _, err := adapter.Submit(context.Background(), "job-1", ImageInput{Prompt: "a cat"}); err == nil {
		t.Error("Expected error when no image is returned")
	}
}

func TestGeminiAdapter_PropagatesError(t *testing.T) {
	boom := errors.New("quota exceeded")
	adapter := &GeminiAdapter{model: &fakeGenerator{err: boom}}

	if _, err := adapter.Submit(context.Background(), "job-1", ImageInput{Prompt: "a cat"}); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped generation error, got %v", err)
	}
}
