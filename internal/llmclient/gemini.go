package llmclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/forgeloop/orchestrator/internal/logging"
)

// GeminiProvider wraps google.golang.org/genai, grounded on the teacher's
// internal/embedding/genai.go client-construction idiom.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini-backed Provider.
func NewGeminiProvider(apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: gemini API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llmclient: gemini client init: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, model, systemPrompt, userPrompt string, timeout time.Duration) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logging.Get(logging.CategoryInvoker)

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}
	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	resp, err := p.client.Models.GenerateContent(callCtx, model, contents, cfg)
	if err != nil {
		log.Warn("gemini call failed", map[string]interface{}{"model": model, "error": err.Error()})
		return Response{RawMessage: err.Error()}, err
	}

	text := resp.Text()
	return Response{Text: text}, nil
}
