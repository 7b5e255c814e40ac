package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/forgeloop/orchestrator/internal/logging"
)

// OpenAIProvider wraps github.com/openai/openai-go. It also serves
// OpenRouter, since OpenRouter's API is OpenAI-compatible and only needs a
// different base URL (spec.md §6 mentions OpenRouter-qualified error
// tokens but does not require a distinct wire format).
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI-compatible Provider. baseURL is
// optional; when empty, the SDK's default (api.openai.com) is used.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: openai API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, model, systemPrompt, userPrompt string, timeout time.Duration) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logging.Get(logging.CategoryInvoker)

	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	resp, err := p.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		log.Warn("openai call failed", map[string]interface{}{"model": model, "error": err.Error()})
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{StatusCode: apiErr.StatusCode, RawMessage: apiErr.Error()}, err
		}
		return Response{RawMessage: err.Error()}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("llmclient: openai returned zero choices")
	}
	return Response{Text: resp.Choices[0].Message.Content}, nil
}
