// Package llmclient defines the narrow LLM Provider Contract from spec.md
// §6 ("complete(model_id, prompt, timeout) -> text | error") and the
// concrete provider backends behind it, modeled on the teacher's
// internal/perception client_factory.go + client_gemini.go pattern: one
// small interface, one constructor per provider, selected at startup by
// config/env detection.
package llmclient

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Response carries the provider's raw text plus enough error surface for
// the Error Classifier (C14) to decide retry policy, per spec.md §6:
// "the caller must be able to observe HTTP status code on
// response.status_code or the raw message text."
type Response struct {
	Text       string
	StatusCode int
	RawMessage string
}

// Provider is the LLM Provider Contract.
type Provider interface {
	// Name identifies the provider for logging/rotation bookkeeping.
	Name() string
	// Complete performs a single logical completion call.
	Complete(ctx context.Context, model, systemPrompt, userPrompt string, timeout time.Duration) (Response, error)
}

// ProviderKind enumerates the supported backends.
type ProviderKind string

const (
	KindGemini     ProviderKind = "gemini"
	KindOpenAI     ProviderKind = "openai"
	KindOpenRouter ProviderKind = "openrouter"
)

// DetectFromEnv picks a provider kind + API key from environment
// variables, mirroring the teacher's DetectProvider() priority order
// (spec.md leaves provider selection to the surrounding CLI wrapper; we
// follow the teacher's env-var convention for the reference
// implementation's default wiring).
func DetectFromEnv() (ProviderKind, string, error) {
	for _, p := range []struct {
		kind   ProviderKind
		envVar string
	}{
		{KindGemini, "GEMINI_API_KEY"},
		{KindOpenAI, "OPENAI_API_KEY"},
		{KindOpenRouter, "OPENROUTER_API_KEY"},
	} {
		if key := os.Getenv(p.envVar); key != "" {
			return p.kind, key, nil
		}
	}
	return "", "", fmt.Errorf("llmclient: no API key found; set one of GEMINI_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY")
}

// New constructs the Provider for kind.
func New(kind ProviderKind, apiKey, baseURL string) (Provider, error) {
	switch kind {
	case KindGemini:
		return NewGeminiProvider(apiKey)
	case KindOpenAI:
		return NewOpenAIProvider(apiKey, baseURL)
	case KindOpenRouter:
		return NewOpenAIProvider(apiKey, orDefault(baseURL, "https://openrouter.ai/api/v1"))
	default:
		return nil, fmt.Errorf("llmclient: unknown provider kind %q", kind)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
