package ai

import (
	"context"
	"fmt"
	"os"
)

// Parameters are the sampling parameters of a completion request.
type Parameters struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// CompletionRequest is a single system+user chat completion.
type CompletionRequest struct {
	Model      string
	System     string
	Prompt     string
	Parameters Parameters
	JSON       bool // ask for a JSON object response where the provider supports it
}

// Completion is the text and token usage of a completion.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// NewProvider creates a provider by name, reading its API key from the environment.
func NewProvider(name string) (Provider, error) {
	switch name {
	case "claude", "anthropic":
		key, err := apiKey("UITESTGEN_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewClaudeProvider(key), nil
	case "openai", "gpt":
		key, err := apiKey("UITESTGEN_OPENAI_KEY", "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(key, os.Getenv("UITESTGEN_OPENAI_BASE_URL")), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: claude, openai)", name)
	}
}

func apiKey(vars ...string) (string, error) {
	for _, v := range vars {
		if key := os.Getenv(v); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: set %s or %s", ErrMissingAPIKey, vars[0], vars[1])
}
