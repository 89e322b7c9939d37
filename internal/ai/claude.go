package ai

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ClaudeProvider implements Provider using Anthropic's Claude.
type ClaudeProvider struct {
	client *anthropic.Client
}

// NewClaudeProvider creates a Claude provider. The SDK's own retries are
// disabled; the Engine owns retry and circuit breaking.
func NewClaudeProvider(apiKey string, opts ...option.RequestOption) *ClaudeProvider {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	client := anthropic.NewClient(opts...)
	return &ClaudeProvider{client: &client}
}

func (p *ClaudeProvider) Name() string { return "claude" }

// Complete sends one message and returns the first text block.
func (p *ClaudeProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.Parameters.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	// Claude rejects requests that set both temperature and a non-default top_p.
	if req.Parameters.TopP > 0 && req.Parameters.TopP < 1 {
		params.TopP = anthropic.Float(req.Parameters.TopP)
	} else {
		params.Temperature = anthropic.Float(req.Parameters.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("Claude API error: %w", err)
	}

	// Extract text content
	var responseText string
	for _, block := range resp.Content {
		if block.Type == "text" {
			responseText = block.Text
			break
		}
	}

	if responseText == "" {
		return nil, fmt.Errorf("%w from Claude", ErrEmptyCompletion)
	}

	return &Completion{
		Text:             responseText,
		Model:            string(resp.Model),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}
