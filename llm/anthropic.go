package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator implements Generator using the official Anthropic SDK.
// The messages API has no structured-output mode, so the response schema is
// appended to the prompt instead.
type AnthropicGenerator struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	temperature float32
	schemaText  string
	retry       RetryConfig
}

// NewAnthropicGenerator creates an Anthropic generator.
func NewAnthropicGenerator(cfg Config) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for anthropic")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for anthropic")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for anthropic")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	var schemaText string
	if cfg.ResponseSchema != nil {
		data, err := json.Marshal(cfg.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal response schema: %w", err)
		}
		schemaText = string(data)
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicGenerator{
		client:      &client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		schemaText:  schemaText,
		retry:       cfg.Retry,
	}, nil
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	prompt := req.Prompt
	if g.schemaText != "" {
		prompt += "\n\nJSON SCHEMA:\n" + g.schemaText
	}

	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)}
	if req.ImageURL != "" {
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: req.ImageURL}))
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   int64(g.maxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(float64(g.temperature)),
	}

	var resp *anthropic.Message
	err := withRetry(ctx, g.retry, "anthropic", func() error {
		var callErr error
		resp, callErr = g.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result := &Response{
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        string(resp.Model),
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.Content += block.Text
		}
	}
	return result, nil
}
