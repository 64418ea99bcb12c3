package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIGenerator implements Generator with the OpenAI chat completions API.
// The image is passed by URL, so requests need ImageURL.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	schema      map[string]interface{}
	retry       RetryConfig
}

// NewOpenAIGenerator creates an OpenAI generator.
func NewOpenAIGenerator(cfg Config) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for openai")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for openai")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for openai")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAIGenerator{
		client:      &client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		schema:      cfg.ResponseSchema,
		retry:       cfg.Retry,
	}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(req.Prompt),
	}
	if req.ImageURL != "" {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: req.ImageURL,
		}))
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(g.model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
		MaxTokens:   openai.Int(int64(g.maxTokens)),
		Temperature: openai.Float(float64(g.temperature)),
	}
	if g.schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "candidate",
					Schema: g.schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	var resp *openai.ChatCompletion
	err := withRetry(ctx, g.retry, "openai", func() error {
		var callErr error
		resp, callErr = g.client.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result := &Response{
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	choice := resp.Choices[0]
	result.Content = choice.Message.Content
	result.StopReason = string(choice.FinishReason)
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("openai refused: %s", choice.Message.Refusal)
	}
	return result, nil
}
