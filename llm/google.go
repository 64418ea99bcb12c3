package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// maxInlineImageBytes caps images fetched for inline upload.
const maxInlineImageBytes = 20 << 20

// GoogleGenerator implements Generator with the Gemini SDK. Output is
// constrained to JSON matching the configured schema.
type GoogleGenerator struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	retry     RetryConfig
	inline    bool
	http      *http.Client
}

// NewGoogleGenerator creates a Gemini generator.
func NewGoogleGenerator(cfg Config) (*GoogleGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for google")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for google")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for google")
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetMaxOutputTokens(int32(cfg.MaxTokens))
	model.SetTemperature(cfg.Temperature)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = convertToGeminiSchema(cfg.ResponseSchema)
	model.SafetySettings = safetySettings()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GoogleGenerator{
		client:    client,
		model:     model,
		modelName: cfg.Model,
		retry:     cfg.Retry,
		inline:    cfg.InlineImages,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

func safetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHateSpeech,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryHarassment,
	}
	out := make([]*genai.SafetySetting, len(categories))
	for i, c := range categories {
		out[i] = &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockMediumAndAbove}
	}
	return out
}

// Close closes the underlying client.
func (g *GoogleGenerator) Close() error {
	return g.client.Close()
}

// Generate implements Generator.
func (g *GoogleGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	image, err := g.imagePart(ctx, req)
	if err != nil {
		return nil, err
	}
	parts := []genai.Part{genai.Text(req.Prompt)}
	if image != nil {
		parts = append(parts, image)
	}

	var resp *genai.GenerateContentResponse
	err = withRetry(ctx, g.retry, "google", func() error {
		var callErr error
		resp, callErr = g.model.GenerateContent(ctx, parts...)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result := &Response{Model: g.modelName}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return nil, fmt.Errorf("google blocked prompt: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("google returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason != 0 {
		result.StopReason = candidate.FinishReason.String()
	}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				result.Content += string(text)
			}
		}
	}
	return result, nil
}

// imagePart references the storage URI, or inlines the bytes behind the
// fetch URL when configured to.
func (g *GoogleGenerator) imagePart(ctx context.Context, req Request) (genai.Part, error) {
	if !g.inline || req.ImageURL == "" {
		if req.ImageURI == "" {
			return nil, nil
		}
		return genai.FileData{MIMEType: req.MIMEType, URI: req.ImageURI}, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.ImageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	if len(data) > maxInlineImageBytes {
		return nil, fmt.Errorf("fetch image: larger than %d bytes", maxInlineImageBytes)
	}
	return genai.Blob{MIMEType: req.MIMEType, Data: data}, nil
}
